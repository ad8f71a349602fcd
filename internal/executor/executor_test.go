package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mastertrade/core/internal/database"
)

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(database.OrderStatusFilled))
	assert.True(t, isTerminal(database.OrderStatusCancelled))
	assert.True(t, isTerminal(database.OrderStatusRejected))
	assert.False(t, isTerminal(database.OrderStatusPending))
	assert.False(t, isTerminal(database.OrderStatusOpen))
	assert.False(t, isTerminal(database.OrderStatusPartiallyFilled))
}

func TestMapExchangeStatus(t *testing.T) {
	tests := []struct {
		exchange, want string
	}{
		{"received", database.OrderStatusPending},
		{"open", database.OrderStatusOpen},
		{"active", database.OrderStatusOpen},
		{"partially_filled", database.OrderStatusPartiallyFilled},
		{"done", database.OrderStatusFilled},
		{"settled", database.OrderStatusFilled},
		{"cancelled", database.OrderStatusCancelled},
		{"canceled", database.OrderStatusCancelled},
		{"weird", database.OrderStatusRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapExchangeStatus(tt.exchange), tt.exchange)
	}
}

func TestIdempotencyCacheKeyNamespaced(t *testing.T) {
	assert.Equal(t, "order:idempotency:abc-123", idempotencyCacheKey("abc-123"))
}
