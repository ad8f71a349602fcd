package database

import "testing"

func TestValidStrategyTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StrategyStatusDraft, StrategyStatusBacktested, true},
		{StrategyStatusBacktested, StrategyStatusPaper, true},
		{StrategyStatusPaper, StrategyStatusActive, true},
		{StrategyStatusActive, StrategyStatusPaused, true},
		{StrategyStatusPaused, StrategyStatusActive, true},
		{StrategyStatusActive, StrategyStatusArchived, true},
		// no edge may skip backtested
		{StrategyStatusDraft, StrategyStatusActive, false},
		{StrategyStatusDraft, StrategyStatusPaper, false},
		{StrategyStatusBacktested, StrategyStatusActive, false},
		// archived is terminal
		{StrategyStatusArchived, StrategyStatusDraft, false},
		{StrategyStatusArchived, StrategyStatusActive, false},
		// no backwards edges
		{StrategyStatusActive, StrategyStatusBacktested, false},
		{StrategyStatusPaper, StrategyStatusBacktested, false},
	}
	for _, tt := range tests {
		if got := ValidStrategyTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidStrategyTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidOrderTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{OrderStatusPending, OrderStatusOpen, true},
		{OrderStatusOpen, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusOpen, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusRejected, true},
		// terminal states admit nothing
		{OrderStatusFilled, OrderStatusOpen, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusRejected, OrderStatusPending, false},
		// no backwards edges
		{OrderStatusOpen, OrderStatusPending, false},
		{OrderStatusPartiallyFilled, OrderStatusOpen, false},
		{"bogus", OrderStatusOpen, false},
	}
	for _, tt := range tests {
		if got := ValidOrderTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidOrderTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
