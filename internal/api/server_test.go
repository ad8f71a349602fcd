package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/fabric"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))

	// Independent keys do not share the budget.
	assert.True(t, rl.Allow("5.6.7.8"))
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	time.Sleep(15 * time.Millisecond)
	assert.True(t, rl.Allow("k"))
}

func TestWhaleFiltersMatch(t *testing.T) {
	payload := fabric.WhaleAlertPayload{Symbol: "BTCUSDT", AmountUSD: 2_000_000}

	tests := []struct {
		name    string
		filters whaleFilters
		want    bool
	}{
		{"no filters", whaleFilters{}, true},
		{"amount below threshold", whaleFilters{MinAmountUSD: 5_000_000}, false},
		{"amount above threshold", whaleFilters{MinAmountUSD: 1_000_000}, true},
		{"symbol match", whaleFilters{Symbol: "BTCUSDT"}, true},
		{"symbol mismatch", whaleFilters{Symbol: "ETHUSDT"}, false},
		{"both match", whaleFilters{MinAmountUSD: 1_000_000, Symbol: "BTCUSDT"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filters.matches(payload))
		})
	}
}

func testServerWithSecret(secret string) *Server {
	return &Server{cfg: &config.Config{Server: config.ServerConfig{JWTSecret: secret}}}
}

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestActorFromToken(t *testing.T) {
	s := testServerWithSecret("test-secret")

	actor, err := s.actorFromToken(signedToken(t, "test-secret", "ops@desk"))
	require.NoError(t, err)
	assert.Equal(t, "ops@desk", actor)

	_, err = s.actorFromToken(signedToken(t, "wrong-secret", "ops@desk"))
	assert.Error(t, err)

	_, err = s.actorFromToken("not-a-token")
	assert.Error(t, err)
}

func TestResolveActorHeaderFallback(t *testing.T) {
	s := testServerWithSecret("")

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/strategies/1/pause", nil)
	c.Request.Header.Set("X-Actor-ID", "operator-7")

	actor, err := s.resolveActor(c)
	require.NoError(t, err)
	assert.Equal(t, "operator-7", actor)

	c.Request.Header.Del("X-Actor-ID")
	_, err = s.resolveActor(c)
	assert.Error(t, err)
}

func TestResolveActorRequiresBearerWithSecret(t *testing.T) {
	s := testServerWithSecret("test-secret")

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/goals/targets", nil)
	c.Request.Header.Set("X-Actor-ID", "operator-7") // header alone is not enough

	_, err := s.resolveActor(c)
	assert.Error(t, err)

	c.Request.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret", "ops"))
	actor, err := s.resolveActor(c)
	require.NoError(t, err)
	assert.Equal(t, "ops", actor)
}

func TestAPIErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	apiError(c, http.StatusConflict, "cap_reached", "active strategy cap 5 reached")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"cap_reached","message":"active strategy cap 5 reached"}}`, rec.Body.String())
}

func TestSnoozeDeadlineParsing(t *testing.T) {
	newCtx := func(query string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/alerts/1/snooze"+query, strings.NewReader(""))
		return c
	}

	future := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	got, err := snoozeDeadline(newCtx("?until=" + future))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), got, time.Minute)

	got, err = snoozeDeadline(newCtx("?until=45m"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(45*time.Minute), got, time.Minute)

	_, err = snoozeDeadline(newCtx(""))
	assert.Error(t, err)

	_, err = snoozeDeadline(newCtx("?until=yesterday"))
	assert.Error(t, err)

	_, err = snoozeDeadline(newCtx("?until=" + time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)))
	assert.Error(t, err)
}

func TestQueryIntDefaults(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/signals/recent?limit=50&hours=abc", nil)

	assert.Equal(t, 50, queryInt(c, "limit", 100))
	assert.Equal(t, 24, queryInt(c, "hours", 24))
	assert.Equal(t, 7, queryInt(c, "days", 7))
}
