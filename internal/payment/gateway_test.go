package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGatewayClient(GatewayOptions{
		BaseURL:   srv.URL,
		KeyID:     "key_id",
		KeySecret: "key_secret",
	}, zap.NewNop())
}

func TestVerifyCapturedPayment(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key_id", user)
		require.Equal(t, "key_secret", pass)
		require.Equal(t, "/v1/payments/pay_1", r.URL.Path)
		w.Write([]byte(`{"id":"pay_1","status":"captured","amount":240,"currency":"USD"}`))
	})

	assert.NoError(t, c.Verify(context.Background(), "pay_1", 240, "USD"))
}

func TestVerifyRejectsUncaptured(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"pay_1","status":"authorized","amount":240,"currency":"USD"}`))
	})

	assert.ErrorIs(t, c.Verify(context.Background(), "pay_1", 240, "USD"), ErrNotCaptured)
}

func TestVerifyRejectsLowAmount(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"pay_1","status":"captured","amount":100,"currency":"USD"}`))
	})

	assert.ErrorIs(t, c.Verify(context.Background(), "pay_1", 240, "USD"), ErrAmountTooLow)
}

func TestVerifyRejectsCurrencyMismatch(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"pay_1","status":"captured","amount":240,"currency":"EUR"}`))
	})

	assert.ErrorIs(t, c.Verify(context.Background(), "pay_1", 240, "USD"), ErrAmountTooLow)
}

func TestVerifyUnknownReferenceIsNotCaptured(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	assert.ErrorIs(t, c.Verify(context.Background(), "pay_missing", 240, "USD"), ErrNotCaptured)
}

func TestVerifyGatewayErrorIsUnreachableNotDeclined(t *testing.T) {
	c := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Verify(context.Background(), "pay_1", 240, "USD")
	assert.ErrorIs(t, err, ErrGatewayUnreachable)
	assert.NotErrorIs(t, err, ErrNotCaptured)
}

func TestVerifyTestModeBypass(t *testing.T) {
	c := NewGatewayClient(GatewayOptions{TestMode: true}, zap.NewNop())
	assert.NoError(t, c.Verify(context.Background(), "anything", 1<<40, "USD"))
}
