package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	apiclient "github.com/brojonat/transops/client"
	"github.com/brojonat/transops/service/config"
	"github.com/brojonat/transops/service/fleet"
	"github.com/brojonat/transops/service/metrics"
	"github.com/brojonat/transops/service/payments"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	env.store.pingErr = errBoom
	rec = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/trips", nil)
	req.Header.Set("Origin", "https://app.transops.test")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
	assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORS_AllowList(t *testing.T) {
	handler := corsMiddleware([]string{"https://app.transops.test"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		origin   string
		expected string
	}{
		{"https://app.transops.test", "https://app.transops.test"},
		{"https://evil.test", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, tt.expected, rec.Header().Get("Access-Control-Allow-Origin"), tt.origin)
	}
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	env := newTestEnv(t)
	srv := New(":0", &config.Config{}, Deps{
		Store:    env.store,
		Auth:     env.tokens,
		Payments: env.payments,
	}, m, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	count, err := testutil.GatherAndCount(reg, "http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// scriptedProvider reports a session as unpaid for the first pendingPolls
// lookups and then as final.
type scriptedProvider struct {
	mu            sync.Mutex
	pendingPolls  int
	final         payments.Session
	gets          int
	createdAmount float64
}

func (p *scriptedProvider) CreateCheckoutSession(ctx context.Context, req payments.CheckoutRequest) (*payments.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createdAmount = req.Amount
	return &payments.Session{ID: "cs_e2e", URL: "https://checkout.test/cs_e2e", PaymentStatus: "unpaid", Status: "open"}, nil
}

func (p *scriptedProvider) GetSession(ctx context.Context, id string) (*payments.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.gets <= p.pendingPolls {
		return &payments.Session{ID: id, PaymentStatus: "unpaid", Status: "open"}, nil
	}
	final := p.final
	final.ID = id
	return &final, nil
}

func (p *scriptedProvider) ParseWebhook(payload []byte, sig string) (*payments.WebhookEvent, error) {
	return nil, payments.ErrInvalidSignature
}

func (p *scriptedProvider) lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets
}

// TestPaymentConfirmation_EndToEnd drives the client-side poller against the
// real handlers and payments service.
func TestPaymentConfirmation_EndToEnd(t *testing.T) {
	tests := []struct {
		name          string
		pendingPolls  int
		final         payments.Session
		wantStatus    apiclient.ConfirmationStatus
		wantReason    apiclient.FailureReason
		wantLookups   int
		wantBalance   float64
		wantAttempted int
	}{
		{
			name:          "paid after two pending polls",
			pendingPolls:  2,
			final:         payments.Session{PaymentStatus: "paid", Status: "complete"},
			wantStatus:    apiclient.StatusSucceeded,
			wantLookups:   3,
			wantBalance:   500,
			wantAttempted: 2,
		},
		{
			name:          "session expires",
			pendingPolls:  1,
			final:         payments.Session{PaymentStatus: "unpaid", Status: "expired"},
			wantStatus:    apiclient.StatusFailed,
			wantReason:    apiclient.ReasonServiceRejected,
			wantLookups:   2,
			wantAttempted: 1,
		},
		{
			name:          "never paid",
			pendingPolls:  100,
			wantStatus:    apiclient.StatusFailed,
			wantReason:    apiclient.ReasonRetryBudgetExhausted,
			wantLookups:   5,
			wantAttempted: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
			provider := &scriptedProvider{pendingPolls: tt.pendingPolls, final: tt.final}
			env := newTestEnv(t, func(d *Deps) {
				d.Payments = payments.NewService(d.Store.(*fakeStore), provider, "inr", logger)
			})
			ts := httptest.NewServer(env.handler)
			defer ts.Close()

			token, _ := env.register(t, "driver@example.com", fleet.RoleDriver, "")
			c := apiclient.NewClient(ts.URL, ts.Client(), logger).WithToken(token)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			checkout, err := c.CreateCheckout(ctx, "small", "")
			require.NoError(t, err)
			assert.Equal(t, "cs_e2e", checkout.SessionID)
			assert.Equal(t, 500.0, provider.createdAmount)

			confirmation := apiclient.NewConfirmation(checkout.SessionID, c,
				apiclient.WithPollInterval(time.Millisecond),
				apiclient.WithLogger(logger),
			)
			snap := confirmation.Run(ctx)

			assert.Equal(t, tt.wantStatus, snap.Status)
			assert.Equal(t, tt.wantReason, snap.Reason)
			assert.Equal(t, tt.wantAttempted, snap.Attempts)
			assert.Equal(t, tt.wantLookups, provider.lookups())

			wallet, err := c.GetWallet(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBalance, wallet.Balance)

			// Terminal states are final: further polls change nothing.
			assert.Equal(t, tt.wantStatus, confirmation.PollOnce(ctx))
			assert.Equal(t, tt.wantLookups, provider.lookups())
		})
	}
}
