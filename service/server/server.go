package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/brojonat/transops/service/auth"
	"github.com/brojonat/transops/service/config"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
	"github.com/brojonat/transops/service/metrics"
	"github.com/brojonat/transops/service/payments"
	"github.com/brojonat/transops/service/routing"
	"github.com/brojonat/transops/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the persistence the HTTP handlers need. *db.Store implements it.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params db.CreateUserParams) (*db.User, error)
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
	GetUserByID(ctx context.Context, id string) (*db.User, error)
	ListDrivers(ctx context.Context, fleetOwnerID string) ([]*db.User, error)

	GetWalletByDriver(ctx context.Context, driverID string) (*db.Wallet, error)
	UpdateWalletLimits(ctx context.Context, driverID string, update fleet.LimitsUpdate) (*db.Wallet, error)

	CreateVehicle(ctx context.Context, params db.CreateVehicleParams) (*db.Vehicle, error)
	GetVehicle(ctx context.Context, id string) (*db.Vehicle, error)
	ListVehicles(ctx context.Context, fleetOwnerID string) ([]*db.Vehicle, error)

	CreateTrip(ctx context.Context, params db.CreateTripParams) (*db.Trip, error)
	GetTrip(ctx context.Context, id string) (*db.Trip, error)
	ListTripsForUser(ctx context.Context, userID string, role fleet.Role) ([]*db.Trip, error)
	UpdateTripStatus(ctx context.Context, tripID string, to fleet.TripStatus) (*db.Trip, error)

	CreateExpense(ctx context.Context, params db.CreateExpenseParams) (*db.Expense, error)
	ListExpensesForUser(ctx context.Context, userID string, role fleet.Role, tripID string) ([]*db.Expense, error)

	CreateReturnLoad(ctx context.Context, params db.CreateReturnLoadParams) (*db.ReturnLoad, error)
	ListAvailableReturnLoads(ctx context.Context) ([]*db.ReturnLoad, error)
	BookReturnLoad(ctx context.Context, loadID, fleetOwnerID string) (*db.ReturnLoad, error)
	GetDriverPerformance(ctx context.Context, driverID string) (*db.DriverPerformance, error)

	GetOwnerStats(ctx context.Context, fleetOwnerID string) (*db.OwnerStats, error)
	GetDriverStats(ctx context.Context, driverID string) (*db.DriverStats, error)

	GetPaymentTransactionForUser(ctx context.Context, sessionID, userID string) (*db.PaymentTransaction, error)
	ListPaymentTransactions(ctx context.Context, userID string, limit int32) ([]*db.PaymentTransaction, error)
}

// Payments creates checkouts and reconciles payment state.
// *payments.Service implements it.
type Payments interface {
	Checkout(ctx context.Context, payer payments.Payer, pkg, driverID, origin string) (*payments.CheckoutResult, error)
	Status(ctx context.Context, userID, sessionID string) (*db.PaymentTransaction, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*payments.WebhookResult, error)
}

// Confirmations describes durable confirmation workflows.
// *temporal.Client implements it.
type Confirmations interface {
	DescribeConfirmation(ctx context.Context, sessionID string) (*temporal.Confirmation, error)
}

// RouteOptimizer suggests routes for trips. *routing.Optimizer implements it.
type RouteOptimizer interface {
	Optimize(ctx context.Context, req routing.Request) (*routing.Suggestion, error)
}

// Deps are the collaborators of the HTTP server. Confirmations and Router
// are optional; their endpoints answer 503 when they are nil.
type Deps struct {
	Store         Store
	Auth          *auth.Manager
	Payments      Payments
	Confirmations Confirmations
	Router        RouteOptimizer
}

// Server represents the HTTP server for the fleet API.
type Server struct {
	addr    string
	cfg     *config.Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		cfg:     cfg,
		deps:    deps,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	d := s.deps
	requireAuth := auth.RequireAuth(d.Auth)

	// route registers a handler wrapped with request metrics.
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
	}
	// private registers a handler that requires a bearer token.
	private := func(pattern string, h http.Handler) {
		route(pattern, requireAuth(h))
	}

	// Auth routes
	route("POST /api/auth/register", handleRegister(d.Store, d.Auth, s.logger))
	route("POST /api/auth/login", handleLogin(d.Store, d.Auth, s.logger))
	private("GET /api/auth/me", handleMe(d.Store, s.logger))

	// Wallet routes
	private("GET /api/wallet", handleGetWallet(d.Store, s.logger))
	private("PUT /api/wallet/{driver_id}/limits", handleUpdateWalletLimits(d.Store, s.logger))

	// Fleet routes
	private("POST /api/vehicles", handleCreateVehicle(d.Store, s.logger))
	private("GET /api/vehicles", handleListVehicles(d.Store, s.logger))
	private("GET /api/drivers", handleListDrivers(d.Store, s.logger))

	// Trip routes
	private("POST /api/trips", handleCreateTrip(d.Store, d.Router, s.logger))
	private("GET /api/trips", handleListTrips(d.Store, s.logger))
	private("GET /api/trips/{trip_id}", handleGetTrip(d.Store, s.logger))
	private("PUT /api/trips/{trip_id}/status", handleUpdateTripStatus(d.Store, s.metrics, s.logger))

	// Expense routes
	private("POST /api/expenses", handleCreateExpense(d.Store, s.metrics, s.logger))
	private("GET /api/expenses", handleListExpenses(d.Store, s.logger))

	// Return load marketplace
	private("POST /api/return-loads", handleCreateReturnLoad(d.Store, s.metrics, s.logger))
	private("GET /api/return-loads", handleListReturnLoads(d.Store, s.logger))
	private("PUT /api/return-loads/{load_id}/book", handleBookReturnLoad(d.Store, s.metrics, s.logger))

	private("GET /api/performance/{driver_id}", handleDriverPerformance(d.Store, s.logger))
	private("GET /api/dashboard/stats", handleDashboardStats(d.Store, s.logger))
	private("POST /api/ai/route-optimize", handleRouteOptimize(d.Router, s.logger))

	// Payment routes
	private("POST /api/payments/checkout", handleCheckout(d.Payments, s.logger))
	private("GET /api/payments/status/{session_id}", handlePaymentStatus(d.Payments, s.logger))
	private("GET /api/payments/transactions", handleListPayments(d.Store, s.logger))
	private("GET /api/payments/confirmations/{session_id}", handleGetConfirmation(d.Store, d.Confirmations, s.logger))
	route("POST /api/webhook/stripe", handleStripeWebhook(d.Payments, s.logger))

	// Health check endpoint
	mux.Handle("GET /health", handleHealth(d.Store, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var origins []string
	if s.cfg != nil {
		origins = s.cfg.CORSOrigins
	}
	return corsMiddleware(origins, mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"confirmations", s.deps.Confirmations != nil,
		"route_optimizer", s.deps.Router != nil,
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func handleHealth(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS
// preflight requests. An empty list or "*" allows any origin.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, strings.TrimRight(origin, "/")):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
