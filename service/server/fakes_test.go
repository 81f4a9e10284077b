package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/transops/service/auth"
	"github.com/brojonat/transops/service/config"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
	"github.com/brojonat/transops/service/payments"
	"github.com/brojonat/transops/service/routing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with the same business rules as db.Store.
type fakeStore struct {
	mu       sync.Mutex
	pingErr  error
	users    map[string]*db.User
	wallets  map[string]*db.Wallet
	vehicles map[string]*db.Vehicle
	trips    map[string]*db.Trip
	expenses []*db.Expense
	payments map[string]*db.PaymentTransaction
	loads    map[string]*db.ReturnLoad
	perf     map[string]*db.DriverPerformance
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*db.User),
		wallets:  make(map[string]*db.Wallet),
		vehicles: make(map[string]*db.Vehicle),
		trips:    make(map[string]*db.Trip),
		payments: make(map[string]*db.PaymentTransaction),
		loads:    make(map[string]*db.ReturnLoad),
		perf:     make(map[string]*db.DriverPerformance),
	}
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *fakeStore) CreateUser(ctx context.Context, p db.CreateUserParams) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == p.Email {
			return nil, db.ErrEmailTaken
		}
	}
	if p.FleetOwnerID != nil {
		owner, ok := s.users[*p.FleetOwnerID]
		if !ok || owner.Role != fleet.RoleFleetOwner {
			return nil, db.ErrInvalidFleetOwner
		}
	}
	u := &db.User{
		ID:           uuid.NewString(),
		Email:        p.Email,
		PasswordHash: p.PasswordHash,
		Name:         p.Name,
		Role:         p.Role,
		Phone:        p.Phone,
		FleetOwnerID: p.FleetOwnerID,
		CreatedAt:    time.Now(),
	}
	s.users[u.ID] = u
	if u.Role == fleet.RoleDriver {
		s.wallets[u.ID] = &db.Wallet{ID: uuid.NewString(), DriverID: u.ID, CreatedAt: u.CreatedAt, UpdatedAt: u.CreatedAt}
		s.perf[u.ID] = &db.DriverPerformance{DriverID: u.ID, SafetyScore: 100, CreatedAt: u.CreatedAt, UpdatedAt: u.CreatedAt}
	}
	return u, nil
}

func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetUserByID(ctx context.Context, id string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ListDrivers(ctx context.Context, ownerID string) ([]*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.User
	for _, u := range s.users {
		if u.Role == fleet.RoleDriver && u.FleetOwnerID != nil && *u.FleetOwnerID == ownerID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) GetWalletByDriver(ctx context.Context, driverID string) (*db.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[driverID]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) UpdateWalletLimits(ctx context.Context, driverID string, update fleet.LimitsUpdate) (*db.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[driverID]
	if !ok {
		return nil, db.ErrNotFound
	}
	limits, err := update.Apply(w.Limits)
	if err != nil {
		return nil, err
	}
	w.Limits = limits
	cp := *w
	return &cp, nil
}

func (s *fakeStore) CreateVehicle(ctx context.Context, p db.CreateVehicleParams) (*db.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vehicles {
		if v.RegistrationNumber == p.RegistrationNumber {
			return nil, db.ErrDuplicateVehicle
		}
	}
	v := &db.Vehicle{
		ID:                 uuid.NewString(),
		FleetOwnerID:       p.FleetOwnerID,
		RegistrationNumber: p.RegistrationNumber,
		VehicleType:        p.VehicleType,
		Capacity:           p.Capacity,
		Model:              p.Model,
		Status:             fleet.VehicleAvailable,
		CreatedAt:          time.Now(),
	}
	s.vehicles[v.ID] = v
	return v, nil
}

func (s *fakeStore) GetVehicle(ctx context.Context, id string) (*db.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vehicles[id]; ok {
		return v, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ListVehicles(ctx context.Context, ownerID string) ([]*db.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Vehicle
	for _, v := range s.vehicles {
		if v.FleetOwnerID == ownerID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateTrip(ctx context.Context, p db.CreateTripParams) (*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	driver, ok := s.users[p.DriverID]
	if !ok || driver.Role != fleet.RoleDriver || driver.FleetOwnerID == nil || *driver.FleetOwnerID != p.FleetOwnerID {
		return nil, db.ErrDriverNotInFleet
	}
	vehicle, ok := s.vehicles[p.VehicleID]
	if !ok || vehicle.FleetOwnerID != p.FleetOwnerID {
		return nil, db.ErrVehicleNotInFleet
	}
	t := &db.Trip{
		ID:                uuid.NewString(),
		FleetOwnerID:      p.FleetOwnerID,
		DriverID:          p.DriverID,
		VehicleID:         p.VehicleID,
		Origin:            p.Origin,
		Destination:       p.Destination,
		CargoDetails:      p.CargoDetails,
		EstimatedDistance: p.EstimatedDistance,
		Status:            fleet.TripPlanned,
		AIRouteSuggestion: p.AIRouteSuggestion,
		CreatedAt:         time.Now(),
	}
	s.trips[t.ID] = t
	return t, nil
}

func (s *fakeStore) GetTrip(ctx context.Context, id string) (*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trips[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ListTripsForUser(ctx context.Context, userID string, role fleet.Role) ([]*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Trip
	for _, t := range s.trips {
		if (role == fleet.RoleFleetOwner && t.FleetOwnerID == userID) || (role == fleet.RoleDriver && t.DriverID == userID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTripStatus(ctx context.Context, tripID string, to fleet.TripStatus) (*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if err := fleet.ValidateTransition(t.Status, to); err != nil {
		return nil, err
	}
	now := time.Now()
	switch to {
	case fleet.TripInProgress:
		t.StartedAt = &now
	case fleet.TripCompleted:
		t.CompletedAt = &now
		if p, ok := s.perf[t.DriverID]; ok {
			p.TotalTrips++
			if t.EstimatedDistance != nil {
				p.TotalDistance += *t.EstimatedDistance
			}
		}
	}
	t.Status = to
	cp := *t
	return &cp, nil
}

func (s *fakeStore) CreateExpense(ctx context.Context, p db.CreateExpenseParams) (*db.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[p.TripID]
	if !ok || t.DriverID != p.DriverID {
		return nil, db.ErrNotFound
	}
	w, ok := s.wallets[p.DriverID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if err := fleet.CheckExpense(w.Balance, w.Limits, p.Category, p.Amount); err != nil {
		return nil, err
	}
	w.Balance -= p.Amount
	t.TotalExpenses += p.Amount
	e := &db.Expense{
		ID:          uuid.NewString(),
		TripID:      p.TripID,
		DriverID:    p.DriverID,
		Category:    p.Category,
		Amount:      p.Amount,
		Description: p.Description,
		Location:    p.Location,
		Status:      "approved",
		CreatedAt:   time.Now(),
	}
	s.expenses = append(s.expenses, e)
	return e, nil
}

func (s *fakeStore) ListExpensesForUser(ctx context.Context, userID string, role fleet.Role, tripID string) ([]*db.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Expense
	for _, e := range s.expenses {
		if tripID != "" && e.TripID != tripID {
			continue
		}
		switch role {
		case fleet.RoleDriver:
			if e.DriverID == userID {
				out = append(out, e)
			}
		case fleet.RoleFleetOwner:
			if t, ok := s.trips[e.TripID]; ok && t.FleetOwnerID == userID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CreateReturnLoad(ctx context.Context, p db.CreateReturnLoadParams) (*db.ReturnLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &db.ReturnLoad{
		ID:           uuid.NewString(),
		FleetOwnerID: p.FleetOwnerID,
		Origin:       p.Origin,
		Destination:  p.Destination,
		CargoType:    p.CargoType,
		Weight:       p.Weight,
		OfferedPrice: p.OfferedPrice,
		PickupDate:   p.PickupDate,
		Status:       fleet.LoadAvailable,
		CreatedAt:    time.Now(),
	}
	s.loads[l.ID] = l
	cp := *l
	return &cp, nil
}

func (s *fakeStore) ListAvailableReturnLoads(ctx context.Context) ([]*db.ReturnLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.ReturnLoad
	for _, l := range s.loads {
		if l.Status == fleet.LoadAvailable {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) BookReturnLoad(ctx context.Context, loadID, ownerID string) (*db.ReturnLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loads[loadID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if err := fleet.ValidateBooking(l.Status, l.FleetOwnerID, ownerID); err != nil {
		return nil, err
	}
	now := time.Now()
	l.Status = fleet.LoadBooked
	l.BookedBy = &ownerID
	l.BookedAt = &now
	cp := *l
	return &cp, nil
}

func (s *fakeStore) GetDriverPerformance(ctx context.Context, driverID string) (*db.DriverPerformance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.perf[driverID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetOwnerStats(ctx context.Context, ownerID string) (*db.OwnerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &db.OwnerStats{}
	for _, t := range s.trips {
		if t.FleetOwnerID != ownerID {
			continue
		}
		stats.TotalTrips++
		stats.TotalExpenses += t.TotalExpenses
		if t.Status.Active() {
			stats.ActiveTrips++
		}
	}
	for _, v := range s.vehicles {
		if v.FleetOwnerID == ownerID {
			stats.TotalVehicles++
		}
	}
	for _, u := range s.users {
		if u.FleetOwnerID != nil && *u.FleetOwnerID == ownerID {
			stats.TotalDrivers++
		}
	}
	return stats, nil
}

func (s *fakeStore) GetDriverStats(ctx context.Context, driverID string) (*db.DriverStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &db.DriverStats{}
	for _, t := range s.trips {
		if t.DriverID == driverID {
			stats.TotalTrips++
		}
	}
	for _, e := range s.expenses {
		if e.DriverID == driverID {
			stats.TotalExpenses += e.Amount
		}
	}
	if w, ok := s.wallets[driverID]; ok {
		stats.WalletBalance = w.Balance
	}
	return stats, nil
}

func (s *fakeStore) GetPaymentTransactionForUser(ctx context.Context, sessionID, userID string) (*db.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[sessionID]; ok && p.UserID == userID {
		return p, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ListPaymentTransactions(ctx context.Context, userID string, limit int32) ([]*db.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.PaymentTransaction
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CreatePaymentTransaction(ctx context.Context, p db.CreatePaymentTransactionParams) (*db.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	txn := &db.PaymentTransaction{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		SessionID:      p.SessionID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Package:        p.Package,
		CreditDriverID: p.CreditDriverID,
		PaymentStatus:  db.PaymentStatusPending,
		Status:         db.StatusInitiated,
		Metadata:       p.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.payments[p.SessionID] = txn
	cp := *txn
	return &cp, nil
}

func (s *fakeStore) GetPaymentTransaction(ctx context.Context, sessionID string) (*db.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[sessionID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ApplyPaymentStatus(ctx context.Context, sessionID, paymentStatus, status string) (*db.PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.payments[sessionID]
	if !ok {
		return nil, false, db.ErrNotFound
	}
	if txn.PaymentStatus == db.PaymentStatusPaid {
		cp := *txn
		return &cp, false, nil
	}
	if paymentStatus == db.PaymentStatusPaid && !txn.Credited && txn.CreditDriverID != nil {
		s.wallets[*txn.CreditDriverID].Balance += txn.Amount
		txn.Credited = true
	}
	txn.PaymentStatus = paymentStatus
	txn.Status = status
	txn.UpdatedAt = time.Now()
	cp := *txn
	return &cp, paymentStatus == db.PaymentStatusPaid, nil
}

func (s *fakeStore) setBalance(driverID string, balance float64, limits fleet.Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallets[driverID]
	w.Balance = balance
	w.Limits = limits
}

func (s *fakeStore) addPayment(p *db.PaymentTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.SessionID] = p
}

// fakePayments records calls and returns canned results.
type fakePayments struct {
	mu          sync.Mutex
	store       *fakeStore
	checkoutErr error
	webhookErr  error
	statusErr   error
	lastPayer   payments.Payer
	lastOrigin  string
	lastPayload []byte
	lastSig     string
}

func (f *fakePayments) Checkout(ctx context.Context, payer payments.Payer, pkg, driverID, origin string) (*payments.CheckoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPayer = payer
	f.lastOrigin = origin
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	if _, ok := payments.Packages[pkg]; !ok {
		return nil, payments.ErrUnknownPackage
	}
	return &payments.CheckoutResult{URL: "https://checkout.test/cs_1", SessionID: "cs_1", WorkflowID: "confirm-payment-cs_1"}, nil
}

func (f *fakePayments) Status(ctx context.Context, userID, sessionID string) (*db.PaymentTransaction, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.store.GetPaymentTransactionForUser(ctx, sessionID, userID)
}

func (f *fakePayments) HandleWebhook(ctx context.Context, payload []byte, sig string) (*payments.WebhookResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPayload = payload
	f.lastSig = sig
	if f.webhookErr != nil {
		return nil, f.webhookErr
	}
	return &payments.WebhookResult{EventType: "checkout.session.completed", SessionID: "cs_1", Applied: true}, nil
}

type fakeRouter struct {
	err     error
	lastReq routing.Request
	calls   int
}

func (f *fakeRouter) Optimize(ctx context.Context, req routing.Request) (*routing.Suggestion, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &routing.Suggestion{RouteSuggestion: "NH48 via Lonavala", Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}, nil
}

var errBoom = errors.New("boom")

// testEnv wires a Server over fakes.
type testEnv struct {
	store    *fakeStore
	payments *fakePayments
	router   *fakeRouter
	tokens   *auth.Manager
	deps     Deps
	handler  http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	store := newFakeStore()
	env := &testEnv{
		store:    store,
		payments: &fakePayments{store: store},
		router:   &fakeRouter{},
		tokens:   auth.NewManager("test-secret", time.Hour),
	}
	env.deps = Deps{
		Store:    env.store,
		Auth:     env.tokens,
		Payments: env.payments,
		Router:   env.router,
	}
	for _, m := range mutate {
		m(&env.deps)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := New(":0", &config.Config{CORSOrigins: []string{"*"}}, env.deps, nil, logger)
	env.handler = srv.Handler()
	return env
}

// do sends a request with an optional bearer token and JSON body.
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// register creates a user through the API and returns its token and id.
func (e *testEnv) register(t *testing.T, email string, role fleet.Role, ownerID string) (string, string) {
	t.Helper()
	body := map[string]interface{}{
		"email":    email,
		"password": "secret123",
		"name":     "Test " + string(role),
		"role":     role,
	}
	if ownerID != "" {
		body["fleet_owner_id"] = ownerID
	}
	rec := e.do(t, http.MethodPost, "/api/auth/register", "", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Token, out.User.ID
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rec)["error"]
}
