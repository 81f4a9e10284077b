// Package payments sells wallet top-up packages through a hosted checkout
// and reconciles the provider's view of each session with the ledger.
//
// The same reconciliation runs from three places: the status endpoint
// polled by clients, the provider webhook, and the durable confirmation
// workflow. The store guarantees the wallet is credited once whichever
// path observes the payment first.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
	"github.com/brojonat/transops/service/metrics"
	natspkg "github.com/brojonat/transops/service/nats"
)

var (
	ErrUnknownPackage  = errors.New("invalid package")
	ErrForbiddenDriver = errors.New("driver is not in your fleet")
)

// Packages maps top-up package names to their price in the payment currency.
var Packages = map[string]float64{
	"small":  500,
	"medium": 1000,
	"large":  2000,
}

// PackageNames returns the package names ordered by price.
func PackageNames() []string {
	names := make([]string, 0, len(Packages))
	for name := range Packages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return Packages[names[i]] < Packages[names[j]] })
	return names
}

// Observation sources, used in metrics and events.
const (
	SourceStatus   = "status"
	SourceWebhook  = "webhook"
	SourceWorkflow = "workflow"
)

// Store is the persistence the service needs.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*db.User, error)
	CreatePaymentTransaction(ctx context.Context, params db.CreatePaymentTransactionParams) (*db.PaymentTransaction, error)
	GetPaymentTransaction(ctx context.Context, sessionID string) (*db.PaymentTransaction, error)
	GetPaymentTransactionForUser(ctx context.Context, sessionID, userID string) (*db.PaymentTransaction, error)
	ApplyPaymentStatus(ctx context.Context, sessionID, paymentStatus, status string) (*db.PaymentTransaction, bool, error)
}

// ConfirmationStarter starts durable confirmation of a checkout session and
// returns the workflow id.
type ConfirmationStarter interface {
	StartPaymentConfirmation(ctx context.Context, sessionID string) (string, error)
}

// Payer identifies the authenticated user starting a checkout.
type Payer struct {
	UserID string
	Role   fleet.Role
}

// CheckoutResult is returned to the client after creating a session.
type CheckoutResult struct {
	URL        string
	SessionID  string
	WorkflowID string // empty when durable confirmation is not configured
}

// WebhookResult summarises what a webhook did.
type WebhookResult struct {
	EventType   string
	SessionID   string
	Applied     bool
	Transaction *db.PaymentTransaction
}

// Service creates checkouts and reconciles payment state.
type Service struct {
	store     Store
	provider  Provider
	currency  string
	publisher natspkg.Publisher
	starter   ConfirmationStarter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService creates a payments service. Publisher, starter and metrics are
// optional and attached with the With* methods.
func NewService(store Store, provider Provider, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		provider: provider,
		currency: strings.ToLower(currency),
		logger:   logger,
	}
}

// WithPublisher publishes a PaymentEvent whenever a session becomes paid.
func (s *Service) WithPublisher(p natspkg.Publisher) *Service {
	s.publisher = p
	return s
}

// WithConfirmationStarter starts a durable confirmation for every checkout.
func (s *Service) WithConfirmationStarter(c ConfirmationStarter) *Service {
	s.starter = c
	return s
}

// WithMetrics records payment metrics.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Checkout creates a hosted checkout for a package and records a pending
// transaction. A driver tops up their own wallet. A fleet owner may name one
// of their drivers; without one, nothing is credited.
func (s *Service) Checkout(ctx context.Context, payer Payer, pkg, driverID, origin string) (*CheckoutResult, error) {
	amount, ok := Packages[pkg]
	if !ok {
		s.metrics.RecordCheckout("invalid", ErrUnknownPackage)
		return nil, ErrUnknownPackage
	}

	creditTo, err := s.creditTarget(ctx, payer, driverID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"user_id": payer.UserID,
		"package": pkg,
		"role":    string(payer.Role),
	}
	if creditTo != nil {
		metadata["driver_id"] = *creditTo
	}

	origin = strings.TrimRight(origin, "/")
	start := time.Now()
	sess, err := s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		Amount:      amount,
		Currency:    s.currency,
		ProductName: fmt.Sprintf("TransOps wallet top-up (%s)", pkg),
		SuccessURL:  origin + "/payment-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   origin + "/dashboard",
		Metadata:    metadata,
	})
	s.metrics.RecordProviderCall("create_session", err, time.Since(start).Seconds())
	s.metrics.RecordCheckout(pkg, err)
	if err != nil {
		return nil, err
	}

	_, err = s.store.CreatePaymentTransaction(ctx, db.CreatePaymentTransactionParams{
		UserID:         payer.UserID,
		SessionID:      sess.ID,
		Amount:         amount,
		Currency:       s.currency,
		Package:        pkg,
		CreditDriverID: creditTo,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	result := &CheckoutResult{URL: sess.URL, SessionID: sess.ID}

	if s.starter != nil {
		workflowID, err := s.starter.StartPaymentConfirmation(ctx, sess.ID)
		if err != nil {
			// Status polls and the webhook still reconcile the session.
			s.logger.WarnContext(ctx, "failed to start payment confirmation",
				"session_id", sess.ID,
				"error", err,
			)
		} else {
			result.WorkflowID = workflowID
		}
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"session_id", sess.ID,
		"user_id", payer.UserID,
		"package", pkg,
		"amount", amount,
	)

	return result, nil
}

func (s *Service) creditTarget(ctx context.Context, payer Payer, driverID string) (*string, error) {
	switch payer.Role {
	case fleet.RoleDriver:
		if driverID != "" && driverID != payer.UserID {
			return nil, ErrForbiddenDriver
		}
		id := payer.UserID
		return &id, nil
	case fleet.RoleFleetOwner:
		if driverID == "" {
			return nil, nil
		}
		driver, err := s.store.GetUserByID(ctx, driverID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrForbiddenDriver
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up driver: %w", err)
		}
		if driver.Role != fleet.RoleDriver || driver.FleetOwnerID == nil || *driver.FleetOwnerID != payer.UserID {
			return nil, ErrForbiddenDriver
		}
		return &driver.ID, nil
	}
	return nil, fleet.ErrInvalidRole
}

// Status returns a user's transaction, refreshed from the provider unless
// it is already paid. Transactions of other users are reported as
// db.ErrNotFound.
func (s *Service) Status(ctx context.Context, userID, sessionID string) (*db.PaymentTransaction, error) {
	txn, err := s.store.GetPaymentTransactionForUser(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, txn, SourceStatus)
}

// Reconcile refreshes any transaction from the provider. It backs the
// durable confirmation workflow, which acts on behalf of the system.
func (s *Service) Reconcile(ctx context.Context, sessionID string) (*db.PaymentTransaction, error) {
	txn, err := s.store.GetPaymentTransaction(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, txn, SourceWorkflow)
}

func (s *Service) refresh(ctx context.Context, txn *db.PaymentTransaction, source string) (*db.PaymentTransaction, error) {
	if txn.PaymentStatus == db.PaymentStatusPaid {
		return txn, nil
	}

	start := time.Now()
	sess, err := s.provider.GetSession(ctx, txn.SessionID)
	s.metrics.RecordProviderCall("get_session", err, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	return s.apply(ctx, txn.SessionID, sess, source)
}

// apply stores a provider observation. A paid session is recorded as
// completed; anything else keeps the provider's session status.
func (s *Service) apply(ctx context.Context, sessionID string, sess *Session, source string) (*db.PaymentTransaction, error) {
	status := sess.Status
	if sess.PaymentStatus == db.PaymentStatusPaid {
		status = db.StatusCompleted
	}

	updated, becamePaid, err := s.store.ApplyPaymentStatus(ctx, sessionID, sess.PaymentStatus, status)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPaymentObservation(source, sess.PaymentStatus)

	if becamePaid {
		s.onPaid(ctx, updated, source)
	}
	return updated, nil
}

func (s *Service) onPaid(ctx context.Context, txn *db.PaymentTransaction, source string) {
	s.logger.InfoContext(ctx, "payment confirmed",
		"session_id", txn.SessionID,
		"source", source,
		"amount", txn.Amount,
		"credited", txn.Credited,
	)

	if txn.Credited {
		s.metrics.RecordWalletCredit(txn.Package, source, txn.Currency, txn.Amount)
	}

	if s.publisher == nil {
		return
	}
	start := time.Now()
	err := s.publisher.PublishPayment(ctx, natspkg.FromPaymentTransaction(txn, source))
	s.metrics.RecordNATSPublish(natspkg.StreamName, err, time.Since(start).Seconds())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to publish payment event",
			"session_id", txn.SessionID,
			"error", err,
		)
	}
}

// HandleWebhook verifies a provider webhook and applies checkout session
// events. Events for unknown sessions and unrelated event types are ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	event, err := s.provider.ParseWebhook(payload, signatureHeader)
	if err != nil {
		s.metrics.RecordWebhookEvent("unknown", "rejected")
		return nil, err
	}

	result := &WebhookResult{EventType: event.Type}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		s.metrics.RecordWebhookEvent(event.Type, "ignored")
		return result, nil
	}

	if event.Session == nil || event.Session.ID == "" {
		s.metrics.RecordWebhookEvent(event.Type, "ignored")
		return result, nil
	}
	result.SessionID = event.Session.ID

	txn, err := s.apply(ctx, event.Session.ID, event.Session, SourceWebhook)
	if errors.Is(err, db.ErrNotFound) {
		s.logger.WarnContext(ctx, "webhook for unknown session",
			"event_type", event.Type,
			"session_id", event.Session.ID,
		)
		s.metrics.RecordWebhookEvent(event.Type, "unknown_session")
		return result, nil
	}
	if err != nil {
		s.metrics.RecordWebhookEvent(event.Type, "error")
		return nil, err
	}

	s.metrics.RecordWebhookEvent(event.Type, "applied")
	result.Applied = true
	result.Transaction = txn
	return result, nil
}
