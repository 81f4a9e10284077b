package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apiclient "github.com/brojonat/transops/client"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/metrics"
)

// Reconciler refreshes a payment transaction from the payment provider.
// payments.Service implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID string) (*db.PaymentTransaction, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(reconciler Reconciler, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		reconciler: reconciler,
		metrics:    m,
		logger:     logger,
	}
}

// CheckPaymentStatus reconciles a checkout session and returns the same
// payload the payment-status endpoint serves. Reconciling credits the wallet
// on the first paid observation.
func (a *Activities) CheckPaymentStatus(ctx context.Context, input CheckPaymentStatusInput) (_ *apiclient.PaymentStatus, err error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("CheckPaymentStatus", err, time.Since(start).Seconds())
	}()

	a.logger.DebugContext(ctx, "checking payment status", "session_id", input.SessionID)

	txn, err := a.reconciler.Reconcile(ctx, input.SessionID)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to reconcile payment",
			"session_id", input.SessionID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to reconcile payment %s: %w", input.SessionID, err)
	}

	a.logger.DebugContext(ctx, "payment status checked",
		"session_id", input.SessionID,
		"payment_status", txn.PaymentStatus,
		"status", txn.Status,
		"credited", txn.Credited,
	)

	return toPaymentStatus(txn), nil
}

// RecordConfirmationOutcome records the outcome and duration of a finished
// confirmation workflow.
func (a *Activities) RecordConfirmationOutcome(ctx context.Context, input RecordConfirmationOutcomeInput) error {
	a.metrics.RecordWorkflowDuration(string(input.Status), string(input.Reason), input.Duration.Seconds())
	return nil
}

func toPaymentStatus(txn *db.PaymentTransaction) *apiclient.PaymentStatus {
	return &apiclient.PaymentStatus{
		ID:            txn.ID,
		SessionID:     txn.SessionID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Package:       txn.Package,
		PaymentStatus: txn.PaymentStatus,
		Status:        txn.Status,
		Credited:      txn.Credited,
		UpdatedAt:     txn.UpdatedAt,
	}
}
