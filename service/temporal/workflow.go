package temporal

import (
	"fmt"
	"time"

	apiclient "github.com/brojonat/transops/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ConfirmPaymentInput contains the input parameters for confirming a payment.
type ConfirmPaymentInput struct {
	SessionID    string        `json:"session_id"`
	MaxAttempts  int           `json:"max_attempts"`
	PollInterval time.Duration `json:"poll_interval"`
}

// ConfirmPaymentResult is the outcome of a confirmation. Failed outcomes are
// results, not workflow errors; Reason says why.
type ConfirmPaymentResult struct {
	SessionID     string                       `json:"session_id"`
	Status        apiclient.ConfirmationStatus `json:"status"`
	Reason        apiclient.FailureReason      `json:"reason,omitempty"`
	Attempts      int                          `json:"attempts"`
	Amount        float64                      `json:"amount"`
	PaymentStatus string                       `json:"payment_status,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

// RecordConfirmationOutcomeInput contains parameters for the
// RecordConfirmationOutcome activity.
type RecordConfirmationOutcomeInput struct {
	Status   apiclient.ConfirmationStatus `json:"status"`
	Reason   apiclient.FailureReason      `json:"reason,omitempty"`
	Duration time.Duration                `json:"duration"`
}

// CheckPaymentStatusInput contains parameters for the CheckPaymentStatus activity.
type CheckPaymentStatusInput struct {
	SessionID string `json:"session_id"`
}

// ConfirmationWorkflowID is the workflow id used for a checkout session.
// One confirmation runs per session.
func ConfirmationWorkflowID(sessionID string) string {
	return "confirm-payment-" + sessionID
}

// ConfirmPaymentWorkflow polls the payment status of a checkout session until
// it is paid, the session expires, MaxAttempts pending responses have been
// seen or a status check fails.
//
// Each iteration:
// 1. Runs CheckPaymentStatus (reconciles the session with the provider)
// 2. Classifies the payload with the shared decision rule
// 3. Sleeps PollInterval when the payment is still pending
//
// The outcome is then reported to RecordConfirmationOutcome.
func ConfirmPaymentWorkflow(ctx workflow.Context, input ConfirmPaymentInput) (*ConfirmPaymentResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ConfirmPaymentWorkflow started",
		"session_id", input.SessionID,
		"max_attempts", input.MaxAttempts,
		"poll_interval", input.PollInterval,
	)

	if input.MaxAttempts < 1 {
		input.MaxAttempts = apiclient.DefaultMaxAttempts
	}
	if input.PollInterval <= 0 {
		input.PollInterval = apiclient.DefaultPollInterval
	}

	// A failed status check ends the confirmation, so Temporal must not retry it.
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	startedAt := workflow.Now(ctx)
	result, err := confirm(ctx, input)
	if err != nil {
		return result, err
	}

	outcome := RecordConfirmationOutcomeInput{
		Status:   result.Status,
		Reason:   result.Reason,
		Duration: workflow.Now(ctx).Sub(startedAt),
	}
	if err := workflow.ExecuteActivity(ctx, "RecordConfirmationOutcome", outcome).Get(ctx, nil); err != nil {
		logger.Warn("failed to record confirmation outcome", "error", err)
	}

	return result, nil
}

func confirm(ctx workflow.Context, input ConfirmPaymentInput) (*ConfirmPaymentResult, error) {
	logger := workflow.GetLogger(ctx)

	result := &ConfirmPaymentResult{
		SessionID: input.SessionID,
		Status:    apiclient.StatusChecking,
	}

	if input.SessionID == "" {
		result.Status = apiclient.StatusFailed
		result.Reason = apiclient.ReasonMissingReference
		logger.Warn("no session id, confirmation failed")
		return result, nil
	}

	for {
		var status *apiclient.PaymentStatus
		err := workflow.ExecuteActivity(ctx, "CheckPaymentStatus", CheckPaymentStatusInput{
			SessionID: input.SessionID,
		}).Get(ctx, &status)
		if err != nil {
			logger.Error("payment status check failed", "error", err)
			result.Status = apiclient.StatusFailed
			result.Reason = apiclient.ReasonTransportFailure
			result.Error = fmt.Sprintf("payment status check failed: %v", err)
			return result, nil
		}

		if status != nil {
			result.Amount = status.Amount
			result.PaymentStatus = status.PaymentStatus
		}

		verdict := apiclient.Evaluate(status)
		result.Attempts, result.Status, result.Reason = apiclient.Advance(result.Attempts, input.MaxAttempts, verdict)
		switch {
		case result.Status == apiclient.StatusSucceeded:
			logger.Info("payment confirmed", "attempts", result.Attempts, "amount", result.Amount)
			return result, nil
		case verdict == apiclient.VerdictExpired:
			logger.Info("checkout session expired", "attempts", result.Attempts)
			return result, nil
		case result.Status == apiclient.StatusFailed:
			logger.Info("payment still pending, giving up", "attempts", result.Attempts)
			return result, nil
		}

		logger.Debug("payment pending", "attempts", result.Attempts)
		if err := workflow.Sleep(ctx, input.PollInterval); err != nil {
			// Cancelled: report where we were without deciding an outcome.
			return result, err
		}
	}
}
