package client

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts bounds the number of pending responses tolerated
	// before a confirmation gives up.
	DefaultMaxAttempts = 5

	// DefaultPollInterval is the delay between consecutive status polls.
	DefaultPollInterval = 2 * time.Second
)

// ConfirmationStatus is the lifecycle state of a payment confirmation.
// Checking is the only non-terminal state.
type ConfirmationStatus string

const (
	StatusChecking  ConfirmationStatus = "checking"
	StatusSucceeded ConfirmationStatus = "succeeded"
	StatusFailed    ConfirmationStatus = "failed"
)

// FailureReason says why a confirmation ended in StatusFailed.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonMissingReference     FailureReason = "missing_reference"
	ReasonServiceRejected      FailureReason = "service_rejected"
	ReasonRetryBudgetExhausted FailureReason = "retry_budget_exhausted"
	ReasonTransportFailure     FailureReason = "transport_failure"
)

// Verdict is the classification of a single status payload.
type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictPaid
	VerdictExpired
)

func (v Verdict) String() string {
	switch v {
	case VerdictPaid:
		return "paid"
	case VerdictExpired:
		return "expired"
	default:
		return "pending"
	}
}

// Evaluate classifies a status payload. A paid payment_status wins over an
// expired session status; anything else, including a nil payload, is pending.
func Evaluate(ps *PaymentStatus) Verdict {
	if ps == nil {
		return VerdictPending
	}
	if ps.PaymentStatus == "paid" {
		return VerdictPaid
	}
	if ps.Status == "expired" {
		return VerdictExpired
	}
	return VerdictPending
}

// Advance applies one poll verdict to a confirmation that has used attempts
// of its maxAttempts budget. It returns the new attempt count, the resulting
// status and, for StatusFailed, the reason. Only pending verdicts use an
// attempt.
func Advance(attempts, maxAttempts int, v Verdict) (int, ConfirmationStatus, FailureReason) {
	switch v {
	case VerdictPaid:
		return attempts, StatusSucceeded, ReasonNone
	case VerdictExpired:
		return attempts, StatusFailed, ReasonServiceRejected
	}
	attempts++
	if attempts >= maxAttempts {
		return attempts, StatusFailed, ReasonRetryBudgetExhausted
	}
	return attempts, StatusChecking, ReasonNone
}

// StatusFetcher fetches the current payment status for a checkout session.
// *Client implements it.
type StatusFetcher interface {
	GetPaymentStatus(ctx context.Context, sessionID string) (*PaymentStatus, error)
}

// ConfirmationSnapshot is a read-only copy of a confirmation's state.
type ConfirmationSnapshot struct {
	SessionID   string             `json:"session_id"`
	Status      ConfirmationStatus `json:"status"`
	Reason      FailureReason      `json:"reason,omitempty"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	Transaction *PaymentStatus     `json:"transaction,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Terminal reports whether the snapshot is in a final state.
func (s ConfirmationSnapshot) Terminal() bool {
	return s.Status != StatusChecking
}

// ConfirmationOption configures a Confirmation.
type ConfirmationOption func(*Confirmation)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) ConfirmationOption {
	return func(c *Confirmation) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithPollInterval overrides DefaultPollInterval. Negative values are ignored.
func WithPollInterval(d time.Duration) ConfirmationOption {
	return func(c *Confirmation) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the logger used for poll diagnostics.
func WithLogger(logger *slog.Logger) ConfirmationOption {
	return func(c *Confirmation) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every state change.
// It runs on the polling goroutine and must not block.
func WithObserver(fn func(ConfirmationSnapshot)) ConfirmationOption {
	return func(c *Confirmation) {
		c.observer = fn
	}
}

// Confirmation polls the payment-status endpoint for one checkout session
// until the payment is paid, the session expires, the retry budget runs out
// or a poll fails.
//
// Status only moves from Checking to a terminal state, once. At most one poll
// is in flight at a time. After Cancel the state is frozen.
type Confirmation struct {
	sessionID   string
	fetcher     StatusFetcher
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
	observer    func(ConfirmationSnapshot)

	// pollMu serializes polls; mu guards the fields below it.
	pollMu sync.Mutex

	mu       sync.Mutex
	status   ConfirmationStatus
	reason   FailureReason
	attempts int
	last     *PaymentStatus
	lastErr  error
	released bool
	cancel   context.CancelFunc

	startOnce sync.Once
	done      chan struct{}
}

// NewConfirmation creates a confirmation for sessionID. An empty sessionID is
// accepted and fails with ReasonMissingReference without any network call.
func NewConfirmation(sessionID string, fetcher StatusFetcher, opts ...ConfirmationOption) *Confirmation {
	c := &Confirmation{
		sessionID:   sessionID,
		fetcher:     fetcher,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultPollInterval,
		logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
		status:      StatusChecking,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session_id", sessionID)
	return c
}

// Begin starts polling on a goroutine owned by the confirmation. Calling it
// more than once has no effect. With an empty session id the confirmation
// fails before Begin returns.
func (c *Confirmation) Begin(ctx context.Context) {
	c.startOnce.Do(func() {
		if c.sessionID == "" {
			c.fail(ReasonMissingReference, nil)
			close(c.done)
			return
		}

		c.mu.Lock()
		if c.released {
			c.mu.Unlock()
			close(c.done)
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.mu.Unlock()

		go func() {
			defer close(c.done)
			defer cancel()
			c.Run(runCtx)
		}()
	})
}

// Run polls synchronously until the confirmation is terminal, ctx is done or
// Cancel is called, and returns the final snapshot.
func (c *Confirmation) Run(ctx context.Context) ConfirmationSnapshot {
	for {
		if c.PollOnce(ctx) != StatusChecking || ctx.Err() != nil || c.isReleased() {
			return c.Snapshot()
		}

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.Snapshot()
		case <-timer.C:
		}
	}
}

// PollOnce performs a single status poll and applies its outcome. It is a
// no-op once the confirmation is terminal, out of attempts or cancelled. If
// ctx is done by the time the poll returns, the outcome is discarded.
func (c *Confirmation) PollOnce(ctx context.Context) ConfirmationStatus {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if !c.pollable() {
		return c.Status()
	}

	if c.sessionID == "" {
		c.fail(ReasonMissingReference, nil)
		return StatusFailed
	}

	ps, err := c.fetcher.GetPaymentStatus(ctx, c.sessionID)
	if ctx.Err() != nil {
		c.logger.Debug("poll discarded after cancellation")
		return c.Status()
	}

	c.mu.Lock()
	if c.released || c.status != StatusChecking {
		status := c.status
		c.mu.Unlock()
		return status
	}

	if err != nil {
		c.status = StatusFailed
		c.reason = ReasonTransportFailure
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("payment status poll failed", "error", err)
		c.notify()
		return StatusFailed
	}

	c.last = ps
	verdict := Evaluate(ps)
	c.attempts, c.status, c.reason = Advance(c.attempts, c.maxAttempts, verdict)
	status, reason, attempts := c.status, c.reason, c.attempts
	c.mu.Unlock()

	c.logger.Debug("payment status polled",
		"verdict", verdict,
		"attempts", attempts,
		"confirmation", status,
		"reason", reason,
	)
	c.notify()
	return status
}

// Cancel releases the confirmation. Any in-flight poll or pending delay is
// abandoned and the state never changes afterwards. Safe to call repeatedly.
func (c *Confirmation) Cancel() {
	c.mu.Lock()
	c.released = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed when the goroutine started by Begin exits.
func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the goroutine started by Begin exits or ctx is done.
func (c *Confirmation) Wait(ctx context.Context) (ConfirmationSnapshot, error) {
	select {
	case <-c.done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Status returns the current lifecycle state.
func (c *Confirmation) Status() ConfirmationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot returns a copy of the current state.
func (c *Confirmation) Snapshot() ConfirmationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ConfirmationSnapshot{
		SessionID:   c.sessionID,
		Status:      c.status,
		Reason:      c.reason,
		Attempts:    c.attempts,
		MaxAttempts: c.maxAttempts,
	}
	if c.last != nil {
		txn := *c.last
		snap.Transaction = &txn
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	return snap
}

func (c *Confirmation) pollable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.released && c.status == StatusChecking && c.attempts < c.maxAttempts
}

func (c *Confirmation) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *Confirmation) fail(reason FailureReason, err error) {
	c.mu.Lock()
	if c.released || c.status != StatusChecking {
		c.mu.Unlock()
		return
	}
	c.status = StatusFailed
	c.reason = reason
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Info("payment confirmation failed", "reason", reason)
	c.notify()
}

func (c *Confirmation) notify() {
	if c.observer != nil {
		c.observer(c.Snapshot())
	}
}
