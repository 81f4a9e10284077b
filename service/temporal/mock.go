package temporal

import (
	"context"
	"sync"

	apiclient "github.com/brojonat/transops/client"
)

// MockConfirmations is an in-memory stand-in for Client in tests. Started
// confirmations report as running until Complete is called.
type MockConfirmations struct {
	mu          sync.Mutex
	started     map[string]*Confirmation
	startErr    error
	describeErr error
}

// NewMockConfirmations creates a new MockConfirmations.
func NewMockConfirmations() *MockConfirmations {
	return &MockConfirmations{
		started: make(map[string]*Confirmation),
	}
}

// StartPaymentConfirmation records that a confirmation was started.
func (m *MockConfirmations) StartPaymentConfirmation(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}

	id := ConfirmationWorkflowID(sessionID)
	if _, ok := m.started[sessionID]; !ok {
		m.started[sessionID] = &Confirmation{
			WorkflowID: id,
			SessionID:  sessionID,
			Running:    true,
			Status:     apiclient.StatusChecking,
		}
	}
	return id, nil
}

// DescribeConfirmation returns the recorded confirmation for a session.
func (m *MockConfirmations) DescribeConfirmation(ctx context.Context, sessionID string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.describeErr != nil {
		return nil, m.describeErr
	}
	c, ok := m.started[sessionID]
	if !ok {
		return nil, ErrConfirmationNotFound
	}
	cp := *c
	return &cp, nil
}

// Complete marks a started confirmation as finished with the given result.
func (m *MockConfirmations) Complete(result ConfirmPaymentResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started[result.SessionID] = &Confirmation{
		WorkflowID: ConfirmationWorkflowID(result.SessionID),
		SessionID:  result.SessionID,
		Status:     result.Status,
		Reason:     result.Reason,
		Attempts:   result.Attempts,
		Error:      result.Error,
	}
}

// IsStarted reports whether a confirmation was started for a session.
func (m *MockConfirmations) IsStarted(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.started[sessionID]
	return ok
}

// SetStartError makes StartPaymentConfirmation fail.
func (m *MockConfirmations) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetDescribeError makes DescribeConfirmation fail.
func (m *MockConfirmations) SetDescribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeErr = err
}
