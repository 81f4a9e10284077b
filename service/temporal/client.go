package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apiclient "github.com/brojonat/transops/client"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrConfirmationNotFound is returned when no confirmation workflow exists
// for a session.
var ErrConfirmationNotFound = errors.New("confirmation workflow not found")

// Client starts and inspects payment confirmation workflows.
type Client struct {
	client       client.Client
	taskQueue    string
	maxAttempts  int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return newClient(c, taskQueue, logger), nil
}

func newClient(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	return &Client{
		client:       c,
		taskQueue:    taskQueue,
		maxAttempts:  apiclient.DefaultMaxAttempts,
		pollInterval: apiclient.DefaultPollInterval,
		logger:       logger,
	}
}

// WithConfirmationPolicy sets the attempt budget and poll interval passed to
// new confirmation workflows. Non-positive values keep the defaults.
func (c *Client) WithConfirmationPolicy(maxAttempts int, pollInterval time.Duration) *Client {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if pollInterval > 0 {
		c.pollInterval = pollInterval
	}
	return c
}

// StartPaymentConfirmation starts ConfirmPaymentWorkflow for a checkout
// session and returns its workflow id. If a confirmation for the session is
// already running, the existing run is returned.
func (c *Client) StartPaymentConfirmation(ctx context.Context, sessionID string) (string, error) {
	id := ConfirmationWorkflowID(sessionID)

	c.logger.Debug("starting payment confirmation",
		"session_id", sessionID,
		"workflow_id", id,
	)

	opts := client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}
	input := ConfirmPaymentInput{
		SessionID:    sessionID,
		MaxAttempts:  c.maxAttempts,
		PollInterval: c.pollInterval,
	}

	run, err := c.client.ExecuteWorkflow(ctx, opts, ConfirmPaymentWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start payment confirmation",
			"session_id", sessionID,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("payment confirmation started",
		"session_id", sessionID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	return run.GetID(), nil
}

// Confirmation describes the durable confirmation of a session.
type Confirmation struct {
	WorkflowID string                       `json:"workflow_id"`
	SessionID  string                       `json:"session_id"`
	Running    bool                         `json:"running"`
	Status     apiclient.ConfirmationStatus `json:"status,omitempty"`
	Reason     apiclient.FailureReason      `json:"reason,omitempty"`
	Attempts   int                          `json:"attempts,omitempty"`
	Error      string                       `json:"error,omitempty"`
}

// DescribeConfirmation reports whether the confirmation workflow of a session
// is still running and, once it has completed, its result.
func (c *Client) DescribeConfirmation(ctx context.Context, sessionID string) (*Confirmation, error) {
	id := ConfirmationWorkflowID(sessionID)

	resp, err := c.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrConfirmationNotFound
		}
		return nil, fmt.Errorf("failed to describe workflow %q: %w", id, err)
	}

	out := &Confirmation{WorkflowID: id, SessionID: sessionID}
	status := resp.GetWorkflowExecutionInfo().GetStatus()

	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		out.Running = true
		out.Status = apiclient.StatusChecking
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var result ConfirmPaymentResult
		if err := c.client.GetWorkflow(ctx, id, "").Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("failed to get result of workflow %q: %w", id, err)
		}
		out.Status = result.Status
		out.Reason = result.Reason
		out.Attempts = result.Attempts
		out.Error = result.Error
	default:
		out.Status = apiclient.StatusFailed
		out.Error = "workflow " + strings.ToLower(status.String())
	}

	return out, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
