package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	apiclient "github.com/brojonat/transops/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func pending() *apiclient.PaymentStatus {
	return &apiclient.PaymentStatus{SessionID: "cs_test_1", Amount: 1000, PaymentStatus: "unpaid", Status: "open"}
}

func paid() *apiclient.PaymentStatus {
	return &apiclient.PaymentStatus{SessionID: "cs_test_1", Amount: 1000, PaymentStatus: "paid", Status: "completed"}
}

func expired() *apiclient.PaymentStatus {
	return &apiclient.PaymentStatus{SessionID: "cs_test_1", Amount: 1000, PaymentStatus: "unpaid", Status: "expired"}
}

func TestConfirmPaymentWorkflow(t *testing.T) {
	tests := []struct {
		name         string
		responses    []*apiclient.PaymentStatus
		activityErr  error
		wantStatus   apiclient.ConfirmationStatus
		wantReason   apiclient.FailureReason
		wantAttempts int
		wantCalls    int
	}{
		{
			name:       "paid on first check",
			responses:  []*apiclient.PaymentStatus{paid()},
			wantStatus: apiclient.StatusSucceeded,
			wantCalls:  1,
		},
		{
			name:         "pending twice then paid",
			responses:    []*apiclient.PaymentStatus{pending(), pending(), paid()},
			wantStatus:   apiclient.StatusSucceeded,
			wantAttempts: 2,
			wantCalls:    3,
		},
		{
			name:         "nil payload counts as pending",
			responses:    []*apiclient.PaymentStatus{nil, paid()},
			wantStatus:   apiclient.StatusSucceeded,
			wantAttempts: 1,
			wantCalls:    2,
		},
		{
			name:         "expired after one pending",
			responses:    []*apiclient.PaymentStatus{pending(), expired()},
			wantStatus:   apiclient.StatusFailed,
			wantReason:   apiclient.ReasonServiceRejected,
			wantAttempts: 1,
			wantCalls:    2,
		},
		{
			name:         "pending until budget runs out",
			responses:    []*apiclient.PaymentStatus{pending(), pending(), pending(), pending(), pending(), paid()},
			wantStatus:   apiclient.StatusFailed,
			wantReason:   apiclient.ReasonRetryBudgetExhausted,
			wantAttempts: 5,
			wantCalls:    5,
		},
		{
			name:        "activity error is not retried",
			activityErr: errors.New("provider unavailable"),
			wantStatus:  apiclient.StatusFailed,
			wantReason:  apiclient.ReasonTransportFailure,
			wantCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.CheckPaymentStatus)
			env.RegisterActivity(activities.RecordConfirmationOutcome)

			calls := 0
			if tt.activityErr != nil {
				env.OnActivity(activities.CheckPaymentStatus, mock.Anything, mock.Anything).
					Run(func(args mock.Arguments) { calls++ }).
					Return(nil, tt.activityErr)
			} else {
				env.OnActivity(activities.CheckPaymentStatus, mock.Anything, mock.Anything).
					Return(func(ctx context.Context, input CheckPaymentStatusInput) (*apiclient.PaymentStatus, error) {
						resp := tt.responses[calls]
						calls++
						return resp, nil
					})
			}

			env.ExecuteWorkflow(ConfirmPaymentWorkflow, ConfirmPaymentInput{
				SessionID:    "cs_test_1",
				MaxAttempts:  5,
				PollInterval: 2 * time.Second,
			})

			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())

			var result ConfirmPaymentResult
			require.NoError(t, env.GetWorkflowResult(&result))

			assert.Equal(t, "cs_test_1", result.SessionID)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantReason, result.Reason)
			assert.Equal(t, tt.wantAttempts, result.Attempts)
			assert.Equal(t, tt.wantCalls, calls)
			if tt.activityErr != nil {
				assert.Contains(t, result.Error, "provider unavailable")
				return
			}
			assert.Equal(t, 1000.0, result.Amount)

			// The in-process confirmation reaches the same outcome.
			conf := apiclient.NewConfirmation("cs_test_1", &replayFetcher{responses: tt.responses},
				apiclient.WithPollInterval(time.Millisecond))
			snap := conf.Run(context.Background())
			assert.Equal(t, result.Status, snap.Status)
			assert.Equal(t, result.Reason, snap.Reason)
			assert.Equal(t, result.Attempts, snap.Attempts)
		})
	}
}

// replayFetcher returns responses in order.
type replayFetcher struct {
	responses []*apiclient.PaymentStatus
	calls     int
}

func (f *replayFetcher) GetPaymentStatus(ctx context.Context, sessionID string) (*apiclient.PaymentStatus, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func TestConfirmPaymentWorkflow_MissingSession(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CheckPaymentStatus)
	env.RegisterActivity(activities.RecordConfirmationOutcome)

	env.ExecuteWorkflow(ConfirmPaymentWorkflow, ConfirmPaymentInput{MaxAttempts: 5})

	require.NoError(t, env.GetWorkflowError())

	var result ConfirmPaymentResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, apiclient.StatusFailed, result.Status)
	assert.Equal(t, apiclient.ReasonMissingReference, result.Reason)
	assert.Zero(t, result.Attempts)
}

func TestConfirmPaymentWorkflow_SleepsBetweenPolls(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CheckPaymentStatus)
	env.RegisterActivity(activities.RecordConfirmationOutcome)
	env.OnActivity(activities.CheckPaymentStatus, mock.Anything, mock.Anything).Return(pending(), nil)

	startTime := env.Now()
	env.ExecuteWorkflow(ConfirmPaymentWorkflow, ConfirmPaymentInput{
		SessionID:    "cs_test_1",
		MaxAttempts:  3,
		PollInterval: 10 * time.Second,
	})
	require.NoError(t, env.GetWorkflowError())

	// Three polls, two sleeps in between and none after the last.
	elapsed := env.Now().Sub(startTime)
	assert.GreaterOrEqual(t, elapsed, 20*time.Second)
	assert.Less(t, elapsed, 30*time.Second)
}

func TestConfirmPaymentWorkflow_Defaults(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CheckPaymentStatus)
	env.RegisterActivity(activities.RecordConfirmationOutcome)

	calls := 0
	env.OnActivity(activities.CheckPaymentStatus, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { calls++ }).
		Return(pending(), nil)

	env.ExecuteWorkflow(ConfirmPaymentWorkflow, ConfirmPaymentInput{SessionID: "cs_test_1"})
	require.NoError(t, env.GetWorkflowError())

	var result ConfirmPaymentResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, apiclient.ReasonRetryBudgetExhausted, result.Reason)
	assert.Equal(t, apiclient.DefaultMaxAttempts, calls)
}

func TestConfirmPaymentWorkflow_RecordsOutcome(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CheckPaymentStatus)
	env.RegisterActivity(activities.RecordConfirmationOutcome)

	env.OnActivity(activities.CheckPaymentStatus, mock.Anything, mock.Anything).Return(expired(), nil)

	var recorded RecordConfirmationOutcomeInput
	env.OnActivity(activities.RecordConfirmationOutcome, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(RecordConfirmationOutcomeInput)
		}).
		Return(nil)

	env.ExecuteWorkflow(ConfirmPaymentWorkflow, ConfirmPaymentInput{SessionID: "cs_test_1"})
	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, apiclient.StatusFailed, recorded.Status)
	assert.Equal(t, apiclient.ReasonServiceRejected, recorded.Reason)
}

func TestConfirmPaymentWorkflow_OutcomeFailureIgnored(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CheckPaymentStatus)
	env.RegisterActivity(activities.RecordConfirmationOutcome)

	env.OnActivity(activities.CheckPaymentStatus, mock.Anything, mock.Anything).Return(paid(), nil)
	env.OnActivity(activities.RecordConfirmationOutcome, mock.Anything, mock.Anything).
		Return(errors.New("metrics unavailable"))

	env.ExecuteWorkflow(ConfirmPaymentWorkflow, ConfirmPaymentInput{SessionID: "cs_test_1"})
	require.NoError(t, env.GetWorkflowError())

	var result ConfirmPaymentResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, apiclient.StatusSucceeded, result.Status)
}

func TestConfirmationWorkflowID(t *testing.T) {
	assert.Equal(t, "confirm-payment-cs_test_1", ConfirmationWorkflowID("cs_test_1"))
}
