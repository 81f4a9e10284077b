package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
)

func TestFormatEventType(t *testing.T) {
	out := formatEventType(enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_STARTED)
	assert.NotContains(t, out, "EVENT_TYPE_")
	assert.True(t, strings.EqualFold(strings.ReplaceAll(out, "_", ""), "WorkflowExecutionStarted"), out)
}

func TestTemporalCommands_RequireSessionID(t *testing.T) {
	for _, name := range []string{"describe", "start", "history"} {
		t.Run(name, func(t *testing.T) {
			err := newApp().Run([]string{"transops", "temporal", name})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "session ID")
		})
	}
}
