package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	EnsureRegistered()
	EnsureRegistered()

	RecordToolExecution("add", 10*time.Millisecond, "ok")
	RecordToolRetry("add")
	RecordQueueEnqueue("session:test", 1)
	RecordQueueCompletion("session:test", time.Millisecond, true, 0)
	RecordRequest("final_answer", time.Second)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `agentloop_tool_execution_total{outcome="ok",tool="add"}`)
	assert.Contains(t, body, `agentloop_tool_retries_total{tool="add"}`)
	assert.Contains(t, body, `agentloop_request_total{termination="final_answer"}`)

	ForgetLane("session:test")
	rec = httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), `lane="session:test"`)
}

func TestAuditLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	SetAuditWriter(buf)

	RecordRequestAudit(context.Background(), "s1", "r1", "final_answer")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "request", decoded["type"])
	assert.Equal(t, "s1", decoded["actor"])
	assert.Equal(t, "request:final_answer", decoded["action"])
	assert.Equal(t, "r1", decoded["metadata"].(map[string]interface{})["request_id"])
}
