package agent

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/runtimeconfig"
	"github.com/harun/agentloop/pkg/subagent"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

type step func(ctx context.Context, req LLMRequest) (*LLMResponse, error)

type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []LLMRequest
}

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	i := len(p.requests)
	req.Messages = append([]AgentMessage(nil), req.Messages...)
	p.requests = append(p.requests, req)
	s := p.steps[len(p.steps)-1]
	if i < len(p.steps) {
		s = p.steps[i]
	}
	p.mu.Unlock()
	return s(ctx, req)
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) calls() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LLMRequest(nil), p.requests...)
}

type streamingProvider struct {
	*scriptedProvider
	chunks []StreamChunk
}

func (p *streamingProvider) Stream(ctx context.Context, req LLMRequest, onChunk func(StreamChunk)) (*LLMResponse, error) {
	for _, c := range p.chunks {
		onChunk(c)
	}
	return p.Call(ctx, req)
}

func answer(text string) step {
	return func(context.Context, LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: text, Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

func toolCall(id, name string, params map[string]interface{}) step {
	return func(context.Context, LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{ToolCalls: []ToolCall{{ID: id, Name: name, Parameters: params}}}, nil
	}
}

func blockUntilDone(ctx context.Context, _ LLMRequest) (*LLMResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type eventLog struct {
	ch chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 256)}
}

func (l *eventLog) sink(_ context.Context, e Event) error {
	l.ch <- e
	return nil
}

// untilTerminal collects events up to and including the first terminal one
func (l *eventLog) untilTerminal(t *testing.T) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case e := <-l.ch:
			events = append(events, e)
			if e.Kind.IsTerminal() {
				return events
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no terminal event; got %v", kinds(events))
			return nil
		}
	}
}

func (l *eventLog) waitFor(t *testing.T, kind Kind) Event {
	t.Helper()
	for {
		select {
		case e := <-l.ch:
			if e.Kind == kind {
				return e
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func addTool() *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        "add",
		Description: "Adds two integers",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "a", Type: "integer", Description: "First addend", Required: true},
			{Name: "b", Type: "integer", Description: "Second addend", Required: true},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return params["a"].(int64) + params["b"].(int64), nil
		},
	}
}

func testConfig(t *testing.T, mutate func(*runtimeconfig.Options)) *runtimeconfig.Config {
	t.Helper()
	opts := runtimeconfig.DefaultOptions()
	opts.Model = "test-model"
	opts.Token.Secret = "worker-test-signing-key"
	if mutate != nil {
		mutate(&opts)
	}
	cfg, err := runtimeconfig.New(opts)
	require.NoError(t, err)
	return cfg
}

func startWorker(t *testing.T, provider LLMProvider, log *eventLog) chan<- interface{} {
	t.Helper()
	worker, err := NewWorker(WorkerConfig{
		SessionID:       "s1",
		Provider:        provider,
		Sink:            log.sink,
		Logger:          zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
		LLMRetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan interface{}, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx, inbox)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return inbox
}

func TestNewWorker(t *testing.T) {
	t.Run("should require provider and sink", func(t *testing.T) {
		_, err := NewWorker(WorkerConfig{Sink: newEventLog().sink})
		assert.Error(t, err)

		_, err = NewWorker(WorkerConfig{Provider: &scriptedProvider{}})
		assert.Error(t, err)
	})
}

func TestWorkerFinalAnswer(t *testing.T) {
	t.Run("should emit a single turn for a direct answer", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{answer("4")}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		inbox <- StartMessage{RequestID: "r1", Query: "2+2", Config: testConfig(t, nil)}
		events := log.untilTerminal(t)

		assert.Equal(t, []Kind{
			KindRequestStarted, KindLLMStarted, KindLLMCompleted, KindRequestCompleted,
		}, kinds(events))
		for _, e := range events {
			assert.Equal(t, "r1", e.RequestID)
		}
		assert.Equal(t, "2+2", events[0].Query)
		assert.NotEmpty(t, events[0].RunID)
		assert.Equal(t, TurnFinalAnswer, events[2].TurnType)
		assert.Equal(t, &TokenUsage{InputTokens: 10, OutputTokens: 5}, events[2].Usage)
		assert.Equal(t, "4", events[3].Text)

		req := provider.calls()[0]
		assert.Equal(t, "test-model", req.Model)
		assert.Empty(t, req.Tools)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, RoleUser, req.Messages[0].Role)
	})
}

func TestWorkerToolTurn(t *testing.T) {
	t.Run("should run tools and feed results back", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{
			toolCall("c1", "add", map[string]interface{}{"a": 2, "b": "3"}),
			answer("5"),
		}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		cfg := testConfig(t, func(o *runtimeconfig.Options) {
			o.Tools = []*toolexecutor.ToolDefinition{addTool()}
		})
		inbox <- StartMessage{RequestID: "r1", Query: "add 2 and 3", Config: cfg}
		events := log.untilTerminal(t)

		assert.Equal(t, []Kind{
			KindRequestStarted,
			KindLLMStarted, KindLLMCompleted,
			KindToolStarted, KindToolCompleted, KindCheckpoint,
			KindLLMStarted, KindLLMCompleted,
			KindRequestCompleted,
		}, kinds(events))

		completed := events[4]
		assert.Equal(t, "c1", completed.CallID)
		assert.Equal(t, "add", completed.ToolName)
		assert.Equal(t, "ok", completed.Status)
		assert.Equal(t, int64(5), completed.Result)
		assert.Equal(t, 1, completed.Attempts)
		assert.NotEmpty(t, events[5].Token)
		assert.Equal(t, "5", events[8].Text)

		calls := provider.calls()
		require.Len(t, calls, 2)
		require.Len(t, calls[0].Tools, 1)
		assert.Equal(t, "add", calls[0].Tools[0].Name)

		second := calls[1].Messages
		require.Len(t, second, 3)
		assert.Equal(t, RoleAssistant, second[1].Role)
		assert.Equal(t, RoleTool, second[2].Role)
		assert.Equal(t, "c1", second[2].ToolCallID)
		assert.Equal(t, "5", second[2].Content)
		assert.False(t, second[2].IsError)
	})

	t.Run("should fold unknown tools into the conversation", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{
			toolCall("c1", "missing", nil),
			answer("sorry"),
		}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		inbox <- StartMessage{RequestID: "r1", Query: "q", Config: testConfig(t, nil)}
		events := log.untilTerminal(t)

		assert.Equal(t, KindRequestCompleted, events[len(events)-1].Kind)
		var completed Event
		for _, e := range events {
			if e.Kind == KindToolCompleted {
				completed = e
			}
		}
		assert.Equal(t, "error", completed.Status)
		assert.Equal(t, toolexecutor.ErrorNotFound, completed.Result.(map[string]interface{})["error"])

		toolMsg := provider.calls()[1].Messages[2]
		assert.True(t, toolMsg.IsError)
		assert.Contains(t, toolMsg.Content, toolexecutor.ErrorNotFound)
	})

	t.Run("should fail after max iterations", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{
			toolCall("c1", "add", map[string]interface{}{"a": 1, "b": 1}),
		}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		cfg := testConfig(t, func(o *runtimeconfig.Options) {
			o.MaxIterations = 2
			o.Tools = []*toolexecutor.ToolDefinition{addTool()}
		})
		inbox <- StartMessage{RequestID: "r1", Query: "loop", Config: cfg}
		events := log.untilTerminal(t)

		last := events[len(events)-1]
		assert.Equal(t, KindRequestFailed, last.Kind)
		require.NotNil(t, last.Reason)
		assert.Equal(t, ReasonMaxIterations, last.Reason.Type)
		assert.Len(t, provider.calls(), 2)
	})
}

func TestWorkerStreaming(t *testing.T) {
	t.Run("should emit deltas in order before completion", func(t *testing.T) {
		provider := &streamingProvider{
			scriptedProvider: &scriptedProvider{steps: []step{answer("Hello world")}},
			chunks: []StreamChunk{
				{Type: ChunkThinking, Text: "hmm"},
				{Type: ChunkText, Text: "Hello "},
				{Type: ChunkText, Text: "world"},
			},
		}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		inbox <- StartMessage{RequestID: "r1", Query: "hi", Config: testConfig(t, nil)}
		events := log.untilTerminal(t)

		var deltas []Event
		for _, e := range events {
			if e.Kind == KindLLMDelta {
				deltas = append(deltas, e)
			}
		}
		require.Len(t, deltas, 3)
		assert.Equal(t, ChunkThinking, deltas[0].ChunkType)
		assert.Equal(t, "Hello ", deltas[1].Delta)
		assert.Equal(t, "world", deltas[2].Delta)
		assert.Equal(t, deltas[0].CallID, deltas[2].CallID)
	})
}

func TestWorkerLLMFailures(t *testing.T) {
	t.Run("should report llm timeout", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{blockUntilDone}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		cfg := testConfig(t, func(o *runtimeconfig.Options) {
			o.LLM.Timeout = 50 * time.Millisecond
		})
		inbox <- StartMessage{RequestID: "r1", Query: "q", Config: cfg}
		events := log.untilTerminal(t)

		last := events[len(events)-1]
		assert.Equal(t, KindRequestFailed, last.Kind)
		assert.Equal(t, ReasonTimeout, last.Reason.Type)
		assert.Len(t, provider.calls(), 1)
	})

	t.Run("should retry retryable transport errors", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{
			func(context.Context, LLMRequest) (*LLMResponse, error) {
				return nil, errors.New("503 service overloaded")
			},
			answer("ok"),
		}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		inbox <- StartMessage{RequestID: "r1", Query: "q", Config: testConfig(t, nil)}
		events := log.untilTerminal(t)

		assert.Equal(t, KindRequestCompleted, events[len(events)-1].Kind)
		assert.Len(t, provider.calls(), 2)
	})

	t.Run("should not retry permanent errors and redact detail", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{
			func(context.Context, LLMRequest) (*LLMResponse, error) {
				return nil, errors.New("invalid request: key sk-ant-REDACTED rejected")
			},
		}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		inbox <- StartMessage{RequestID: "r1", Query: "q", Config: testConfig(t, nil)}
		events := log.untilTerminal(t)

		last := events[len(events)-1]
		assert.Equal(t, ReasonError, last.Reason.Type)
		assert.NotContains(t, last.Reason.Detail, "sk-ant-")
		assert.Len(t, provider.calls(), 1)
	})
}

func TestWorkerCancel(t *testing.T) {
	t.Run("should cancel only the matching request", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{blockUntilDone}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)

		inbox <- StartMessage{RequestID: "r1", Query: "q", Config: testConfig(t, nil)}
		log.waitFor(t, KindLLMStarted)

		inbox <- CancelMessage{RequestID: "other", Reason: "nope"}
		select {
		case e := <-log.ch:
			t.Fatalf("unexpected event %s", e.Kind)
		case <-time.After(50 * time.Millisecond):
		}

		inbox <- CancelMessage{RequestID: "r1", Reason: "user abort"}
		e := log.waitFor(t, KindRequestCancelled)
		assert.Equal(t, "r1", e.RequestID)
		assert.Equal(t, ReasonCancelled, e.Reason.Type)
		assert.Equal(t, "user abort", e.Reason.Detail)
	})

	t.Run("should accept a new request after cancellation", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{blockUntilDone, answer("again")}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)
		cfg := testConfig(t, nil)

		inbox <- StartMessage{RequestID: "r1", Query: "q", Config: cfg}
		log.waitFor(t, KindLLMStarted)
		inbox <- CancelMessage{RequestID: "r1", Reason: "stop"}
		log.waitFor(t, KindRequestCancelled)

		inbox <- StartMessage{RequestID: "r2", Query: "q2", Config: cfg}
		e := log.waitFor(t, KindRequestCompleted)
		assert.Equal(t, "r2", e.RequestID)
		assert.Equal(t, "again", e.Text)
	})
}

func TestWorkerCheckpoint(t *testing.T) {
	runToCheckpoint := func(t *testing.T, cfg *runtimeconfig.Config) string {
		provider := &scriptedProvider{steps: []step{
			toolCall("c1", "add", map[string]interface{}{"a": 2, "b": 3}),
			answer("5"),
		}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)
		inbox <- StartMessage{RequestID: "r1", Query: "add", Config: cfg}
		token := log.waitFor(t, KindCheckpoint).Token
		log.waitFor(t, KindRequestCompleted)
		return token
	}

	t.Run("should resume the conversation from a token", func(t *testing.T) {
		cfg := testConfig(t, func(o *runtimeconfig.Options) {
			o.Tools = []*toolexecutor.ToolDefinition{addTool()}
		})
		token := runToCheckpoint(t, cfg)

		provider := &scriptedProvider{steps: []step{answer("resumed")}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)
		inbox <- StartMessage{RequestID: "r2", Config: cfg, CheckpointToken: token}
		events := log.untilTerminal(t)

		assert.Equal(t, KindRequestCompleted, events[len(events)-1].Kind)
		messages := provider.calls()[0].Messages
		require.Len(t, messages, 3)
		assert.Equal(t, "add", messages[0].Content)
		assert.Equal(t, RoleTool, messages[2].Role)
	})

	t.Run("should reject a token from another configuration", func(t *testing.T) {
		cfg := testConfig(t, func(o *runtimeconfig.Options) {
			o.Tools = []*toolexecutor.ToolDefinition{addTool()}
		})
		token := runToCheckpoint(t, cfg)

		provider := &scriptedProvider{steps: []step{answer("unused")}}
		log := newEventLog()
		inbox := startWorker(t, provider, log)
		inbox <- StartMessage{RequestID: "r2", Config: cfg.WithoutTool("add"), CheckpointToken: token}
		events := log.untilTerminal(t)

		last := events[len(events)-1]
		assert.Equal(t, KindRequestFailed, last.Kind)
		assert.Equal(t, ReasonCheckpointInvalid, last.Reason.Type)
		assert.Empty(t, provider.calls())
	})
}

func TestWorkerCrash(t *testing.T) {
	t.Run("should exit the process when a request panics", func(t *testing.T) {
		provider := &scriptedProvider{steps: []step{
			func(context.Context, LLMRequest) (*LLMResponse, error) {
				panic("provider exploded")
			},
		}}
		log := newEventLog()
		worker, err := NewWorker(WorkerConfig{
			SessionID: "s1",
			Provider:  provider,
			Sink:      log.sink,
			Logger:    zerolog.New(os.Stdout).Level(zerolog.Disabled),
		})
		require.NoError(t, err)

		coordinator := subagent.NewCoordinator(subagent.Config{Logger: zerolog.Nop()})
		exits := make(chan subagent.Notification, 1)
		pid, err := coordinator.Spawn("session:s1:worker", worker, func(n subagent.Notification) {
			if n.Type == subagent.NotifyExit {
				exits <- n
			}
		})
		require.NoError(t, err)
		require.NoError(t, coordinator.Send(pid, StartMessage{RequestID: "r1", Query: "q", Config: testConfig(t, nil)}))

		select {
		case n := <-exits:
			assert.True(t, strings.HasPrefix(n.Reason, "panic: "), n.Reason)
			assert.Contains(t, n.Reason, "provider exploded")
		case <-time.After(3 * time.Second):
			t.Fatal("worker did not exit")
		}

		started := log.waitFor(t, KindRequestStarted)
		assert.Equal(t, pid, started.WorkerPID)
	})
}
