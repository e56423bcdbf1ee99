package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/llm"
	"github.com/floegence/relay-agent/internal/orch"
	"github.com/floegence/relay-agent/internal/proxy"
	"github.com/floegence/relay-agent/internal/sessionstore"
)

// echoModel finishes every run with one successful action and a final text
// derived from the prompt, so chain substitution is observable end to end.
type echoModel struct {
	mu    sync.Mutex
	calls map[string]int // first user message → model turns served
}

func (m *echoModel) Complete(_ context.Context, req llm.Request) (*llm.Result, error) {
	prompt := ""
	for _, msg := range req.Messages {
		if msg.Role == llm.RoleUser {
			prompt = msg.Content
			break
		}
	}
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[prompt]++
	turn := m.calls[prompt]
	m.mu.Unlock()

	if turn == 1 {
		return &llm.Result{
			ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "execute_command", ArgumentsJSON: `{"command":"true"}`}},
			StopReason: "tool_use",
		}, nil
	}
	return &llm.Result{Text: "echo: " + prompt, StopReason: "end_turn"}, nil
}

type okProxy struct{}

func (okProxy) Invoke(context.Context, proxy.Request, chan<- proxy.StreamFrame) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}
func (okProxy) Close() error { return nil }

func newTestCoordinator(t *testing.T, limits config.Limits) (*Coordinator, *sessionstore.Store) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	profiles := &config.Profiles{
		Providers: []config.Provider{{ID: "prov", Type: config.ProviderTypeOpenAI, APIKeyEnv: "X"}},
		Roles: []config.Role{{Name: "worker", Chain: []config.Profile{
			{ID: "p1", Provider: "prov", Model: "model-p1"},
		}}},
	}
	limits.RetryDelayMs = 1
	model := &echoModel{}
	o, err := orch.New(orch.Options{
		Store:    store,
		Profiles: profiles,
		Limits:   limits,
		Proxy:    okProxy{},
		Clients:  func(config.Provider) (llm.Client, error) { return model, nil },
	})
	if err != nil {
		t.Fatalf("orch.New: %v", err)
	}
	c, err := New(o, limits, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSingleRunsOneChild(t *testing.T) {
	t.Parallel()

	c, store := newTestCoordinator(t, config.Limits{})
	res, err := c.Single(testCtx(t), "", Task{Prompt: "summarize the repo", AutoRun: true})
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if res.Status != orch.StatusDone {
		t.Fatalf("Status=%s (%s)", res.Status, res.Output)
	}
	if res.SessionID == "" {
		t.Fatalf("child session id missing")
	}
	if _, err := store.GetSession(context.Background(), res.SessionID); err != nil {
		t.Fatalf("child session not persisted: %v", err)
	}
}

func TestAutoRunFalseRejectedUpfront(t *testing.T) {
	t.Parallel()

	c, store := newTestCoordinator(t, config.Limits{})
	if _, err := c.Single(testCtx(t), "", Task{Prompt: "x"}); err == nil {
		t.Fatalf("autoRun=false must be rejected")
	}
	if _, err := c.Chain(testCtx(t), "", []Task{
		{Prompt: "a", AutoRun: true},
		{Prompt: "b", AutoRun: false},
	}); err == nil {
		t.Fatalf("chain with any autoRun=false stage must be rejected")
	}
	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("rejected requests must not launch children, got %d sessions", len(sessions))
	}
}

func TestParallelCeilingFailsBeforeLaunch(t *testing.T) {
	t.Parallel()

	c, store := newTestCoordinator(t, config.Limits{ParallelSubagentMax: 2})
	tasks := []Task{
		{Prompt: "a", AutoRun: true},
		{Prompt: "b", AutoRun: true},
		{Prompt: "c", AutoRun: true},
	}
	if _, err := c.Parallel(testCtx(t), "", tasks); !errors.Is(err, ErrParallelLimit) {
		t.Fatalf("err=%v, want ErrParallelLimit", err)
	}
	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("ceiling violation launched %d children, want 0", len(sessions))
	}
}

func TestParallelResultsPositionallyAligned(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, config.Limits{ParallelSubagentMax: 3})
	tasks := []Task{
		{Prompt: "alpha", AutoRun: true},
		{Prompt: "beta", AutoRun: true},
		{Prompt: "gamma", AutoRun: true},
	}
	results, err := c.Parallel(testCtx(t), "", tasks)
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results=%d, want 3", len(results))
	}
	for i, task := range tasks {
		if !strings.Contains(results[i].Output, task.Prompt) {
			t.Fatalf("result %d=%q not aligned with task %q", i, results[i].Output, task.Prompt)
		}
		if results[i].SessionID == "" {
			t.Fatalf("result %d missing session id", i)
		}
	}
}

func TestChainSubstitutesPreviousOutput(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, config.Limits{})
	res, err := c.Chain(testCtx(t), "", []Task{
		{Prompt: "stage one", AutoRun: true},
		{Prompt: "refine: ${previous_output}", AutoRun: true},
	})
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(res.Stages) != 2 {
		t.Fatalf("stages=%d, want 2", len(res.Stages))
	}
	// Stage two's prompt carried stage one's output.
	if !strings.Contains(res.Stages[1].Output, "echo: stage one") {
		t.Fatalf("substitution missing: %q", res.Stages[1].Output)
	}
	if res.FinalOutput != res.Stages[1].Output {
		t.Fatalf("FinalOutput=%q, want last stage output", res.FinalOutput)
	}
	if !strings.Contains(res.Summary, "completed 2/2") {
		t.Fatalf("Summary=%q", res.Summary)
	}
}

func TestChildrenCarryParentLinkage(t *testing.T) {
	t.Parallel()

	c, store := newTestCoordinator(t, config.Limits{})
	res, err := c.Single(testCtx(t), "ses_parent123", Task{Prompt: "child task", AutoRun: true})
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	child, err := store.GetSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if child.ParentSessionID != "ses_parent123" {
		t.Fatalf("ParentSessionID=%q, want ses_parent123", child.ParentSessionID)
	}
}
