package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/llm"
	"github.com/floegence/relay-agent/internal/orch"
	"github.com/floegence/relay-agent/internal/proxy"
	"github.com/floegence/relay-agent/internal/sessionstore"
	"github.com/floegence/relay-agent/internal/subagent"
)

// scriptedClient serves a fixed sequence of model turns, repeating the last.
type scriptedClient struct {
	mu    sync.Mutex
	turns []*llm.Result
	next  int
}

func (c *scriptedClient) Complete(context.Context, llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.next
	if i >= len(c.turns) {
		i = len(c.turns) - 1
	}
	c.next++
	return c.turns[i], nil
}

type okProxy struct{}

func (okProxy) Invoke(context.Context, proxy.Request, chan<- proxy.StreamFrame) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}
func (okProxy) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *sessionstore.Store) {
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
	limits := config.Limits{RepairRounds: 0, RetryDelayMs: 1}
	model := &scriptedClient{turns: []*llm.Result{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "execute_command", ArgumentsJSON: `{"command":"true"}`}}, StopReason: "tool_use"},
		{Text: "task finished", StopReason: "end_turn"},
	}}
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
	agents, err := subagent.New(o, limits, nil)
	if err != nil {
		t.Fatalf("subagent.New: %v", err)
	}
	srv, err := New(Options{Store: store, Orch: o, Agents: agents, Limits: limits})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, store
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func dialWS(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// call sends one request and waits for its answer frame.
func (c *wsClient) call(opType string, payload any) response {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("req_%s_%d", opType, c.seq)
	body, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	if err := c.conn.WriteJSON(request{ID: id, Type: opType, Payload: body}); err != nil {
		c.t.Fatalf("write %s: %v", opType, err)
	}
	var resp response
	if err := c.conn.ReadJSON(&resp); err != nil {
		c.t.Fatalf("read %s: %v", opType, err)
	}
	if resp.ID != id {
		c.t.Fatalf("response id=%q, want %q", resp.ID, id)
	}
	return resp
}

func (c *wsClient) mustCall(opType string, payload any, out any) {
	c.t.Helper()
	resp := c.call(opType, payload)
	if !resp.OK {
		c.t.Fatalf("%s failed: %+v", opType, resp.Error)
	}
	if out != nil {
		b, err := json.Marshal(resp.Data)
		if err != nil {
			c.t.Fatalf("remarshal data: %v", err)
		}
		if err := json.Unmarshal(b, out); err != nil {
			c.t.Fatalf("decode %s data: %v", opType, err)
		}
	}
}

// waitTerminal polls session.view until the run records a terminal status.
func (c *wsClient) waitTerminal(sessionID string) sessionViewResp {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var view sessionViewResp
		c.mustCall("session.view", sessionRef{SessionID: sessionID}, &view)
		if view.LastStatus != "" && view.Runtime.Lifecycle == orch.LifecycleIdle {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("run on %s never settled", sessionID)
	return sessionViewResp{}
}

func TestRunStartThroughSessionView(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	var started runStartResp
	c.mustCall("run.start", runStartReq{Prompt: "do the thing", AutoRun: true}, &started)
	if started.SessionID == "" {
		t.Fatalf("run.start returned no session id")
	}

	view := c.waitTerminal(started.SessionID)
	if view.LastStatus != string(orch.StatusDone) {
		t.Fatalf("LastStatus=%q, want done", view.LastStatus)
	}
	if len(view.Messages) == 0 || view.Messages[0].Content != "do the thing" {
		t.Fatalf("prompt entry missing: %+v", view.Messages)
	}

	// session.view is idempotent: a second call returns the same picture.
	again := c.waitTerminal(started.SessionID)
	if len(again.Messages) != len(view.Messages) {
		t.Fatalf("messages changed across views: %d then %d", len(view.Messages), len(again.Messages))
	}
}

func TestStepStreamBoundedProjection(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	var started runStartResp
	c.mustCall("run.start", runStartReq{Prompt: "traced work", AutoRun: true}, &started)
	c.waitTerminal(started.SessionID)

	var stream stepStreamResp
	c.mustCall("step.stream", stepStreamReq{SessionID: started.SessionID, MaxEvents: 2}, &stream)
	if len(stream.Stream) != 2 {
		t.Fatalf("events=%d, want 2", len(stream.Stream))
	}
	if !stream.StreamMeta.Truncated || stream.StreamMeta.CutBy != "events" {
		t.Fatalf("meta=%+v, want truncated by events", stream.StreamMeta)
	}
	if stream.StreamMeta.TotalEvents <= 2 {
		t.Fatalf("TotalEvents=%d, want the full log count", stream.StreamMeta.TotalEvents)
	}
	// The projection keeps the newest events; a finished run ends on a
	// terminal event.
	last := stream.Stream[len(stream.Stream)-1]
	if last.Type != "loop_done" {
		t.Fatalf("last event=%q, want loop_done", last.Type)
	}
}

func TestUnknownOpRejected(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	resp := c.call("run.teleport", map[string]any{})
	if resp.OK || resp.Error == nil || resp.Error.Code != 404 {
		t.Fatalf("resp=%+v, want 404 error", resp)
	}
}

func TestStopWithoutActiveRunIs404(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	resp := c.call("run.stop", sessionRef{SessionID: "ses_nope"})
	if resp.OK || resp.Error == nil || resp.Error.Code != 404 {
		t.Fatalf("resp=%+v, want 404 error", resp)
	}
}

func TestSessionForkOp(t *testing.T) {
	t.Parallel()

	ts, store := newTestServer(t)
	c := dialWS(t, ts)

	var started runStartResp
	c.mustCall("run.start", runStartReq{Prompt: "fork source", AutoRun: true}, &started)
	view := c.waitTerminal(started.SessionID)

	var forked sessionForkResp
	c.mustCall("session.fork", sessionForkReq{
		SessionID:     started.SessionID,
		SourceEntryID: view.Messages[0].EntryID,
	}, &forked)
	if forked.SessionID == started.SessionID {
		t.Fatalf("fork returned the source session")
	}

	ctx := context.Background()
	sess, err := store.GetSession(ctx, forked.SessionID)
	if err != nil {
		t.Fatalf("GetSession fork: %v", err)
	}
	if sess.ForkedFrom == nil || sess.ForkedFrom.SessionID != started.SessionID {
		t.Fatalf("fork lineage missing: %+v", sess.ForkedFrom)
	}

	entries, err := store.ListEntries(ctx, forked.SessionID)
	if err != nil {
		t.Fatalf("ListEntries fork: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "fork source" {
		t.Fatalf("fork prefix wrong: %+v", entries)
	}
}

func TestStorageResetAndInit(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	var started runStartResp
	c.mustCall("run.start", runStartReq{Prompt: "ephemeral", AutoRun: true}, &started)
	c.waitTerminal(started.SessionID)

	var reset storageResetResp
	c.mustCall("storage.reset", map[string]any{}, &reset)
	found := false
	for _, key := range reset.RemovedKeys {
		if key == started.SessionID {
			found = true
		}
	}
	if !found {
		t.Fatalf("removedKeys=%v missing %s", reset.RemovedKeys, started.SessionID)
	}

	var idx storageInitResp
	c.mustCall("storage.init", map[string]any{}, &idx)
	if len(idx.Index) != 0 {
		t.Fatalf("index=%v after reset, want empty", idx.Index)
	}
}

func TestAgentRunSingleOverProtocol(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	var res agentRunResp
	c.mustCall("agent.run", agentRunReq{
		Mode:  subagent.ModeSingle,
		Tasks: []subagent.Task{{Prompt: "child work", AutoRun: true}},
	}, &res)
	if len(res.Results) != 1 {
		t.Fatalf("results=%d, want 1", len(res.Results))
	}
	if res.Results[0].Status != orch.StatusDone {
		t.Fatalf("child status=%s (%s)", res.Results[0].Status, res.Results[0].Output)
	}
	if res.Results[0].SessionID == "" {
		t.Fatalf("child session id missing")
	}
}

func TestStatusOp(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	c := dialWS(t, ts)

	var st statusResp
	c.mustCall("status", map[string]any{}, &st)
	if st.TsUnixMs <= 0 {
		t.Fatalf("TsUnixMs=%d", st.TsUnixMs)
	}
	if st.Sessions != 0 {
		t.Fatalf("Sessions=%d on a fresh store", st.Sessions)
	}
}
