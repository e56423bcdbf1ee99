// Package orch owns the run loop: one bounded sequence of model/tool steps
// per session, with convergence guarding, context compaction, model
// escalation, and a closed terminal-status enum. Everything else in the
// repository is plumbing around this package.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/floegence/relay-agent/internal/browser"
	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/llm"
	"github.com/floegence/relay-agent/internal/monitor"
	"github.com/floegence/relay-agent/internal/proxy"
	"github.com/floegence/relay-agent/internal/sessionstore"
)

// ErrRunActive is returned when an operation requires an idle session.
var ErrRunActive = errors.New("orch: run already active for session")

// ErrNoActiveRun is returned by stop/pause/resume on an idle session.
var ErrNoActiveRun = errors.New("orch: no active run for session")

// ClientFactory builds a model client for a provider registration. Swappable
// in tests.
type ClientFactory func(p config.Provider) (llm.Client, error)

// DefaultRole is the escalation-chain role bound when a request names none.
const DefaultRole = "worker"

// Options wires the orchestrator's collaborators.
type Options struct {
	Store    *sessionstore.Store
	Profiles *config.Profiles
	Limits   config.Limits
	Proxy    proxy.Client
	Observer browser.Observer
	Sampler  *monitor.Sampler
	Logger   *slog.Logger
	Clients  ClientFactory

	// Tools offered to the model. Empty takes DefaultTools.
	Tools []llm.ToolDef
}

// Orchestrator is the registry of active runs. At most one run is active per
// session; prompts arriving for a busy session are queued, never run
// concurrently.
type Orchestrator struct {
	store    *sessionstore.Store
	profiles *config.Profiles
	limits   config.Limits
	proxy    proxy.Client
	observer browser.Observer
	sampler  *monitor.Sampler
	log      *slog.Logger
	clients  ClientFactory
	tools    []llm.ToolDef

	mu      sync.Mutex
	runs    map[string]*runHandle
	results map[string]RunResult
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orch: missing store")
	}
	if opts.Profiles == nil {
		return nil, errors.New("orch: missing profiles")
	}
	if err := opts.Profiles.Validate(); err != nil {
		return nil, fmt.Errorf("orch: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clients == nil {
		opts.Clients = llm.NewClient
	}
	if len(opts.Tools) == 0 {
		opts.Tools = DefaultTools()
	}
	return &Orchestrator{
		store:    opts.Store,
		profiles: opts.Profiles,
		limits:   opts.Limits.Normalized(),
		proxy:    opts.Proxy,
		observer: opts.Observer,
		sampler:  opts.Sampler,
		log:      opts.Logger,
		clients:  opts.Clients,
		tools:    opts.Tools,
		runs:     make(map[string]*runHandle),
		results:  make(map[string]RunResult),
	}, nil
}

// DefaultTools is the baseline tool surface: shell and file access through
// the execution proxy, plus the browser observation primitives.
func DefaultTools() []llm.ToolDef {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	return []llm.ToolDef{
		{Name: "execute_command", Description: "Run a shell command in the workspace.",
			InputSchema: obj(map[string]any{"command": str}, "command")},
		{Name: "read_file", Description: "Read a file from the workspace.",
			InputSchema: obj(map[string]any{"path": str}, "path")},
		{Name: "write_file", Description: "Create or overwrite a file.",
			InputSchema: obj(map[string]any{"path": str, "content": str}, "path", "content")},
		{Name: "edit_file", Description: "Replace an exact string in a file.",
			InputSchema: obj(map[string]any{"path": str, "old": str, "new": str}, "path", "old", "new")},
		{Name: "list_tabs", Description: "List the shared browser tabs.",
			InputSchema: obj(map[string]any{})},
		{Name: "browser_navigate", Description: "Navigate a tab to a URL.",
			InputSchema: obj(map[string]any{"tab_id": str, "url": str}, "url")},
		{Name: "browser_click", Description: "Click an element in a tab.",
			InputSchema: obj(map[string]any{"tab_id": str, "selector": str}, "selector")},
		{Name: "browser_type", Description: "Type text into an element.",
			InputSchema: obj(map[string]any{"tab_id": str, "selector": str, "text": str}, "selector", "text")},
	}
}

// StartRequest describes one run.start.
type StartRequest struct {
	SessionID string
	Prompt    string
	TabIDs    []string
	AutoRun   bool
	Role      string

	// ParentSessionID and AgentID mark subagent children for observability.
	ParentSessionID string
	AgentID         string

	// promptStored skips appending the prompt entry (regenerate paths, where
	// the prompt already lives in the session).
	promptStored bool
}

// Start begins a run for a session, creating the session when none is named.
// If a run is already active for the session the prompt is queued as a steer
// prompt and the current runtime is returned.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, Runtime, error) {
	if o == nil {
		return "", Runtime{}, errors.New("orch: not initialized")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && !req.promptStored {
		return "", Runtime{}, errors.New("orch: empty prompt")
	}
	if strings.TrimSpace(req.Role) == "" {
		req.Role = DefaultRole
	}
	if _, ok := o.profiles.ChainForRole(req.Role); !ok {
		return "", Runtime{}, fmt.Errorf("orch: unknown role %q", req.Role)
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = sessionstore.NewSessionID()
		title := prompt
		if len([]rune(title)) > 80 {
			title = string([]rune(title)[:80])
		}
		if err := o.store.CreateSession(ctx, sessionstore.Session{
			SessionID:       sessionID,
			ParentSessionID: strings.TrimSpace(req.ParentSessionID),
			Title:           title,
		}); err != nil {
			return "", Runtime{}, err
		}
	} else if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return "", Runtime{}, err
	}

	o.mu.Lock()
	if h, active := o.runs[sessionID]; active {
		h.enqueueSteer(prompt)
		rt := h.runtime()
		o.mu.Unlock()
		return sessionID, rt, nil
	}
	h := newRunHandle(sessionID)
	o.runs[sessionID] = h
	o.mu.Unlock()

	// Metadata (shared tab context) is overwritten wholesale per run start,
	// never merged across runs.
	if meta, err := json.Marshal(map[string]any{"tab_ids": req.TabIDs, "agent_id": req.AgentID, "auto_run": req.AutoRun}); err == nil {
		_ = o.store.ReplaceMetadata(ctx, sessionID, string(meta))
	}

	if !req.promptStored && prompt != "" {
		if _, err := o.store.AppendEntry(ctx, sessionID, sessionstore.Entry{
			Role:    sessionstore.RoleUser,
			Content: prompt,
		}); err != nil {
			o.release(sessionID)
			return "", Runtime{}, err
		}
	}

	go o.runLoop(h, req)
	return sessionID, h.runtime(), nil
}

// Stop requests cooperative cancellation: the lifecycle moves to stopping and
// the run settles at the next step boundary.
func (o *Orchestrator) Stop(sessionID string) (Runtime, error) {
	h := o.handle(sessionID)
	if h == nil {
		return Runtime{}, ErrNoActiveRun
	}
	h.requestStop()
	return h.runtime(), nil
}

// Pause suspends the run at the next step boundary.
func (o *Orchestrator) Pause(sessionID string) (Runtime, error) {
	h := o.handle(sessionID)
	if h == nil {
		return Runtime{}, ErrNoActiveRun
	}
	h.setPaused(true)
	return h.runtime(), nil
}

// Resume releases a paused run.
func (o *Orchestrator) Resume(sessionID string) (Runtime, error) {
	h := o.handle(sessionID)
	if h == nil {
		return Runtime{}, ErrNoActiveRun
	}
	h.setPaused(false)
	return h.runtime(), nil
}

// EnqueueFollowUp queues a prompt that starts a fresh run once the active one
// reaches a terminal. Without an active run it behaves like Start.
func (o *Orchestrator) EnqueueFollowUp(ctx context.Context, sessionID string, prompt string) (Runtime, error) {
	h := o.handle(sessionID)
	if h == nil {
		_, rt, err := o.Start(ctx, StartRequest{SessionID: sessionID, Prompt: prompt})
		return rt, err
	}
	h.enqueueFollowUp(prompt)
	return h.runtime(), nil
}

// RuntimeFor reports the current runtime for a session; idle when no run is
// active.
func (o *Orchestrator) RuntimeFor(sessionID string) Runtime {
	h := o.handle(sessionID)
	if h == nil {
		return Runtime{Lifecycle: LifecycleIdle}
	}
	return h.runtime()
}

// Wait blocks until the active run (if any) reaches its terminal and returns
// the result. Idle sessions return their most recent result, falling back to
// the stored last status.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (RunResult, error) {
	sessionID = strings.TrimSpace(sessionID)

	o.mu.Lock()
	h := o.runs[sessionID]
	last, hasLast := o.results[sessionID]
	o.mu.Unlock()

	if h == nil {
		if hasLast {
			return last, nil
		}
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{Status: Status(sess.LastStatus)}, nil
	}
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

func (o *Orchestrator) handle(sessionID string) *runHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[strings.TrimSpace(sessionID)]
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.runs, sessionID)
	o.mu.Unlock()
}
