// Package service exposes the orchestrator over a websocket JSON protocol.
// Every client message is `{id, type, payload}` and is answered with exactly
// one `{id, ok, data|error}` frame; requests on one connection are dispatched
// concurrently and the write side is serialized.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/monitor"
	"github.com/floegence/relay-agent/internal/orch"
	"github.com/floegence/relay-agent/internal/sessionstore"
	"github.com/floegence/relay-agent/internal/subagent"
)

const (
	maxMessageBytes = 4 << 20
	writeTimeout    = 10 * time.Second
)

// Options wires the server's collaborators.
type Options struct {
	Store  *sessionstore.Store
	Orch   *orch.Orchestrator
	Agents *subagent.Coordinator

	// Sampler backs the status op. Optional.
	Sampler *monitor.Sampler

	Limits config.Limits
	Logger *slog.Logger
}

// Server serves the orchestrator message protocol. It implements http.Handler
// and upgrades every request to a websocket.
type Server struct {
	log     *slog.Logger
	store   *sessionstore.Store
	orch    *orch.Orchestrator
	agents  *subagent.Coordinator
	sampler *monitor.Sampler
	limits  config.Limits

	upgrader websocket.Upgrader
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("service: missing store")
	}
	if opts.Orch == nil {
		return nil, errors.New("service: missing orchestrator")
	}
	if opts.Agents == nil {
		return nil, errors.New("service: missing subagent coordinator")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		log:     opts.Logger,
		store:   opts.Store,
		orch:    opts.Orch,
		agents:  opts.Agents,
		sampler: opts.Sampler,
		limits:  opts.Limits.Normalized(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}, nil
}

// request is one client frame.
type request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response is the single answer frame for a request id.
type response struct {
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	ctx := r.Context()
	var writeMu sync.Mutex
	write := func(resp response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Warn("protocol write failed", "id", resp.ID, "err", err)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("protocol connection closed", "err", err)
			}
			return
		}
		if req.ID == "" || req.Type == "" {
			write(response{ID: req.ID, Error: &wireError{Code: 400, Message: "id and type are required"}})
			continue
		}
		// Long-running ops (agent.run waits for child terminals) must not
		// block the read loop.
		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			data, err := s.dispatch(ctx, req.Type, req.Payload)
			if err != nil {
				write(response{ID: req.ID, Error: toWireError(err)})
				return
			}
			write(response{ID: req.ID, OK: true, Data: data})
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, opType string, payload json.RawMessage) (any, error) {
	switch opType {
	case "run.start":
		return s.runStart(ctx, payload)
	case "run.regenerate":
		return s.runRegenerate(ctx, payload)
	case "run.edit_rerun":
		return s.runEditRerun(ctx, payload)
	case "run.stop":
		return s.runStop(payload)
	case "run.pause":
		return s.runPause(payload)
	case "run.resume":
		return s.runResume(payload)
	case "session.fork":
		return s.sessionFork(ctx, payload)
	case "session.view":
		return s.sessionView(ctx, payload)
	case "step.stream":
		return s.stepStream(ctx, payload)
	case "agent.run":
		return s.agentRun(ctx, payload)
	case "storage.reset":
		return s.storageReset(ctx)
	case "storage.init":
		return s.storageInit(ctx)
	case "status":
		return s.status(ctx)
	default:
		return nil, &wireError{Code: 404, Message: fmt.Sprintf("unknown op %q", opType)}
	}
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, &wireError{Code: 400, Message: "missing payload"}
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, &wireError{Code: 400, Message: "invalid payload: " + err.Error()}
	}
	return v, nil
}

func toWireError(err error) *wireError {
	var we *wireError
	if errors.As(err, &we) {
		return we
	}
	switch {
	case errors.Is(err, orch.ErrRunActive):
		return &wireError{Code: 409, Message: err.Error()}
	case errors.Is(err, orch.ErrNoActiveRun),
		errors.Is(err, sessionstore.ErrSessionNotFound):
		return &wireError{Code: 404, Message: err.Error()}
	default:
		return &wireError{Code: 400, Message: err.Error()}
	}
}
