package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/relay-agent/internal/monitor"
	"github.com/floegence/relay-agent/internal/orch"
	"github.com/floegence/relay-agent/internal/sessionstore"
	"github.com/floegence/relay-agent/internal/subagent"
)

type runStartReq struct {
	SessionID string   `json:"sessionId,omitempty"`
	Prompt    string   `json:"prompt"`
	TabIDs    []string `json:"tabIds,omitempty"`
	AutoRun   bool     `json:"autoRun"`
	Role      string   `json:"role,omitempty"`
}

type runStartResp struct {
	SessionID string       `json:"sessionId"`
	Runtime   orch.Runtime `json:"runtime"`
}

func (s *Server) runStart(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[runStartReq](payload)
	if err != nil {
		return nil, err
	}
	sessionID, rt, err := s.orch.Start(ctx, orch.StartRequest{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		TabIDs:    req.TabIDs,
		AutoRun:   req.AutoRun,
		Role:      req.Role,
	})
	if err != nil {
		return nil, err
	}
	return runStartResp{SessionID: sessionID, Runtime: rt}, nil
}

type runRegenerateReq struct {
	SessionID                string `json:"sessionId"`
	SourceEntryID            string `json:"sourceEntryId"`
	RequireSourceIsLeaf      bool   `json:"requireSourceIsLeaf,omitempty"`
	RebaseLeafToPreviousUser bool   `json:"rebaseLeafToPreviousUser,omitempty"`
}

func (s *Server) runRegenerate(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[runRegenerateReq](payload)
	if err != nil {
		return nil, err
	}
	sessionID, rt, err := s.orch.Regenerate(ctx, req.SessionID, req.SourceEntryID, req.RequireSourceIsLeaf, req.RebaseLeafToPreviousUser)
	if err != nil {
		return nil, err
	}
	return runStartResp{SessionID: sessionID, Runtime: rt}, nil
}

type runEditRerunReq struct {
	SessionID     string `json:"sessionId"`
	SourceEntryID string `json:"sourceEntryId"`
	Prompt        string `json:"prompt"`
}

func (s *Server) runEditRerun(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[runEditRerunReq](payload)
	if err != nil {
		return nil, err
	}
	return s.orch.EditAndRerun(ctx, req.SessionID, req.SourceEntryID, req.Prompt)
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type runtimeResp struct {
	Runtime orch.Runtime `json:"runtime"`
}

func (s *Server) runStop(payload json.RawMessage) (any, error) {
	req, err := decode[sessionRef](payload)
	if err != nil {
		return nil, err
	}
	rt, err := s.orch.Stop(req.SessionID)
	if err != nil {
		return nil, err
	}
	return runtimeResp{Runtime: rt}, nil
}

func (s *Server) runPause(payload json.RawMessage) (any, error) {
	req, err := decode[sessionRef](payload)
	if err != nil {
		return nil, err
	}
	rt, err := s.orch.Pause(req.SessionID)
	if err != nil {
		return nil, err
	}
	return runtimeResp{Runtime: rt}, nil
}

func (s *Server) runResume(payload json.RawMessage) (any, error) {
	req, err := decode[sessionRef](payload)
	if err != nil {
		return nil, err
	}
	rt, err := s.orch.Resume(req.SessionID)
	if err != nil {
		return nil, err
	}
	return runtimeResp{Runtime: rt}, nil
}

type sessionForkReq struct {
	SessionID     string `json:"sessionId"`
	LeafID        string `json:"leafId,omitempty"`
	SourceEntryID string `json:"sourceEntryId"`
	Reason        string `json:"reason,omitempty"`
}

type sessionForkResp struct {
	SessionID string `json:"sessionId"`
	LeafID    string `json:"leafId"`
}

func (s *Server) sessionFork(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[sessionForkReq](payload)
	if err != nil {
		return nil, err
	}
	leafID := strings.TrimSpace(req.LeafID)
	if leafID == "" {
		sess, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		leafID = sess.LeafID
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "fork"
	}
	forked, err := s.store.Fork(ctx, req.SessionID, leafID, req.SourceEntryID, reason)
	if err != nil {
		return nil, err
	}
	return sessionForkResp{SessionID: forked.SessionID, LeafID: forked.LeafID}, nil
}

type sessionViewResp struct {
	Session    sessionstore.Session `json:"session"`
	Messages   []sessionstore.Entry `json:"messages"`
	Runtime    orch.Runtime         `json:"runtime"`
	LastStatus string               `json:"lastStatus,omitempty"`
}

// sessionView is read-only and idempotent: calling it never changes the
// session, its entries, or the run state.
func (s *Server) sessionView(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[sessionRef](payload)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionViewResp{
		Session:    *sess,
		Messages:   entries,
		Runtime:    s.orch.RuntimeFor(req.SessionID),
		LastStatus: sess.LastStatus,
	}, nil
}

type stepStreamReq struct {
	SessionID string `json:"sessionId"`
	MaxEvents int    `json:"maxEvents,omitempty"`
	MaxBytes  int64  `json:"maxBytes,omitempty"`
}

type stepStreamResp struct {
	Stream     []sessionstore.TraceEvent `json:"stream"`
	StreamMeta sessionstore.StreamMeta   `json:"streamMeta"`
}

// stepStream is a bounded projection over the session trace; the full log
// stays in the store regardless of the cut.
func (s *Server) stepStream(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[stepStreamReq](payload)
	if err != nil {
		return nil, err
	}
	events, meta, err := s.store.TraceView(ctx, req.SessionID, req.MaxEvents, req.MaxBytes)
	if err != nil {
		return nil, err
	}
	return stepStreamResp{Stream: events, StreamMeta: meta}, nil
}

type agentRunReq struct {
	ParentSessionID string          `json:"parentSessionId,omitempty"`
	Mode            string          `json:"mode"`
	Tasks           []subagent.Task `json:"tasks"`
}

type agentRunResp struct {
	Mode    string                `json:"mode"`
	Results []subagent.Result     `json:"results,omitempty"`
	Chain   *subagent.ChainResult `json:"chain,omitempty"`
}

func (s *Server) agentRun(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[agentRunReq](payload)
	if err != nil {
		return nil, err
	}
	switch req.Mode {
	case subagent.ModeSingle:
		if len(req.Tasks) != 1 {
			return nil, &wireError{Code: 400, Message: "single mode takes exactly one task"}
		}
		res, err := s.agents.Single(ctx, req.ParentSessionID, req.Tasks[0])
		if err != nil {
			return nil, err
		}
		return agentRunResp{Mode: req.Mode, Results: []subagent.Result{res}}, nil
	case subagent.ModeParallel:
		results, err := s.agents.Parallel(ctx, req.ParentSessionID, req.Tasks)
		if err != nil {
			return nil, err
		}
		return agentRunResp{Mode: req.Mode, Results: results}, nil
	case subagent.ModeChain:
		chain, err := s.agents.Chain(ctx, req.ParentSessionID, req.Tasks)
		if err != nil {
			return nil, err
		}
		return agentRunResp{Mode: req.Mode, Chain: &chain}, nil
	default:
		return nil, &wireError{Code: 400, Message: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
}

type storageResetResp struct {
	RemovedKeys []string `json:"removedKeys"`
}

func (s *Server) storageReset(ctx context.Context) (any, error) {
	removed, err := s.store.Reset(ctx)
	if err != nil {
		return nil, err
	}
	return storageResetResp{RemovedKeys: removed}, nil
}

type storageInitResp struct {
	Index []sessionstore.Session `json:"index"`
}

// storageInit reports the session index. The schema itself is created when
// the store opens, so a fresh deployment returns an empty index here.
func (s *Server) storageInit(ctx context.Context) (any, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []sessionstore.Session{}
	}
	return storageInitResp{Index: sessions}, nil
}

type statusResp struct {
	TsUnixMs int64           `json:"ts_unix_ms"`
	Sessions int             `json:"sessions"`
	Sample   *monitor.Sample `json:"sample,omitempty"`
}

func (s *Server) status(ctx context.Context) (any, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	resp := statusResp{
		TsUnixMs: time.Now().UnixMilli(),
		Sessions: len(sessions),
	}
	if s.sampler != nil {
		sample := s.sampler.Sample(ctx)
		resp.Sample = &sample
	}
	return resp, nil
}
