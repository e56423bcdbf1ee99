package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/relay-agent/internal/compaction"
	"github.com/floegence/relay-agent/internal/guard"
	"github.com/floegence/relay-agent/internal/llm"
	"github.com/floegence/relay-agent/internal/router"
	"github.com/floegence/relay-agent/internal/sessionstore"
)

// run is the per-goroutine state for one loop execution.
type run struct {
	o   *Orchestrator
	h   *runHandle
	req StartRequest

	sessionID string
	role      string

	router  *router.Router
	guard   *guard.State
	binding router.Binding
	client  llm.Client

	messages []llm.Message
	steps    int
	deadline time.Time

	// Terminal derivation inputs.
	successfulActions int
	lastActionOK      bool
	lastVerifyFailed  bool
	lastFailureReason string
	finalText         string

	repairLeft int
}

// runLoop drives one run to a terminal status, then chains any queued
// follow-up prompt into a fresh run.
func (o *Orchestrator) runLoop(h *runHandle, req StartRequest) {
	limits := o.limits
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(limits.MaxWallTimeSec)*time.Second)
	defer cancel()

	r := &run{
		o:          o,
		h:          h,
		req:        req,
		sessionID:  h.sessionID,
		role:       req.Role,
		guard:      guard.NewState(limits),
		deadline:   time.Now().Add(time.Duration(limits.MaxWallTimeSec) * time.Second),
		repairLeft: limits.RepairRounds,
	}

	result := r.execute(ctx)

	_ = o.store.SetLastStatus(context.Background(), r.sessionID, string(result.Status))
	o.mu.Lock()
	o.results[r.sessionID] = result
	delete(o.runs, r.sessionID)
	o.mu.Unlock()
	followUp, hasFollowUp := h.popFollowUp()
	h.finish(result)

	if hasFollowUp {
		next := req
		next.SessionID = r.sessionID
		next.Prompt = followUp
		next.promptStored = false
		if _, _, err := o.Start(context.Background(), next); err != nil {
			o.log.Error("follow-up start failed", "session_id", r.sessionID, "error", err)
		}
	}
}

// execute runs the loop body and converts panics and internal errors into
// explicit terminals so the registry is always released.
func (r *run) execute(ctx context.Context) (result RunResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.trace(context.Background(), "loop_internal_error", map[string]any{"panic": fmt.Sprint(rec)})
			result = RunResult{Status: StatusFailedExecute, ResponseText: "The run failed due to an internal error.", Steps: r.steps}
		}
	}()

	if err := r.setup(ctx); err != nil {
		// Configuration failures fail fast: no silent substitution.
		r.trace(context.Background(), "loop_internal_error", map[string]any{"error": err.Error()})
		return RunResult{Status: StatusFailedExecute, ResponseText: "The run could not start: " + err.Error(), Steps: 0}
	}

	r.trace(ctx, "loop_start", map[string]any{
		"role":     r.role,
		"profile":  r.binding.Profile.ID,
		"agent_id": r.req.AgentID,
		"monitor":  r.o.sampler.Sample(ctx),
	})

	status := r.loop(ctx)
	result = RunResult{Status: status, ResponseText: r.responseText(status), Steps: r.steps}

	// Terminal trace writes must outlive the run context: on timeout ctx is
	// already expired and would drop the event.
	switch status {
	case StatusDone:
		r.trace(context.Background(), "loop_done", map[string]any{"steps": r.steps})
	case StatusStopped:
		r.trace(context.Background(), "loop_skip_stopped", map[string]any{"steps": r.steps})
	default:
		r.trace(context.Background(), "loop_error", map[string]any{
			"status": string(status),
			"steps":  r.steps,
			"reason": r.lastFailureReason,
		})
	}
	return result
}

func (r *run) setup(ctx context.Context) error {
	rt, err := router.New(r.o.profiles, func(eventType string, payload map[string]any) {
		r.trace(ctx, eventType, payload)
	})
	if err != nil {
		return err
	}
	r.router = rt

	r.binding, err = rt.Select(r.role)
	if err != nil {
		return err
	}
	r.client, err = r.o.clients(r.binding.Provider)
	if err != nil {
		return err
	}

	entries, err := r.o.store.ListEntries(ctx, r.sessionID)
	if err != nil {
		return err
	}
	sess, err := r.o.store.GetSession(ctx, r.sessionID)
	if err != nil {
		return err
	}
	// Entries past the leaf are dead branch tail (rebased regenerate); they
	// stay stored but are excluded from the model context.
	if sess.LeafID != "" {
		for i := range entries {
			if entries[i].EntryID == sess.LeafID {
				entries = entries[:i+1]
				break
			}
		}
	}
	r.messages = rebuildTranscript(entries)
	return nil
}

// loop is the step loop proper. Ceilings and cooperative stop are observed at
// every boundary; in-flight calls are never interrupted by stop.
func (r *run) loop(ctx context.Context) Status {
	for {
		if status, stop := r.boundary(ctx); stop {
			return status
		}

		// Steer prompts drain into context at the boundary.
		for _, prompt := range r.h.drainSteer() {
			r.appendUser(ctx, prompt)
		}

		// Compaction check runs before every model request.
		r.maybeCompact(ctx, false)

		res, err := r.callModel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.budgetTerminal(ctx)
			}
			r.lastFailureReason = err.Error()
			return r.failureTerminal()
		}

		if len(res.ToolCalls) == 0 {
			// Reasoning-only turn: the model considers the task finished.
			r.steps++
			r.trace(ctx, "step_planned", map[string]any{"step": r.steps, "kind": string(stepReasoning)})
			r.finalText = strings.TrimSpace(res.Text)
			r.appendAssistant(ctx, res.Text, nil)
			r.trace(ctx, "step_finished", map[string]any{"step": r.steps, "kind": string(stepReasoning), "ok": true})

			status := r.deriveTerminal()
			if r.maybeRepair(ctx, status) {
				continue
			}
			return status
		}

		r.appendAssistant(ctx, res.Text, res.ToolCalls)

		for _, call := range res.ToolCalls {
			if status, stop := r.boundary(ctx); stop {
				return status
			}
			if status, stop := r.executeAction(ctx, call); stop {
				if r.maybeRepair(ctx, status) {
					break
				}
				return status
			}
		}
	}
}

// boundary enforces stop, pause, wall clock and the step ceiling, in that
// order. The step ceiling takes precedence over any guard trip: guard events
// and max_steps are mutually exclusive observables.
func (r *run) boundary(ctx context.Context) (Status, bool) {
	if r.h.stopRequested() {
		return StatusStopped, true
	}
	if !r.h.awaitResume(ctx) {
		return r.budgetTerminal(ctx), true
	}
	if r.h.stopRequested() {
		return StatusStopped, true
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		return StatusTimeout, true
	}
	if ctx.Err() != nil {
		return r.budgetTerminal(ctx), true
	}
	if r.steps >= r.o.limits.MaxSteps {
		return StatusMaxSteps, true
	}
	return "", false
}

func (r *run) budgetTerminal(ctx context.Context) Status {
	if r.h.stopRequested() {
		return StatusStopped
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (!r.deadline.IsZero() && time.Now().After(r.deadline)) {
		return StatusTimeout
	}
	return StatusStopped
}

// deriveTerminal resolves the status for a run that ended with final text.
// done demands a successful last action with verification held; a run with
// zero successful actions never reports done.
func (r *run) deriveTerminal() Status {
	switch {
	case r.successfulActions == 0:
		return StatusProgressUncertain
	case r.lastVerifyFailed:
		return StatusFailedVerify
	case !r.lastActionOK:
		return StatusFailedExecute
	default:
		return StatusDone
	}
}

// failureTerminal distinguishes execution failure from verification failure
// for guard- and model-driven aborts.
func (r *run) failureTerminal() Status {
	if r.lastVerifyFailed {
		return StatusFailedVerify
	}
	return StatusFailedExecute
}

// maybeRepair starts one bounded follow-up round for repairable terminals.
// Budget and operator terminals (stopped, timeout, max_steps) never repair.
func (r *run) maybeRepair(ctx context.Context, status Status) bool {
	if status != StatusFailedExecute && status != StatusFailedVerify {
		return false
	}
	if r.repairLeft <= 0 {
		return false
	}
	if _, stop := r.boundary(ctx); stop {
		return false
	}
	r.repairLeft--
	r.finalText = ""
	reason := r.lastFailureReason
	if reason == "" {
		reason = "the previous action did not complete successfully"
	}
	r.appendUser(ctx, "The previous attempt failed: "+reason+". Diagnose the failure and fix it.")
	return true
}

// responseText is the user-facing terminal text. Non-success terminals are
// never phrased as success.
func (r *run) responseText(status Status) string {
	text := strings.TrimSpace(r.finalText)
	switch status {
	case StatusDone:
		if text != "" {
			return text
		}
		return "Task completed."
	case StatusStopped:
		return "The run was stopped."
	case StatusTimeout:
		return "The run hit its time limit before finishing."
	case StatusMaxSteps:
		return "The run hit its step limit before finishing."
	case StatusFailedVerify:
		return failurePrefix("The result could not be verified", r.lastFailureReason, text)
	case StatusProgressUncertain:
		return failurePrefix("The run ended without confirmed progress", r.lastFailureReason, text)
	default:
		return failurePrefix("The run failed", r.lastFailureReason, text)
	}
}

func failurePrefix(head string, reason string, text string) string {
	out := head
	if strings.TrimSpace(reason) != "" {
		out += ": " + strings.TrimSpace(reason)
	}
	out += "."
	if text != "" {
		out += "\n\n" + text
	}
	return out
}

// maybeCompact runs the threshold check and, when it fires, emits the
// compaction event triple and swaps the transcript. forced marks the overflow
// path, where compaction preempts retry.
func (r *run) maybeCompact(ctx context.Context, forced bool) bool {
	limits := r.o.limits
	estimate := compaction.EstimateTokens(r.messages)
	if !forced && estimate <= limits.CompactThresholdTokens {
		return false
	}

	r.trace(ctx, "auto_compaction_start", map[string]any{
		"estimated_tokens": estimate,
		"threshold":        limits.CompactThresholdTokens,
		"forced":           forced,
	})
	res := compaction.Compact(r.messages, limits, forced)
	if !res.Compacted {
		r.trace(ctx, "auto_compaction_end", map[string]any{"compacted": false})
		return false
	}
	r.messages = res.Messages
	r.trace(ctx, "session_compact", map[string]any{
		"folded":           res.FoldedCount,
		"estimated_before": res.EstimatedBefore,
		"estimated_after":  res.EstimatedAfter,
	})
	r.trace(ctx, "auto_compaction_end", map[string]any{"compacted": true})
	r.steps++ // a compaction step consumes budget like any other step
	r.trace(ctx, "step_finished", map[string]any{"step": r.steps, "kind": string(stepCompaction), "ok": true})
	return true
}

// callModel performs one model request with the full recovery policy:
// overflow triggers compaction before any retry; retryable errors take the
// backoff branch with auto_retry_start first; everything else is fatal.
func (r *run) callModel(ctx context.Context) (*llm.Result, error) {
	limits := r.o.limits
	maxAttempts := limits.RetryBudget
	delay := time.Duration(limits.RetryDelayMs) * time.Millisecond

	for attempt := 1; ; attempt++ {
		r.trace(ctx, "llm.request", map[string]any{
			"model":    r.binding.Profile.Model,
			"profile":  r.binding.Profile.ID,
			"messages": len(r.messages),
			"attempt":  attempt,
		})
		res, err := r.client.Complete(ctx, llm.Request{
			Model:    r.binding.Profile.Model,
			Messages: r.messages,
			Tools:    r.o.tools,
		})
		if err == nil {
			r.trace(ctx, "llm.response.parsed", map[string]any{
				"tool_calls":    len(res.ToolCalls),
				"stop_reason":   res.StopReason,
				"input_tokens":  res.InputTokens,
				"output_tokens": res.OutputTokens,
			})
			r.h.setRetry(Retry{})
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if llm.IsOverflow(err) {
			// Compaction preempts retry: no auto_retry_start on this path.
			if r.maybeCompact(ctx, true) {
				continue
			}
			return nil, fmt.Errorf("context overflow and nothing left to compact: %w", err)
		}
		if !llm.IsRetryable(err) || attempt >= maxAttempts {
			return nil, err
		}

		r.h.setRetry(Retry{Active: true, Attempt: attempt, MaxAttempts: maxAttempts, DelayMs: int(delay / time.Millisecond)})
		r.trace(ctx, "auto_retry_start", map[string]any{"attempt": attempt, "delay_ms": int(delay / time.Millisecond), "error": err.Error()})
		if !sleepCtx(ctx, delay) {
			r.h.setRetry(Retry{})
			return nil, ctx.Err()
		}
		r.trace(ctx, "auto_retry_end", map[string]any{"attempt": attempt})
		r.h.setRetry(Retry{})
		if delay < 8*time.Second {
			delay *= 2
		}
	}
}

// escalate moves the role one profile up the chain after a guard trip,
// resetting the guard so the stronger profile gets a fresh window. A blocked
// escalation ends the run.
func (r *run) escalate(ctx context.Context, reason string) bool {
	next, err := r.router.Escalate(r.role, reason)
	if err != nil {
		// Blocked (or misconfigured): the run must terminate, never continue
		// silently on the same profile.
		return false
	}
	client, err := r.o.clients(next.Provider)
	if err != nil {
		r.lastFailureReason = err.Error()
		return false
	}
	r.binding = next
	r.client = client
	r.guard = guard.NewState(r.o.limits)
	r.appendUser(ctx, "Previous attempts kept failing ("+reason+"). A stronger model has taken over; re-assess the task state before acting.")
	return true
}

func (r *run) appendUser(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: content})
	if _, err := r.o.store.AppendEntry(ctx, r.sessionID, sessionstore.Entry{
		Role:    sessionstore.RoleUser,
		Content: content,
	}); err != nil {
		r.o.log.Warn("append user entry failed", "session_id", r.sessionID, "error", err)
	}
}

func (r *run) appendAssistant(ctx context.Context, text string, calls []llm.ToolCall) {
	r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls})
	if strings.TrimSpace(text) == "" && len(calls) > 0 {
		// Tool-only turns store a compact marker entry so the transcript
		// stays reconstructible.
		names := make([]string, 0, len(calls))
		for _, c := range calls {
			names = append(names, c.Name)
		}
		text = "[tool calls: " + strings.Join(names, ", ") + "]"
	}
	if _, err := r.o.store.AppendEntry(ctx, r.sessionID, sessionstore.Entry{
		Role:    sessionstore.RoleAssistant,
		Content: text,
	}); err != nil {
		r.o.log.Warn("append assistant entry failed", "session_id", r.sessionID, "error", err)
	}
}

func (r *run) appendToolResult(ctx context.Context, call llm.ToolCall, content string) {
	r.messages = append(r.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	if _, err := r.o.store.AppendEntry(ctx, r.sessionID, sessionstore.Entry{
		Role:       sessionstore.RoleTool,
		Content:    content,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	}); err != nil {
		r.o.log.Warn("append tool entry failed", "session_id", r.sessionID, "error", err)
	}
}

func (r *run) trace(ctx context.Context, eventType string, payload map[string]any) {
	if err := r.o.store.AppendTrace(ctx, r.sessionID, eventType, payload); err != nil {
		r.o.log.Warn("trace append failed", "session_id", r.sessionID, "type", eventType, "error", err)
	}
}

// rebuildTranscript replays stored user/assistant entries into model
// messages. Tool entries are folded into plain context so a fresh run does
// not depend on provider-specific tool linkage from an earlier run.
func rebuildTranscript(entries []sessionstore.Entry) []llm.Message {
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case sessionstore.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: e.Content})
		case sessionstore.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: e.Content})
		case sessionstore.RoleTool:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: "[result of " + e.ToolName + "]: " + e.Content})
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
