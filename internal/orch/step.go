package orch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/floegence/relay-agent/internal/browser"
	"github.com/floegence/relay-agent/internal/guard"
	"github.com/floegence/relay-agent/internal/llm"
	"github.com/floegence/relay-agent/internal/proxy"
)

// stepKind is the closed set of step modes. Adding a kind must update every
// switch over it.
type stepKind string

const (
	stepReasoning     stepKind = "reasoning"
	stepToolCall      stepKind = "tool_call"
	stepBrowserAction stepKind = "browser_action"
	stepCompaction    stepKind = "compaction"
)

func kindForTool(name string) stepKind {
	if strings.HasPrefix(name, "browser_") || name == "list_tabs" {
		return stepBrowserAction
	}
	return stepToolCall
}

// actionArgs is the slice of tool arguments the executor itself interprets:
// an optional post-action verification check. Everything else passes through
// to the proxy untouched.
type actionArgs struct {
	TabID    string `json:"tab_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`

	Verify *browser.Check `json:"verify,omitempty"`
}

// executeAction runs exactly one tool/browser action with optional
// verification, feeds the outcome to the guard, and resolves any guard trip
// (escalate or terminate). The returned stop flag ends the run with the
// given status.
func (r *run) executeAction(ctx context.Context, call llm.ToolCall) (Status, bool) {
	r.steps++
	kind := kindForTool(call.Name)
	r.trace(ctx, "step_planned", map[string]any{
		"step": r.steps,
		"kind": string(kind),
		"tool": call.Name,
		"args": json.RawMessage(emptyToBraces(call.ArgumentsJSON)),
	})

	output, verifyFailed, err := r.dispatch(ctx, call, kind)

	if err != nil {
		reason := err.Error()
		r.lastActionOK = false
		r.lastVerifyFailed = verifyFailed
		r.lastFailureReason = reason
		r.trace(ctx, "step_finished", map[string]any{
			"step": r.steps, "kind": string(kind), "tool": call.Name, "ok": false, "reason": reason,
		})
		// The explicit reason goes back to the model so the next planning
		// turn can tell verification failure from execution failure.
		if verifyFailed {
			r.appendToolResult(ctx, call, "VERIFICATION FAILED: "+reason)
		} else {
			r.appendToolResult(ctx, call, "ERROR: "+reason)
		}

		sig := guard.Signature(call.Name, call.ArgumentsJSON, reason)
		return r.resolveGuard(ctx, r.guard.ObserveStep(sig, true))
	}

	r.successfulActions++
	r.lastActionOK = true
	r.lastVerifyFailed = false
	r.trace(ctx, "step_finished", map[string]any{
		"step": r.steps, "kind": string(kind), "tool": call.Name, "ok": true,
	})
	r.appendToolResult(ctx, call, output)

	sig := guard.Signature(call.Name, call.ArgumentsJSON, "")
	r.guard.RecordSuccess(sig)
	return r.resolveGuard(ctx, r.guard.ObserveStep(sig, false))
}

// dispatch routes one action: browser kinds to the observer when one is
// wired, everything else across the proxy. Busy backpressure retries with
// backoff; each attempt emits its own step_finished so the trace shows the
// failed-then-ok shape for one logical action.
func (r *run) dispatch(ctx context.Context, call llm.ToolCall, kind stepKind) (string, bool, error) {
	var args actionArgs
	_ = json.Unmarshal([]byte(emptyToBraces(call.ArgumentsJSON)), &args)

	var output string
	var err error
	switch kind {
	case stepBrowserAction:
		output, err = r.dispatchBrowser(ctx, call, args)
	case stepToolCall:
		output, err = r.invokeProxy(ctx, call)
	case stepReasoning, stepCompaction:
		// Not dispatchable actions; the loop never routes them here.
		return "", false, errors.New("internal: non-action step dispatched")
	default:
		return "", false, errors.New("internal: unknown step kind")
	}
	if err != nil {
		return "", false, err
	}

	if args.Verify != nil && r.o.observer != nil {
		res, verr := r.o.observer.Verify(ctx, *args.Verify)
		if verr != nil {
			return "", true, verr
		}
		if !res.Pass {
			reason := res.Reason
			if reason == "" {
				reason = "post-condition did not hold"
			}
			return "", true, errors.New(reason)
		}
	}
	return output, false, nil
}

func (r *run) dispatchBrowser(ctx context.Context, call llm.ToolCall, args actionArgs) (string, error) {
	if r.o.observer == nil {
		// No observer wired: browser tools cross the proxy like any other.
		return r.invokeProxy(ctx, call)
	}
	switch call.Name {
	case "list_tabs":
		snap, err := r.o.observer.Snapshot(ctx, args.TabID)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(snap)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "browser_navigate":
		return "navigated", r.o.observer.Act(ctx, browser.Action{TabID: args.TabID, Kind: "navigate", Value: args.URL})
	case "browser_click":
		return "clicked", r.o.observer.Act(ctx, browser.Action{TabID: args.TabID, Kind: "click", Selector: args.Selector})
	case "browser_type":
		return "typed", r.o.observer.Act(ctx, browser.Action{TabID: args.TabID, Kind: "type", Selector: args.Selector, Value: args.Text})
	default:
		return r.invokeProxy(ctx, call)
	}
}

// invokeProxy crosses the execution-proxy boundary for one tool call,
// retrying only on E_BUSY backpressure.
func (r *run) invokeProxy(ctx context.Context, call llm.ToolCall) (string, error) {
	if r.o.proxy == nil {
		return "", errors.New("no execution proxy configured")
	}
	limits := r.o.limits
	delay := time.Duration(limits.RetryDelayMs) * time.Millisecond

	req := proxy.Request{
		ID:              "inv_" + call.ID,
		Tool:            call.Name,
		Args:            json.RawMessage(emptyToBraces(call.ArgumentsJSON)),
		SessionID:       r.sessionID,
		ParentSessionID: r.req.ParentSessionID,
		AgentID:         r.req.AgentID,
	}

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.ToolTimeoutSec)*time.Second)
		data, err := r.o.proxy.Invoke(callCtx, req, nil)
		cancel()
		if err == nil {
			if len(data) == 0 {
				return "ok", nil
			}
			return string(data), nil
		}
		if !proxy.IsBusy(err) || attempt >= limits.RetryBudget || ctx.Err() != nil {
			return "", err
		}

		// Busy attempts surface in the trace as a failed finish for the same
		// logical action before the retried one.
		r.trace(ctx, "step_finished", map[string]any{
			"step": r.steps, "kind": string(kindForTool(call.Name)), "tool": call.Name,
			"ok": false, "reason": err.Error(), "retrying": true,
		})
		r.h.setRetry(Retry{Active: true, Attempt: attempt, MaxAttempts: limits.RetryBudget, DelayMs: int(delay / time.Millisecond)})
		r.trace(ctx, "auto_retry_start", map[string]any{"attempt": attempt, "delay_ms": int(delay / time.Millisecond), "error": err.Error()})
		if !sleepCtx(ctx, delay) {
			r.h.setRetry(Retry{})
			return "", ctx.Err()
		}
		r.trace(ctx, "auto_retry_end", map[string]any{"attempt": attempt})
		r.h.setRetry(Retry{})
		req.ID = req.ID + "r" // fresh correlation id per attempt
		if delay < 8*time.Second {
			delay *= 2
		}
	}
}

// resolveGuard converts a guard decision into loop control: proceed,
// escalate to a stronger profile, or terminate with a non-done status.
func (r *run) resolveGuard(ctx context.Context, d guard.Decision) (Status, bool) {
	switch d.Kind {
	case guard.Proceed:
		return "", false
	case guard.CircuitOpen:
		r.trace(ctx, "retry_circuit_open", map[string]any{"signature": d.Signature, "count": d.Count})
		if r.escalate(ctx, "retry circuit open for "+d.Signature) {
			return "", false
		}
		return r.failureTerminal(), true
	case guard.BudgetExhausted:
		r.trace(ctx, "retry_budget_exhausted", map[string]any{"attempts": d.Count})
		if r.escalate(ctx, "retry budget exhausted") {
			return "", false
		}
		return r.failureTerminal(), true
	case guard.Oscillation:
		r.lastFailureReason = "no progress: oscillating between " + strings.Join(d.Pattern, ", ")
		return StatusProgressUncertain, true
	default:
		return StatusFailedExecute, true
	}
}

func emptyToBraces(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "{}"
	}
	return s
}
