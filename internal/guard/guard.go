// Package guard watches a run for non-convergence: the same failing action
// repeated until its circuit opens, the cumulative retry budget draining, or
// the model oscillating through a short cycle of actions.
package guard

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/floegence/relay-agent/internal/config"
)

// DecisionKind tags the guard verdict for one observed step.
type DecisionKind int

const (
	// Proceed: no trip, the run continues.
	Proceed DecisionKind = iota
	// CircuitOpen: one signature failed identically too many times.
	CircuitOpen
	// BudgetExhausted: cumulative failed attempts crossed the run budget.
	BudgetExhausted
	// Oscillation: the recent window is a repeating cycle of actions.
	Oscillation
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case CircuitOpen:
		return "circuit_open"
	case BudgetExhausted:
		return "budget_exhausted"
	case Oscillation:
		return "oscillation"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

// Decision is the verdict for one observed step.
type Decision struct {
	Kind DecisionKind

	// Signature is set for CircuitOpen: the failing signature.
	Signature string
	// Count is the identical-failure count (CircuitOpen) or the cumulative
	// attempt count (BudgetExhausted).
	Count int
	// Pattern is set for Oscillation: the repeating cycle, in order.
	Pattern []string
}

// Tripped reports whether the run should stop making progress attempts.
func (d Decision) Tripped() bool { return d.Kind != Proceed }

// Signature folds an action, its target, and the failure reason into a stable
// short signature. Reasons are included so that the same action failing for a
// new reason counts as fresh progress rather than an identical failure.
func Signature(action string, target string, reason string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(action) + "\x00" + strings.TrimSpace(target) + "\x00" + strings.TrimSpace(reason)))
	return fmt.Sprintf("%s:%x", strings.TrimSpace(action), h[:8])
}

// observation is one windowed step: its signature and whether it failed.
type observation struct {
	sig    string
	failed bool
}

// State is the per-run guard. Not safe for concurrent use; the orchestrator
// drives it from the single run goroutine.
type State struct {
	window   []observation
	failures map[string]int
	attempts int

	windowSize       int
	circuitThreshold int
	retryBudget      int
}

// NewState builds a guard from the run limits. Zero limits fall back to the
// package defaults via Limits.Normalized.
func NewState(limits config.Limits) *State {
	limits = limits.Normalized()
	return &State{
		failures:         make(map[string]int),
		windowSize:       limits.GuardWindow,
		circuitThreshold: limits.CircuitThreshold,
		retryBudget:      limits.RetryBudget,
	}
}

// ObserveStep records a step signature and returns the guard verdict.
// Trip precedence when several conditions hold at once: circuit, then budget,
// then oscillation.
func (s *State) ObserveStep(sig string, failed bool) Decision {
	if s == nil {
		return Decision{Kind: Proceed}
	}
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return Decision{Kind: Proceed}
	}

	s.window = append(s.window, observation{sig: sig, failed: failed})
	if len(s.window) > s.windowSize {
		s.window = s.window[len(s.window)-s.windowSize:]
	}

	if failed {
		s.attempts++
		s.failures[sig]++

		if s.failures[sig] >= s.circuitThreshold {
			return Decision{Kind: CircuitOpen, Signature: sig, Count: s.failures[sig]}
		}
		if s.attempts >= s.retryBudget {
			return Decision{Kind: BudgetExhausted, Count: s.attempts}
		}
	}

	if pattern := s.repeatingPattern(); pattern != nil {
		return Decision{Kind: Oscillation, Pattern: pattern}
	}
	return Decision{Kind: Proceed}
}

// RecordSuccess resets the identical-failure count for a signature. The
// cumulative attempt budget is not refunded.
func (s *State) RecordSuccess(sig string) {
	if s == nil {
		return
	}
	delete(s.failures, strings.TrimSpace(sig))
}

// Attempts returns the cumulative failed-attempt count.
func (s *State) Attempts() int {
	if s == nil {
		return 0
	}
	return s.attempts
}

// repeatingPattern checks the full window for a repeating cycle of length
// 1..3 and returns the cycle when found. A single action repeated with every
// repeat succeeding is steady progress (polling a long operation), not a
// cycle; it only counts once any repeat fails.
func (s *State) repeatingPattern() []string {
	if len(s.window) < s.windowSize {
		return nil
	}
	for patternLen := 1; patternLen <= 3; patternLen++ {
		if s.windowSize%patternLen != 0 {
			continue
		}
		pattern := s.window[:patternLen]
		allMatch := true
		anyFailed := false
		for _, obs := range s.window[:patternLen] {
			if obs.failed {
				anyFailed = true
			}
		}
		for i := patternLen; i < s.windowSize; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if s.window[i+j].sig != pattern[j].sig {
					allMatch = false
					break
				}
				if s.window[i+j].failed {
					anyFailed = true
				}
			}
			if !allMatch {
				break
			}
		}
		if allMatch {
			distinct := make(map[string]struct{}, patternLen)
			for _, obs := range pattern {
				distinct[obs.sig] = struct{}{}
			}
			if len(distinct) == 1 && !anyFailed {
				continue
			}
			out := make([]string, patternLen)
			for j, obs := range pattern {
				out[j] = obs.sig
			}
			return out
		}
	}
	return nil
}
