package guard

import (
	"fmt"
	"testing"

	"github.com/floegence/relay-agent/internal/config"
)

func TestSignatureSeparatesReasons(t *testing.T) {
	t.Parallel()

	a := Signature("execute_command", "npm test", "exit 1")
	b := Signature("execute_command", "npm test", "exit 2")
	c := Signature("execute_command", "npm test", "exit 1")
	if a == b {
		t.Fatalf("different reasons must yield different signatures")
	}
	if a != c {
		t.Fatalf("identical inputs must yield identical signatures")
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	t.Parallel()

	s := NewState(config.Limits{CircuitThreshold: 3, RetryBudget: 10, GuardWindow: 6})
	sig := Signature("write_file", "main.go", "permission denied")

	for i := 0; i < 2; i++ {
		if d := s.ObserveStep(sig, true); d.Tripped() {
			t.Fatalf("tripped at failure %d: %+v", i+1, d)
		}
	}
	d := s.ObserveStep(sig, true)
	if d.Kind != CircuitOpen {
		t.Fatalf("Kind=%v, want CircuitOpen", d.Kind)
	}
	if d.Signature != sig || d.Count != 3 {
		t.Fatalf("decision=%+v, want sig %s count 3", d, sig)
	}
}

func TestSuccessResetsCircuitNotBudget(t *testing.T) {
	t.Parallel()

	s := NewState(config.Limits{CircuitThreshold: 3, RetryBudget: 5, GuardWindow: 6})
	sig := Signature("execute_command", "go test", "exit 1")

	s.ObserveStep(sig, true)
	s.ObserveStep(sig, true)
	s.RecordSuccess(sig)

	// Circuit counter restarts after a success.
	if d := s.ObserveStep(sig, true); d.Tripped() {
		t.Fatalf("circuit must reset after success, got %+v", d)
	}
	// Cumulative attempts keep accruing across the reset.
	if got := s.Attempts(); got != 3 {
		t.Fatalf("Attempts=%d, want 3", got)
	}
}

func TestBudgetExhausted(t *testing.T) {
	t.Parallel()

	s := NewState(config.Limits{CircuitThreshold: 10, RetryBudget: 4, GuardWindow: 6})
	for i := 0; i < 3; i++ {
		sig := Signature("execute_command", "step", fmt.Sprintf("reason %d", i))
		if d := s.ObserveStep(sig, true); d.Tripped() {
			t.Fatalf("tripped early at %d: %+v", i, d)
		}
	}
	d := s.ObserveStep(Signature("execute_command", "step", "reason 3"), true)
	if d.Kind != BudgetExhausted || d.Count != 4 {
		t.Fatalf("decision=%+v, want BudgetExhausted count 4", d)
	}
}

func TestOscillationPatternLengthTwo(t *testing.T) {
	t.Parallel()

	s := NewState(config.Limits{CircuitThreshold: 10, RetryBudget: 20, GuardWindow: 6})
	a := Signature("read_file", "a.go", "")
	b := Signature("read_file", "b.go", "")

	var d Decision
	for i := 0; i < 3; i++ {
		d = s.ObserveStep(a, false)
		if i < 2 && d.Tripped() {
			t.Fatalf("tripped before window filled: %+v", d)
		}
		d = s.ObserveStep(b, false)
	}
	if d.Kind != Oscillation {
		t.Fatalf("Kind=%v, want Oscillation", d.Kind)
	}
	if len(d.Pattern) != 2 {
		t.Fatalf("Pattern=%v, want length 2", d.Pattern)
	}
}

func TestRepeatedSuccessIsNotOscillation(t *testing.T) {
	t.Parallel()

	// Polling the same target and succeeding every time is steady progress;
	// the filled window alone must not trip the guard.
	s := NewState(config.Limits{CircuitThreshold: 10, RetryBudget: 20, GuardWindow: 6})
	sig := Signature("execute_command", "kubectl rollout status", "")
	for i := 0; i < 12; i++ {
		if d := s.ObserveStep(sig, false); d.Tripped() {
			t.Fatalf("successful poll %d tripped the guard: %+v", i+1, d)
		}
	}
}

func TestRepeatedPollTripsOnceFailing(t *testing.T) {
	t.Parallel()

	// The same single-action window stops being exempt as soon as a repeat
	// fails inside it.
	s := NewState(config.Limits{CircuitThreshold: 10, RetryBudget: 20, GuardWindow: 6})
	sig := Signature("execute_command", "kubectl rollout status", "")
	for i := 0; i < 5; i++ {
		if d := s.ObserveStep(sig, false); d.Tripped() {
			t.Fatalf("tripped before any failure: %+v", d)
		}
	}
	d := s.ObserveStep(sig, true)
	if d.Kind != Oscillation {
		t.Fatalf("Kind=%v, want Oscillation", d.Kind)
	}
	if len(d.Pattern) != 1 || d.Pattern[0] != sig {
		t.Fatalf("Pattern=%v, want [%s]", d.Pattern, sig)
	}
}

func TestNoOscillationOnDistinctWork(t *testing.T) {
	t.Parallel()

	s := NewState(config.Limits{CircuitThreshold: 10, RetryBudget: 20, GuardWindow: 6})
	for i := 0; i < 12; i++ {
		sig := Signature("read_file", fmt.Sprintf("file_%d.go", i), "")
		if d := s.ObserveStep(sig, false); d.Tripped() {
			t.Fatalf("distinct work tripped the guard: %+v", d)
		}
	}
}

func TestCircuitWinsBeforeWindowFills(t *testing.T) {
	t.Parallel()

	// Identical failures hit the circuit threshold (3) before the oscillation
	// window (6) can fill, so the trip is always CircuitOpen for this shape.
	s := NewState(config.Limits{CircuitThreshold: 3, RetryBudget: 20, GuardWindow: 6})
	sig := Signature("execute_command", "make", "exit 2")
	s.ObserveStep(sig, true)
	s.ObserveStep(sig, true)
	d := s.ObserveStep(sig, true)
	if d.Kind != CircuitOpen {
		t.Fatalf("Kind=%v, want CircuitOpen", d.Kind)
	}
}
