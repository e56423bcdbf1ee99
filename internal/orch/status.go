package orch

// Status is the closed terminal enum for a run. It is never conflated with
// proxy error codes: a proxy failure becomes a failure entry and, at most, a
// failed_execute terminal.
type Status string

const (
	// StatusDone: the last executed action succeeded and, when verification
	// was required, it passed. Requires at least one successful action.
	StatusDone Status = "done"
	// StatusFailedExecute: an action could not be executed and the run could
	// not recover (circuit open, escalation blocked, fatal model error).
	StatusFailedExecute Status = "failed_execute"
	// StatusFailedVerify: the final action executed but its post-condition
	// did not hold.
	StatusFailedVerify Status = "failed_verify"
	// StatusMaxSteps: the step ceiling was reached first.
	StatusMaxSteps Status = "max_steps"
	// StatusStopped: a cooperative stop settled at a step boundary.
	StatusStopped Status = "stopped"
	// StatusTimeout: the wall-clock ceiling expired.
	StatusTimeout Status = "timeout"
	// StatusProgressUncertain: the run ended without evidence of completion
	// (no successful action, or oscillation detected).
	StatusProgressUncertain Status = "progress_uncertain"
)

// Terminal reports whether the status is a member of the closed enum.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailedExecute, StatusFailedVerify, StatusMaxSteps,
		StatusStopped, StatusTimeout, StatusProgressUncertain:
		return true
	default:
		return false
	}
}

// Success reports whether the run converged.
func (s Status) Success() bool { return s == StatusDone }

// Lifecycle values derived from the runtime booleans.
const (
	LifecycleIdle     = "idle"
	LifecycleRunning  = "running"
	LifecycleStopping = "stopping"
)

// Retry is the runtime view of the in-flight backoff state.
type Retry struct {
	Active      bool `json:"active"`
	Attempt     int  `json:"attempt"`
	MaxAttempts int  `json:"max_attempts"`
	DelayMs     int  `json:"delay_ms"`
}

// Runtime is the externally visible run state for a session.
type Runtime struct {
	Running bool `json:"running"`
	Stopped bool `json:"stopped"`
	Paused  bool `json:"paused"`

	// Lifecycle is derived: stopping wins over running, idle otherwise.
	Lifecycle string `json:"lifecycle"`

	// QueuedSteer/QueuedFollowUps count prompts waiting on this run.
	QueuedSteer     int `json:"queued_steer"`
	QueuedFollowUps int `json:"queued_follow_ups"`

	Retry Retry `json:"retry"`
}

func deriveLifecycle(running bool, stopRequested bool) string {
	switch {
	case running && stopRequested:
		return LifecycleStopping
	case running:
		return LifecycleRunning
	default:
		return LifecycleIdle
	}
}
