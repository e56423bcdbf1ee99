package orch

import (
	"context"
	"strings"
	"sync"
)

// RunResult is the terminal outcome of one run.
type RunResult struct {
	Status Status `json:"status"`

	// ResponseText is the user-facing terminal text. It takes precedence
	// over raw trace content and never phrases a non-success as success.
	ResponseText string `json:"response_text"`

	Steps int `json:"steps"`
}

// runHandle is the mutable state shared between a run goroutine and the
// operations that steer it (stop, pause, queued prompts).
type runHandle struct {
	sessionID string

	mu        sync.Mutex
	running   bool
	stopReq   bool
	paused    bool
	retry     Retry
	steer     []string
	followUps []string

	// pauseGate is closed while the run may proceed and replaced by an open
	// channel while paused. Step boundaries wait on it.
	pauseGate chan struct{}

	done   chan struct{}
	result RunResult
}

func newRunHandle(sessionID string) *runHandle {
	gate := make(chan struct{})
	close(gate)
	return &runHandle{
		sessionID: sessionID,
		running:   true,
		pauseGate: gate,
		done:      make(chan struct{}),
	}
}

func (h *runHandle) runtime() Runtime {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Runtime{
		Running:         h.running && !h.stopReq,
		Stopped:         h.stopReq,
		Paused:          h.paused,
		Lifecycle:       deriveLifecycle(h.running, h.stopReq),
		QueuedSteer:     len(h.steer),
		QueuedFollowUps: len(h.followUps),
		Retry:           h.retry,
	}
}

func (h *runHandle) requestStop() {
	h.mu.Lock()
	h.stopReq = true
	if h.paused {
		// A stopped run must not stay parked on the pause gate.
		h.paused = false
		close(h.pauseGate)
	}
	h.mu.Unlock()
}

func (h *runHandle) stopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopReq
}

func (h *runHandle) setPaused(paused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused == paused || h.stopReq {
		return
	}
	h.paused = paused
	if paused {
		h.pauseGate = make(chan struct{})
	} else {
		close(h.pauseGate)
	}
}

// awaitResume blocks while the run is paused. Returns false when the context
// expired while waiting.
func (h *runHandle) awaitResume(ctx context.Context) bool {
	h.mu.Lock()
	gate := h.pauseGate
	h.mu.Unlock()
	select {
	case <-gate:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *runHandle) enqueueSteer(prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	h.mu.Lock()
	h.steer = append(h.steer, prompt)
	h.mu.Unlock()
}

func (h *runHandle) enqueueFollowUp(prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	h.mu.Lock()
	h.followUps = append(h.followUps, prompt)
	h.mu.Unlock()
}

// drainSteer pops all queued steer prompts, FIFO.
func (h *runHandle) drainSteer() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.steer
	h.steer = nil
	return out
}

// popFollowUp pops the next follow-up prompt, FIFO.
func (h *runHandle) popFollowUp() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.followUps) == 0 {
		return "", false
	}
	next := h.followUps[0]
	h.followUps = h.followUps[1:]
	return next, true
}

func (h *runHandle) setRetry(r Retry) {
	h.mu.Lock()
	h.retry = r
	h.mu.Unlock()
}

func (h *runHandle) finish(result RunResult) {
	h.mu.Lock()
	h.running = false
	h.result = result
	h.mu.Unlock()
	close(h.done)
}
