// Package subagent launches independent child runs in single, parallel, or
// chain mode and fans their outputs back in. Every child is a full run of its
// own session, linked to the parent by parentSessionId/agentId only.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/orch"
	"github.com/google/uuid"
)

// Modes accepted by agent.run.
const (
	ModeSingle   = "single"
	ModeParallel = "parallel"
	ModeChain    = "chain"
)

// PreviousOutputPlaceholder is substituted in chain-stage prompts with the
// prior stage's final output.
const PreviousOutputPlaceholder = "${previous_output}"

// ErrParallelLimit is returned when a parallel request exceeds the configured
// ceiling. No child is launched in that case.
var ErrParallelLimit = errors.New("subagent: parallel task limit exceeded")

// Task is one child run request.
type Task struct {
	Prompt  string   `json:"prompt"`
	Role    string   `json:"role,omitempty"`
	TabIDs  []string `json:"tab_ids,omitempty"`
	AutoRun bool     `json:"auto_run"`
}

// Result is the fan-in record for one child run, positionally aligned with
// the input task list.
type Result struct {
	SessionID string      `json:"session_id"`
	Status    orch.Status `json:"status"`
	Output    string      `json:"output"`
	Steps     int         `json:"steps"`
}

// ChainResult is the fan-in object for chain mode.
type ChainResult struct {
	Stages      []Result `json:"stages"`
	FinalOutput string   `json:"final_output"`
	Summary     string   `json:"summary"`
}

// Coordinator launches child runs through the shared orchestrator.
type Coordinator struct {
	orch   *orch.Orchestrator
	limits config.Limits
	log    *slog.Logger
}

func New(o *orch.Orchestrator, limits config.Limits, log *slog.Logger) (*Coordinator, error) {
	if o == nil {
		return nil, errors.New("subagent: missing orchestrator")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{orch: o, limits: limits.Normalized(), log: log}, nil
}

// NewAgentID mints an agent id for one agent.run invocation.
func NewAgentID() string {
	return "agt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Single launches one child run and waits for its terminal.
func (c *Coordinator) Single(ctx context.Context, parentSessionID string, task Task) (Result, error) {
	if err := validateTasks(task); err != nil {
		return Result{}, err
	}
	return c.runChild(ctx, parentSessionID, NewAgentID(), task)
}

// Parallel launches the tasks as concurrent children. Exceeding the
// configured ceiling fails before any child is launched. Results are
// positionally aligned with the input tasks.
func (c *Coordinator) Parallel(ctx context.Context, parentSessionID string, tasks []Task) ([]Result, error) {
	if len(tasks) == 0 {
		return nil, errors.New("subagent: no tasks")
	}
	if len(tasks) > c.limits.ParallelSubagentMax {
		return nil, fmt.Errorf("%w: %d tasks over limit %d", ErrParallelLimit, len(tasks), c.limits.ParallelSubagentMax)
	}
	if err := validateTasks(tasks...); err != nil {
		return nil, err
	}

	agentID := NewAgentID()
	results := make([]Result, len(tasks))
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i], errs[i] = c.runChild(ctx, parentSessionID, agentID, task)
		}(i, task)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Chain runs the tasks sequentially; each stage's prompt may reference the
// previous stage's output via ${previous_output}. A failing stage stops the
// chain; completed stage results are still reported.
func (c *Coordinator) Chain(ctx context.Context, parentSessionID string, tasks []Task) (ChainResult, error) {
	if len(tasks) == 0 {
		return ChainResult{}, errors.New("subagent: no tasks")
	}
	if err := validateTasks(tasks...); err != nil {
		return ChainResult{}, err
	}

	agentID := NewAgentID()
	out := ChainResult{Stages: make([]Result, 0, len(tasks))}
	previous := ""
	for i, task := range tasks {
		task.Prompt = strings.ReplaceAll(task.Prompt, PreviousOutputPlaceholder, previous)
		res, err := c.runChild(ctx, parentSessionID, agentID, task)
		if err != nil {
			return out, fmt.Errorf("subagent: stage %d: %w", i, err)
		}
		out.Stages = append(out.Stages, res)
		if !res.Status.Success() {
			out.Summary = fmt.Sprintf("chain stopped at stage %d/%d: %s", i+1, len(tasks), res.Status)
			return out, nil
		}
		previous = res.Output
	}
	out.FinalOutput = previous
	out.Summary = fmt.Sprintf("chain completed %d/%d stages", len(out.Stages), len(tasks))
	return out, nil
}

func (c *Coordinator) runChild(ctx context.Context, parentSessionID string, agentID string, task Task) (Result, error) {
	sessionID, _, err := c.orch.Start(ctx, orch.StartRequest{
		Prompt:          task.Prompt,
		Role:            task.Role,
		TabIDs:          task.TabIDs,
		AutoRun:         true,
		ParentSessionID: strings.TrimSpace(parentSessionID),
		AgentID:         agentID,
	})
	if err != nil {
		return Result{}, err
	}
	res, err := c.orch.Wait(ctx, sessionID)
	if err != nil {
		return Result{SessionID: sessionID}, err
	}
	return Result{
		SessionID: sessionID,
		Status:    res.Status,
		Output:    res.ResponseText,
		Steps:     res.Steps,
	}, nil
}

// validateTasks rejects non-auto-run tasks upfront: subagent children never
// wait for interactive confirmation.
func validateTasks(tasks ...Task) error {
	for i, task := range tasks {
		if strings.TrimSpace(task.Prompt) == "" {
			return fmt.Errorf("subagent: task %d: empty prompt", i)
		}
		if !task.AutoRun {
			return fmt.Errorf("subagent: task %d: autoRun=false is not supported", i)
		}
	}
	return nil
}
