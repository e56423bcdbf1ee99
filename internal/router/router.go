// Package router binds run roles to model profiles and walks the escalation
// chain. Escalation only ever moves toward stronger profiles; a run that
// exhausts its chain is blocked and must terminate on its own failure path.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/relay-agent/internal/config"
)

// ErrBlocked is returned by Escalate when the role is already bound to the
// strongest profile in its chain.
var ErrBlocked = errors.New("router: escalation chain exhausted")

// ErrRoleUnknown is returned when a role has no chain in the profiles config.
var ErrRoleUnknown = errors.New("router: unknown role")

// EventFunc receives routing events (llm.route.selected, llm.route.escalated,
// llm.route.blocked) for the run trace.
type EventFunc func(eventType string, payload map[string]any)

// Router tracks the escalation cursor for each role of a single run.
type Router struct {
	mu       sync.Mutex
	profiles *config.Profiles
	cursor   map[string]int
	emit     EventFunc
}

// New builds a run-scoped router over the validated profiles config. The
// event callback may be nil.
func New(profiles *config.Profiles, emit EventFunc) (*Router, error) {
	if profiles == nil {
		return nil, errors.New("router: nil profiles")
	}
	if err := profiles.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	return &Router{
		profiles: profiles,
		cursor:   make(map[string]int),
		emit:     emit,
	}, nil
}

// Binding is a role resolved to a concrete profile and its provider.
type Binding struct {
	Role     string
	Profile  config.Profile
	Provider config.Provider

	// Position is the zero-based index into the role's chain.
	Position int
	// ChainLen is the total chain length, so callers can report headroom.
	ChainLen int
}

// Select resolves the role to its currently bound profile. The first Select
// for a role binds the weakest profile in the chain.
func (r *Router) Select(role string) (Binding, error) {
	if r == nil {
		return Binding{}, errors.New("router not initialized")
	}
	role = strings.TrimSpace(role)

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.bindingLocked(role)
	if err != nil {
		return Binding{}, err
	}
	r.event("llm.route.selected", map[string]any{
		"role":     role,
		"profile":  b.Profile.ID,
		"provider": b.Provider.ID,
		"model":    b.Profile.Model,
		"position": b.Position,
	})
	return b, nil
}

// Escalate advances the role to the next-stronger profile. It returns
// ErrBlocked, and emits llm.route.blocked, when the chain is exhausted.
// There is no inverse operation: a role never downgrades within a run.
func (r *Router) Escalate(role string, reason string) (Binding, error) {
	if r == nil {
		return Binding{}, errors.New("router not initialized")
	}
	role = strings.TrimSpace(role)
	reason = strings.TrimSpace(reason)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.bindingLocked(role)
	if err != nil {
		return Binding{}, err
	}
	if cur.Position+1 >= cur.ChainLen {
		r.event("llm.route.blocked", map[string]any{
			"role":    role,
			"profile": cur.Profile.ID,
			"reason":  reason,
		})
		return Binding{}, fmt.Errorf("role %q at %q: %w", role, cur.Profile.ID, ErrBlocked)
	}

	r.cursor[role] = cur.Position + 1
	next, err := r.bindingLocked(role)
	if err != nil {
		return Binding{}, err
	}
	r.event("llm.route.escalated", map[string]any{
		"role":   role,
		"from":   cur.Profile.ID,
		"to":     next.Profile.ID,
		"reason": reason,
	})
	return next, nil
}

// Current returns the bound profile without emitting a route event.
func (r *Router) Current(role string) (Binding, error) {
	if r == nil {
		return Binding{}, errors.New("router not initialized")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindingLocked(strings.TrimSpace(role))
}

func (r *Router) bindingLocked(role string) (Binding, error) {
	chain, ok := r.profiles.ChainForRole(role)
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrRoleUnknown, role)
	}
	pos := r.cursor[role]
	if pos >= len(chain) {
		// Cursor can never legitimately pass the chain end.
		return Binding{}, fmt.Errorf("role %q: cursor %d out of range", role, pos)
	}
	profile := chain[pos]
	provider, ok := r.profiles.ProviderByID(profile.Provider)
	if !ok {
		return Binding{}, fmt.Errorf("profile %q: unregistered provider %q", profile.ID, profile.Provider)
	}
	return Binding{
		Role:     role,
		Profile:  profile,
		Provider: provider,
		Position: pos,
		ChainLen: len(chain),
	}, nil
}

func (r *Router) event(eventType string, payload map[string]any) {
	if r.emit != nil {
		r.emit(eventType, payload)
	}
}
