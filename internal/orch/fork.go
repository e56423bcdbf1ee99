package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/relay-agent/internal/sessionstore"
)

// Edit modes: retry reruns in place (latest-entry edit), fork branches a new
// session (historical edit).
const (
	ModeRetry = "retry"
	ModeFork  = "fork"
)

// EditResult reports how an edit-and-rerun was resolved.
type EditResult struct {
	SessionID string  `json:"sessionId"`
	Runtime   Runtime `json:"runtime"`

	Mode                string `json:"mode"`
	SourceSessionID     string `json:"sourceSessionId"`
	SourceEntryID       string `json:"sourceEntryId"`
	ActiveSourceEntryID string `json:"activeSourceEntryId"`
}

// Regenerate reruns the model from an existing user prompt without a new
// prompt. With requireSourceIsLeaf the source entry must be the session leaf;
// with rebaseLeafToPreviousUser the leaf rebinds to the nearest user entry at
// or before the source before rerunning.
func (o *Orchestrator) Regenerate(ctx context.Context, sessionID string, sourceEntryID string, requireSourceIsLeaf bool, rebaseLeafToPreviousUser bool) (string, Runtime, error) {
	if o == nil {
		return "", Runtime{}, errors.New("orch: not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	sourceEntryID = strings.TrimSpace(sourceEntryID)

	if o.handle(sessionID) != nil {
		return "", Runtime{}, ErrRunActive
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", Runtime{}, err
	}
	if requireSourceIsLeaf && sess.LeafID != sourceEntryID {
		return "", Runtime{}, fmt.Errorf("orch: entry %s is not the session leaf", sourceEntryID)
	}

	entries, err := o.store.ListEntries(ctx, sessionID)
	if err != nil {
		return "", Runtime{}, err
	}
	source := findEntry(entries, sourceEntryID)
	if source == nil {
		return "", Runtime{}, fmt.Errorf("orch: entry %s not found", sourceEntryID)
	}

	promptEntry := source
	if source.Role != sessionstore.RoleUser || rebaseLeafToPreviousUser {
		promptEntry = previousUserEntry(entries, source)
		if promptEntry == nil {
			return "", Runtime{}, errors.New("orch: no user entry to regenerate from")
		}
	}
	if rebaseLeafToPreviousUser {
		if err := o.store.SetLeaf(ctx, sessionID, promptEntry.EntryID); err != nil {
			return "", Runtime{}, err
		}
	}

	return o.Start(ctx, StartRequest{
		SessionID:    sessionID,
		promptStored: true,
	})
}

// EditAndRerun resubmits an edited user prompt. Editing the latest user entry
// retries in place on the same session; editing a historical user entry forks
// a new session rooted just before the edit point, leaving the source session
// untouched.
func (o *Orchestrator) EditAndRerun(ctx context.Context, sessionID string, sourceEntryID string, prompt string) (EditResult, error) {
	if o == nil {
		return EditResult{}, errors.New("orch: not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	sourceEntryID = strings.TrimSpace(sourceEntryID)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return EditResult{}, errors.New("orch: empty prompt")
	}

	if o.handle(sessionID) != nil {
		return EditResult{}, ErrRunActive
	}

	entries, err := o.store.ListEntries(ctx, sessionID)
	if err != nil {
		return EditResult{}, err
	}
	source := findEntry(entries, sourceEntryID)
	if source == nil {
		return EditResult{}, fmt.Errorf("orch: entry %s not found", sourceEntryID)
	}
	if source.Role != sessionstore.RoleUser {
		return EditResult{}, fmt.Errorf("orch: entry %s is not a user entry", sourceEntryID)
	}

	if isLatestUserEntry(entries, source) {
		return o.editRetry(ctx, sessionID, source, prompt)
	}
	return o.editFork(ctx, sessionID, entries, source, prompt)
}

// editRetry: same session, leaf rebinds to the edited entry via append.
func (o *Orchestrator) editRetry(ctx context.Context, sessionID string, source *sessionstore.Entry, prompt string) (EditResult, error) {
	edited, err := o.store.AppendEntry(ctx, sessionID, sessionstore.Entry{
		Role:    sessionstore.RoleUser,
		Content: prompt,
	})
	if err != nil {
		return EditResult{}, err
	}
	_, rt, err := o.Start(ctx, StartRequest{
		SessionID:    sessionID,
		promptStored: true,
	})
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{
		SessionID:           sessionID,
		Runtime:             rt,
		Mode:                ModeRetry,
		SourceSessionID:     sessionID,
		SourceEntryID:       source.EntryID,
		ActiveSourceEntryID: edited.EntryID,
	}, nil
}

// editFork: new session carrying the frozen prefix strictly before the edited
// entry; the source session is never mutated on this path.
func (o *Orchestrator) editFork(ctx context.Context, sessionID string, entries []sessionstore.Entry, source *sessionstore.Entry, prompt string) (EditResult, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return EditResult{}, err
	}

	var forked *sessionstore.Session
	anchor := entryBefore(entries, source)
	if anchor != nil {
		forked, err = o.store.Fork(ctx, sessionID, sess.LeafID, anchor.EntryID, "edit")
		if err != nil {
			return EditResult{}, err
		}
	} else {
		// Editing the very first entry: the fork starts empty but still
		// records its lineage.
		forked = &sessionstore.Session{
			SessionID:       sessionstore.NewSessionID(),
			ParentSessionID: sessionID,
			ForkedFrom: &sessionstore.ForkedFrom{
				SessionID:     sessionID,
				LeafID:        sess.LeafID,
				SourceEntryID: source.EntryID,
				Reason:        "edit",
			},
			Title: sess.Title,
		}
		if err := o.store.CreateSession(ctx, *forked); err != nil {
			return EditResult{}, err
		}
	}

	edited, err := o.store.AppendEntry(ctx, forked.SessionID, sessionstore.Entry{
		Role:    sessionstore.RoleUser,
		Content: prompt,
	})
	if err != nil {
		return EditResult{}, err
	}
	_, rt, err := o.Start(ctx, StartRequest{
		SessionID:    forked.SessionID,
		promptStored: true,
	})
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{
		SessionID:           forked.SessionID,
		Runtime:             rt,
		Mode:                ModeFork,
		SourceSessionID:     sessionID,
		SourceEntryID:       source.EntryID,
		ActiveSourceEntryID: edited.EntryID,
	}, nil
}

func findEntry(entries []sessionstore.Entry, entryID string) *sessionstore.Entry {
	for i := range entries {
		if entries[i].EntryID == entryID {
			return &entries[i]
		}
	}
	return nil
}

func previousUserEntry(entries []sessionstore.Entry, at *sessionstore.Entry) *sessionstore.Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ID <= at.ID && entries[i].Role == sessionstore.RoleUser {
			return &entries[i]
		}
	}
	return nil
}

func isLatestUserEntry(entries []sessionstore.Entry, e *sessionstore.Entry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == sessionstore.RoleUser {
			return entries[i].EntryID == e.EntryID
		}
	}
	return false
}

func entryBefore(entries []sessionstore.Entry, e *sessionstore.Entry) *sessionstore.Entry {
	var prev *sessionstore.Entry
	for i := range entries {
		if entries[i].EntryID == e.EntryID {
			return prev
		}
		prev = &entries[i]
	}
	return nil
}
