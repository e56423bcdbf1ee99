// Package browser defines the observation surface the run loop consumes for
// browser-facing work. The agent never drives a browser directly; the
// execution proxy implements these operations and the loop only sees their
// results.
package browser

import "context"

// Snapshot is a serialized view of one tab at a point in time.
type Snapshot struct {
	TabID      string `json:"tab_id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	DOMDigest  string `json:"dom_digest"`
	TextLayout string `json:"text_layout"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
}

// Action is one user-level interaction with a tab.
type Action struct {
	TabID    string `json:"tab_id"`
	Kind     string `json:"kind"` // navigate | click | type | scroll
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Check is a post-action assertion evaluated against the live page.
type Check struct {
	TabID    string `json:"tab_id"`
	Kind     string `json:"kind"` // url_matches | element_present | text_present
	Expected string `json:"expected"`
}

// VerifyResult reports one check. A failing check carries the reason the
// loop feeds back to the model.
type VerifyResult struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Observer is the contract the run loop programs against. Implementations
// live behind the execution proxy.
type Observer interface {
	Snapshot(ctx context.Context, tabID string) (Snapshot, error)
	Act(ctx context.Context, action Action) error
	Verify(ctx context.Context, check Check) (VerifyResult, error)
}
