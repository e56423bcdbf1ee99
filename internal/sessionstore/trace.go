package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// TraceEvent is one append-only observability record scoped to a session.
type TraceEvent struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	TsUnixMs    int64  `json:"ts_unix_ms"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

// StreamMeta describes how a bounded trace projection was cut.
type StreamMeta struct {
	Truncated   bool   `json:"truncated"`
	CutBy       string `json:"cut_by,omitempty"` // "events" | "bytes"
	TotalEvents int    `json:"total_events"`
	TotalBytes  int64  `json:"total_bytes"`
}

// AppendTrace appends one event to the session's trace log. The payload is
// marshaled to JSON; a nil payload stores an empty body.
func (s *Store) AppendTrace(ctx context.Context, sessionID string, eventType string, payload any) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	eventType = strings.TrimSpace(eventType)
	if sessionID == "" || eventType == "" {
		return errors.New("invalid trace event")
	}

	body := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO trace_events(session_id, type, ts_unix_ms, payload_json)
VALUES(?, ?, ?, ?)
`, sessionID, eventType, time.Now().UnixMilli(), body)
	return err
}

// TraceAll is the unbounded recovery projection: the full trace in append
// order.
func (s *Store) TraceAll(ctx context.Context, sessionID string) ([]TraceEvent, error) {
	return s.traceQuery(ctx, sessionID)
}

// TraceView is the bounded transport projection over the same log. It returns
// the most recent events, oldest first, cut to maxEvents and maxBytes
// (payload bytes), whichever trips first.
func (s *Store) TraceView(ctx context.Context, sessionID string, maxEvents int, maxBytes int64) ([]TraceEvent, StreamMeta, error) {
	all, err := s.traceQuery(ctx, sessionID)
	if err != nil {
		return nil, StreamMeta{}, err
	}

	meta := StreamMeta{TotalEvents: len(all)}
	for _, ev := range all {
		meta.TotalBytes += int64(len(ev.PayloadJSON))
	}

	if maxEvents <= 0 {
		maxEvents = 200
	}

	// Walk backwards so the newest events survive the cut.
	var kept []TraceEvent
	var bytes int64
	for i := len(all) - 1; i >= 0; i-- {
		if len(kept) >= maxEvents {
			meta.Truncated = true
			meta.CutBy = "events"
			break
		}
		next := bytes + int64(len(all[i].PayloadJSON))
		if maxBytes > 0 && next > maxBytes && len(kept) > 0 {
			meta.Truncated = true
			meta.CutBy = "bytes"
			break
		}
		kept = append(kept, all[i])
		bytes = next
	}

	// Reverse back to chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, meta, nil
}

func (s *Store) traceQuery(ctx context.Context, sessionID string) ([]TraceEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, type, ts_unix_ms, payload_json
FROM trace_events
WHERE session_id = ?
ORDER BY id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceEvent
	for rows.Next() {
		var ev TraceEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.TsUnixMs, &ev.PayloadJSON); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
