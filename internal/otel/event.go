// Package otel records structured ingestion events for feedingtube.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine.
// An optional RingBuffer keeps recent events in memory so the progress view
// can show the latest failures while a backfill runs.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Refresh events
	KindRefreshStart       EventKind = "refresh.start"
	KindRefreshComplete    EventKind = "refresh.complete"
	KindRefreshSourceError EventKind = "refresh.source_error"

	// Backfill events
	KindBackfillStart      EventKind = "backfill.start"
	KindBackfillList       EventKind = "backfill.list"
	KindBackfillBatch      EventKind = "backfill.batch"
	KindBackfillBatchError EventKind = "backfill.batch_error"
	KindBackfillFlush      EventKind = "backfill.flush"
	KindBackfillComplete   EventKind = "backfill.complete"

	// Store events
	KindStoreError   EventKind = "store.error"
	KindLegacyImport EventKind = "store.legacy_import"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal record. Every field except Kind and Time is
// optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "refresh", "backfill", "store", "main"
	SessionID string         `json:"session_id,omitempty"` // same for the entire process
	RunID     string         `json:"run_id,omitempty"`     // one backfill or refresh run
	Dur       time.Duration  `json:"-"`                    // not serialized directly
	DurMs     float64        `json:"dur_ms,omitempty"`     // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Total     int            `json:"total,omitempty"`
	Failed    int            `json:"failed,omitempty"`
	Source    string         `json:"source,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}

// IsProblem reports whether the event is a warning or error.
func (e Event) IsProblem() bool {
	return e.Level == LevelWarn || e.Level == LevelError
}
