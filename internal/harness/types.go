package harness

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/roach88/fsreplay/internal/engine"
	"github.com/roach88/fsreplay/internal/extent"
	"github.com/roach88/fsreplay/internal/store"
)

// Trace event types.
const (
	EventActivity = "activity"
	EventLockdown = "lockdown"
)

// TraceEvent is one entry of the recorded log, an activity or a lockdown,
// with handles resolved to stream names.
type TraceEvent struct {
	Type   string `json:"type"`
	Seq    int64  `json:"seq"`
	Op     string `json:"op,omitempty"`
	Stream string `json:"stream,omitempty"`
	Handle int64  `json:"handle,omitempty"`

	// Request.
	Position int64  `json:"position"`
	Count    int    `json:"count,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	Whence   int    `json:"whence,omitempty"`
	Input    []byte `json:"input,omitempty"`

	// Response.
	N        int             `json:"n,omitempty"`
	At       int64           `json:"at,omitempty"`
	Output   []byte          `json:"output,omitempty"`
	EOF      bool            `json:"eof,omitempty"`
	Flag     bool            `json:"flag,omitempty"`
	Extents  []extent.Region `json:"extents,omitempty"`
	Reopened bool            `json:"reopened,omitempty"`
	Error    string          `json:"error,omitempty"`

	// Lockdown.
	Reason string `json:"reason,omitempty"`
}

func activityEvent(act store.Activity, stream string) TraceEvent {
	req, resp := act.Request, act.Response
	return TraceEvent{
		Type:     EventActivity,
		Seq:      act.Seq,
		Op:       string(req.Op),
		Stream:   stream,
		Handle:   int64(req.Handle),
		Position: req.Position,
		Count:    req.Count,
		Offset:   req.Offset,
		Whence:   req.Whence,
		Input:    req.Data,
		N:        resp.N,
		At:       resp.Position,
		Output:   resp.Data,
		EOF:      resp.EOF,
		Flag:     resp.Flag,
		Extents:  resp.Extents,
		Reopened: resp.Reopened,
		Error:    act.Error,
	}
}

func lockdownEvent(l store.Lockdown) TraceEvent {
	return TraceEvent{Type: EventLockdown, Seq: l.Seq, Reason: l.Reason}
}

// Fields renders the event as the map trace assertions match against and
// golden files are written from. Only fields meaningful for the op are
// present; integers are int.
func (e TraceEvent) Fields() map[string]any {
	m := map[string]any{
		"type": e.Type,
		"seq":  int(e.Seq),
	}
	if e.Type == EventLockdown {
		m["reason"] = e.Reason
		return m
	}

	m["op"] = e.Op
	m["stream"] = e.Stream
	m["position"] = int(e.Position)

	switch e.Op {
	case "read":
		m["count"] = e.Count
		m["n"] = e.N
		m["output"] = payloadString(e.Output)
		m["eof"] = e.EOF
	case "write":
		m["input"] = payloadString(e.Input)
		m["n"] = e.N
	case "seek":
		m["offset"] = int(e.Offset)
		m["whence"] = e.Whence
		m["at"] = int(e.At)
	case "position":
		m["at"] = int(e.At)
	case "set_position", "set_length":
		m["offset"] = int(e.Offset)
		if e.Op == "set_position" {
			m["at"] = int(e.At)
		}
	case "can_read", "can_write", "can_seek":
		m["flag"] = e.Flag
	case "extents":
		regions := make([]any, len(e.Extents))
		for i, r := range e.Extents {
			regions[i] = map[string]any{"start": int(r.Start), "length": int(r.Length)}
		}
		m["extents"] = regions
	}
	if e.Reopened {
		m["reopened"] = true
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	return m
}

// payloadString renders bytes as text when they are valid UTF-8, else as
// "hex:" followed by their hex encoding.
func payloadString(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	return "hex:" + hex.EncodeToString(p)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Scenario is the scenario name.
	Scenario string `json:"scenario"`

	// RunID is the id the activities were recorded under.
	RunID string `json:"run_id"`

	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains every recorded activity and lockdown in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Lockdown reports whether the run ended in lockdown, and why.
	Lockdown        bool     `json:"lockdown"`
	LockdownReasons []string `json:"lockdown_reasons,omitempty"`

	// Replays holds the outcome of every replay step.
	Replays []engine.ReplayResult `json:"replays,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(scenario, runID string) *Result {
	return &Result{
		Scenario: scenario,
		RunID:    runID,
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
