package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/fsreplay/internal/activity"
)

// RuntimeError is an error raised by the engine itself rather than by the
// filesystem under test.
//
// Runtime errors include:
//   - Check failures: an activity's outcome contradicts the model
//   - Record failures: the activity could not be written to the log
//   - Divergences: a replayed activity produced a different outcome
//   - Quota exceeded: the run performed too many activities
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run.
	RunID string

	// Seq is the activity the error belongs to, or 0.
	Seq int64

	// Handle and Op identify the stream operation, when there is one.
	Handle activity.Handle
	Op     activity.Op

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCheckFailed indicates an activity contradicted the checker.
	ErrCodeCheckFailed RuntimeErrorCode = "CHECK_FAILED"

	// ErrCodeRecordFailed indicates an activity could not be recorded.
	ErrCodeRecordFailed RuntimeErrorCode = "RECORD_FAILED"

	// ErrCodeDivergence indicates replay did not reproduce the log.
	ErrCodeDivergence RuntimeErrorCode = "DIVERGENCE"

	// ErrCodeQuotaExceeded indicates the run exceeded its activity quota.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"
)

func (e *RuntimeError) Error() string {
	msg := e.describe()
	switch {
	case e.RunID != "" && e.Seq != 0:
		return fmt.Sprintf("%s: %s (run=%s, seq=%d)", e.Code, msg, e.RunID, e.Seq)
	case e.RunID != "":
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, msg, e.RunID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
}

// describe returns the message followed by the underlying cause, if any.
func (e *RuntimeError) describe() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsCheckError reports whether err is a check failure.
// Uses errors.As to handle wrapped errors.
func IsCheckError(err error) bool {
	return hasCode(err, ErrCodeCheckFailed)
}

// IsRecordError reports whether err is a record failure.
func IsRecordError(err error) bool {
	return hasCode(err, ErrCodeRecordFailed)
}

// IsDivergence reports whether err is a replay divergence.
func IsDivergence(err error) bool {
	return hasCode(err, ErrCodeDivergence)
}

// IsQuotaError reports whether err is a quota error, either as a
// RuntimeError or as the underlying ActivitiesExceededError.
func IsQuotaError(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded) || IsActivitiesExceededError(err)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewCheckError creates a RuntimeError for a failed check.
func NewCheckError(runID string, seq int64, req activity.Request, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCheckFailed,
		Message: fmt.Sprintf("%s on %s", req.Op, req.Handle.Key()),
		RunID:   runID,
		Seq:     seq,
		Handle:  req.Handle,
		Op:      req.Op,
		Details: map[string]string{"path": req.Open.Path},
		Err:     cause,
	}
}

// NewRecordError creates a RuntimeError for a failed log write.
func NewRecordError(runID string, seq int64, req activity.Request, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeRecordFailed,
		Message: fmt.Sprintf("record %s on %s", req.Op, req.Handle.Key()),
		RunID:   runID,
		Seq:     seq,
		Handle:  req.Handle,
		Op:      req.Op,
		Err:     cause,
	}
}

// NewDivergenceError creates a RuntimeError summarizing divergences.
func NewDivergenceError(runID string, divs []Divergence) *RuntimeError {
	e := &RuntimeError{
		Code:    ErrCodeDivergence,
		Message: fmt.Sprintf("%d divergent activities", len(divs)),
		RunID:   runID,
	}
	if len(divs) > 0 {
		first := divs[0]
		e.Seq = first.Seq
		e.Handle = first.Handle
		e.Op = first.Op
		e.Details = map[string]string{
			"field":    first.Field,
			"recorded": first.Recorded,
			"replayed": first.Replayed,
		}
	}
	return e
}

// NewQuotaError creates a RuntimeError for an exceeded activity quota.
func NewQuotaError(runID string, cause *ActivitiesExceededError) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQuotaExceeded,
		Message: "activity rejected",
		RunID:   runID,
		Details: map[string]string{
			"activities": fmt.Sprintf("%d", cause.Activities),
			"limit":      fmt.Sprintf("%d", cause.Limit),
		},
		Err: cause,
	}
}
