package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer caps the number of activities a run may perform.
//
// A scenario stuck in a read loop against a stream that never reports EOF
// would otherwise grow the activity log without bound.
type QuotaEnforcer struct {
	max     int64
	current int64
}

// NewQuotaEnforcer creates an enforcer allowing max activities.
// A max of 0 or less disables the limit.
func NewQuotaEnforcer(max int64) *QuotaEnforcer {
	return &QuotaEnforcer{max: max}
}

// Check counts one activity and fails once the limit is exceeded.
// Must be called with the activity slot held.
func (q *QuotaEnforcer) Check(runID string) error {
	q.current++
	if q.max > 0 && q.current > q.max {
		return &ActivitiesExceededError{
			RunID:      runID,
			Activities: q.current,
			Limit:      q.max,
		}
	}
	return nil
}

// Current returns the number of activities counted.
func (q *QuotaEnforcer) Current() int64 {
	return q.current
}

// Max returns the limit.
func (q *QuotaEnforcer) Max() int64 {
	return q.max
}

// ActivitiesExceededError is returned when a run exceeds its activity quota.
type ActivitiesExceededError struct {
	RunID      string
	Activities int64
	Limit      int64
}

func (e *ActivitiesExceededError) Error() string {
	return fmt.Sprintf("run %s exceeded activity quota: %d activities > %d limit",
		e.RunID, e.Activities, e.Limit)
}

// IsActivitiesExceededError reports whether err is an ActivitiesExceededError.
func IsActivitiesExceededError(err error) bool {
	var ae *ActivitiesExceededError
	return errors.As(err, &ae)
}
