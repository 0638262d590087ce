package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/fsreplay/internal/activity"
)

// RunState summarizes a recorded run.
type RunState struct {
	Run        Run
	Activities int
	Errors     int
	LastSeq    int64
	// Handles lists every stream that took part, in ascending order.
	Handles []activity.Handle
	// OpenHandles lists streams whose last recorded activity was not a
	// close: they were still open when the log ended.
	OpenHandles []activity.Handle
	Lockdowns   []Lockdown
	// ByOp counts activities per operation.
	ByOp map[activity.Op]int
}

// InLockdown reports whether the run ever entered lockdown.
func (rs RunState) InLockdown() bool {
	return len(rs.Lockdowns) > 0
}

// GetRunState reads a run and analyses its log.
func (s *Store) GetRunState(ctx context.Context, runID string) (RunState, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunState{}, err
	}

	acts, err := s.ReadActivities(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}
	lockdowns, err := s.ReadLockdowns(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}

	state := RunState{
		Run:        run,
		Activities: len(acts),
		Lockdowns:  lockdowns,
		ByOp:       make(map[activity.Op]int),
	}

	open := make(map[activity.Handle]bool)
	for _, act := range acts {
		h := act.Request.Handle
		if _, seen := open[h]; !seen {
			state.Handles = append(state.Handles, h)
		}
		state.ByOp[act.Request.Op]++
		if act.Error != "" {
			state.Errors++
		}
		open[h] = act.Request.Op != activity.OpClose
	}
	if state.LastSeq, err = s.GetLastSeq(ctx, runID); err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}

	slices.Sort(state.Handles)
	for _, h := range state.Handles {
		if open[h] {
			state.OpenHandles = append(state.OpenHandles, h)
		}
	}
	return state, nil
}
