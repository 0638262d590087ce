package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/fsreplay/internal/query"
)

// GetRun retrieves a run by id. Returns ErrRunNotFound if absent.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, block_size, seeds, log_version, tool_version
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %q: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %q: %w", id, err)
	}
	return run, nil
}

// ListRuns returns every run ordered by id.
//
// Returns an empty slice (not nil) if there are no runs.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario, block_size, seeds, log_version, tool_version
		FROM runs
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadActivities returns every activity of a run.
// Results are ordered by seq ASC, id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) if the run has no activities.
func (s *Store) ReadActivities(ctx context.Context, runID string) ([]Activity, error) {
	return s.queryActivities(ctx, `
		SELECT id, run_id, seq, request, request_data, response, response_data, error
		FROM activities
		WHERE run_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID)
}

// QueryActivities returns the activities of a run matching filter, in seq
// order. A nil filter matches every activity.
func (s *Store) QueryActivities(ctx context.Context, runID string, filter query.Predicate) ([]Activity, error) {
	where, params, err := query.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("compile activity filter: %w", err)
	}
	args := append([]any{runID}, params...)
	return s.queryActivities(ctx, `
		SELECT id, run_id, seq, request, request_data, response, response_data, error
		FROM activities
		WHERE run_id = ? AND `+where+`
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, args...)
}

// ReadLockdowns returns the lockdown entries of a run in seq order.
func (s *Store) ReadLockdowns(ctx context.Context, runID string) ([]Lockdown, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, reason
		FROM lockdowns
		WHERE run_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query lockdowns: %w", err)
	}
	defer rows.Close()

	lockdowns := []Lockdown{}
	for rows.Next() {
		var l Lockdown
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Reason); err != nil {
			return nil, fmt.Errorf("scan lockdown: %w", err)
		}
		lockdowns = append(lockdowns, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lockdowns: %w", err)
	}
	return lockdowns, nil
}

// GetLastSeq returns the highest activity or lockdown seq of a run, or 0.
func (s *Store) GetLastSeq(ctx context.Context, runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT seq FROM activities WHERE run_id = ?
			UNION ALL
			SELECT seq FROM lockdowns WHERE run_id = ?
		)
	`, runID, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) queryActivities(ctx context.Context, query string, args ...any) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	acts := []Activity{}
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return acts, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var seeds []byte
	if err := row.Scan(&run.ID, &run.Scenario, &run.BlockSize, &seeds, &run.LogVersion, &run.ToolVersion); err != nil {
		return Run{}, err
	}

	raw, err := decodePayload(seeds)
	if err != nil {
		return Run{}, fmt.Errorf("run %s seeds: %w", run.ID, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &run.Seeds); err != nil {
			return Run{}, fmt.Errorf("run %s seeds: %w", run.ID, err)
		}
	}
	return run, nil
}

func scanActivity(row scanner) (Activity, error) {
	var act Activity
	var reqJSON, respJSON string
	var reqBlob, respBlob []byte
	if err := row.Scan(&act.ID, &act.RunID, &act.Seq, &reqJSON, &reqBlob, &respJSON, &respBlob, &act.Error); err != nil {
		return Activity{}, fmt.Errorf("scan activity: %w", err)
	}

	if err := json.Unmarshal([]byte(reqJSON), &act.Request); err != nil {
		return Activity{}, fmt.Errorf("activity %s request: %w", act.ID, err)
	}
	if err := json.Unmarshal([]byte(respJSON), &act.Response); err != nil {
		return Activity{}, fmt.Errorf("activity %s response: %w", act.ID, err)
	}

	var err error
	if act.Request.Data, err = decodePayload(reqBlob); err != nil {
		return Activity{}, fmt.Errorf("activity %s request data: %w", act.ID, err)
	}
	if act.Response.Data, err = decodePayload(respBlob); err != nil {
		return Activity{}, fmt.Errorf("activity %s response data: %w", act.ID, err)
	}
	return act, nil
}
