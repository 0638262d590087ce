package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	seeds, err := json.Marshal(run.Seeds)
	if err != nil {
		return fmt.Errorf("create run: marshal seeds: %w", err)
	}
	blob, err := encodePayload(s.codec, seeds)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, block_size, seeds, log_version, tool_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Scenario,
		run.BlockSize,
		blob,
		run.LogVersion,
		run.ToolVersion,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// WriteActivity inserts an activity record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate ids are
// silently ignored. A different activity at an existing (run_id, seq) is
// still an error.
//
// Request and response data are stored as payload blobs; the JSON columns
// carry everything else.
func (s *Store) WriteActivity(ctx context.Context, act Activity) error {
	req := act.Request
	reqData := req.Data
	req.Data = nil

	resp := act.Response
	respData := resp.Data
	resp.Data = nil

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("write activity: marshal request: %w", err)
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("write activity: marshal response: %w", err)
	}
	reqBlob, err := encodePayload(s.codec, reqData)
	if err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	respBlob, err := encodePayload(s.codec, respData)
	if err != nil {
		return fmt.Errorf("write activity: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities
		(id, run_id, seq, handle, op, request, request_data, response, response_data, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		act.ID,
		act.RunID,
		act.Seq,
		int64(act.Request.Handle),
		string(act.Request.Op),
		string(reqJSON),
		reqBlob,
		string(respJSON),
		respBlob,
		act.Error,
	)
	if err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	return nil
}

// WriteLockdown inserts a lockdown record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteLockdown(ctx context.Context, l Lockdown) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lockdowns (id, run_id, seq, reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, l.ID, l.RunID, l.Seq, l.Reason)
	if err != nil {
		return fmt.Errorf("write lockdown: %w", err)
	}
	return nil
}
