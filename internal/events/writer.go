package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lockline/internal/db"
	"lockline/internal/domain"
)

// Event types written by the lock engine.
const (
	TaskLockedForMapping    = "task.locked_for_mapping"
	TaskLockedForValidation = "task.locked_for_validation"
	TaskUnlocked            = "task.unlocked"
	TaskUndone              = "task.undone"
	TaskLockExtended        = "task.lock_extended"
	TaskLockReset           = "task.lock_reset"
	TaskAutoUnlocked        = "task.auto_unlocked"
	TaskCommented           = "task.commented"
	TaskSplit               = "task.split"
)

type Writer struct{}

type EventPayload map[string]any

// Append writes one change-feed row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *db.Tx, at time.Time, evtType string, key domain.TaskKey, actorID int64, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(at), evtType, key.ProjectID, "task", fmt.Sprintf("%d", key.TaskID), actorID, string(data))
	return err
}

// After returns events with IDs greater than the cursor in ascending order.
func (w Writer) After(ctx context.Context, q db.Querier, limit int, cursor int64, projectID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(project_id,0),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{cursor}
	if projectID != 0 {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the most recent event ID, optionally scoped to a project.
func (w Writer) LatestID(ctx context.Context, q db.Querier, projectID int64) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != 0 {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
