package invalidation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/history"
)

// Tracker keeps at most one open mapped -> invalidated -> validated cycle per task.
type Tracker struct {
	Ledger *history.Ledger
}

const cycleColumns = `id,task_id,project_id,is_closed,mapper_id,mapped_date,invalidator_id,invalidated_date,invalidation_history_id,validator_id,validated_date,updated_date`

// RecordInvalidation closes any open cycle and opens a new one against the
// task's last mapping. A task that was never mapped gets no cycle.
func (t Tracker) RecordInvalidation(ctx context.Context, tx *db.Tx, key domain.TaskKey, invalidatorID int64, entry domain.HistoryEntry, now time.Time) error {
	stamp := domain.FormatTime(now)
	if _, err := tx.ExecContext(ctx, `UPDATE task_invalidation_history SET is_closed=?, updated_date=?
WHERE task_id=? AND project_id=? AND is_closed=?`, true, stamp, key.TaskID, key.ProjectID, false); err != nil {
		return fmt.Errorf("close open cycles for %s: %w", key, err)
	}
	mapped, err := t.Ledger.LastMapped(ctx, tx, key)
	if err != nil {
		return err
	}
	if mapped == nil {
		return nil
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_invalidation_history(project_id,task_id,is_closed,mapper_id,mapped_date,invalidator_id,invalidated_date,invalidation_history_id,updated_date)
VALUES (?,?,?,?,?,?,?,?,?)`,
		key.ProjectID, key.TaskID, false, mapped.UserID, domain.FormatTime(mapped.ActionDate), invalidatorID, stamp, entry.ID, stamp)
	if err != nil {
		return fmt.Errorf("open cycle for %s: %w", key, err)
	}
	return nil
}

func (t Tracker) openCycleIDs(ctx context.Context, tx *db.Tx, key domain.TaskKey) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM task_invalidation_history WHERE task_id=? AND project_id=? AND is_closed=? ORDER BY id DESC`,
		key.TaskID, key.ProjectID, false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordValidation closes the open cycle with the validator's identity. The
// mapper is refreshed in case the task was remapped after invalidation.
func (t Tracker) RecordValidation(ctx context.Context, tx *db.Tx, key domain.TaskKey, validatorID int64, entry domain.HistoryEntry, now time.Time) error {
	stamp := domain.FormatTime(now)
	var open []int64
	for attempt := 0; ; attempt++ {
		var err error
		if open, err = t.openCycleIDs(ctx, tx, key); err != nil {
			return err
		}
		if len(open) <= 1 {
			break
		}
		if attempt > 0 {
			return fmt.Errorf("task %s: %d open invalidation cycles: %w", key, len(open), history.ErrConcurrencyAnomaly)
		}
		for _, id := range open[1:] {
			if _, err := tx.ExecContext(ctx, `UPDATE task_invalidation_history SET is_closed=?, updated_date=? WHERE id=?`, true, stamp, id); err != nil {
				return fmt.Errorf("repair duplicate cycle %d: %w", id, err)
			}
		}
	}
	if len(open) == 0 {
		return nil
	}
	mapped, err := t.Ledger.LastMapped(ctx, tx, key)
	if err != nil {
		return err
	}
	if mapped != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE task_invalidation_history SET mapper_id=?, mapped_date=? WHERE id=?`,
			mapped.UserID, domain.FormatTime(mapped.ActionDate), open[0]); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE task_invalidation_history SET validator_id=?, validated_date=?, is_closed=?, updated_date=? WHERE id=?`,
		validatorID, stamp, true, stamp, open[0])
	if err != nil {
		return fmt.Errorf("close cycle %d: %w", open[0], err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (domain.InvalidationCycle, error) {
	var c domain.InvalidationCycle
	var mapper, invalidator, historyID, validator sql.NullInt64
	var mapped, invalidated, validated sql.NullString
	var updated string
	if err := row.Scan(&c.ID, &c.TaskID, &c.ProjectID, &c.IsClosed, &mapper, &mapped, &invalidator, &invalidated, &historyID, &validator, &validated, &updated); err != nil {
		return c, err
	}
	c.MapperID, c.InvalidatorID = nullInt(mapper), nullInt(invalidator)
	c.InvalidationHistoryID, c.ValidatorID = nullInt(historyID), nullInt(validator)
	var err error
	if c.MappedDate, err = nullTime(mapped); err != nil {
		return c, err
	}
	if c.InvalidatedDate, err = nullTime(invalidated); err != nil {
		return c, err
	}
	if c.ValidatedDate, err = nullTime(validated); err != nil {
		return c, err
	}
	c.UpdatedDate, err = domain.ParseTime(updated)
	return c, err
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := domain.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collect(rows *sql.Rows) ([]domain.InvalidationCycle, error) {
	defer rows.Close()
	var res []domain.InvalidationCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// List returns every cycle of a task, newest first.
func (t Tracker) List(ctx context.Context, q db.Querier, key domain.TaskKey) ([]domain.InvalidationCycle, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+cycleColumns+` FROM task_invalidation_history WHERE task_id=? AND project_id=? ORDER BY id DESC`,
		key.TaskID, key.ProjectID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Role selects which side of a cycle a user is matched against.
type Role int

const (
	AsMapper Role = iota
	AsInvalidator
)

type UserFilter struct {
	UserID    int64
	Role      Role
	ProjectID int64
	Closed    *bool
}

// ListForUser returns cycles where the user was the mapper or the invalidator.
func (t Tracker) ListForUser(ctx context.Context, q db.Querier, f UserFilter) ([]domain.InvalidationCycle, error) {
	column := "mapper_id"
	if f.Role == AsInvalidator {
		column = "invalidator_id"
	}
	query := `SELECT ` + cycleColumns + ` FROM task_invalidation_history WHERE ` + column + `=?`
	args := []any{f.UserID}
	if f.Closed != nil {
		query += ` AND is_closed=?`
		args = append(args, *f.Closed)
	}
	if f.ProjectID != 0 {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	query += ` ORDER BY updated_date DESC, id DESC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}
