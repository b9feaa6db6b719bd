package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"lockline/internal/db"
	"lockline/internal/domain"
)

// ErrConcurrencyAnomaly reports duplicate open rows that survived one repair.
var ErrConcurrencyAnomaly = errors.New("concurrency anomaly: duplicate rows survived repair")

// Ledger is the append-only audit log of task actions.
type Ledger struct {
	Policy *bluemonday.Policy
}

// New returns a Ledger that keeps user-generated markup but strips scripts.
func New() *Ledger {
	return &Ledger{Policy: bluemonday.UGCPolicy()}
}

func (l *Ledger) sanitize(s string) string {
	if l == nil || l.Policy == nil {
		return bluemonday.StrictPolicy().Sanitize(s)
	}
	return l.Policy.Sanitize(s)
}

func inList(actions []domain.TaskAction) (string, []any) {
	marks := make([]string, len(actions))
	args := make([]any, len(actions))
	for i, a := range actions {
		marks[i] = "?"
		args[i] = string(a)
	}
	return "(" + strings.Join(marks, ",") + ")", args
}

// Append writes one history row and any mapping issues attached to it.
func (l *Ledger) Append(ctx context.Context, tx *db.Tx, key domain.TaskKey, userID int64, action domain.Action, at time.Time, issues []domain.MappingIssue) (domain.HistoryEntry, error) {
	text := action.Text()
	switch a := action.(type) {
	case domain.Commented:
		s := l.sanitize(a.Body)
		text = &s
	case domain.Locked, domain.Extended, domain.AutoUnlocked, domain.StateChanged:
	default:
		return domain.HistoryEntry{}, fmt.Errorf("unknown history action %T", action)
	}
	entry := domain.HistoryEntry{
		TaskID:     key.TaskID,
		ProjectID:  key.ProjectID,
		UserID:     userID,
		Action:     action.Kind(),
		ActionText: text,
		ActionDate: at.UTC(),
	}
	err := tx.QueryRowContext(ctx, `INSERT INTO task_history(project_id,task_id,user_id,action,action_text,action_date) VALUES (?,?,?,?,?,?) RETURNING id`,
		key.ProjectID, key.TaskID, userID, string(entry.Action), text, domain.FormatTime(at)).Scan(&entry.ID)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append %s: %w", entry.Action, err)
	}
	for _, issue := range issues {
		issue.HistoryID = entry.ID
		if err := insertIssue(ctx, tx, &issue); err != nil {
			return domain.HistoryEntry{}, err
		}
		entry.Issues = append(entry.Issues, issue)
	}
	return entry, nil
}

func insertIssue(ctx context.Context, tx *db.Tx, issue *domain.MappingIssue) error {
	err := tx.QueryRowContext(ctx, `INSERT INTO task_mapping_issues(task_history_id,issue,mapping_issue_category_id,count) VALUES (?,?,?,?) RETURNING id`,
		issue.HistoryID, issue.Issue, issue.CategoryID, issue.Count).Scan(&issue.ID)
	if err != nil {
		return fmt.Errorf("insert mapping issue: %w", err)
	}
	return nil
}

type openRow struct {
	id   int64
	date time.Time
}

func openRows(ctx context.Context, tx *db.Tx, key domain.TaskKey, userID int64, action domain.TaskAction) ([]openRow, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, action_date FROM task_history
WHERE task_id=? AND project_id=? AND user_id=? AND action=? AND action_text IS NULL
ORDER BY action_date DESC, id DESC`, key.TaskID, key.ProjectID, userID, string(action))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []openRow
	for rows.Next() {
		var r openRow
		var date string
		if err := rows.Scan(&r.id, &date); err != nil {
			return nil, err
		}
		if r.date, err = domain.ParseTime(date); err != nil {
			return nil, fmt.Errorf("history row %d: %w", r.id, err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// UpdateDuration closes the user's open lock of the given mode by writing the
// elapsed time since it was taken. Open extensions of that lock are closed
// with their own elapsed time. A missing lock row is not an error.
func (l *Ledger) UpdateDuration(ctx context.Context, tx *db.Tx, key domain.TaskKey, userID int64, mode domain.LockMode, now time.Time) error {
	var lock []openRow
	for attempt := 0; ; attempt++ {
		var err error
		lock, err = openRows(ctx, tx, key, userID, mode.LockAction())
		if err != nil {
			return err
		}
		if len(lock) <= 1 {
			break
		}
		if attempt > 0 {
			return fmt.Errorf("task %s: %d open %s rows: %w", key, len(lock), mode.LockAction(), ErrConcurrencyAnomaly)
		}
		for _, dup := range lock[1:] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_history WHERE id=?`, dup.id); err != nil {
				return fmt.Errorf("repair duplicate lock row %d: %w", dup.id, err)
			}
		}
	}
	if len(lock) == 0 {
		return nil
	}
	if err := setText(ctx, tx, lock[0].id, domain.FormatDuration(now.Sub(lock[0].date))); err != nil {
		return err
	}
	extensions, err := openRows(ctx, tx, key, userID, mode.ExtendAction())
	if err != nil {
		return err
	}
	for _, ext := range extensions {
		if err := setText(ctx, tx, ext.id, domain.FormatDuration(now.Sub(ext.date))); err != nil {
			return err
		}
	}
	return nil
}

func setText(ctx context.Context, tx *db.Tx, id int64, text string) error {
	_, err := tx.ExecContext(ctx, `UPDATE task_history SET action_text=? WHERE id=? AND action_text IS NULL`, text, id)
	return err
}

// LastStatus derives the status a task should fall back to from its
// STATE_CHANGE entries. forUndo walks back past the newest state change.
func (l *Ledger) LastStatus(ctx context.Context, q db.Querier, key domain.TaskKey, forUndo bool) (domain.TaskStatus, error) {
	rows, err := q.QueryContext(ctx, `SELECT action_text FROM task_history
WHERE task_id=? AND project_id=? AND action=?
ORDER BY action_date DESC, id DESC LIMIT 2`, key.TaskID, key.ProjectID, string(domain.ActionStateChange))
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var states []domain.TaskStatus
	for rows.Next() {
		var text sql.NullString
		if err := rows.Scan(&text); err != nil {
			return "", err
		}
		states = append(states, domain.TaskStatus(text.String))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch {
	case len(states) == 0:
		return domain.StatusReady, nil
	case !forUndo:
		return states[0], nil
	case len(states) == 1:
		return domain.StatusReady, nil
	case states[0] == domain.StatusMapped || states[0] == domain.StatusBadImagery:
		return domain.StatusReady, nil
	}
	return states[1], nil
}

// MarkExpired relabels the task's open lock and extension rows taken at or
// before cutoff as auto-unlocks carrying durationText.
func (l *Ledger) MarkExpired(ctx context.Context, tx *db.Tx, key domain.TaskKey, cutoff time.Time, durationText string) (int64, error) {
	list, args := inList(domain.OpenLockActions)
	query := `UPDATE task_history SET action = CASE
	WHEN action IN (?,?) THEN ?
	ELSE ? END,
	action_text=?
WHERE task_id=? AND project_id=? AND action IN ` + list + ` AND action_text IS NULL AND action_date <= ?`
	full := []any{
		string(domain.ActionLockedForMapping), string(domain.ActionExtendedForMapping),
		string(domain.ActionAutoUnlockedForMapping), string(domain.ActionAutoUnlockedForValidation),
		durationText, key.TaskID, key.ProjectID,
	}
	full = append(full, args...)
	full = append(full, domain.FormatTime(cutoff))
	res, err := tx.ExecContext(ctx, query, full...)
	if err != nil {
		return 0, fmt.Errorf("mark expired %s: %w", key, err)
	}
	return res.RowsAffected()
}

// ExpiredTaskIDs lists tasks whose newest open lock or extension is at or
// before cutoff.
func (l *Ledger) ExpiredTaskIDs(ctx context.Context, q db.Querier, projectID int64, cutoff time.Time) ([]int64, error) {
	list, args := inList(domain.OpenLockActions)
	query := `SELECT task_id FROM task_history
WHERE project_id=? AND action IN ` + list + ` AND action_text IS NULL
GROUP BY task_id HAVING MAX(action_date) <= ? ORDER BY task_id`
	full := append([]any{projectID}, args...)
	full = append(full, domain.FormatTime(cutoff))
	rows, err := q.QueryContext(ctx, query, full...)
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

// NewestOpenLock returns the date of the task's newest open lock or
// extension; ok is false when no lock is open.
func (l *Ledger) NewestOpenLock(ctx context.Context, q db.Querier, key domain.TaskKey) (at time.Time, ok bool, err error) {
	list, args := inList(domain.OpenLockActions)
	full := append([]any{key.TaskID, key.ProjectID}, args...)
	var date sql.NullString
	err = q.QueryRowContext(ctx, `SELECT MAX(action_date) FROM task_history
WHERE task_id=? AND project_id=? AND action IN `+list+` AND action_text IS NULL`, full...).Scan(&date)
	if err != nil || !date.Valid {
		return time.Time{}, false, err
	}
	at, err = domain.ParseTime(date.String)
	return at, err == nil, err
}

// LatestLockAction returns the newest lock, extension or auto-unlock action.
func (l *Ledger) LatestLockAction(ctx context.Context, q db.Querier, key domain.TaskKey) (domain.TaskAction, error) {
	actions := append([]domain.TaskAction{}, domain.OpenLockActions...)
	actions = append(actions, domain.ActionAutoUnlockedForMapping, domain.ActionAutoUnlockedForValidation)
	list, args := inList(actions)
	full := append([]any{key.TaskID, key.ProjectID}, args...)
	var action string
	err := q.QueryRowContext(ctx, `SELECT action FROM task_history
WHERE task_id=? AND project_id=? AND action IN `+list+`
ORDER BY action_date DESC, id DESC LIMIT 1`, full...).Scan(&action)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return domain.TaskAction(action), err
}

// LastActor returns the user of the newest history row; ok is false for an
// empty history.
func (l *Ledger) LastActor(ctx context.Context, q db.Querier, key domain.TaskKey) (userID int64, ok bool, err error) {
	err = q.QueryRowContext(ctx, `SELECT user_id FROM task_history WHERE task_id=? AND project_id=?
ORDER BY action_date DESC, id DESC LIMIT 1`, key.TaskID, key.ProjectID).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return userID, err == nil, err
}

// LastMapped returns the newest STATE_CHANGE to MAPPED or BADIMAGERY, or nil.
func (l *Ledger) LastMapped(ctx context.Context, q db.Querier, key domain.TaskKey) (*domain.HistoryEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT id,task_id,project_id,user_id,action,action_text,action_date FROM task_history
WHERE task_id=? AND project_id=? AND action=? AND action_text IN (?,?)
ORDER BY action_date DESC, id DESC LIMIT 1`,
		key.TaskID, key.ProjectID, string(domain.ActionStateChange), string(domain.StatusMapped), string(domain.StatusBadImagery))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteOpenLocks removes the open lock and extension rows of mode as if the
// lock had never been taken.
func (l *Ledger) DeleteOpenLocks(ctx context.Context, tx *db.Tx, key domain.TaskKey, mode domain.LockMode) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_history
WHERE task_id=? AND project_id=? AND action IN (?,?) AND action_text IS NULL`,
		key.TaskID, key.ProjectID, string(mode.LockAction()), string(mode.ExtendAction()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	var action, date string
	var text sql.NullString
	if err := row.Scan(&e.ID, &e.TaskID, &e.ProjectID, &e.UserID, &action, &text, &date); err != nil {
		return e, err
	}
	e.Action = domain.TaskAction(action)
	if text.Valid {
		s := text.String
		e.ActionText = &s
	}
	t, err := domain.ParseTime(date)
	if err != nil {
		return e, fmt.Errorf("history row %d: %w", e.ID, err)
	}
	e.ActionDate = t
	return e, nil
}

// List returns the task's history newest first with mapping issues attached.
func (l *Ledger) List(ctx context.Context, q db.Querier, key domain.TaskKey) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,task_id,project_id,user_id,action,action_text,action_date FROM task_history
WHERE task_id=? AND project_id=? ORDER BY action_date DESC, id DESC`, key.TaskID, key.ProjectID)
	if err != nil {
		return nil, err
	}
	var entries []domain.HistoryEntry
	index := map[int64]int{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	issues, err := q.QueryContext(ctx, `SELECT i.id,i.task_history_id,i.mapping_issue_category_id,i.issue,i.count
FROM task_mapping_issues i JOIN task_history h ON h.id=i.task_history_id
WHERE h.task_id=? AND h.project_id=? ORDER BY i.id`, key.TaskID, key.ProjectID)
	if err != nil {
		return nil, err
	}
	defer issues.Close()
	for issues.Next() {
		var mi domain.MappingIssue
		if err := issues.Scan(&mi.ID, &mi.HistoryID, &mi.CategoryID, &mi.Issue, &mi.Count); err != nil {
			return nil, err
		}
		if i, ok := index[mi.HistoryID]; ok {
			entries[i].Issues = append(entries[i].Issues, mi)
		}
	}
	return entries, issues.Err()
}

// CopyTo duplicates every history row of from, with its issues, onto to.
func (l *Ledger) CopyTo(ctx context.Context, tx *db.Tx, from, to domain.TaskKey) (int, error) {
	entries, err := l.List(ctx, tx, from)
	if err != nil {
		return 0, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		var id int64
		err := tx.QueryRowContext(ctx, `INSERT INTO task_history(project_id,task_id,user_id,action,action_text,action_date) VALUES (?,?,?,?,?,?) RETURNING id`,
			to.ProjectID, to.TaskID, e.UserID, string(e.Action), e.ActionText, domain.FormatTime(e.ActionDate)).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("copy history %d to %s: %w", e.ID, to, err)
		}
		for _, issue := range e.Issues {
			issue.HistoryID = id
			if err := insertIssue(ctx, tx, &issue); err != nil {
				return 0, err
			}
		}
	}
	return len(entries), nil
}
