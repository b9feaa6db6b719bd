package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lockline/internal/db"
	"lockline/internal/domain"
)

type Repo struct {
	DB *db.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,status,mapping_permission,validation_permission,license_id,total_tasks,created_at`

const taskColumns = `id,project_id,x,y,zoom,is_square,COALESCE(geometry,''),task_status,locked_by,mapped_by,validated_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var license sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.MappingPermission, &p.ValidationPermission, &license, &p.TotalTasks, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.LicenseID = int64Ptr(license)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, q db.Querier, p domain.Project) error {
	_, err := q.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, defaultString(p.Status, "PUBLISHED"), defaultString(p.MappingPermission, "ANY"),
		defaultString(p.ValidationPermission, "ANY"), nullableInt64Ptr(p.LicenseID), p.TotalTasks, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, q db.Querier, id int64) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ProjectExists reports whether a project row is present.
func (r Repo) ProjectExists(ctx context.Context, q db.Querier, id int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStatus moves a project between DRAFT, PUBLISHED and ARCHIVED.
func (r Repo) UpdateProjectStatus(ctx context.Context, q db.Querier, id int64, status string) error {
	res, err := q.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LockProject holds the project's row lock for the rest of tx so task ids can
// be allocated without collisions.
func (r Repo) LockProject(ctx context.Context, tx *db.Tx, id int64) error {
	var got int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM projects WHERE id=?`+tx.ForUpdate(), id).Scan(&got)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// AdjustTotalTasks adds delta to the project's task counter.
func (r Repo) AdjustTotalTasks(ctx context.Context, q db.Querier, projectID int64, delta int) error {
	res, err := q.ExecContext(ctx, `UPDATE projects SET total_tasks=total_tasks+? WHERE id=?`, delta, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var x, y, zoom, lockedBy, mappedBy, validatedBy sql.NullInt64
	var status string
	err := row.Scan(&t.ID, &t.ProjectID, &x, &y, &zoom, &t.IsSquare, &t.Geometry, &status, &lockedBy, &mappedBy, &validatedBy)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.X, t.Y, t.Zoom = intPtr(x), intPtr(y), intPtr(zoom)
	t.LockedBy, t.MappedBy, t.ValidatedBy = int64Ptr(lockedBy), int64Ptr(mappedBy), int64Ptr(validatedBy)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, q db.Querier, t domain.Task) error {
	if t.Status == "" {
		t.Status = domain.StatusReady
	}
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(id,project_id,x,y,zoom,is_square,geometry,task_status,locked_by,mapped_by,validated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableIntPtr(t.X), nullableIntPtr(t.Y), nullableIntPtr(t.Zoom), t.IsSquare, nullable(t.Geometry),
		string(t.Status), nullableInt64Ptr(t.LockedBy), nullableInt64Ptr(t.MappedBy), nullableInt64Ptr(t.ValidatedBy))
	return err
}

func (r Repo) GetTask(ctx context.Context, q db.Querier, key domain.TaskKey) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND project_id=?`, key.TaskID, key.ProjectID))
}

// GetTaskForUpdate reads a task and takes its row lock for the rest of tx.
func (r Repo) GetTaskForUpdate(ctx context.Context, tx *db.Tx, key domain.TaskKey) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND project_id=?`+tx.ForUpdate(), key.TaskID, key.ProjectID))
}

// UpdateTaskState writes the lock and ownership columns of t.
func (r Repo) UpdateTaskState(ctx context.Context, tx *db.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET task_status=?, locked_by=?, mapped_by=?, validated_by=? WHERE id=? AND project_id=?`,
		string(t.Status), nullableInt64Ptr(t.LockedBy), nullableInt64Ptr(t.MappedBy), nullableInt64Ptr(t.ValidatedBy), t.ID, t.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task; history, invalidation cycles and issues cascade.
func (r Repo) DeleteTask(ctx context.Context, tx *db.Tx, key domain.TaskKey) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND project_id=?`, key.TaskID, key.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextTaskID returns one past the highest task id in the project.
func (r Repo) NextTaskID(ctx context.Context, q db.Querier, projectID int64) (int64, error) {
	var max int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM tasks WHERE project_id=?`, projectID).Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

type TaskFilters struct {
	ProjectID int64
	Status    domain.TaskStatus
	LockedBy  *int64
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "project_id=?")
	args = append(args, f.ProjectID)
	if f.Status != "" {
		where = append(where, "task_status=?")
		args = append(args, string(f.Status))
	}
	if f.LockedBy != nil {
		where = append(where, "locked_by=?")
		args = append(args, *f.LockedBy)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY id ASC`, taskColumns, strings.Join(where, " AND "))
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountLockedByUser counts the user's locked tasks in a project, excluding one key.
func (r Repo) CountLockedByUser(ctx context.Context, q db.Querier, projectID, userID int64, exclude domain.TaskKey) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id=? AND locked_by=? AND NOT (id=? AND project_id=?)`,
		projectID, userID, exclude.TaskID, exclude.ProjectID).Scan(&n)
	return n, err
}

// CountTasksByStatus returns task counts keyed by status for a project.
func (r Repo) CountTasksByStatus(ctx context.Context, projectID int64) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY task_status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.TaskStatus(status)] = n
	}
	return res, rows.Err()
}
