package repo_test

import (
	"context"
	"errors"
	"testing"

	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/migrate"
	"lockline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertProject(ctx, conn, domain.Project{ID: 1, Name: "roads", CreatedAt: "2024-01-01T00:00:00.000000Z"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r, ctx
}

func TestTaskRoundTripAndUpdate(t *testing.T) {
	r, ctx := newTestRepo(t)
	zoom := 12
	if err := r.InsertTask(ctx, r.DB, domain.Task{ID: 5, ProjectID: 1, Zoom: &zoom, IsSquare: true}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	key := domain.TaskKey{TaskID: 5, ProjectID: 1}
	task, err := r.GetTask(ctx, r.DB, key)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.StatusReady || !task.IsSquare || task.Zoom == nil || *task.Zoom != 12 || task.LockedBy != nil {
		t.Fatalf("unexpected task %+v", task)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	locked, err := r.GetTaskForUpdate(ctx, tx, key)
	if err != nil {
		t.Fatalf("get for update: %v", err)
	}
	user := int64(7)
	locked.Status = domain.StatusLockedForMapping
	locked.LockedBy = &user
	if err := r.UpdateTaskState(ctx, tx, locked); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	task, _ = r.GetTask(ctx, r.DB, key)
	if !task.IsLockedBy(7) {
		t.Fatalf("expected lock by 7, got %+v", task)
	}
	n, err := r.CountLockedByUser(ctx, r.DB, 1, 7, domain.TaskKey{})
	if err != nil || n != 1 {
		t.Fatalf("count locked = %d, %v", n, err)
	}
	n, _ = r.CountLockedByUser(ctx, r.DB, 1, 7, key)
	if n != 0 {
		t.Fatalf("excluded key still counted")
	}
}

func TestMissingTaskIsNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.GetTask(ctx, r.DB, domain.TaskKey{TaskID: 99, ProjectID: 1})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.AdjustTotalTasks(ctx, r.DB, 42, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing project, got %v", err)
	}
}

func TestNextTaskIDAndCounter(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, id := range []int64{1, 2, 9} {
		if err := r.InsertTask(ctx, r.DB, domain.Task{ID: id, ProjectID: 1}); err != nil {
			t.Fatal(err)
		}
	}
	next, err := r.NextTaskID(ctx, r.DB, 1)
	if err != nil || next != 10 {
		t.Fatalf("next id = %d, %v", next, err)
	}
	if err := r.AdjustTotalTasks(ctx, r.DB, 1, 3); err != nil {
		t.Fatal(err)
	}
	p, err := r.GetProject(ctx, r.DB, 1)
	if err != nil || p.TotalTasks != 3 {
		t.Fatalf("total tasks = %d, %v", p.TotalTasks, err)
	}
	counts, err := r.CountTasksByStatus(ctx, 1)
	if err != nil || counts[domain.StatusReady] != 3 {
		t.Fatalf("counts = %v, %v", counts, err)
	}
}

func TestRolesAndLicenses(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.AssignRole(ctx, r.DB, 1, 7, "validator"); err != nil {
		t.Fatal(err)
	}
	if err := r.AssignRole(ctx, r.DB, 1, 7, "validator"); err != nil {
		t.Fatalf("assign twice: %v", err)
	}
	roles, err := r.UserRoles(ctx, r.DB, 1, 7)
	if err != nil || len(roles) != 1 || roles[0] != "validator" {
		t.Fatalf("roles = %v, %v", roles, err)
	}
	ok, _ := r.HasAcceptedLicense(ctx, r.DB, 7, 3)
	if ok {
		t.Fatalf("license should not be accepted yet")
	}
	if err := r.AcceptLicense(ctx, r.DB, 7, 3, "2024-01-01T00:00:00.000000Z"); err != nil {
		t.Fatal(err)
	}
	ok, err = r.HasAcceptedLicense(ctx, r.DB, 7, 3)
	if err != nil || !ok {
		t.Fatalf("license not recorded: %v", err)
	}
}
