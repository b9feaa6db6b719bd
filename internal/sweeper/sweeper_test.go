package sweeper_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/engine"
	"lockline/internal/engine/auth"
	"lockline/internal/migrate"
	"lockline/internal/sweeper"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T, tasks ...int64) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Auth = auth.AllowAll{}
	eng.Logger = log.New(io.Discard, "", 0)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, domain.Project{ID: 1, Name: "coast"}); err != nil {
		t.Fatal(err)
	}
	for _, id := range tasks {
		if _, err := eng.AddTask(ctx, domain.Task{ID: id, ProjectID: 1}); err != nil {
			t.Fatal(err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func TestRunOnceReleasesStaleLocks(t *testing.T) {
	env := newTestEnv(t, 1, 2)
	if _, err := env.Engine.LockForMapping(env.Ctx, domain.TaskKey{TaskID: 1, ProjectID: 1}, 10); err != nil {
		t.Fatal(err)
	}
	*env.clock = env.clock.Add(90 * time.Minute)
	if _, err := env.Engine.LockForMapping(env.Ctx, domain.TaskKey{TaskID: 2, ProjectID: 1}, 20); err != nil {
		t.Fatal(err)
	}
	*env.clock = env.clock.Add(time.Hour)

	sw := sweeper.New(env.Engine)
	res, err := sw.RunOnce(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RunID == "" || res.Expired != 1 || res.Released != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	stale, _ := env.Engine.GetTask(env.Ctx, domain.TaskKey{TaskID: 1, ProjectID: 1})
	if stale.Status != domain.StatusReady || stale.LockedBy != nil {
		t.Fatalf("stale lock kept: %+v", stale)
	}
	if stale.History[0].Action != domain.ActionAutoUnlockedForMapping || *stale.History[0].ActionText != "02:00:00" {
		t.Fatalf("auto unlock row = %+v", stale.History[0])
	}
	fresh, _ := env.Engine.GetTask(env.Ctx, domain.TaskKey{TaskID: 2, ProjectID: 1})
	if !fresh.IsLockedBy(20) {
		t.Fatalf("fresh lock released: %+v", fresh)
	}
}

type flakyExpirer struct {
	next sweeper.Expirer
	fail int64
}

func (f flakyExpirer) ExpireLock(ctx context.Context, key domain.TaskKey, cutoff time.Time, ttl time.Duration) (bool, error) {
	if key.TaskID == f.fail {
		return false, errors.New("boom")
	}
	return f.next.ExpireLock(ctx, key, cutoff, ttl)
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(t, 1, 2, 3)
	for _, id := range []int64{1, 2, 3} {
		if _, err := env.Engine.LockForMapping(env.Ctx, domain.TaskKey{TaskID: id, ProjectID: 1}, 10+id); err != nil {
			t.Fatal(err)
		}
	}
	*env.clock = env.clock.Add(3 * time.Hour)
	sw := sweeper.New(env.Engine)
	sw.Locks = flakyExpirer{next: env.Engine, fail: 2}
	res, err := sw.RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	task, _ := env.Engine.GetTask(env.Ctx, domain.TaskKey{TaskID: 3, ProjectID: 1})
	if task.Status != domain.StatusReady {
		t.Fatalf("task after failed sibling not released: %+v", task)
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	sw := sweeper.New(env.Engine)
	sw.Interval = 10 * time.Millisecond
	sw.Start(env.Ctx)
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
}
