package history_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/history"
	"lockline/internal/migrate"
	"lockline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

var key = domain.TaskKey{TaskID: 5, ProjectID: 1}

type testEnv struct {
	DB     *db.DB
	Ledger *history.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if err := r.InsertProject(ctx, conn, domain.Project{ID: 1, Name: "roads", CreatedAt: domain.FormatTime(t0)}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{5, 6} {
		if err := r.InsertTask(ctx, conn, domain.Task{ID: id, ProjectID: 1}); err != nil {
			t.Fatal(err)
		}
	}
	return testEnv{DB: conn, Ledger: history.New(), Ctx: ctx}
}

// inTx runs fn in a committed transaction.
func (env testEnv) inTx(t *testing.T, fn func(tx *db.Tx)) {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) append(t *testing.T, userID int64, action domain.Action, at time.Time) domain.HistoryEntry {
	t.Helper()
	var e domain.HistoryEntry
	env.inTx(t, func(tx *db.Tx) {
		var err error
		e, err = env.Ledger.Append(env.Ctx, tx, key, userID, action, at, nil)
		if err != nil {
			t.Fatalf("append %s: %v", action.Kind(), err)
		}
	})
	return e
}

func TestAppendRendersActionText(t *testing.T) {
	env := newTestEnv(t)
	lock := env.append(t, 1, domain.Locked{Mode: domain.Mapping}, t0)
	if lock.ActionText != nil || lock.Action != domain.ActionLockedForMapping {
		t.Fatalf("lock entry = %+v", lock)
	}
	comment := env.append(t, 1, domain.Commented{Body: `fixed <script>alert(1)</script><b>roads</b>`}, t0.Add(time.Second))
	if comment.ActionText == nil || strings.Contains(*comment.ActionText, "script") || !strings.Contains(*comment.ActionText, "<b>roads</b>") {
		t.Fatalf("comment not sanitized: %v", *comment.ActionText)
	}
	state := env.append(t, 1, domain.StateChanged{Status: domain.StatusMapped}, t0.Add(2*time.Second))
	if state.ActionText == nil || *state.ActionText != "MAPPED" {
		t.Fatalf("state entry = %+v", state)
	}
	entries, err := env.Ledger.List(env.Ctx, env.DB, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Action != domain.ActionStateChange || entries[2].Action != domain.ActionLockedForMapping {
		t.Fatalf("history not newest first: %+v", entries)
	}
}

func TestAppendAttachesIssues(t *testing.T) {
	env := newTestEnv(t)
	env.inTx(t, func(tx *db.Tx) {
		_, err := env.Ledger.Append(env.Ctx, tx, key, 2, domain.StateChanged{Status: domain.StatusInvalidated}, t0,
			[]domain.MappingIssue{{CategoryID: 1, Issue: "missing roads", Count: 3}, {CategoryID: 2, Issue: "tags", Count: 1}})
		if err != nil {
			t.Fatal(err)
		}
	})
	entries, err := env.Ledger.List(env.Ctx, env.DB, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || len(entries[0].Issues) != 2 || entries[0].Issues[0].Count != 3 {
		t.Fatalf("issues not attached: %+v", entries)
	}
}

func TestUpdateDurationFillsElapsedTime(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, 1, domain.Locked{Mode: domain.Mapping}, t0)
	env.append(t, 1, domain.Extended{Mode: domain.Mapping}, t0.Add(time.Hour))
	env.inTx(t, func(tx *db.Tx) {
		if err := env.Ledger.UpdateDuration(env.Ctx, tx, key, 1, domain.Mapping, t0.Add(90*time.Minute+5*time.Second)); err != nil {
			t.Fatal(err)
		}
	})
	entries, _ := env.Ledger.List(env.Ctx, env.DB, key)
	if got := *entries[1].ActionText; got != "01:30:05" {
		t.Fatalf("lock duration = %s", got)
	}
	if got := *entries[0].ActionText; got != "00:30:05" {
		t.Fatalf("extension duration = %s", got)
	}
}

func TestUpdateDurationWithoutOpenLockIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, 1, domain.StateChanged{Status: domain.StatusMapped}, t0)
	env.inTx(t, func(tx *db.Tx) {
		if err := env.Ledger.UpdateDuration(env.Ctx, tx, key, 1, domain.Mapping, t0.Add(time.Minute)); err != nil {
			t.Fatalf("expected no-op, got %v", err)
		}
	})
}

func TestUpdateDurationRepairsDuplicateLocks(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, 1, domain.Locked{Mode: domain.Mapping}, t0)
	env.append(t, 1, domain.Locked{Mode: domain.Mapping}, t0.Add(time.Minute))
	env.inTx(t, func(tx *db.Tx) {
		if err := env.Ledger.UpdateDuration(env.Ctx, tx, key, 1, domain.Mapping, t0.Add(11*time.Minute)); err != nil {
			t.Fatal(err)
		}
	})
	entries, _ := env.Ledger.List(env.Ctx, env.DB, key)
	if len(entries) != 1 {
		t.Fatalf("duplicate not removed: %+v", entries)
	}
	if *entries[0].ActionText != "00:10:00" {
		t.Fatalf("newest lock not kept: %s", *entries[0].ActionText)
	}
}

func TestLastStatus(t *testing.T) {
	env := newTestEnv(t)
	check := func(forUndo bool, want domain.TaskStatus) {
		t.Helper()
		got, err := env.Ledger.LastStatus(env.Ctx, env.DB, key, forUndo)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("LastStatus(forUndo=%v) = %s, want %s", forUndo, got, want)
		}
	}
	check(false, domain.StatusReady)
	check(true, domain.StatusReady)

	env.append(t, 1, domain.StateChanged{Status: domain.StatusMapped}, t0)
	check(false, domain.StatusMapped)
	check(true, domain.StatusReady)

	env.append(t, 2, domain.StateChanged{Status: domain.StatusInvalidated}, t0.Add(time.Minute))
	check(false, domain.StatusInvalidated)
	check(true, domain.StatusMapped)

	env.append(t, 1, domain.StateChanged{Status: domain.StatusBadImagery}, t0.Add(2*time.Minute))
	check(true, domain.StatusReady)
}

func TestMarkExpiredAndExpiredTaskIDs(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, 1, domain.Locked{Mode: domain.Validation}, t0)
	env.append(t, 1, domain.Extended{Mode: domain.Validation}, t0.Add(30*time.Minute))
	cutoff := t0.Add(time.Hour)

	ids, err := env.Ledger.ExpiredTaskIDs(env.Ctx, env.DB, 1, t0.Add(10*time.Minute))
	if err != nil || len(ids) != 0 {
		t.Fatalf("extension should keep task alive: %v %v", ids, err)
	}
	ids, err = env.Ledger.ExpiredTaskIDs(env.Ctx, env.DB, 1, cutoff)
	if err != nil || len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("expired ids = %v, %v", ids, err)
	}
	env.inTx(t, func(tx *db.Tx) {
		n, err := env.Ledger.MarkExpired(env.Ctx, tx, key, cutoff, "02:00:00")
		if err != nil || n != 2 {
			t.Fatalf("marked %d, %v", n, err)
		}
	})
	entries, _ := env.Ledger.List(env.Ctx, env.DB, key)
	for _, e := range entries {
		if e.Action != domain.ActionAutoUnlockedForValidation || *e.ActionText != "02:00:00" {
			t.Fatalf("row not relabelled: %+v", e)
		}
	}
	last, err := env.Ledger.LatestLockAction(env.Ctx, env.DB, key)
	if err != nil || last != domain.ActionAutoUnlockedForValidation {
		t.Fatalf("latest lock action = %s, %v", last, err)
	}
}

func TestDeleteOpenLocksAndLastMapped(t *testing.T) {
	env := newTestEnv(t)
	mapped := env.append(t, 1, domain.StateChanged{Status: domain.StatusMapped}, t0)
	env.append(t, 2, domain.Locked{Mode: domain.Validation}, t0.Add(time.Minute))
	env.inTx(t, func(tx *db.Tx) {
		n, err := env.Ledger.DeleteOpenLocks(env.Ctx, tx, key, domain.Validation)
		if err != nil || n != 1 {
			t.Fatalf("deleted %d, %v", n, err)
		}
	})
	actor, ok, err := env.Ledger.LastActor(env.Ctx, env.DB, key)
	if err != nil || !ok || actor != 1 {
		t.Fatalf("last actor = %d %v %v", actor, ok, err)
	}
	last, err := env.Ledger.LastMapped(env.Ctx, env.DB, key)
	if err != nil || last == nil || last.ID != mapped.ID {
		t.Fatalf("last mapped = %+v, %v", last, err)
	}
	none, err := env.Ledger.LastMapped(env.Ctx, env.DB, domain.TaskKey{TaskID: 6, ProjectID: 1})
	if err != nil || none != nil {
		t.Fatalf("expected no mapped entry, got %+v %v", none, err)
	}
}

func TestCopyTo(t *testing.T) {
	env := newTestEnv(t)
	env.append(t, 1, domain.Locked{Mode: domain.Mapping}, t0)
	env.inTx(t, func(tx *db.Tx) {
		if _, err := env.Ledger.Append(env.Ctx, tx, key, 2, domain.StateChanged{Status: domain.StatusInvalidated}, t0.Add(time.Minute),
			[]domain.MappingIssue{{CategoryID: 4, Issue: "geometry", Count: 2}}); err != nil {
			t.Fatal(err)
		}
	})
	child := domain.TaskKey{TaskID: 6, ProjectID: 1}
	env.inTx(t, func(tx *db.Tx) {
		n, err := env.Ledger.CopyTo(env.Ctx, tx, key, child)
		if err != nil || n != 2 {
			t.Fatalf("copied %d, %v", n, err)
		}
	})
	entries, err := env.Ledger.List(env.Ctx, env.DB, child)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Action != domain.ActionStateChange || len(entries[0].Issues) != 1 {
		t.Fatalf("copy lost data: %+v", entries)
	}
	if !entries[1].ActionDate.Equal(t0) {
		t.Fatalf("copy changed timestamps: %s", entries[1].ActionDate)
	}
}
