package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/engine/auth"
	"lockline/internal/events"
	"lockline/internal/history"
	"lockline/internal/invalidation"
	"lockline/internal/repo"
)

// Notifier is told about comments left on tasks. Calls happen after commit
// and their failures are the notifier's own business.
type Notifier interface {
	NotifyOnComment(ctx context.Context, authorID int64, comment string, key domain.TaskKey)
}

type Engine struct {
	DB            *db.DB
	Repo          repo.Repo
	Ledger        *history.Ledger
	Invalidations invalidation.Tracker
	Events        events.Writer
	Auth          auth.Authorizer
	Notifier      Notifier
	Partitioner   Partitioner
	Config        *config.Config
	Logger        *log.Logger
	Now           func() time.Time
}

func New(conn *db.DB, cfg *config.Config) Engine {
	ledger := history.New()
	return Engine{
		DB:            conn,
		Repo:          repo.Repo{DB: conn},
		Ledger:        ledger,
		Invalidations: invalidation.Tracker{Ledger: ledger},
		Events:        events.Writer{},
		Auth:          auth.NewService(conn, cfg),
		Partitioner:   TilePartitioner{},
		Config:        cfg,
		Logger:        log.Default(),
		Now:           time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e Engine) notify(ctx context.Context, authorID int64, comment string, key domain.TaskKey) {
	if e.Notifier == nil || comment == "" {
		return
	}
	e.Notifier.NotifyOnComment(ctx, authorID, comment, key)
}

func (e Engine) ensureProject(ctx context.Context, projectID int64) error {
	ok, err := e.Repo.ProjectExists(ctx, e.DB, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %d: %w", projectID, ErrNotFound)
	}
	return nil
}

// CreateProject registers a project with its initial task counter at zero.
func (e Engine) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if p.ID == 0 {
		return domain.Project{}, fmt.Errorf("project id is required")
	}
	if p.CreatedAt == "" {
		p.CreatedAt = domain.FormatTime(e.now())
	}
	p.TotalTasks = 0
	if err := e.Repo.InsertProject(ctx, e.DB, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return e.Repo.GetProject(ctx, e.DB, p.ID)
}

// AddTask inserts a READY task and bumps the project's counter.
func (e Engine) AddTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if err := e.ensureProject(ctx, t.ProjectID); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if t.ID == 0 {
		if t.ID, err = e.Repo.NextTaskID(ctx, tx, t.ProjectID); err != nil {
			return domain.Task{}, err
		}
	}
	t.Status = domain.StatusReady
	t.LockedBy, t.MappedBy, t.ValidatedBy = nil, nil, nil
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Repo.AdjustTotalTasks(ctx, tx, t.ProjectID, 1); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, t.Key())
}

// GetTask returns a task with its history, newest first.
func (e Engine) GetTask(ctx context.Context, key domain.TaskKey) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, e.DB, key)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", key, err)
	}
	if t.History, err = e.Ledger.List(ctx, e.DB, key); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListInvalidations returns a task's invalidation cycles, newest first.
func (e Engine) ListInvalidations(ctx context.Context, key domain.TaskKey) ([]domain.InvalidationCycle, error) {
	if _, err := e.Repo.GetTask(ctx, e.DB, key); err != nil {
		return nil, fmt.Errorf("task %s: %w", key, err)
	}
	return e.Invalidations.List(ctx, e.DB, key)
}

// withTask runs fn against the row-locked task in one transaction and
// returns the committed task with its history.
func (e Engine) withTask(ctx context.Context, key domain.TaskKey, fn func(tx *db.Tx, t *domain.Task) error) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskForUpdate(ctx, tx, key)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", key, err)
	}
	if err := fn(tx, &t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, key)
}
