package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/engine"
	"lockline/internal/migrate"
	"lockline/internal/repo"
)

// App bundles an opened store, its config and the lock engine.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *db.DB
	Engine    engine.Engine
}

// Open loads the workspace config (defaults when absent), opens the configured
// store, applies migrations and wires the engine.
func Open(workspace string, logger *log.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(workspace, cfg, logger)
}

func OpenWithConfig(workspace string, cfg *config.Config, logger *log.Logger) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return &App{Workspace: workspace, Config: cfg, DB: conn, Engine: eng}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// EnsureProject creates the project if it does not exist yet.
func (a *App) EnsureProject(ctx context.Context, projectID int64, name string) (domain.Project, error) {
	p, err := a.Engine.Repo.GetProject(ctx, a.DB, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	if name == "" {
		name = fmt.Sprintf("project-%d", projectID)
	}
	return a.Engine.CreateProject(ctx, domain.Project{ID: projectID, Name: name})
}
