package engine

import (
	"context"
	"fmt"

	"lockline/internal/domain"
	"lockline/internal/events"
)

const splitChildren = 4

// Split replaces a square task the user is mapping with four READY children.
// Every child inherits the parent's history and the parent row is removed.
func (e Engine) Split(ctx context.Context, key domain.TaskKey, userID int64) ([]domain.Task, error) {
	if err := e.ensureProject(ctx, key.ProjectID); err != nil {
		return nil, err
	}
	partitioner := e.Partitioner
	if partitioner == nil {
		partitioner = TilePartitioner{}
	}
	maxZoom := 18
	if e.Config != nil && e.Config.Split.MaxZoom > 0 {
		maxZoom = e.Config.Split.MaxZoom
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.LockProject(ctx, tx, key.ProjectID); err != nil {
		return nil, fmt.Errorf("project %d: %w", key.ProjectID, err)
	}
	parent, err := e.Repo.GetTaskForUpdate(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", key, err)
	}
	if parent.Status != domain.StatusLockedForMapping {
		return nil, invalidTransition(parent, "split")
	}
	if !parent.IsLockedBy(userID) {
		return nil, notOwner(parent)
	}
	if !parent.IsSquare {
		return nil, fmt.Errorf("%w: task %s is not square", ErrInvalidTransition, key)
	}
	if parent.Zoom == nil || *parent.Zoom >= maxZoom {
		return nil, fmt.Errorf("%w: task %s is too small to split", ErrInvalidTransition, key)
	}

	now := e.now()
	if err := e.Ledger.UpdateDuration(ctx, tx, key, userID, domain.Mapping, now); err != nil {
		return nil, err
	}
	tiles, err := partitioner.Partition(parent)
	if err != nil {
		return nil, err
	}
	if len(tiles) != splitChildren {
		return nil, fmt.Errorf("%w: split %s produced %d children, want %d", ErrBadPartition, key, len(tiles), splitChildren)
	}
	nextID, err := e.Repo.NextTaskID(ctx, tx, key.ProjectID)
	if err != nil {
		return nil, err
	}
	childKeys := make([]domain.TaskKey, 0, splitChildren)
	childIDs := make([]int64, 0, splitChildren)
	for i, tile := range tiles {
		x, y, zoom := tile.X, tile.Y, tile.Zoom
		child := domain.Task{
			ID:        nextID + int64(i),
			ProjectID: key.ProjectID,
			X:         &x,
			Y:         &y,
			Zoom:      &zoom,
			IsSquare:  true,
			Geometry:  tile.Geometry,
			Status:    domain.StatusReady,
		}
		if err := e.Repo.InsertTask(ctx, tx, child); err != nil {
			return nil, fmt.Errorf("insert child %d: %w", child.ID, err)
		}
		if _, err := e.Ledger.CopyTo(ctx, tx, key, child.Key()); err != nil {
			return nil, err
		}
		childKeys = append(childKeys, child.Key())
		childIDs = append(childIDs, child.ID)
	}
	if err := e.Repo.DeleteTask(ctx, tx, key); err != nil {
		return nil, err
	}
	if err := e.Repo.AdjustTotalTasks(ctx, tx, key.ProjectID, splitChildren-1); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, now, events.TaskSplit, key, userID, events.EventPayload{"children": childIDs}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.logf("task %s split into %v by %d", key, childIDs, userID)

	res := make([]domain.Task, 0, splitChildren)
	for _, k := range childKeys {
		t, err := e.GetTask(ctx, k)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
