package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/engine/auth"
	"lockline/internal/events"
)

// lockable reports whether a task in status s may be locked in mode.
func lockable(mode domain.LockMode, s domain.TaskStatus) bool {
	if mode == domain.Validation {
		return s == domain.StatusMapped
	}
	return s == domain.StatusReady || s == domain.StatusInvalidated
}

// unlockTargets lists the statuses a lock of each mode may be released into.
var unlockTargets = map[domain.LockMode][]domain.TaskStatus{
	domain.Mapping:    {domain.StatusMapped, domain.StatusBadImagery, domain.StatusReady},
	domain.Validation: {domain.StatusValidated, domain.StatusInvalidated},
}

// LockForMapping claims a READY or INVALIDATED task for the user.
func (e Engine) LockForMapping(ctx context.Context, key domain.TaskKey, userID int64) (domain.Task, error) {
	return e.lock(ctx, key, userID, domain.Mapping)
}

// LockForValidating claims a MAPPED task for validation.
func (e Engine) LockForValidating(ctx context.Context, key domain.TaskKey, userID int64) (domain.Task, error) {
	return e.lock(ctx, key, userID, domain.Validation)
}

func (e Engine) lock(ctx context.Context, key domain.TaskKey, userID int64, mode domain.LockMode) (domain.Task, error) {
	if err := e.ensureProject(ctx, key.ProjectID); err != nil {
		return domain.Task{}, err
	}
	current, err := e.Repo.GetTask(ctx, e.DB, key)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", key, err)
	}
	if current.Status == mode.LockedStatus() && current.IsLockedBy(userID) {
		return e.GetTask(ctx, key)
	}
	if err := checkLockable(current, userID, mode); err != nil {
		return domain.Task{}, err
	}
	if err := e.authorizeLock(ctx, key, userID, mode); err != nil {
		return domain.Task{}, err
	}
	var relock bool
	task, err := e.withTask(ctx, key, func(tx *db.Tx, t *domain.Task) error {
		if t.Status == mode.LockedStatus() && t.IsLockedBy(userID) {
			relock = true
			return nil
		}
		if err := checkLockable(*t, userID, mode); err != nil {
			return err
		}
		now := e.now()
		if _, err := e.Ledger.Append(ctx, tx, key, userID, domain.Locked{Mode: mode}, now, nil); err != nil {
			return err
		}
		t.Status = mode.LockedStatus()
		t.LockedBy = &userID
		if err := e.Repo.UpdateTaskState(ctx, tx, *t); err != nil {
			return err
		}
		evt := events.TaskLockedForMapping
		if mode == domain.Validation {
			evt = events.TaskLockedForValidation
		}
		return e.Events.Append(ctx, tx, now, evt, key, userID, nil)
	})
	if err == nil && !relock {
		e.logf("task %s locked for %s by %d", key, mode, userID)
	}
	return task, err
}

func checkLockable(t domain.Task, userID int64, mode domain.LockMode) error {
	if t.Status.IsLocked() {
		if t.IsLockedBy(userID) {
			return invalidTransition(t, "lock for "+mode.String())
		}
		return fmt.Errorf("%w: task %s", ErrAlreadyLocked, t.Key())
	}
	if !lockable(mode, t.Status) {
		return invalidTransition(t, "lock for "+mode.String())
	}
	return nil
}

func (e Engine) authorizeLock(ctx context.Context, key domain.TaskKey, userID int64, mode domain.LockMode) error {
	if e.Auth == nil {
		return nil
	}
	check, perm := e.Auth.CanMap, config.PermMap
	if mode == domain.Validation {
		check, perm = e.Auth.CanValidate, config.PermValidate
	}
	decision, err := check(ctx, key.ProjectID, userID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return auth.ForbiddenError{Permission: perm, Reason: decision.Reason}
	}
	ok, err := e.Auth.HasAcceptedLicense(ctx, userID, key.ProjectID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d project %d", ErrLicenseNotAccepted, userID, key.ProjectID)
	}
	return nil
}

// UnlockOptions describe the release of a lock into a new status.
type UnlockOptions struct {
	Key       domain.TaskKey
	UserID    int64
	NewStatus domain.TaskStatus
	Comment   string
	Issues    []domain.MappingIssue
}

// Unlock releases the user's lock, moving the task to NewStatus.
func (e Engine) Unlock(ctx context.Context, opts UnlockOptions) (domain.Task, error) {
	if err := e.ensureProject(ctx, opts.Key.ProjectID); err != nil {
		return domain.Task{}, err
	}
	task, err := e.withTask(ctx, opts.Key, func(tx *db.Tx, t *domain.Task) error {
		mode, ok := domain.ModeOf(t.Status)
		if !ok {
			return invalidTransition(*t, "unlock")
		}
		if !t.IsLockedBy(opts.UserID) {
			return notOwner(*t)
		}
		if !allowedTarget(mode, opts.NewStatus) {
			return invalidTransition(*t, "unlock to "+string(opts.NewStatus))
		}
		from := t.Status
		now := e.now()
		if err := e.release(ctx, tx, t, opts.UserID, opts.NewStatus, opts.Comment, opts.Issues, false, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, now, events.TaskUnlocked, opts.Key, opts.UserID, events.EventPayload{"from": from, "to": opts.NewStatus})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.notify(ctx, opts.UserID, opts.Comment, opts.Key)
	return task, nil
}

func allowedTarget(mode domain.LockMode, s domain.TaskStatus) bool {
	for _, target := range unlockTargets[mode] {
		if target == s {
			return true
		}
	}
	return false
}

// release writes the history and ownership changes shared by Unlock and
// Undo. The lock's duration is closed before the state change is recorded.
func (e Engine) release(ctx context.Context, tx *db.Tx, t *domain.Task, userID int64, next domain.TaskStatus, comment string, issues []domain.MappingIssue, undo bool, now time.Time) error {
	key := t.Key()
	if !undo {
		if mode, ok := domain.ModeOf(t.Status); ok {
			if err := e.Ledger.UpdateDuration(ctx, tx, key, userID, mode, now); err != nil {
				return err
			}
		}
	}
	if comment != "" {
		if _, err := e.Ledger.Append(ctx, tx, key, userID, domain.Commented{Body: comment}, now, nil); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, now, events.TaskCommented, key, userID, nil); err != nil {
			return err
		}
	}
	var attach []domain.MappingIssue
	if !undo && next == domain.StatusInvalidated {
		attach = issues
	}
	entry, err := e.Ledger.Append(ctx, tx, key, userID, domain.StateChanged{Status: next}, now, attach)
	if err != nil {
		return err
	}
	switch {
	case undo && next == domain.StatusMapped:
		t.ValidatedBy = nil
	case undo && next == domain.StatusReady:
		t.MappedBy = nil
	case !undo && next == domain.StatusValidated:
		t.ValidatedBy = &userID
		if err := e.Invalidations.RecordValidation(ctx, tx, key, userID, entry, now); err != nil {
			return err
		}
	case !undo && next == domain.StatusInvalidated:
		t.MappedBy, t.ValidatedBy = nil, nil
		if err := e.Invalidations.RecordInvalidation(ctx, tx, key, userID, entry, now); err != nil {
			return err
		}
	case !undo && (next == domain.StatusMapped || next == domain.StatusBadImagery) && t.Status != domain.StatusLockedForValidation:
		t.MappedBy = &userID
	}
	t.Status = next
	t.LockedBy = nil
	return e.Repo.UpdateTaskState(ctx, tx, *t)
}

// undoTarget picks the status an undo returns the task to.
func (e Engine) undoTarget(ctx context.Context, tx *db.Tx, t domain.Task) (domain.TaskStatus, error) {
	switch t.Status {
	case domain.StatusValidated:
		return domain.StatusMapped, nil
	case domain.StatusMapped, domain.StatusBadImagery:
		return domain.StatusReady, nil
	}
	return e.Ledger.LastStatus(ctx, tx, t.Key(), true)
}

// Undo reverts the task's last state change. The last actor may always undo;
// anyone else needs validation rights.
func (e Engine) Undo(ctx context.Context, key domain.TaskKey, userID int64) (domain.Task, error) {
	if err := e.ensureProject(ctx, key.ProjectID); err != nil {
		return domain.Task{}, err
	}
	current, err := e.Repo.GetTask(ctx, e.DB, key)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", key, err)
	}
	if current.Status == domain.StatusReady || current.Status.IsLocked() {
		return domain.Task{}, invalidTransition(current, "undo")
	}
	actor, _, err := e.Ledger.LastActor(ctx, e.DB, key)
	if err != nil {
		return domain.Task{}, err
	}
	canValidate := false
	if actor != userID && e.Auth != nil {
		decision, err := e.Auth.CanValidate(ctx, key.ProjectID, userID)
		if err != nil {
			return domain.Task{}, err
		}
		canValidate = decision.Allowed
	}
	var comment string
	task, err := e.withTask(ctx, key, func(tx *db.Tx, t *domain.Task) error {
		if t.Status == domain.StatusReady || t.Status.IsLocked() {
			return invalidTransition(*t, "undo")
		}
		last, _, err := e.Ledger.LastActor(ctx, tx, key)
		if err != nil {
			return err
		}
		if last != userID && !canValidate {
			return auth.ForbiddenError{Permission: config.PermValidate, Reason: auth.ReasonUndoNotAllowed}
		}
		target, err := e.undoTarget(ctx, tx, *t)
		if err != nil {
			return err
		}
		from := t.Status
		comment = fmt.Sprintf("Undo state from %s to %s", from, target)
		now := e.now()
		if err := e.release(ctx, tx, t, userID, target, comment, nil, true, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, now, events.TaskUndone, key, userID, events.EventPayload{"from": from, "to": target})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.notify(ctx, userID, comment, key)
	return task, nil
}

// ExtendLock restarts the auto-unlock clock of the user's lock.
func (e Engine) ExtendLock(ctx context.Context, key domain.TaskKey, userID int64) (domain.Task, error) {
	if err := e.ensureProject(ctx, key.ProjectID); err != nil {
		return domain.Task{}, err
	}
	return e.withTask(ctx, key, func(tx *db.Tx, t *domain.Task) error {
		mode, ok := domain.ModeOf(t.Status)
		if !ok {
			return invalidTransition(*t, "extend lock")
		}
		if !t.IsLockedBy(userID) {
			return notOwner(*t)
		}
		now := e.now()
		if _, err := e.Ledger.Append(ctx, tx, key, userID, domain.Extended{Mode: mode}, now, nil); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, now, events.TaskLockExtended, key, userID, events.EventPayload{"mode": mode.String()})
	})
}

// ResetLock abandons the user's lock as if it had never been taken. The task
// returns to the status of its last state change.
func (e Engine) ResetLock(ctx context.Context, key domain.TaskKey, userID int64, comment string) (domain.Task, error) {
	if err := e.ensureProject(ctx, key.ProjectID); err != nil {
		return domain.Task{}, err
	}
	task, err := e.withTask(ctx, key, func(tx *db.Tx, t *domain.Task) error {
		mode, ok := domain.ModeOf(t.Status)
		if !ok {
			return invalidTransition(*t, "reset lock")
		}
		if !t.IsLockedBy(userID) {
			return notOwner(*t)
		}
		now := e.now()
		if comment != "" {
			if _, err := e.Ledger.Append(ctx, tx, key, userID, domain.Commented{Body: comment}, now, nil); err != nil {
				return err
			}
		}
		if _, err := e.Ledger.DeleteOpenLocks(ctx, tx, key, mode); err != nil {
			return err
		}
		if err := e.clearLock(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, now, events.TaskLockReset, key, userID, events.EventPayload{"mode": mode.String(), "status": t.Status})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.notify(ctx, userID, comment, key)
	return task, nil
}

// clearLock reverts the task to its last recorded status and drops the holder.
func (e Engine) clearLock(ctx context.Context, tx *db.Tx, t *domain.Task) error {
	status, err := e.Ledger.LastStatus(ctx, tx, t.Key(), false)
	if err != nil {
		return err
	}
	t.Status = status
	t.LockedBy = nil
	return e.Repo.UpdateTaskState(ctx, tx, *t)
}

// ExpireLock relabels the task's open locks taken at or before cutoff as
// auto-unlocks lasting ttl, and releases the task when nothing newer holds it.
// It reports whether the task was released.
func (e Engine) ExpireLock(ctx context.Context, key domain.TaskKey, cutoff time.Time, ttl time.Duration) (bool, error) {
	released := false
	_, err := e.withTask(ctx, key, func(tx *db.Tx, t *domain.Task) error {
		newest, open, err := e.Ledger.NewestOpenLock(ctx, tx, key)
		if err != nil {
			return err
		}
		if open && newest.After(cutoff) {
			return nil
		}
		if _, err := e.Ledger.MarkExpired(ctx, tx, key, cutoff, domain.FormatDuration(ttl)); err != nil {
			return err
		}
		last, err := e.Ledger.LatestLockAction(ctx, tx, key)
		if err != nil {
			return err
		}
		if last != domain.ActionAutoUnlockedForMapping && last != domain.ActionAutoUnlockedForValidation {
			return nil
		}
		if !t.Status.IsLocked() {
			return nil
		}
		var holder int64
		if t.LockedBy != nil {
			holder = *t.LockedBy
		}
		from := t.Status
		if err := e.clearLock(ctx, tx, t); err != nil {
			return err
		}
		released = true
		return e.Events.Append(ctx, tx, e.now(), events.TaskAutoUnlocked, key, holder, events.EventPayload{"from": from, "to": t.Status})
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return released, err
}
