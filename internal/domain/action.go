package domain

import (
	"fmt"
	"time"
)

type TaskAction string

const (
	ActionLockedForMapping          TaskAction = "LOCKED_FOR_MAPPING"
	ActionLockedForValidation       TaskAction = "LOCKED_FOR_VALIDATION"
	ActionStateChange               TaskAction = "STATE_CHANGE"
	ActionComment                   TaskAction = "COMMENT"
	ActionAutoUnlockedForMapping    TaskAction = "AUTO_UNLOCKED_FOR_MAPPING"
	ActionAutoUnlockedForValidation TaskAction = "AUTO_UNLOCKED_FOR_VALIDATION"
	ActionExtendedForMapping        TaskAction = "EXTENDED_FOR_MAPPING"
	ActionExtendedForValidation     TaskAction = "EXTENDED_FOR_VALIDATION"
)

// OpenLockActions are the actions whose rows stay open (action_text NULL) while a lock is held.
var OpenLockActions = []TaskAction{
	ActionLockedForMapping, ActionLockedForValidation,
	ActionExtendedForMapping, ActionExtendedForValidation,
}

// Action is the payload of one history row. Each variant carries exactly the
// data its row needs and knows how to render it.
type Action interface {
	Kind() TaskAction
	Text() *string
	isAction()
}

// Locked opens a lock of the given mode.
type Locked struct{ Mode LockMode }

// Extended restarts the auto-unlock clock of an open lock.
type Extended struct{ Mode LockMode }

// AutoUnlocked records a lock released by the sweeper. Elapsed may be empty.
type AutoUnlocked struct {
	Mode    LockMode
	Elapsed string
}

// Commented carries free text; the ledger sanitizes it before writing.
type Commented struct{ Body string }

// StateChanged records the status a task moved to.
type StateChanged struct{ Status TaskStatus }

func (a Locked) Kind() TaskAction       { return a.Mode.LockAction() }
func (a Extended) Kind() TaskAction     { return a.Mode.ExtendAction() }
func (a AutoUnlocked) Kind() TaskAction { return a.Mode.AutoUnlockAction() }
func (Commented) Kind() TaskAction      { return ActionComment }
func (StateChanged) Kind() TaskAction   { return ActionStateChange }

func (Locked) Text() *string   { return nil }
func (Extended) Text() *string { return nil }

func (a AutoUnlocked) Text() *string {
	if a.Elapsed == "" {
		return nil
	}
	s := a.Elapsed
	return &s
}

func (a Commented) Text() *string {
	s := a.Body
	return &s
}

func (a StateChanged) Text() *string {
	s := string(a.Status)
	return &s
}

func (Locked) isAction()       {}
func (Extended) isAction()     {}
func (AutoUnlocked) isAction() {}
func (Commented) isAction()    {}
func (StateChanged) isAction() {}

// FormatDuration renders an elapsed time as HH:MM:SS. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
