package domain

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type TaskStatus string

const (
	StatusReady               TaskStatus = "READY"
	StatusLockedForMapping    TaskStatus = "LOCKED_FOR_MAPPING"
	StatusMapped              TaskStatus = "MAPPED"
	StatusLockedForValidation TaskStatus = "LOCKED_FOR_VALIDATION"
	StatusValidated           TaskStatus = "VALIDATED"
	StatusInvalidated         TaskStatus = "INVALIDATED"
	StatusBadImagery          TaskStatus = "BADIMAGERY"
	StatusSplit               TaskStatus = "SPLIT"
)

var allStatuses = []TaskStatus{
	StatusReady, StatusLockedForMapping, StatusMapped, StatusLockedForValidation,
	StatusValidated, StatusInvalidated, StatusBadImagery, StatusSplit,
}

// ParseTaskStatus validates a status name.
func ParseTaskStatus(s string) (TaskStatus, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

// IsLocked reports whether the status implies a lock holder.
func (s TaskStatus) IsLocked() bool {
	return s == StatusLockedForMapping || s == StatusLockedForValidation
}

// LockMode distinguishes mapping locks from validation locks.
type LockMode int

const (
	Mapping LockMode = iota
	Validation
)

func (m LockMode) String() string {
	if m == Validation {
		return "validation"
	}
	return "mapping"
}

// LockedStatus is the task status held while a lock of this mode is open.
func (m LockMode) LockedStatus() TaskStatus {
	if m == Validation {
		return StatusLockedForValidation
	}
	return StatusLockedForMapping
}

func (m LockMode) LockAction() TaskAction {
	if m == Validation {
		return ActionLockedForValidation
	}
	return ActionLockedForMapping
}

func (m LockMode) ExtendAction() TaskAction {
	if m == Validation {
		return ActionExtendedForValidation
	}
	return ActionExtendedForMapping
}

func (m LockMode) AutoUnlockAction() TaskAction {
	if m == Validation {
		return ActionAutoUnlockedForValidation
	}
	return ActionAutoUnlockedForMapping
}

// ModeOf returns the lock mode for a locked status.
func ModeOf(s TaskStatus) (LockMode, bool) {
	switch s {
	case StatusLockedForMapping:
		return Mapping, true
	case StatusLockedForValidation:
		return Validation, true
	}
	return Mapping, false
}

// TaskKey is the composite identity of a task.
type TaskKey struct {
	TaskID    int64 `json:"task_id"`
	ProjectID int64 `json:"project_id"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%d/%d", k.ProjectID, k.TaskID)
}

type Task struct {
	ID          int64          `json:"id"`
	ProjectID   int64          `json:"project_id"`
	X           *int           `json:"x,omitempty"`
	Y           *int           `json:"y,omitempty"`
	Zoom        *int           `json:"zoom,omitempty"`
	IsSquare    bool           `json:"is_square"`
	Geometry    string         `json:"geometry,omitempty"`
	Status      TaskStatus     `json:"status" enum:"READY,LOCKED_FOR_MAPPING,MAPPED,LOCKED_FOR_VALIDATION,VALIDATED,INVALIDATED,BADIMAGERY,SPLIT"`
	LockedBy    *int64         `json:"locked_by,omitempty"`
	MappedBy    *int64         `json:"mapped_by,omitempty"`
	ValidatedBy *int64         `json:"validated_by,omitempty"`
	History     []HistoryEntry `json:"history,omitempty"`
}

func (t Task) Key() TaskKey {
	return TaskKey{TaskID: t.ID, ProjectID: t.ProjectID}
}

// IsLockedBy reports whether userID holds the task's lock.
func (t Task) IsLockedBy(userID int64) bool {
	return t.LockedBy != nil && *t.LockedBy == userID
}

type Project struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	Status               string `json:"status"`
	MappingPermission    string `json:"mapping_permission"`
	ValidationPermission string `json:"validation_permission"`
	LicenseID            *int64 `json:"license_id,omitempty"`
	TotalTasks           int    `json:"total_tasks"`
	CreatedAt            string `json:"created_at" format:"date-time"`
}

type HistoryEntry struct {
	ID         int64          `json:"id"`
	TaskID     int64          `json:"task_id"`
	ProjectID  int64          `json:"project_id"`
	UserID     int64          `json:"user_id"`
	Action     TaskAction     `json:"action"`
	ActionText *string        `json:"action_text,omitempty"`
	ActionDate time.Time      `json:"action_date"`
	Issues     []MappingIssue `json:"issues,omitempty"`
}

type MappingIssue struct {
	ID         int64  `json:"id,omitempty"`
	HistoryID  int64  `json:"history_id,omitempty"`
	CategoryID int64  `json:"category_id"`
	Issue      string `json:"issue"`
	Count      int    `json:"count"`
}

// InvalidationCycle tracks one mapped -> invalidated -> validated round trip.
type InvalidationCycle struct {
	ID                    int64      `json:"id"`
	TaskID                int64      `json:"task_id"`
	ProjectID             int64      `json:"project_id"`
	IsClosed              bool       `json:"is_closed"`
	MapperID              *int64     `json:"mapper_id,omitempty"`
	MappedDate            *time.Time `json:"mapped_date,omitempty"`
	InvalidatorID         *int64     `json:"invalidator_id,omitempty"`
	InvalidatedDate       *time.Time `json:"invalidated_date,omitempty"`
	InvalidationHistoryID *int64     `json:"invalidation_history_id,omitempty"`
	ValidatorID           *int64     `json:"validator_id,omitempty"`
	ValidatedDate         *time.Time `json:"validated_date,omitempty"`
	UpdatedDate           time.Time  `json:"updated_date"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
