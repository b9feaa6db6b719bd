package server

import (
	"encoding/json"
	"time"

	"lockline/internal/domain"
)

// Request payloads

type MappingIssueRequest struct {
	CategoryID int64  `json:"category_id"`
	Issue      string `json:"issue"`
	Count      int    `json:"count" minimum:"1"`
}

type UnlockRequest struct {
	Status  string                `json:"status" enum:"MAPPED,BADIMAGERY,READY,VALIDATED,INVALIDATED"`
	Comment string                `json:"comment,omitempty"`
	Issues  []MappingIssueRequest `json:"issues,omitempty"`
}

type StopRequest struct {
	Comment string `json:"comment,omitempty"`
}

type CreateProjectRequest struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	Status               string `json:"status,omitempty" enum:"DRAFT,PUBLISHED,ARCHIVED"`
	MappingPermission    string `json:"mapping_permission,omitempty" enum:"ANY,ROLE"`
	ValidationPermission string `json:"validation_permission,omitempty" enum:"ANY,ROLE"`
	LicenseID            *int64 `json:"license_id,omitempty"`
}

func (r CreateProjectRequest) project() domain.Project {
	return domain.Project{
		ID:                   r.ID,
		Name:                 r.Name,
		Status:               r.Status,
		MappingPermission:    r.MappingPermission,
		ValidationPermission: r.ValidationPermission,
		LicenseID:            r.LicenseID,
	}
}

type CreateTaskRequest struct {
	ID       int64  `json:"id,omitempty"`
	X        *int   `json:"x,omitempty"`
	Y        *int   `json:"y,omitempty"`
	Zoom     *int   `json:"zoom,omitempty"`
	IsSquare bool   `json:"is_square,omitempty"`
	Geometry string `json:"geometry,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	domain.Project
	TaskCounts map[string]int `json:"task_counts"`
}

type MappingIssueResponse struct {
	ID         int64  `json:"id"`
	CategoryID int64  `json:"category_id"`
	Issue      string `json:"issue"`
	Count      int    `json:"count"`
}

type HistoryResponse struct {
	ID         int64                  `json:"id"`
	UserID     int64                  `json:"user_id"`
	Action     string                 `json:"action"`
	ActionText *string                `json:"action_text,omitempty"`
	ActionDate string                 `json:"action_date" format:"date-time"`
	Issues     []MappingIssueResponse `json:"issues,omitempty"`
}

type TaskResponse struct {
	ID          int64             `json:"id"`
	ProjectID   int64             `json:"project_id"`
	X           *int              `json:"x,omitempty"`
	Y           *int              `json:"y,omitempty"`
	Zoom        *int              `json:"zoom,omitempty"`
	IsSquare    bool              `json:"is_square"`
	Geometry    json.RawMessage   `json:"geometry,omitempty"`
	Status      string            `json:"status"`
	LockedBy    *int64            `json:"locked_by,omitempty"`
	MappedBy    *int64            `json:"mapped_by,omitempty"`
	ValidatedBy *int64            `json:"validated_by,omitempty"`
	History     []HistoryResponse `json:"history,omitempty"`
}

type InvalidationResponse struct {
	ID                    int64   `json:"id"`
	TaskID                int64   `json:"task_id"`
	ProjectID             int64   `json:"project_id"`
	IsClosed              bool    `json:"is_closed"`
	MapperID              *int64  `json:"mapper_id,omitempty"`
	MappedDate            *string `json:"mapped_date,omitempty"`
	InvalidatorID         *int64  `json:"invalidator_id,omitempty"`
	InvalidatedDate       *string `json:"invalidated_date,omitempty"`
	InvalidationHistoryID *int64  `json:"invalidation_history_id,omitempty"`
	ValidatorID           *int64  `json:"validator_id,omitempty"`
	ValidatedDate         *string `json:"validated_date,omitempty"`
	UpdatedDate           string  `json:"updated_date"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  int64           `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    int64           `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		X:           t.X,
		Y:           t.Y,
		Zoom:        t.Zoom,
		IsSquare:    t.IsSquare,
		Status:      string(t.Status),
		LockedBy:    t.LockedBy,
		MappedBy:    t.MappedBy,
		ValidatedBy: t.ValidatedBy,
	}
	if t.Geometry != "" && json.Valid([]byte(t.Geometry)) {
		resp.Geometry = json.RawMessage(t.Geometry)
	}
	for _, h := range t.History {
		hr := HistoryResponse{
			ID:         h.ID,
			UserID:     h.UserID,
			Action:     string(h.Action),
			ActionText: h.ActionText,
			ActionDate: stamp(h.ActionDate),
		}
		for _, mi := range h.Issues {
			hr.Issues = append(hr.Issues, MappingIssueResponse{ID: mi.ID, CategoryID: mi.CategoryID, Issue: mi.Issue, Count: mi.Count})
		}
		resp.History = append(resp.History, hr)
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func invalidationResponse(c domain.InvalidationCycle) InvalidationResponse {
	return InvalidationResponse{
		ID:                    c.ID,
		TaskID:                c.TaskID,
		ProjectID:             c.ProjectID,
		IsClosed:              c.IsClosed,
		MapperID:              c.MapperID,
		MappedDate:            stampPtr(c.MappedDate),
		InvalidatorID:         c.InvalidatorID,
		InvalidatedDate:       stampPtr(c.InvalidatedDate),
		InvalidationHistoryID: c.InvalidationHistoryID,
		ValidatorID:           c.ValidatorID,
		ValidatedDate:         stampPtr(c.ValidatedDate),
		UpdatedDate:           stamp(c.UpdatedDate),
	}
}

func mapInvalidations(items []domain.InvalidationCycle) []InvalidationResponse {
	res := make([]InvalidationResponse, 0, len(items))
	for _, c := range items {
		res = append(res, invalidationResponse(c))
	}
	return res
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		resp.Payload = json.RawMessage(evt.Payload)
	}
	return resp
}
