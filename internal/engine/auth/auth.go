package auth

import (
	"context"
	"fmt"

	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/repo"
)

// Denial reasons reported by Service.
const (
	ReasonProjectNotPublished = "PROJECT_NOT_PUBLISHED"
	ReasonUserNotPermitted    = "USER_NOT_PERMITTED"
	ReasonAlreadyHasTaskLock  = "USER_ALREADY_HAS_TASK_LOCKED"
	ReasonUndoNotAllowed      = "UNDO_NOT_ALLOWED"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s denied: %s", e.Permission, e.Reason)
}

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(reason string) Decision { return Decision{Reason: reason} }

// Authorizer answers whether a user may map or validate in a project.
type Authorizer interface {
	CanMap(ctx context.Context, projectID, userID int64) (Decision, error)
	CanValidate(ctx context.Context, projectID, userID int64) (Decision, error)
	HasAcceptedLicense(ctx context.Context, userID, projectID int64) (bool, error)
}

// AllowAll grants every request.
type AllowAll struct{}

func (AllowAll) CanMap(context.Context, int64, int64) (Decision, error)      { return Allow(), nil }
func (AllowAll) CanValidate(context.Context, int64, int64) (Decision, error) { return Allow(), nil }
func (AllowAll) HasAcceptedLicense(context.Context, int64, int64) (bool, error) {
	return true, nil
}

// Service provides RBAC decisions backed by SQL and the configured role table.
type Service struct {
	DB     *db.DB
	Repo   repo.Repo
	Config *config.Config
}

func NewService(conn *db.DB, cfg *config.Config) Service {
	return Service{DB: conn, Repo: repo.Repo{DB: conn}, Config: cfg}
}

func (s Service) CanMap(ctx context.Context, projectID, userID int64) (Decision, error) {
	return s.decide(ctx, projectID, userID, config.PermMap, func(p domain.Project) string { return p.MappingPermission })
}

func (s Service) CanValidate(ctx context.Context, projectID, userID int64) (Decision, error) {
	return s.decide(ctx, projectID, userID, config.PermValidate, func(p domain.Project) string { return p.ValidationPermission })
}

func (s Service) decide(ctx context.Context, projectID, userID int64, perm string, level func(domain.Project) string) (Decision, error) {
	p, err := s.Repo.GetProject(ctx, s.DB, projectID)
	if err != nil {
		return Decision{}, err
	}
	if p.Status != "PUBLISHED" {
		return Deny(ReasonProjectNotPublished), nil
	}
	if level(p) != "ANY" {
		ok, err := s.UserHasPermission(ctx, projectID, userID, perm)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Deny(ReasonUserNotPermitted), nil
		}
	}
	n, err := s.Repo.CountLockedByUser(ctx, s.DB, projectID, userID, domain.TaskKey{})
	if err != nil {
		return Decision{}, err
	}
	if n > 0 {
		return Deny(ReasonAlreadyHasTaskLock), nil
	}
	return Allow(), nil
}

// UserHasPermission reports whether any of the user's project roles grants perm.
func (s Service) UserHasPermission(ctx context.Context, projectID, userID int64, perm string) (bool, error) {
	roles, err := s.Repo.UserRoles(ctx, s.DB, projectID, userID)
	if err != nil {
		return false, err
	}
	if s.Config == nil {
		return false, nil
	}
	granting := map[string]bool{}
	for _, r := range s.Config.RolesWith(perm) {
		granting[r] = true
	}
	for _, r := range roles {
		if granting[r] {
			return true, nil
		}
	}
	return false, nil
}

// HasAcceptedLicense is true when the project has no license or the user accepted it.
func (s Service) HasAcceptedLicense(ctx context.Context, userID, projectID int64) (bool, error) {
	p, err := s.Repo.GetProject(ctx, s.DB, projectID)
	if err != nil {
		return false, err
	}
	if p.LicenseID == nil {
		return true, nil
	}
	return s.Repo.HasAcceptedLicense(ctx, s.DB, userID, *p.LicenseID)
}
