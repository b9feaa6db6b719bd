package auth_test

import (
	"context"
	"testing"

	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/engine/auth"
	"lockline/internal/migrate"
	"lockline/internal/repo"
)

func newService(t *testing.T, project domain.Project) (auth.Service, context.Context) {
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
	project.CreatedAt = "2024-01-01T00:00:00.000000Z"
	if err := (repo.Repo{DB: conn}).InsertProject(ctx, conn, project); err != nil {
		t.Fatal(err)
	}
	return auth.NewService(conn, config.Default()), ctx
}

func TestOpenProjectAllowsAnyone(t *testing.T) {
	svc, ctx := newService(t, domain.Project{ID: 1, Name: "open"})
	d, err := svc.CanMap(ctx, 1, 42)
	if err != nil || !d.Allowed {
		t.Fatalf("expected allow, got %+v %v", d, err)
	}
	ok, err := svc.HasAcceptedLicense(ctx, 42, 1)
	if err != nil || !ok {
		t.Fatalf("project without license should pass: %v", err)
	}
}

func TestDraftProjectDenied(t *testing.T) {
	svc, ctx := newService(t, domain.Project{ID: 1, Name: "draft", Status: "DRAFT"})
	d, err := svc.CanValidate(ctx, 1, 42)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != auth.ReasonProjectNotPublished {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestRestrictedValidationNeedsRole(t *testing.T) {
	svc, ctx := newService(t, domain.Project{ID: 1, Name: "restricted", ValidationPermission: "TEAMS"})
	d, _ := svc.CanValidate(ctx, 1, 42)
	if d.Allowed || d.Reason != auth.ReasonUserNotPermitted {
		t.Fatalf("expected USER_NOT_PERMITTED, got %+v", d)
	}
	if err := svc.Repo.AssignRole(ctx, svc.DB, 1, 42, "mapper"); err != nil {
		t.Fatal(err)
	}
	d, _ = svc.CanValidate(ctx, 1, 42)
	if d.Allowed {
		t.Fatalf("mapper role must not validate")
	}
	if err := svc.Repo.AssignRole(ctx, svc.DB, 1, 42, "validator"); err != nil {
		t.Fatal(err)
	}
	d, _ = svc.CanValidate(ctx, 1, 42)
	if !d.Allowed {
		t.Fatalf("validator role should validate, got %+v", d)
	}
}

func TestUserHoldingLockDenied(t *testing.T) {
	svc, ctx := newService(t, domain.Project{ID: 1, Name: "busy"})
	user := int64(42)
	if err := svc.Repo.InsertTask(ctx, svc.DB, domain.Task{ID: 1, ProjectID: 1, Status: domain.StatusLockedForMapping, LockedBy: &user}); err != nil {
		t.Fatal(err)
	}
	d, _ := svc.CanMap(ctx, 1, user)
	if d.Allowed || d.Reason != auth.ReasonAlreadyHasTaskLock {
		t.Fatalf("expected lock denial, got %+v", d)
	}
}

func TestLicenseAcceptance(t *testing.T) {
	license := int64(9)
	svc, ctx := newService(t, domain.Project{ID: 1, Name: "licensed", LicenseID: &license})
	ok, _ := svc.HasAcceptedLicense(ctx, 42, 1)
	if ok {
		t.Fatalf("license not accepted yet")
	}
	if err := svc.Repo.AcceptLicense(ctx, svc.DB, 42, license, "2024-01-01T00:00:00.000000Z"); err != nil {
		t.Fatal(err)
	}
	ok, err := svc.HasAcceptedLicense(ctx, 42, 1)
	if err != nil || !ok {
		t.Fatalf("license acceptance not seen: %v", err)
	}
}

func TestForbiddenErrorMessage(t *testing.T) {
	err := auth.ForbiddenError{Permission: "task.map", Reason: auth.ReasonUserNotPermitted}
	if err.Error() != "permission task.map denied: USER_NOT_PERMITTED" {
		t.Fatalf("message = %q", err.Error())
	}
}
