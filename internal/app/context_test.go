package app

import (
	"context"
	"testing"
)

func TestOpenAndEnsureProject(t *testing.T) {
	a, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()
	p, err := a.EnsureProject(ctx, 3, "")
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	if p.Name != "project-3" || p.Status != "PUBLISHED" {
		t.Fatalf("unexpected project %+v", p)
	}
	again, err := a.EnsureProject(ctx, 3, "renamed")
	if err != nil || again.Name != "project-3" {
		t.Fatalf("second ensure should reuse project: %+v %v", again, err)
	}
}
