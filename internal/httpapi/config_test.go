package httpapi

import (
	"os"
	"testing"

	"github.com/streamhub/streamhub/internal/project"
)

func newTestProjectRegistry(t *testing.T) *project.Registry {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "httpapi-project-lmdb-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := project.OpenLMDBStore(tmpDir)
	if err != nil {
		t.Fatalf("OpenLMDBStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return project.NewRegistry(store)
}

func TestReconcileSecretsAddsAndRemoves(t *testing.T) {
	reg := newTestProjectRegistry(t)
	if _, err := reg.CreateProject("proj1", "old1", false); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if err := reconcileSecrets(reg, "proj1", []string{"old1"}, []string{"new1", "new2"}); err != nil {
		t.Fatalf("reconcileSecrets: %v", err)
	}

	p, err := reg.Get("proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := map[string]bool{"new1": true, "new2": true}
	if len(p.SigningSecrets) != 2 {
		t.Fatalf("expected 2 secrets, got %v", p.SigningSecrets)
	}
	for _, s := range p.SigningSecrets {
		if !want[s] {
			t.Errorf("unexpected secret %q survived reconciliation", s)
		}
	}
}

func TestReconcileSecretsNeverRemovesTheLastSecret(t *testing.T) {
	reg := newTestProjectRegistry(t)
	if _, err := reg.CreateProject("proj1", "only", false); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	// want has zero overlap with current, but removing "only" would
	// leave the project with no secrets at all, so it must survive.
	if err := reconcileSecrets(reg, "proj1", []string{"only"}, []string{"replacement"}); err != nil {
		t.Fatalf("reconcileSecrets: %v", err)
	}

	p, err := reg.Get("proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	found := false
	for _, s := range p.SigningSecrets {
		if s == "only" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected last surviving secret %q to be kept, got %v", "only", p.SigningSecrets)
	}
}
