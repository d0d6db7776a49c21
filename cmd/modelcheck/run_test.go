package main

import (
	"os"
	"path/filepath"
	"testing"
)

// TestResolveProject reads the module path from go.mod and falls back
// to the directory name.
func TestResolveProject(t *testing.T) {
	dir := t.TempDir()
	mod := "module example.com/widgets\n\ngo 1.24.0\n"
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(mod), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := resolveProject(dir); got != "example.com/widgets" {
		t.Errorf("resolveProject = %q, want module path", got)
	}

	empty := t.TempDir()
	if got := resolveProject(empty); got != filepath.Base(empty) {
		t.Errorf("resolveProject fallback = %q, want %q", got, filepath.Base(empty))
	}
}

// TestSelfCheckSuite sanity-checks the bundled scenarios.
func TestSelfCheckSuite(t *testing.T) {
	suite := selfCheckSuite()
	for name, sc := range suite {
		if sc.scenario == nil || sc.registry == nil {
			t.Errorf("scenario %s incomplete", name)
		}
		if len(sc.scenario.Workers) == 0 {
			t.Errorf("scenario %s has no workers", name)
		}
	}
	if _, ok := suite["lost-update"]; !ok {
		t.Error("lost-update scenario missing")
	}
	if _, ok := suite["deadlock"]; !ok {
		t.Error("deadlock scenario missing")
	}
}
