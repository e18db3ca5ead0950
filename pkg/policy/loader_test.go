package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyPasswordRego = `# Rejects scripts embedding passwords.
# Applies to every environment.
package scriptcore.admission.credentials

deny contains msg if {
	contains(input.script, "password")
	msg := "scripts must not embed credentials"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "no-credentials.rego")
	writeFile(t, policyFile, denyPasswordRego)

	policies, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy, got %d", len(policies))
	}

	policy := policies[0]
	if policy.Name != "no-credentials" {
		t.Errorf("Expected name 'no-credentials', got '%s'", policy.Name)
	}
	if policy.Rego != denyPasswordRego {
		t.Error("Rego content doesn't match")
	}
	if policy.Description != "Rejects scripts embedding passwords. Applies to every environment." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("Unexpected defaults %+v", policy)
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Unexpected source %v", policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	single, err := json.Marshal(Policy{
		Name:    "single",
		Rego:    denyPasswordRego,
		Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "single.json"), string(single))

	bundle, err := json.Marshal(Bundle{
		Name:    "tenant",
		Version: "1.0.0",
		Policies: []Policy{
			{Name: "a", Rego: "package a\n\ndeny contains \"a\" if { false }", Enabled: true, Severity: SeverityWarning},
			{Name: "b", Rego: "package b\n\ndeny contains \"b\" if { false }", Enabled: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "bundle.json"), string(bundle))

	policies, err := loader.loadFromFile(context.Background(), filepath.Join(dir, "single.json"))
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "single" || policies[0].Severity != SeverityError {
		t.Errorf("Unexpected policies %+v", policies)
	}

	policies, err = loader.loadFromFile(context.Background(), filepath.Join(dir, "bundle.json"))
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 || policies[0].Severity != SeverityWarning || policies[1].Severity != SeverityError {
		t.Errorf("Unexpected bundle policies %+v", policies)
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "broken.json"), "{not json")
	if _, err := loader.loadFromFile(context.Background(), filepath.Join(dir, "broken.json")); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	writeFile(t, filepath.Join(dir, "empty.json"), `{"description": "nothing"}`)
	if _, err := loader.loadFromFile(context.Background(), filepath.Join(dir, "empty.json")); err == nil {
		t.Error("Expected error for a policy without rego")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "one.rego"), denyPasswordRego)
	writeFile(t, filepath.Join(dir, "nested", "two.rego"), "package two\n\ndeny contains \"x\" if { false }")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadFromFile_Cache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	writeFile(t, policyFile, denyPasswordRego)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatal(err)
	}
	writeFile(t, policyFile, "package changed")

	policies, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatal(err)
	}
	if policies[0].Rego != denyPasswordRego {
		t.Error("Expected cached content")
	}

	loader.ClearCache()
	policies, err = loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatal(err)
	}
	if policies[0].Rego != "package changed" {
		t.Error("Expected fresh content after ClearCache")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-credentials.rego"), denyPasswordRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	decision, err := eng.Evaluate(context.Background(), NewInput("1", `password = "x"`, nil))
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed {
		t.Error("Expected loaded policy to deny the script")
	}

	writeFile(t, filepath.Join(dir, "bad.rego"), "package bad\n\ndeny contains")
	eng.loader.ClearCache()
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("Expected compile error")
	}
	if _, err := eng.GetPolicy("bad"); err == nil {
		t.Error("Failed load must not install policies")
	}
}

func TestEngineWatchPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), "package first\n\ndeny contains \"no\" if { false }")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.WatchPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("WatchPolicies failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "no-credentials.rego"), denyPasswordRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("no-credentials"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Policy was not reloaded after the file was created")
}
