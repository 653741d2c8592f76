package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const snapshotJSON = `{
	"solutionType": "SNAPSHOT",
	"primary_region": "us-east-1",
	"dr_region": "us-west-2",
	"primary_db_identifier": "orders-db",
	"project_name": "orders",
	"sns_email": "ops@acme.example",
	"tags": {"team": "payments", "env": "prod"}
}`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTestConfig(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "drplane.yaml")
	content := "terraform:\n  root_dir: " + dir + "\ndatabase:\n  path: " + filepath.Join(dir, "drplane.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return dir, cfgPath
}

func TestRenderCommand(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	input := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(input, []byte(snapshotJSON), 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	out, err := run(t, "render",
		"--config", cfgPath,
		"--env-file", filepath.Join(dir, "missing.env"),
		"--tenant", "acme",
		"--file", input,
		"--show")
	if err != nil {
		t.Fatalf("render failed: %v\n%s", err, out)
	}

	want := filepath.Join(dir, "snapshot-resources", "tfvars", "tenant_acme.tfvars")
	if !strings.Contains(out, want) {
		t.Errorf("output does not name %s:\n%s", want, out)
	}
	if !strings.Contains(out, `project_name = "orders"`) {
		t.Errorf("rendered file not shown:\n%s", out)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("variables file not written: %v", err)
	}
}

func TestRenderCommandRejectsInvalidConfig(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	input := filepath.Join(dir, "bad.json")
	bad := strings.Replace(snapshotJSON, `"us-west-2"`, `"us-east-1"`, 1)
	if err := os.WriteFile(input, []byte(bad), 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	_, err := run(t, "render",
		"--config", cfgPath,
		"--env-file", filepath.Join(dir, "missing.env"),
		"--tenant", "acme",
		"--file", input)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "snapshot-resources")); !os.IsNotExist(statErr) {
		t.Error("nothing should be written for an invalid configuration")
	}
}

func TestMigrateAndListCommands(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	envFile := filepath.Join(dir, "missing.env")

	if out, err := run(t, "migrate", "up", "--config", cfgPath, "--env-file", envFile); err != nil {
		t.Fatalf("migrate up failed: %v\n%s", err, out)
	}

	out, err := run(t, "migrate", "version", "--config", cfgPath, "--env-file", envFile)
	if err != nil {
		t.Fatalf("migrate version failed: %v", err)
	}
	if !strings.Contains(out, "version 1 (dirty: false)") {
		t.Errorf("unexpected version output: %q", out)
	}

	out, err = run(t, "deployments", "list", "--config", cfgPath, "--env-file", envFile)
	if err != nil {
		t.Fatalf("deployments list failed: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("expected table header, got %q", out)
	}

	if _, err := run(t, "deployments", "list", "--status", "done", "--config", cfgPath, "--env-file", envFile); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestServeRequiresSecret(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	t.Setenv("DRPLANE_AUTH_JWT_SECRET", "")

	_, err := run(t, "serve", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
