// Package workspace renders per-tenant variables files for the
// infrastructure tool and names the tool workspace of each tenant.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

// Config configures where solutions live on disk.
type Config struct {
	// Root is the directory holding one subdirectory per solution.
	Root string

	// ReplicaDir is the read replica solution directory, relative to Root.
	ReplicaDir string

	// SnapshotDir is the snapshot solution directory, relative to Root.
	SnapshotDir string
}

// DefaultConfig returns the directory layout the bundled solutions use.
func DefaultConfig() Config {
	return Config{
		Root:        ".",
		ReplicaDir:  "terraform",
		SnapshotDir: "snapshot-resources",
	}
}

// Materializer writes variables files. It implements engine.Materializer.
type Materializer struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a materializer rooted at cfg.Root.
func New(cfg Config, logger zerolog.Logger) (*Materializer, error) {
	def := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = def.Root
	}
	if cfg.ReplicaDir == "" {
		cfg.ReplicaDir = def.ReplicaDir
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = def.SnapshotDir
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve solution root: %w", err)
	}
	cfg.Root = root

	return &Materializer{
		cfg:    cfg,
		logger: logger.With().Str("component", "materializer").Logger(),
	}, nil
}

// WorkspaceName returns the tool workspace of a tenant. One workspace per
// tenant keeps tenant state apart.
func WorkspaceName(tenantID string) string {
	return tenantID
}

// SolutionDir returns the directory the tool runs in for a solution.
func (m *Materializer) SolutionDir(solution engine.Solution) string {
	if solution == engine.SolutionSnapshot {
		return filepath.Join(m.cfg.Root, m.cfg.SnapshotDir)
	}
	return filepath.Join(m.cfg.Root, m.cfg.ReplicaDir)
}

// VarFile returns the variables file of a tenant relative to its solution
// directory.
func VarFile(tenantID string) string {
	return filepath.Join("tfvars", "tenant_"+tenantID+".tfvars")
}

// Render writes the variables file for tenantID, replacing any previous one,
// and returns the workspace it belongs to.
func (m *Materializer) Render(tenantID string, cfg engine.SolutionConfig) (*engine.Workspace, error) {
	if err := engine.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, engine.NewValidationError("missing required fields: drConfig", nil)
	}

	vars := cfg.Variables()
	content, err := Encode(vars)
	if err != nil {
		return nil, err
	}

	// The file must read back as the same set of variables.
	parsed, err := Decode(content, VarFile(tenantID))
	if err != nil {
		return nil, fmt.Errorf("rendered variables do not parse: %w", err)
	}
	if len(parsed) != len(vars) {
		return nil, fmt.Errorf("rendered %d variables, parsed %d", len(vars), len(parsed))
	}

	dir := m.SolutionDir(cfg.Solution())
	varFile := VarFile(tenantID)
	path := filepath.Join(dir, varFile)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create variables directory: %w", err)
	}
	if err := writeFile(path, content); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("tenant_id", tenantID).
		Str("solution", string(cfg.Solution())).
		Str("path", path).
		Msg("Variables file written")

	return &engine.Workspace{
		Name:    WorkspaceName(tenantID),
		Dir:     dir,
		VarFile: varFile,
		Path:    path,
	}, nil
}

// writeFile replaces path through a temporary file in the same directory so
// a concurrent reader never sees a partial file.
func writeFile(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tfvars-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary variables file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write variables file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set variables file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close variables file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace variables file: %w", err)
	}
	return nil
}

// ReadVars parses a rendered variables file.
func ReadVars(path string) (map[string]interface{}, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables file: %w", err)
	}
	return Decode(src, path)
}
