package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drplane/drplane/pkg/engine"
	"github.com/drplane/drplane/pkg/workspace"
)

func newRenderCommand() *cobra.Command {
	var (
		tenantID  string
		inputPath string
		show      bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a tenant variables file from a DR configuration",
		Long: `Validate a DR configuration and write the tenant's terraform variables
file exactly as a deployment would, without touching the database or AWS.

The configuration is a JSON document carrying a solutionType of
READ_REPLICA or SNAPSHOT. Use "-" to read it from stdin.`,
		Example: `  # Render a snapshot configuration for tenant acme
  drplane render --tenant acme --file snapshot.json

  # Print the rendered file
  cat replica.json | drplane render --tenant acme --file - --show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := readInput(cmd, inputPath)
			if err != nil {
				return err
			}
			solution, err := engine.DecodeSolutionConfig(data)
			if err != nil {
				return err
			}
			if err := solution.Validate(); err != nil {
				return err
			}

			m, err := workspace.New(workspace.Config{
				Root:        cfg.Terraform.RootDir,
				ReplicaDir:  cfg.Terraform.ReplicaDir,
				SnapshotDir: cfg.Terraform.SnapshotDir,
			}, log.Logger)
			if err != nil {
				return err
			}
			ws, err := m.Render(tenantID, solution)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				vars, err := workspace.ReadVars(ws.Path)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"workspace": ws.Name,
					"dir":       ws.Dir,
					"path":      ws.Path,
					"variables": vars,
				})
			}

			fmt.Fprintf(out, "Rendered %s for workspace %s\n", ws.Path, ws.Name)
			if show {
				content, err := os.ReadFile(ws.Path)
				if err != nil {
					return fmt.Errorf("failed to read variables file: %w", err)
				}
				fmt.Fprintf(out, "\n%s", content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID (also the workspace name)")
	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "DR configuration JSON file, or - for stdin")
	cmd.Flags().BoolVar(&show, "show", false, "print the rendered file")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
