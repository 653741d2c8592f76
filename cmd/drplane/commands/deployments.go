package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drplane/drplane/pkg/engine"
)

func newDeploymentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deployment", "dep"},
		Short:   "Inspect deployment records",
		Long: `Read deployment records straight from the database, across all tenants.
Works while the API server is down.`,
	}
	cmd.AddCommand(newDeploymentsListCommand())
	cmd.AddCommand(newDeploymentsLogsCommand())
	return cmd
}

func newDeploymentsListCommand() *cobra.Command {
	var (
		tenantID string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		Example: `  drplane deployments list --tenant acme
  drplane deployments list --status running --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.DeploymentFilter{TenantID: tenantID, Limit: limit}
			if status != "" {
				filter.Status = engine.DeploymentStatus(strings.ToUpper(status))
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database, false)
			if err != nil {
				return err
			}
			defer store.Close()

			deployments, err := store.ListDeployments(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(deployments)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTENANT\tSOLUTION\tOPERATION\tSTATUS\tCREATED")
			for _, d := range deployments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.TenantID, d.Solution, d.Operation, d.Status,
					d.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "only this tenant")
	cmd.Flags().StringVar(&status, "status", "", "only this status (pending, running, succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")

	return cmd
}

func newDeploymentsLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the stored log of a finished deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database, false)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := store.GetDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if d.Status.IsActive() {
				fmt.Fprintf(cmd.ErrOrStderr(), "deployment is %s; logs are stored when it finishes\n", d.Status)
			}
			fmt.Fprint(cmd.OutOrStdout(), d.Logs)
			return nil
		},
	}
}
