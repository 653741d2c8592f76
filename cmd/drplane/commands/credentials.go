package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drplane/drplane/pkg/config"
	"github.com/drplane/drplane/pkg/credentials"
	"github.com/drplane/drplane/pkg/engine"
)

// operator is the identity one-shot commands act as.
var operator = engine.Identity{UserID: "drplane-cli", Role: engine.RoleAdmin}

func newCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Check and register tenant AWS role credentials",
	}
	cmd.AddCommand(newCredentialsValidateCommand())
	cmd.AddCommand(newCredentialsRegisterCommand())
	return cmd
}

func newBroker(cmd *cobra.Command, cfg *config.Config) (*credentials.Broker, error) {
	return credentials.NewBroker(cmd.Context(), credentials.BrokerConfig{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.STSEndpoint,
	}, log.Logger, nil)
}

func newCredentialsValidateCommand() *cobra.Command {
	var roleARN, externalID string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Trial-assume a role with an external ID",
		Long: `Assume the role once with a short session using the server's own AWS
credentials. Exits non-zero when the role cannot be assumed.`,
		Example: `  drplane credentials validate \
    --role-arn arn:aws:iam::123456789012:role/DRDeployer --external-id ext-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credentials.CheckRoleARN(roleARN); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			broker, err := newBroker(cmd, cfg)
			if err != nil {
				return err
			}

			if !broker.Validate(cmd.Context(), roleARN, externalID) {
				return fmt.Errorf("role %s cannot be assumed with the given external ID", roleARN)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s can be assumed\n", roleARN)
			return nil
		},
	}

	cmd.Flags().StringVar(&roleARN, "role-arn", "", "IAM role ARN")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external ID the role trusts")
	_ = cmd.MarkFlagRequired("role-arn")
	_ = cmd.MarkFlagRequired("external-id")

	return cmd
}

func newCredentialsRegisterCommand() *cobra.Command {
	var tenantID, roleARN, externalID string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Validate and store a tenant's role credentials",
		Example: `  drplane credentials register --tenant acme \
    --role-arn arn:aws:iam::123456789012:role/DRDeployer --external-id ext-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			broker, err := newBroker(cmd, cfg)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Database, cfg.Database.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.Close()

			registry := credentials.NewRegistry(store, broker, log.Logger)
			if err := registry.Register(cmd.Context(), operator, tenantID, roleARN, externalID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Credentials registered for tenant %s\n", tenantID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	cmd.Flags().StringVar(&roleARN, "role-arn", "", "IAM role ARN")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external ID the role trusts")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("role-arn")
	_ = cmd.MarkFlagRequired("external-id")

	return cmd
}
