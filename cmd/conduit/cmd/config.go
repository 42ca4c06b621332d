package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduit-labs/conduit/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Deployment configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a deployment configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(raw)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return fmt.Errorf("%s: %s (%s)", cfgErr.Kind, cfgErr.Field, cfgErr.Detail)
		}
		return err
	}
	fmt.Printf("OK: project %s, staging %s, production %s, region %s\n",
		cfg.ProjectName, cfg.StagingProjectID, cfg.ProdProjectID, cfg.Region)
	return nil
}
