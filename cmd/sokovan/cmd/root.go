package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sokovanproject/sokovan/internal/common"
	"github.com/sokovanproject/sokovan/internal/sokovan"
	"github.com/sokovanproject/sokovan/internal/sokovan/configuration"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sokovan",
		SilenceUsage: true,
		Short:        "The sokovan cluster orchestrator",
	}
	root.PersistentFlags().String("config", "config/sokovan", "Directory containing config.yaml")
	root.AddCommand(runCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the orchestrator cycles",
		RunE:  runOrchestrator,
	}
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	config := &configuration.SokovanConfig{}
	common.LoadConfig(config, path)
	return sokovan.Run(config)
}
