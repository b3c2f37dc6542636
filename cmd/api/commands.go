package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortifai/core/internal/config"
)

type rootOptions struct {
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "fortifai-api",
		Short: "Cloud security-posture API: asset graph, relocation and gateway proxy",
		Long: `fortifai-api assembles an asset graph from columnar inventory tables in
object storage and can move EC2 instances between VPCs.

Configuration is read from the environment and an optional .env file.

Examples:
  fortifai-api serve --port 8080
  fortifai-api graph --source local --dir ./data --pretty
  fortifai-api relocate --instance i-0abc --vpc vpc-0def`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(opts),
		newGraphCmd(opts),
		newRelocateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) loadConfig(overrides ...config.Override) (config.Config, error) {
	cfg, err := config.Load(o.envFile, overrides...)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fortifai-api version %s\n", version)
		},
	}
}
