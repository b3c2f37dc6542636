package main

import (
	"github.com/spf13/cobra"

	"github.com/fortifai/core/internal/config"
	"github.com/fortifai/core/internal/logging"
	"github.com/fortifai/core/internal/models"
)

func newRelocateCmd(opts *rootOptions) *cobra.Command {
	var req models.RelocationRequest

	cmd := &cobra.Command{
		Use:   "relocate",
		Short: "Move an EC2 instance into another VPC",
		Long: `relocate stops the instance, images it, launches a replacement from the
image in the target VPC and moves its elastic IPs to the replacement.
The original instance is left stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(func(c *config.Config) {
				c.Reloc.Enabled = true
				// The asset source is not used here.
				if c.Assets.Source == "s3" && c.Assets.Bucket == "" {
					c.Assets.Source = "local"
					c.Assets.LocalDir = "."
				}
			})
			if err != nil {
				return err
			}

			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.Options{Level: cfg.Log.Level, Format: "text"})
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			result, runErr := a.relocator.Relocate(cmd.Context(), req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&req.InstanceID, "instance", "", "instance to move (i-...)")
	cmd.Flags().StringVar(&req.TargetVpcID, "vpc", "", "target VPC (vpc-...)")
	cmd.Flags().StringVar(&req.TargetSubnetID, "subnet", "", "target subnet (subnet-...); picked automatically when empty")
	cmd.Flags().StringSliceVar(&req.SecurityGroupIDs, "security-group", nil, "security groups for the replacement (sg-...)")
	cmd.Flags().BoolVar(&req.CleanupOnFailure, "cleanup-on-failure", false, "deregister the image when a later step fails")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("vpc")
	return cmd
}
