package main

import (
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/fortifai/core/internal/config"
	"github.com/fortifai/core/internal/logging"
	"github.com/fortifai/core/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newGraphCmd(opts *rootOptions) *cobra.Command {
	var (
		source string
		dir    string
		bucket string
		pretty bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build the asset graph once and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(func(c *config.Config) {
				if source != "" {
					c.Assets.Source = source
				}
				if dir != "" {
					c.Assets.LocalDir = dir
				}
				if bucket != "" {
					c.Assets.Bucket = bucket
				}
				// One-shot runs never need an on-disk store or relocation.
				c.Store.Path = ""
				c.Reloc.Enabled = false
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

			graph, err := a.assets.BuildGraph(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				out = f
			}
			return writeGraph(out, graph, pretty)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "asset source: s3 or local (overrides ASSET_SOURCE)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory for the local source (overrides ASSET_LOCAL_DIR)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket for the s3 source (overrides ASSET_BUCKET)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the JSON output")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func writeGraph(w io.Writer, graph *models.Graph, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(graph)
}
