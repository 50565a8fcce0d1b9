package main

import (
	"context"
	"fmt"
	"io"

	"github.com/bitrise-io/go-objectupload/config"
	"github.com/bitrise-io/go-objectupload/metrics"
	"github.com/bitrise-io/go-objectupload/uploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	verbose     bool
	metricsAddr string
	stdin       io.Reader
	logger      log.Logger
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	opts := &globalOptions{stdin: stdin, logger: log.NewLogger()}

	rootCmd := &cobra.Command{
		Use:   "objectupload",
		Short: "Upload objects over a pool of upload hosts",
		Long: `objectupload uploads files and streams to a bucket. Upload hosts are
either listed in the configuration or discovered through the query service,
and failing hosts are skipped for a while.

Settings come from QINIU_* environment variables and the YAML file named by
QINIU_UPLOAD_CONFIG.

Examples:
  # Upload a single file under a given key
  objectupload upload --key builds/app.apk ./app.apk

  # Upload every APK of a build, one object per file
  objectupload upload --glob --key-prefix builds/42/ 'out/**/*.apk'

  # Compress a stream of unknown size while uploading it
  tar -c logs | objectupload upload --stdin --zstd --key logs.tar.zst

  # Print the upload hosts in use
  objectupload hosts`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger.EnableDebugLog(opts.verbose)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(newUploadCmd(opts))
	rootCmd.AddCommand(newHostsCmd(opts))
	return rootCmd
}

// buildUploader loads the configuration and builds an uploader. The caller
// must Close it.
func (o *globalOptions) buildUploader(ctx context.Context) (*uploader.Uploader, error) {
	cfg, err := config.Load(env.NewRepository())
	if err != nil {
		return nil, err
	}
	builder, err := cfg.NewBuilder(ctx, o.logger)
	if err != nil {
		return nil, err
	}

	if o.metricsAddr != "" {
		m := metrics.New("")
		go func() {
			if err := m.StartServer(o.metricsAddr); err != nil {
				o.logger.Warnf("Metrics server stopped: %s", err)
			}
		}()
		o.logger.Infof("Serving metrics on %s", o.metricsAddr)
		builder.Metrics(m)
	}

	u, err := builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("create uploader: %w", err)
	}
	return u, nil
}

func newHostsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "Print the upload hosts in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := opts.buildUploader(cmd.Context())
			if err != nil {
				return err
			}
			defer u.Close()

			for _, host := range u.UploadHosts() {
				fmt.Fprintln(cmd.OutOrStdout(), host)
			}
			return nil
		},
	}
}
