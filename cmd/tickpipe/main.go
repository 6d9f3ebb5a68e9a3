// Command tickpipe runs tick-data pipelines: it reads partitioned Parquet
// files, filters and derives columns, and writes a hive-partitioned Parquet
// file set.
//
//	tickpipe validate -c pipeline.yaml
//	tickpipe run -c pipeline.yaml --metrics-backend pushgateway
//	tickpipe inspect 'data/raw/**/*.parquet' --partitioning symbol
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"tickpipe/internal/pipeerr"

	// register every ledger backend with the storage factory; the pipeline
	// file chooses which one to use.
	_ "tickpipe/internal/storage/all"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitRuntimeError = 3
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel       string
	logFormat      string
	metricsBackend string
	pushgatewayURL string
	dogstatsdAddr  string
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI with args and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signalContext()
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "tickpipe: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

func exitCode(err error) int {
	if errors.Is(err, pipeerr.ConfigError) || errors.Is(err, errInvalidConfig) {
		return ExitConfigError
	}
	return ExitRuntimeError
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "tickpipe",
		Short: "Columnar ETL for tick-level market data",
		Long: `tickpipe reads partitioned Parquet files (local or s3://), filters
sentinel and invalid rows, derives columns (cyclical time, midpoint price,
category codes) and writes a hive-partitioned, compressed Parquet file set.

Credentials come from TICKPIPE_* environment variables, never from the
pipeline file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(g, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (env TICKPIPE_LOG_LEVEL)")
	pf.StringVar(&g.logFormat, "log-format", "", "text or json (env TICKPIPE_LOG_FORMAT)")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "none, pushgateway or datadog (env TICKPIPE_METRICS_BACKEND)")
	pf.StringVar(&g.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (env TICKPIPE_PUSHGATEWAY_URL)")
	pf.StringVar(&g.dogstatsdAddr, "dogstatsd-addr", "", "DogStatsD address (env TICKPIPE_DOGSTATSD_ADDR)")

	root.AddCommand(newRunCmd(g), newValidateCmd(), newInspectCmd())
	return root
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run -c <pipeline-file>",
		Short: "Run a pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), cmd.OutOrStdout(), g, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "pipeline file (.json, .yaml or .yml)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate -c <pipeline-file>",
		Short: "Validate a pipeline file and print its issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validatePipeline(cmd.OutOrStdout(), cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "pipeline file (.json, .yaml or .yml)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var partitioning []string
	cmd := &cobra.Command{
		Use:   "inspect <pattern>...",
		Short: "Print the footer schema and row counts of matching Parquet files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectFiles(cmd.Context(), cmd.OutOrStdout(), args, partitioning)
		},
	}
	cmd.Flags().StringSliceVar(&partitioning, "partitioning", nil, "hive partition keys, e.g. symbol,date")
	return cmd
}
