package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/lambda-deployer/internal/config"
	"github.com/oshokin/lambda-deployer/internal/logger"
	"github.com/oshokin/lambda-deployer/internal/service/pipeline"
	"github.com/oshokin/lambda-deployer/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel is the minimum level written to the log.
	logLevel string
	// options collects the flag overrides for a deployment.
	options pipeline.Options
	// forceInit allows init to overwrite an existing file.
	forceInit bool

	errUnknownLogLevel = errors.New("unknown log level")
	errConfigExists    = errors.New("configuration file already exists, use --force to overwrite")

	// rootCmd packages the dependencies and the handler and updates the function code.
	rootCmd = &cobra.Command{
		Use:   "lambda-deployer [function-name]",
		Short: "Package a Python function with its dependencies and deploy it to AWS Lambda",
		Long: "Installs the dependency manifest into a staging directory, zips it together with the entry point, " +
			"uploads the archive as the new code of the function and removes the local artifacts.",
		Args:              cobra.MaximumNArgs(1),
		SilenceUsage:      true,
		PersistentPreRunE: setLogLevel,
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			defer logger.Sync()

			opts := options
			opts.ConfigPath = configPath

			if len(args) > 0 {
				opts.FunctionName = args[0]
			}

			return pipeline.Run(ctx, &opts)
		},
	}

	// historyCmd prints recent deployments.
	historyCmd = &cobra.Command{
		Use:   "history [function-name]",
		Short: "Show recent deployments, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var functionName string
			if len(args) > 0 {
				functionName = args[0]
			}

			records, err := pipeline.History(cmd.Context(), configPath, functionName)
			if err != nil {
				return err
			}

			return pipeline.WriteHistory(cmd.OutOrStdout(), records)
		},
	}

	// initCmd writes a configuration file with default values.
	initCmd = &cobra.Command{
		Use:   "init [function-name]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !forceInit {
				return fmt.Errorf("%w: %s", errConfigExists, configPath)
			}

			cfg := config.Default()
			if len(args) > 0 {
				cfg.FunctionName = args[0]
			}

			if err := config.Save(configPath, cfg); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", configPath)

			return err
		},
	}
)

// Execute runs the lambda-deployer CLI and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setLogLevel(_ *cobra.Command, _ []string) error {
	level, ok := logger.ParseLogLevel(logLevel)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, logLevel)
	}

	logger.SetLevel(level)

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(historyCmd, initCmd)

	// Setup command flags with consistent naming and descriptions.
	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	persistent.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	flags := rootCmd.Flags()
	flags.StringVarP(&options.RequirementsFile, "requirements", "r", "", "dependency manifest (default \"requirements.txt\")")
	flags.StringVarP(&options.EntryPoint, "entry-point", "e", "", "handler source file (default \"lambda_function.py\")")
	flags.StringVar(&options.StagingDir, "staging-dir", "", "directory for installed dependencies (default \"package\")")
	flags.StringVar(&options.ArchivePath, "archive", "", "path of the deployment archive (default \"deployment.zip\")")
	flags.StringVar(&options.Region, "region", "", "AWS region")
	flags.StringVar(&options.Profile, "profile", "", "AWS shared config profile")
	flags.StringVar(&options.S3Bucket, "s3-bucket", "", "bucket for packages above the direct upload limit")
	flags.BoolVar(&options.Publish, "publish", false, "publish a new function version")
	flags.BoolVar(&options.Wait, "wait", false, "wait until the update has been applied")
	flags.BoolVar(&options.DryRun, "dry-run", false, "build the package without calling AWS")
	flags.BoolVar(&options.KeepArtifacts, "keep-artifacts", false, "keep the staging directory and the archive")

	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing configuration file")
}
