package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oshokin/lambda-deployer/internal/config"
	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
	"github.com/oshokin/lambda-deployer/internal/logger"
	"github.com/oshokin/lambda-deployer/internal/repository/history"
	"github.com/oshokin/lambda-deployer/internal/repository/lock"
	"github.com/oshokin/lambda-deployer/internal/service/archiver"
	"github.com/oshokin/lambda-deployer/internal/service/cleaner"
	"github.com/oshokin/lambda-deployer/internal/service/common"
	"github.com/oshokin/lambda-deployer/internal/service/deployer"
	"github.com/oshokin/lambda-deployer/internal/service/stager"
)

// Deployer uploads a package. *deployer.Deployer satisfies it.
type Deployer interface {
	Deploy(ctx context.Context, opts *deployer.Options) (*deploy.Record, error)
}

// Options contains inputs for the pipeline entry point.
// Empty strings and false values leave the loaded configuration untouched.
type Options struct {
	// ConfigPath is the YAML settings file; a missing file means defaults.
	ConfigPath string
	// FunctionName overrides the configured function.
	FunctionName string
	// RequirementsFile overrides the dependency manifest.
	RequirementsFile string
	// EntryPoint overrides the handler source file.
	EntryPoint string
	// StagingDir overrides the staging directory.
	StagingDir string
	// ArchivePath overrides the archive location.
	ArchivePath string
	// Region overrides the AWS region.
	Region string
	// Profile overrides the AWS shared-config profile.
	Profile string
	// S3Bucket overrides the bucket used for large packages.
	S3Bucket string
	// Publish creates a new function version.
	Publish bool
	// Wait blocks until the update has been applied.
	Wait bool
	// DryRun builds the package without calling AWS.
	DryRun bool
	// KeepArtifacts leaves the staging directory and the archive in place.
	KeepArtifacts bool

	// Runner executes the installer; nil uses the operating system.
	Runner common.CommandRunner
	// Deployer replaces the AWS-backed deployer; nil builds one from the SDK default chain.
	Deployer Deployer
}

// pipeline holds the state of one run.
type pipeline struct {
	// cfg is the effective configuration after overrides.
	cfg *config.Config
	// runner executes the installer.
	runner common.CommandRunner
	// deployer uploads the package.
	deployer Deployer
	// history stores the resulting record.
	history history.Repository
}

var errDeployerUnavailable = errors.New("deployer is not configured")

// Run executes the deployment workflow. The success message is logged only when
// every stage succeeded.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "lambda-deployer")

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	ctx = logger.WithKV(ctx, "function", cfg.FunctionName)

	runLock := lock.NewFileLock(cfg.LockFile)
	if err = runLock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}

	defer func() {
		if releaseErr := runLock.Release(ctx); releaseErr != nil {
			logger.WarnKV(ctx, "Failed to release run lock", "path", runLock.Path(), "error", releaseErr)
		}
	}()

	if cfg.KeepArtifacts {
		defer logger.InfoKV(ctx, "Keeping artifacts", "staging_dir", cfg.StagingDir, "archive", cfg.ArchivePath)
	} else {
		defer func() {
			// Cancellation must not prevent cleanup.
			cleanCtx := context.WithoutCancel(ctx)
			if cleanErr := cleaner.Clean(cleanCtx, cfg.StagingDir, cfg.ArchivePath); cleanErr != nil {
				logger.WarnKV(cleanCtx, "Cleanup incomplete", "error", cleanErr)
			}
		}()
	}

	p := &pipeline{
		cfg:     cfg,
		runner:  opts.Runner,
		history: history.NewFileRepository(cfg.HistoryFile, cfg.HistoryLimit),
	}

	p.deployer, err = newDeployer(ctx, cfg, opts.Deployer)
	if err != nil {
		return err
	}

	record, err := p.run(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Deployment completed successfully",
		"version", record.Version,
		"code_sha256", record.CodeSHA256,
		"dry_run", record.DryRun)

	return nil
}

// LoadConfig reads the settings file and applies the overrides in opts.
func LoadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	overrides := map[*string]string{
		&cfg.FunctionName:     opts.FunctionName,
		&cfg.RequirementsFile: opts.RequirementsFile,
		&cfg.EntryPoint:       opts.EntryPoint,
		&cfg.StagingDir:       opts.StagingDir,
		&cfg.ArchivePath:      opts.ArchivePath,
		&cfg.Region:           opts.Region,
		&cfg.Profile:          opts.Profile,
		&cfg.S3Bucket:         opts.S3Bucket,
	}

	for field, value := range overrides {
		if value = strings.TrimSpace(value); value != "" {
			*field = value
		}
	}

	cfg.Publish = cfg.Publish || opts.Publish
	cfg.Wait = cfg.Wait || opts.Wait
	cfg.DryRun = opts.DryRun
	cfg.KeepArtifacts = opts.KeepArtifacts

	if err = config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}

	return cfg, nil
}

func (p *pipeline) run(ctx context.Context) (*deploy.Record, error) {
	_, err := stager.New(p.runner).Stage(ctx, &stager.Options{
		ManifestPath:  p.cfg.RequirementsFile,
		StagingDir:    p.cfg.StagingDir,
		PipExecutable: p.cfg.PipExecutable,
		Target:        p.cfg.DeployTarget(),
		Timeout:       p.cfg.InstallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("stage dependencies: %w", err)
	}

	pkg, err := archiver.Build(ctx, &archiver.Options{
		SourceDir:   p.cfg.StagingDir,
		EntryPoint:  p.cfg.EntryPoint,
		ArchivePath: p.cfg.ArchivePath,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	record, err := p.deployer.Deploy(ctx, &deployer.Options{
		FunctionName: p.cfg.FunctionName,
		Package:      pkg,
		S3Bucket:     p.cfg.S3Bucket,
		S3KeyPrefix:  p.cfg.S3KeyPrefix,
		Publish:      p.cfg.Publish,
		Wait:         p.cfg.Wait,
		DryRun:       p.cfg.DryRun,
		Timeout:      p.cfg.DeployTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy: %w", err)
	}

	p.record(ctx, record)

	return record, nil
}

// record appends the deployment to the history. The code is already live at
// this point, so failures are only logged.
func (p *pipeline) record(ctx context.Context, record *deploy.Record) {
	actor, err := common.DetectActor()
	if err != nil {
		logger.WarnKV(ctx, "Failed to detect actor", "error", err)
	}

	record.Actor = actor

	if err = p.history.Append(ctx, record); err != nil {
		logger.WarnKV(ctx, "Failed to record deployment", "path", p.cfg.HistoryFile, "error", err)
	}
}

func newDeployer(ctx context.Context, cfg *config.Config, injected Deployer) (Deployer, error) {
	if injected != nil {
		return injected, nil
	}

	// A dry run never reaches AWS, so credentials are not required.
	if cfg.DryRun {
		return deployer.New(nil, nil), nil
	}

	d, err := deployer.NewFromConfig(ctx, cfg.Region, cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errDeployerUnavailable, err)
	}

	return d, nil
}
