package stager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
	"github.com/oshokin/lambda-deployer/internal/logger"
	"github.com/oshokin/lambda-deployer/internal/service/common"
)

// Options are the inputs of one staging run.
type Options struct {
	// ManifestPath is the pip requirements file.
	ManifestPath string
	// StagingDir receives the installed packages. Existing contents are removed.
	StagingDir string
	// PipExecutable is the installer binary.
	PipExecutable string
	// Target restricts which wheels may be installed.
	Target deploy.Target
	// Timeout bounds the installer.
	Timeout time.Duration
}

// Stager installs dependencies with pip.
type Stager struct {
	runner common.CommandRunner
}

// DirPermissions is used for the staging directory.
const DirPermissions fs.FileMode = 0o755

// stderrTailLines is how much installer output is kept in errors.
const stderrTailLines = 20

var (
	// ErrManifestNotFound is returned when the requirements file does not exist.
	ErrManifestNotFound = errors.New("dependency manifest not found")
	// ErrInstallFailed is returned when pip cannot install the manifest.
	ErrInstallFailed = errors.New("dependency installation failed")

	errStagingDirRequired = errors.New("staging directory must be provided")
)

// New creates a stager running commands through runner.
func New(runner common.CommandRunner) *Stager {
	if runner == nil {
		runner = common.NewExecRunner()
	}

	return &Stager{runner: runner}
}

// Stage recreates the staging directory and installs the manifest into it.
func (s *Stager) Stage(ctx context.Context, opts *Options) (*deploy.Manifest, error) {
	ctx = logger.WithName(ctx, "stager")

	if opts.StagingDir == "" {
		return nil, errStagingDirRequired
	}

	manifest, err := readManifest(opts.ManifestPath)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Parsed dependency manifest",
		"path", manifest.Path,
		"requirements", len(manifest.Requirements),
		"includes", len(manifest.Includes),
		"target", opts.Target.String())
	logger.DebugKV(ctx, "Requested packages", "names", strings.Join(manifest.Names(), ", "))

	if err = resetDir(opts.StagingDir); err != nil {
		return nil, err
	}

	if manifest.IsEmpty() {
		logger.Warn(ctx, "Dependency manifest lists no packages, nothing to install")
		return manifest, nil
	}

	cmd := common.Command{
		Name:    opts.PipExecutable,
		Args:    InstallArgs(opts.ManifestPath, opts.StagingDir, opts.Target),
		Timeout: opts.Timeout,
		Env:     []string{"PIP_DISABLE_PIP_VERSION_CHECK=1"},
	}

	logger.DebugKV(ctx, "Running installer", "command", cmd.String())

	result, err := s.runner.Run(ctx, cmd)
	if err != nil {
		if result != nil && result.Stderr != "" {
			return nil, fmt.Errorf("%w: %w\n%s", ErrInstallFailed, err, common.Tail(result.Stderr, stderrTailLines))
		}

		return nil, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	logger.InfoKV(ctx, "Dependencies installed", "staging_dir", opts.StagingDir, "took", result.Duration.String())

	return manifest, nil
}

// InstallArgs builds the pip arguments for a binary-only, cache-free install into dir.
func InstallArgs(manifestPath, dir string, target deploy.Target) []string {
	args := []string{
		"install",
		"--requirement", manifestPath,
		"--target", dir,
	}

	for _, platform := range target.Platforms {
		args = append(args, "--platform", platform)
	}

	if target.Implementation != "" {
		args = append(args, "--implementation", target.Implementation)
	}

	if target.PythonVersion != "" {
		args = append(args, "--python-version", target.PythonVersion)
	}

	if target.ABI != "" {
		args = append(args, "--abi", target.ABI)
	}

	return append(args,
		"--only-binary=:all:",
		"--no-cache-dir",
		"--upgrade",
	)
}

func readManifest(path string) (*deploy.Manifest, error) {
	file, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	return deploy.ParseManifest(path, file)
}

// resetDir removes dir with everything in it and creates it again empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stale staging directory: %w", err)
	}

	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	return nil
}
