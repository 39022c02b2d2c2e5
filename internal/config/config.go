package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
)

// Config holds everything the deployment pipeline needs to know about one function.
type Config struct {
	// FunctionName is the Lambda function name, ARN or partial ARN.
	FunctionName string `yaml:"function_name"`
	// Region overrides the region resolved by the AWS SDK default chain.
	Region string `yaml:"region,omitempty"`
	// Profile selects a shared-config profile for credentials.
	Profile string `yaml:"profile,omitempty"`
	// RequirementsFile is the pip dependency manifest.
	RequirementsFile string `yaml:"requirements_file"`
	// EntryPoint is the handler source file placed at the archive root.
	EntryPoint string `yaml:"entry_point"`
	// StagingDir receives installed dependencies. It is wiped before and after each run.
	StagingDir string `yaml:"staging_dir"`
	// ArchivePath is where the deployment zip is written.
	ArchivePath string `yaml:"archive_path"`
	// PipExecutable is the installer binary.
	PipExecutable string `yaml:"pip_executable"`
	// Target selects which binary wheels pip may install.
	Target Target `yaml:"target"`
	// InstallTimeout bounds the installer process.
	InstallTimeout time.Duration `yaml:"install_timeout"`
	// DeployTimeout bounds the upload, the update call and the optional wait.
	DeployTimeout time.Duration `yaml:"deploy_timeout"`
	// S3Bucket, when set, is used for packages over the direct upload limit.
	S3Bucket string `yaml:"s3_bucket,omitempty"`
	// S3KeyPrefix is prepended to uploaded object keys.
	S3KeyPrefix string `yaml:"s3_key_prefix,omitempty"`
	// Publish asks Lambda to create a new version from the uploaded code.
	Publish bool `yaml:"publish"`
	// Wait blocks until Lambda reports the update as successful.
	Wait bool `yaml:"wait"`
	// LockFile guards against concurrent runs in the same directory.
	LockFile string `yaml:"lock_file"`
	// HistoryFile stores recent deployment records.
	HistoryFile string `yaml:"history_file"`
	// HistoryLimit caps the number of stored records.
	HistoryLimit int `yaml:"history_limit"`
	// KeepArtifacts skips cleanup. Set at runtime only.
	KeepArtifacts bool `yaml:"-"`
	// DryRun builds the package without calling AWS. Set at runtime only.
	DryRun bool `yaml:"-"`
}

// Target is the YAML form of deploy.Target.
type Target struct {
	// Platforms are pip --platform tags, tried in order.
	Platforms []string `yaml:"platforms"`
	// PythonVersion is the interpreter version, e.g. "3.12".
	PythonVersion string `yaml:"python_version"`
	// Implementation is the interpreter implementation tag, e.g. "cp".
	Implementation string `yaml:"implementation"`
	// ABI is an optional ABI tag, e.g. "cp312".
	ABI string `yaml:"abi,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for deployment settings.
	DefaultConfigFilename = "lambda-deployer.yaml"
	// DefaultEnvFilename is loaded into the process environment when present.
	DefaultEnvFilename = ".env"

	// DefaultFunctionName is the function deployed when nothing else is configured.
	DefaultFunctionName = "claude-bridge-lambda"
	// DefaultRequirementsFile is the default dependency manifest.
	DefaultRequirementsFile = "requirements.txt"
	// DefaultEntryPoint is the default handler source file.
	DefaultEntryPoint = "lambda_function.py"
	// DefaultStagingDir is the default staging directory.
	DefaultStagingDir = "package"
	// DefaultArchivePath is the default archive location.
	DefaultArchivePath = "deployment.zip"
	// DefaultPipExecutable is the default installer.
	DefaultPipExecutable = "pip3"
	// DefaultPlatform is the manylinux tag matching the Lambda x86_64 runtime.
	DefaultPlatform = "manylinux2014_x86_64"
	// DefaultPythonVersion matches the python3.12 Lambda runtime.
	DefaultPythonVersion = "3.12"
	// DefaultImplementation is CPython.
	DefaultImplementation = "cp"
	// DefaultLockFilename marks a running deployer.
	DefaultLockFilename = "lambda-deployer.lock"
	// DefaultHistoryFilename stores deployment records.
	DefaultHistoryFilename = "lambda-deployer-history.yaml"
	// DefaultHistoryLimit is the number of records kept.
	DefaultHistoryLimit = 20

	// DefaultInstallTimeout bounds pip.
	DefaultInstallTimeout = 10 * time.Minute
	// DefaultDeployTimeout bounds AWS calls.
	DefaultDeployTimeout = 5 * time.Minute

	// DefaultFilePermissions is the default file permission for written files.
	DefaultFilePermissions = 0o600

	// Environment overrides, applied after the YAML file.
	envFunctionName = "LAMBDA_DEPLOYER_FUNCTION_NAME"
	envRegion       = "LAMBDA_DEPLOYER_REGION"
	envProfile      = "LAMBDA_DEPLOYER_PROFILE"
	envS3Bucket     = "LAMBDA_DEPLOYER_S3_BUCKET"
)

var (
	// ErrFunctionNameRequired is returned when no function name is configured.
	ErrFunctionNameRequired = errors.New("function name must be provided")

	errConfigIsNotSet       = errors.New("configuration is not set")
	errInvalidFunctionName  = errors.New("invalid function name")
	errInvalidPythonVersion = errors.New("invalid python version")
	errUnsafeStagingDir     = errors.New("staging directory must be a dedicated subdirectory")
	errArchiveInsideStaging = errors.New("archive must not be written into the staging directory")
	errInsideStaging        = errors.New("file must not live inside the staging directory")
	errInvalidArchiveName   = errors.New("archive path must end with .zip")
	errEntryPointRequired   = errors.New("entry point must be provided")
	errRequirementsRequired = errors.New("requirements file must be provided")
	errNegativeHistoryLimit = errors.New("history limit must not be negative")
	errEmptyPlatformTag     = errors.New("platform tag must not be empty")
)

var (
	functionNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9:_.$-]{1,170}$`)
	pythonVersionPattern = regexp.MustCompile(`^3\.\d{1,2}$`)
)

// Default returns a configuration populated with defaults.
func Default() *Config {
	cfg := new(Config)
	applyDefaults(cfg)

	return cfg
}

// Load reads configuration from the provided path, applies environment overrides
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	if err := LoadEnv(DefaultEnvFilename); err != nil {
		return nil, err
	}

	cfg := new(Config)

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	applyEnv(cfg)

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the file into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// Save writes cfg to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the settings for consistency.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	applyDefaults(cfg)

	if cfg.FunctionName == "" {
		return ErrFunctionNameRequired
	}

	if !functionNamePattern.MatchString(cfg.FunctionName) {
		return fmt.Errorf("%w: %q", errInvalidFunctionName, cfg.FunctionName)
	}

	if !pythonVersionPattern.MatchString(cfg.Target.PythonVersion) {
		return fmt.Errorf("%w: %q", errInvalidPythonVersion, cfg.Target.PythonVersion)
	}

	for _, platform := range cfg.Target.Platforms {
		if strings.TrimSpace(platform) == "" {
			return errEmptyPlatformTag
		}
	}

	if strings.TrimSpace(cfg.EntryPoint) == "" {
		return errEntryPointRequired
	}

	if strings.TrimSpace(cfg.RequirementsFile) == "" {
		return errRequirementsRequired
	}

	if cfg.HistoryLimit < 0 {
		return errNegativeHistoryLimit
	}

	if !strings.EqualFold(filepath.Ext(cfg.ArchivePath), ".zip") {
		return fmt.Errorf("%w: %q", errInvalidArchiveName, cfg.ArchivePath)
	}

	return validatePaths(cfg)
}

// DeployTarget converts the YAML target into the domain type.
func (c *Config) DeployTarget() deploy.Target {
	return deploy.Target{
		Platforms:      append([]string(nil), c.Target.Platforms...),
		PythonVersion:  c.Target.PythonVersion,
		Implementation: c.Target.Implementation,
		ABI:            c.Target.ABI,
	}
}

// validatePaths rejects staging directories whose removal would destroy the
// working directory, archives that would end up zipping themselves, and project
// files that the staging reset would delete.
func validatePaths(cfg *Config) error {
	staging := filepath.Clean(cfg.StagingDir)
	if staging == "." || staging == string(filepath.Separator) || staging == ".." ||
		strings.HasPrefix(staging, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q", errUnsafeStagingDir, cfg.StagingDir)
	}

	if isWithin(staging, cfg.ArchivePath) {
		return fmt.Errorf("%w: %q", errArchiveInsideStaging, cfg.ArchivePath)
	}

	protected := []struct {
		name string
		path string
	}{
		{"entry point", cfg.EntryPoint},
		{"requirements file", cfg.RequirementsFile},
		{"lock file", cfg.LockFile},
		{"history file", cfg.HistoryFile},
	}

	for _, file := range protected {
		if isWithin(staging, file.path) {
			return fmt.Errorf("%w: %s %q", errInsideStaging, file.name, file.path)
		}
	}

	return nil
}

// isWithin reports whether path is dir itself or lies below it. Relative paths
// are resolved against the working directory so mixed forms compare correctly.
func isWithin(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.FunctionName, DefaultFunctionName)
	setDefault(&cfg.RequirementsFile, DefaultRequirementsFile)
	setDefault(&cfg.EntryPoint, DefaultEntryPoint)
	setDefault(&cfg.StagingDir, DefaultStagingDir)
	setDefault(&cfg.ArchivePath, DefaultArchivePath)
	setDefault(&cfg.PipExecutable, DefaultPipExecutable)
	setDefault(&cfg.Target.PythonVersion, DefaultPythonVersion)
	setDefault(&cfg.Target.Implementation, DefaultImplementation)
	setDefault(&cfg.LockFile, DefaultLockFilename)
	setDefault(&cfg.HistoryFile, DefaultHistoryFilename)

	if len(cfg.Target.Platforms) == 0 {
		cfg.Target.Platforms = []string{DefaultPlatform}
	}

	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = DefaultInstallTimeout
	}

	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = DefaultDeployTimeout
	}

	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		envFunctionName: &cfg.FunctionName,
		envRegion:       &cfg.Region,
		envProfile:      &cfg.Profile,
		envS3Bucket:     &cfg.S3Bucket,
	}

	for key, field := range overrides {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			*field = strings.TrimSpace(value)
		}
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}
