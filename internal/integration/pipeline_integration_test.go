package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/lambda-deployer/internal/config"
	"github.com/oshokin/lambda-deployer/internal/logger"
	"github.com/oshokin/lambda-deployer/internal/service/deployer"
	"github.com/oshokin/lambda-deployer/internal/service/pipeline"
	"github.com/oshokin/lambda-deployer/internal/service/stager"
)

// fakePip installs two modules into --target, or fails for a package named "missing-package".
const fakePip = `#!/bin/sh
target=""
requirements=""
while [ $# -gt 0 ]; do
  case "$1" in
    --target) target="$2"; shift ;;
    --requirement) requirements="$2"; shift ;;
  esac
  shift
done
if grep -q "missing-package" "$requirements"; then
  echo "ERROR: No matching distribution found for missing-package" >&2
  exit 1
fi
mkdir -p "$target/requests" "$target/requests/__pycache__"
echo "def get(url): return url" > "$target/requests/api.py"
: > "$target/requests/__init__.py"
echo "bytecode" > "$target/requests/__pycache__/api.cpython-312.pyc"
`

// lambdaStub accepts code for known functions and remembers the archive entries.
type lambdaStub struct {
	mu sync.Mutex
	// known lists functions that exist.
	known map[string]bool
	// entries are the member names of the last uploaded archive.
	entries []string
}

// UpdateFunctionCode validates the zip and echoes its checksum.
func (l *lambdaStub) UpdateFunctionCode(
	_ context.Context,
	params *lambda.UpdateFunctionCodeInput,
	_ ...func(*lambda.Options),
) (*lambda.UpdateFunctionCodeOutput, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := aws.ToString(params.FunctionName)
	if !l.known[name] {
		return nil, &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found: " + name)}
	}

	reader, err := zip.NewReader(bytes.NewReader(params.ZipFile), int64(len(params.ZipFile)))
	if err != nil {
		return nil, &lambdatypes.InvalidParameterValueException{Message: aws.String(err.Error())}
	}

	l.entries = l.entries[:0]
	for _, file := range reader.File {
		l.entries = append(l.entries, file.Name)
	}

	sort.Strings(l.entries)

	sum := sha256.Sum256(params.ZipFile)

	return &lambda.UpdateFunctionCodeOutput{
		FunctionName:     params.FunctionName,
		FunctionArn:      aws.String("arn:aws:lambda:eu-west-1:123456789012:function:" + name),
		CodeSha256:       aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		CodeSize:         int64(len(params.ZipFile)),
		Version:          aws.String("$LATEST"),
		LastUpdateStatus: lambdatypes.LastUpdateStatusInProgress,
	}, nil
}

// GetFunction reports every update as finished.
func (l *lambdaStub) GetFunction(
	_ context.Context,
	params *lambda.GetFunctionInput,
	_ ...func(*lambda.Options),
) (*lambda.GetFunctionOutput, error) {
	return &lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{
			FunctionName:     params.FunctionName,
			State:            lambdatypes.StateActive,
			LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
		},
	}, nil
}

// project prepares a working directory with the default file layout and a fake pip.
func project(t *testing.T, requirements string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake installer is a POSIX shell script")
	}

	dir := t.TempDir()
	t.Chdir(dir)

	pip := filepath.Join(dir, "fake-pip")
	require.NoError(t, os.WriteFile(pip, []byte(fakePip), 0o700)) //nolint:gosec // The script must be executable.
	require.NoError(t, os.WriteFile(config.DefaultRequirementsFile, []byte(requirements), 0o600))
	require.NoError(t, os.WriteFile(config.DefaultEntryPoint, []byte("def lambda_handler(event, context):\n    return event\n"), 0o600))

	cfg := config.Default()
	cfg.PipExecutable = pip
	cfg.Wait = true
	require.NoError(t, config.Save(config.DefaultConfigFilename, cfg))

	return dir
}

func requireAbsent(t *testing.T, paths ...string) {
	t.Helper()

	for _, path := range paths {
		_, err := os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist, path)
	}
}

func run(t *testing.T, stub *lambdaStub, opts *pipeline.Options) (string, error) {
	t.Helper()

	var logs bytes.Buffer

	ctx := logger.ToContext(context.Background(), logger.NewWithWriter(&logs, zapcore.DebugLevel))
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts.ConfigPath = config.DefaultConfigFilename
	opts.Deployer = deployer.New(stub, nil)

	err := pipeline.Run(ctx, opts)

	return logs.String(), err
}

// TestPipeline_DeploysAndCleansUp runs the real installer process and archiver end to end.
func TestPipeline_DeploysAndCleansUp(t *testing.T) {
	project(t, "requests==2.32.3\n")

	stub := &lambdaStub{known: map[string]bool{config.DefaultFunctionName: true}}

	logs, err := run(t, stub, new(pipeline.Options))
	require.NoError(t, err)
	require.Contains(t, logs, "Deployment completed successfully")

	require.Equal(t, []string{"lambda_function.py", "requests/__init__.py", "requests/api.py"}, stub.entries)
	requireAbsent(t, config.DefaultStagingDir, config.DefaultArchivePath, config.DefaultLockFilename)

	records, err := pipeline.History(context.Background(), config.DefaultConfigFilename, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, config.DefaultFunctionName, records[0].FunctionName)
	require.Contains(t, records[0].FunctionARN, config.DefaultFunctionName)
}

// TestPipeline_UnresolvableManifest fails without a success message and removes everything.
func TestPipeline_UnresolvableManifest(t *testing.T) {
	project(t, "missing-package==1.0.0\n")

	stub := &lambdaStub{known: map[string]bool{config.DefaultFunctionName: true}}

	logs, err := run(t, stub, new(pipeline.Options))
	require.ErrorIs(t, err, stager.ErrInstallFailed)
	require.ErrorContains(t, err, "No matching distribution found for missing-package")
	require.NotContains(t, logs, "Deployment completed successfully")
	require.Empty(t, stub.entries)

	requireAbsent(t, config.DefaultStagingDir, config.DefaultArchivePath, config.DefaultHistoryFilename)
}

// TestPipeline_UnknownFunction reports the missing function and still cleans up.
func TestPipeline_UnknownFunction(t *testing.T) {
	project(t, "requests==2.32.3\n")

	stub := &lambdaStub{known: map[string]bool{}}

	logs, err := run(t, stub, &pipeline.Options{FunctionName: "no-such-function"})
	require.ErrorIs(t, err, deployer.ErrFunctionNotFound)
	require.NotContains(t, logs, "Deployment completed successfully")

	requireAbsent(t, config.DefaultStagingDir, config.DefaultArchivePath)
}

// TestPipeline_KeepArtifacts leaves the staging directory and a valid archive behind.
func TestPipeline_KeepArtifacts(t *testing.T) {
	project(t, "requests==2.32.3\n")

	stub := &lambdaStub{known: map[string]bool{config.DefaultFunctionName: true}}

	_, err := run(t, stub, &pipeline.Options{KeepArtifacts: true})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(config.DefaultStagingDir, "requests", "api.py"))
	require.NoError(t, err)

	reader, err := zip.OpenReader(config.DefaultArchivePath)
	require.NoError(t, err)
	require.Len(t, reader.File, 3)
	require.NoError(t, reader.Close())
}
