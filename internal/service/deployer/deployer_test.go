package deployer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
)

// fakeLambda records inputs and returns canned responses.
type fakeLambda struct {
	// updates stores every UpdateFunctionCode input.
	updates []*lambda.UpdateFunctionCodeInput
	// updateErr is returned from UpdateFunctionCode when set.
	updateErr error
	// codeSHA overrides the reported checksum; empty means echo the upload.
	codeSHA string
	// status is reported by GetFunction.
	status lambdatypes.LastUpdateStatus
	// gets counts GetFunction calls.
	gets int
}

// UpdateFunctionCode echoes the uploaded bytes' checksum like Lambda does.
func (f *fakeLambda) UpdateFunctionCode(
	_ context.Context,
	params *lambda.UpdateFunctionCodeInput,
	_ ...func(*lambda.Options),
) (*lambda.UpdateFunctionCodeOutput, error) {
	f.updates = append(f.updates, params)

	if f.updateErr != nil {
		return nil, f.updateErr
	}

	sha := f.codeSHA
	if sha == "" && params.ZipFile != nil {
		sum := sha256.Sum256(params.ZipFile)
		sha = base64.StdEncoding.EncodeToString(sum[:])
	}

	version := "$LATEST"
	if params.Publish {
		version = "7"
	}

	return &lambda.UpdateFunctionCodeOutput{
		FunctionName:     params.FunctionName,
		FunctionArn:      aws.String("arn:aws:lambda:us-east-1:123456789012:function:" + aws.ToString(params.FunctionName)),
		CodeSha256:       aws.String(sha),
		CodeSize:         int64(len(params.ZipFile)),
		Version:          aws.String(version),
		LastUpdateStatus: lambdatypes.LastUpdateStatusInProgress,
	}, nil
}

// GetFunction reports the configured update status.
func (f *fakeLambda) GetFunction(
	_ context.Context,
	params *lambda.GetFunctionInput,
	_ ...func(*lambda.Options),
) (*lambda.GetFunctionOutput, error) {
	f.gets++

	return &lambda.GetFunctionOutput{
		Configuration: &lambdatypes.FunctionConfiguration{
			FunctionName:     params.FunctionName,
			LastUpdateStatus: f.status,
		},
	}, nil
}

// fakeS3 captures PutObject calls.
type fakeS3 struct {
	// bucket and key are the last upload location.
	bucket, key string
	// body is the uploaded content.
	body []byte
}

// PutObject stores the uploaded body.
func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.bucket = aws.ToString(params.Bucket)
	f.key = aws.ToString(params.Key)
	f.body = body

	return &s3.PutObjectOutput{}, nil
}

func writePackage(t *testing.T, body string) *deploy.Package {
	t.Helper()

	path := filepath.Join(t.TempDir(), "deployment.zip")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	sum := sha256.Sum256([]byte(body))

	return &deploy.Package{
		Path:    path,
		Size:    int64(len(body)),
		SHA256:  base64.StdEncoding.EncodeToString(sum[:]),
		Entries: 1,
	}
}

func newTestDeployer(l LambdaAPI, s S3API) *Deployer {
	d := New(l, s)
	d.waitMinDelay = 10 * time.Millisecond
	d.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }

	return d
}

// TestDeploy_UploadsZipInline sends the file bytes and returns a populated record.
func TestDeploy_UploadsZipInline(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t, "PK-zip-bytes")
	fake := new(fakeLambda)

	record, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "claude-bridge-lambda",
		Package:      pkg,
	})
	require.NoError(t, err)

	require.Len(t, fake.updates, 1)
	require.Equal(t, []byte("PK-zip-bytes"), fake.updates[0].ZipFile)
	require.Nil(t, fake.updates[0].S3Bucket)
	require.Equal(t, "claude-bridge-lambda", aws.ToString(fake.updates[0].FunctionName))

	require.Equal(t, pkg.SHA256, record.CodeSHA256)
	require.Equal(t, LatestVersion, record.Version)
	require.Contains(t, record.FunctionARN, ":function:claude-bridge-lambda")
	require.Equal(t, pkg.Size, record.CodeSize)
	require.False(t, record.DryRun)
	require.Zero(t, fake.gets)
}

// TestDeploy_FunctionNotFound maps ResourceNotFoundException and leaves the package alone.
func TestDeploy_FunctionNotFound(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t, "PK")
	fake := &fakeLambda{
		updateErr: &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found: nope")},
	}

	_, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "nope",
		Package:      pkg,
	})
	require.ErrorIs(t, err, ErrFunctionNotFound)

	body, err := os.ReadFile(pkg.Path)
	require.NoError(t, err)
	require.Equal(t, "PK", string(body))
}

// TestDeploy_RequestTooLarge maps the service-side size error.
func TestDeploy_RequestTooLarge(t *testing.T) {
	t.Parallel()

	fake := &fakeLambda{
		updateErr: &lambdatypes.RequestTooLargeException{Message: aws.String("Request must be smaller than 70167211 bytes")},
	}

	_, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      writePackage(t, "PK"),
	})
	require.ErrorIs(t, err, ErrPackageTooLarge)
}

// TestDeploy_TooLargeWithoutBucket fails before any network call.
func TestDeploy_TooLargeWithoutBucket(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t, "PK")
	pkg.Size = MaxDirectUploadSize + 1
	fake := new(fakeLambda)

	_, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      pkg,
	})
	require.ErrorIs(t, err, ErrPackageTooLarge)
	require.Empty(t, fake.updates)
}

// TestDeploy_LargePackageGoesThroughS3 uploads to the bucket and references the object.
func TestDeploy_LargePackageGoesThroughS3(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t, "PK-large")
	pkg.Size = MaxDirectUploadSize + 1

	fakeBucket := new(fakeS3)
	fake := &fakeLambda{codeSHA: pkg.SHA256}

	_, err := newTestDeployer(fake, fakeBucket).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      pkg,
		S3Bucket:     "artifacts",
		S3KeyPrefix:  "lambda/",
	})
	require.NoError(t, err)

	require.Equal(t, "artifacts", fakeBucket.bucket)
	require.True(t, strings.HasPrefix(fakeBucket.key, "lambda/fn/"))
	require.True(t, strings.HasSuffix(fakeBucket.key, ".zip"))
	require.Equal(t, []byte("PK-large"), fakeBucket.body)

	require.Len(t, fake.updates, 1)
	require.Nil(t, fake.updates[0].ZipFile)
	require.Equal(t, "artifacts", aws.ToString(fake.updates[0].S3Bucket))
	require.Equal(t, fakeBucket.key, aws.ToString(fake.updates[0].S3Key))
}

// TestDeploy_ChecksumMismatch rejects a response describing different code.
func TestDeploy_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	fake := &fakeLambda{codeSHA: "c29tZXRoaW5nIGVsc2U="}

	_, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      writePackage(t, "PK"),
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestDeploy_PublishAndWait publishes a version and polls until the update succeeds.
func TestDeploy_PublishAndWait(t *testing.T) {
	t.Parallel()

	fake := &fakeLambda{status: lambdatypes.LastUpdateStatusSuccessful}

	record, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      writePackage(t, "PK"),
		Publish:      true,
		Wait:         true,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, fake.updates[0].Publish)
	require.Equal(t, "7", record.Version)
	require.Positive(t, fake.gets)
}

// TestDeploy_WaitReportsFailure surfaces a failed update.
func TestDeploy_WaitReportsFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeLambda{status: lambdatypes.LastUpdateStatusFailed}

	_, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      writePackage(t, "PK"),
		Wait:         true,
		Timeout:      5 * time.Second,
	})
	require.Error(t, err)
}

// TestDeploy_DryRun never calls AWS.
func TestDeploy_DryRun(t *testing.T) {
	t.Parallel()

	pkg := writePackage(t, "PK")
	fake := new(fakeLambda)

	record, err := newTestDeployer(fake, nil).Deploy(context.Background(), &Options{
		FunctionName: "fn",
		Package:      pkg,
		DryRun:       true,
	})
	require.NoError(t, err)
	require.True(t, record.DryRun)
	require.Equal(t, pkg.SHA256, record.CodeSHA256)
	require.Empty(t, fake.updates)
}

// TestDeploy_ValidatesOptions rejects missing inputs.
func TestDeploy_ValidatesOptions(t *testing.T) {
	t.Parallel()

	d := newTestDeployer(new(fakeLambda), nil)

	_, err := d.Deploy(context.Background(), &Options{Package: &deploy.Package{}})
	require.Error(t, err)

	_, err = d.Deploy(context.Background(), &Options{FunctionName: "fn"})
	require.Error(t, err)
}

// TestObjectKey strips ARN prefixes and hex-encodes the digest.
func TestObjectKey(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("PK"))
	checksum := base64.StdEncoding.EncodeToString(sum[:])

	want := "deploys/fn/" + hex.EncodeToString(sum[:]) + ".zip"

	for _, name := range []string{
		"fn",
		"fn:prod",
		"123456789012:function:fn",
		"arn:aws:lambda:us-east-1:123456789012:function:fn",
		"arn:aws:lambda:us-east-1:123456789012:function:fn:prod",
		"arn:aws:lambda:us-east-1:123456789012:function:fn:7",
	} {
		key, err := ObjectKey("deploys/", name, checksum)
		require.NoError(t, err, name)
		require.Equal(t, want, key, name)
	}

	_, err := ObjectKey("", "fn", "not base64!")
	require.Error(t, err)
}
