package deployer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
	"github.com/oshokin/lambda-deployer/internal/logger"
)

// LambdaAPI is the subset of the Lambda client the deployer calls.
// GetFunction also satisfies lambda.GetFunctionAPIClient for the update waiter.
type LambdaAPI interface {
	UpdateFunctionCode(
		ctx context.Context,
		params *lambda.UpdateFunctionCodeInput,
		optFns ...func(*lambda.Options),
	) (*lambda.UpdateFunctionCodeOutput, error)
	GetFunction(
		ctx context.Context,
		params *lambda.GetFunctionInput,
		optFns ...func(*lambda.Options),
	) (*lambda.GetFunctionOutput, error)
}

// S3API is the subset of the S3 client used for large packages.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options are the inputs of one deployment.
type Options struct {
	// FunctionName is the target function name or ARN.
	FunctionName string
	// Package is the archive to upload.
	Package *deploy.Package
	// S3Bucket enables uploads above MaxDirectUploadSize.
	S3Bucket string
	// S3KeyPrefix is prepended to the object key.
	S3KeyPrefix string
	// Publish creates a new function version.
	Publish bool
	// Wait blocks until LastUpdateStatus is Successful.
	Wait bool
	// DryRun skips every AWS call.
	DryRun bool
	// Timeout bounds the whole deployment.
	Timeout time.Duration
}

// Deployer talks to Lambda and S3.
type Deployer struct {
	lambda LambdaAPI
	s3     S3API
	// waitMinDelay is the initial poll delay of the update waiter.
	waitMinDelay time.Duration
	// now is replaced in tests.
	now func() time.Time
}

const (
	// MaxDirectUploadSize is the largest zipped package accepted inline by UpdateFunctionCode.
	MaxDirectUploadSize int64 = 50 * 1024 * 1024

	// LatestVersion is reported when no version was published.
	LatestVersion = "$LATEST"

	defaultWaitMinDelay = 2 * time.Second
	defaultWaitTimeout  = 5 * time.Minute
)

var (
	// ErrFunctionNotFound is returned when Lambda does not know the function.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrPackageTooLarge is returned when the package exceeds an upload limit.
	ErrPackageTooLarge = errors.New("package exceeds the upload size limit")
	// ErrChecksumMismatch is returned when Lambda reports different code than was uploaded.
	ErrChecksumMismatch = errors.New("deployed code checksum does not match the package")

	errFunctionNameRequired = errors.New("function name must be provided")
	errPackageRequired      = errors.New("package must be provided")
	errS3ClientRequired     = errors.New("s3 client is not configured")
)

// New creates a deployer over the given clients. s3Client may be nil when no bucket is used.
func New(lambdaClient LambdaAPI, s3Client S3API) *Deployer {
	return &Deployer{
		lambda:       lambdaClient,
		s3:           s3Client,
		waitMinDelay: defaultWaitMinDelay,
		now:          time.Now,
	}
}

// NewFromConfig builds AWS clients from the SDK default credential chain,
// optionally narrowed to a region and a shared-config profile.
func NewFromConfig(ctx context.Context, region, profile string) (*Deployer, error) {
	var optFns []func(*awsconfig.LoadOptions) error

	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}

	if profile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return New(lambda.NewFromConfig(cfg), s3.NewFromConfig(cfg)), nil
}

// Deploy uploads the package and returns the resulting record.
// Local files are never modified.
func (d *Deployer) Deploy(ctx context.Context, opts *Options) (*deploy.Record, error) {
	ctx = logger.WithName(ctx, "deployer")

	if opts.FunctionName == "" {
		return nil, errFunctionNameRequired
	}

	if opts.Package == nil {
		return nil, errPackageRequired
	}

	pkg := opts.Package

	if opts.DryRun {
		logger.InfoKV(ctx, "Dry run, skipping upload", "function", opts.FunctionName, "size", pkg.Size)

		return &deploy.Record{
			FunctionName: opts.FunctionName,
			Version:      LatestVersion,
			CodeSHA256:   pkg.SHA256,
			CodeSize:     pkg.Size,
			Timestamp:    d.now().UTC(),
			DryRun:       true,
		}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := d.codeInput(ctx, opts)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Updating function code",
		"function", opts.FunctionName,
		"size", pkg.Size,
		"via_s3", input.S3Bucket != nil,
		"publish", opts.Publish)

	output, err := d.lambda.UpdateFunctionCode(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("update function code: %w", classify(ctx, opts.FunctionName, err))
	}

	codeSHA := aws.ToString(output.CodeSha256)
	if codeSHA != pkg.SHA256 {
		return nil, fmt.Errorf("%w: local %s, remote %s", ErrChecksumMismatch, pkg.SHA256, codeSHA)
	}

	if opts.Wait {
		if err = d.waitUpdated(ctx, opts.FunctionName); err != nil {
			return nil, err
		}
	}

	record := &deploy.Record{
		FunctionName: opts.FunctionName,
		FunctionARN:  aws.ToString(output.FunctionArn),
		Version:      aws.ToString(output.Version),
		CodeSHA256:   codeSHA,
		CodeSize:     output.CodeSize,
		Timestamp:    d.now().UTC(),
	}

	if record.Version == "" {
		record.Version = LatestVersion
	}

	logger.InfoKV(ctx, "Function code updated",
		"function_arn", record.FunctionARN,
		"version", record.Version,
		"code_sha256", record.CodeSHA256,
		"last_update_status", output.LastUpdateStatus)

	return record, nil
}

// codeInput reads the package inline, or stages it in S3 when it is too large.
func (d *Deployer) codeInput(ctx context.Context, opts *Options) (*lambda.UpdateFunctionCodeInput, error) {
	input := &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(opts.FunctionName),
		Publish:      opts.Publish,
	}

	if opts.Package.Size <= MaxDirectUploadSize {
		contents, err := os.ReadFile(filepath.Clean(opts.Package.Path))
		if err != nil {
			return nil, fmt.Errorf("read package: %w", err)
		}

		input.ZipFile = contents

		return input, nil
	}

	if opts.S3Bucket == "" {
		return nil, fmt.Errorf("%w: %d bytes > %d bytes, configure an S3 bucket",
			ErrPackageTooLarge, opts.Package.Size, MaxDirectUploadSize)
	}

	key, err := d.uploadToS3(ctx, opts)
	if err != nil {
		return nil, err
	}

	input.S3Bucket = aws.String(opts.S3Bucket)
	input.S3Key = aws.String(key)

	return input, nil
}

func (d *Deployer) uploadToS3(ctx context.Context, opts *Options) (string, error) {
	if d.s3 == nil {
		return "", errS3ClientRequired
	}

	key, err := ObjectKey(opts.S3KeyPrefix, opts.FunctionName, opts.Package.SHA256)
	if err != nil {
		return "", err
	}

	file, err := os.Open(filepath.Clean(opts.Package.Path))
	if err != nil {
		return "", fmt.Errorf("open package: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	logger.InfoKV(ctx, "Uploading package to S3", "bucket", opts.S3Bucket, "key", key)

	_, err = d.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(opts.S3Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(opts.Package.Size),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload package to s3://%s/%s: %w", opts.S3Bucket, key, err)
	}

	return key, nil
}

func (d *Deployer) waitUpdated(ctx context.Context, functionName string) error {
	maxWait := defaultWaitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		maxWait = time.Until(deadline)
	}

	logger.InfoKV(ctx, "Waiting for the update to finish", "function", functionName, "max_wait", maxWait.String())

	waiter := lambda.NewFunctionUpdatedV2Waiter(d.lambda, func(o *lambda.FunctionUpdatedV2WaiterOptions) {
		o.MinDelay = d.waitMinDelay
		if o.MaxDelay < o.MinDelay {
			o.MaxDelay = o.MinDelay
		}
	})

	err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(functionName)}, maxWait)
	if err != nil {
		return fmt.Errorf("wait for function update: %w", classify(ctx, functionName, err))
	}

	return nil
}

// ObjectKey builds "<prefix><function>/<hex sha256>.zip" so identical packages share a key.
// ARNs and qualifiers are reduced to the bare function name.
func ObjectKey(prefix, functionName, checksum string) (string, error) {
	digest, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return "", fmt.Errorf("decode package checksum: %w", err)
	}

	name := functionName
	if idx := strings.LastIndex(name, ":function:"); idx >= 0 {
		name = name[idx+len(":function:"):]
	}

	// Drop a version or alias qualifier: "name:prod" stores under "name".
	name, _, _ = strings.Cut(name, ":")

	return prefix + name + "/" + hex.EncodeToString(digest) + ".zip", nil
}

// classify maps Lambda service errors onto package sentinels.
func classify(ctx context.Context, functionName string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		logger.ErrorKV(ctx, "Lambda API error",
			"function", functionName,
			"code", apiErr.ErrorCode(),
			"message", apiErr.ErrorMessage())
	}

	var (
		notFound        *lambdatypes.ResourceNotFoundException
		tooLarge        *lambdatypes.RequestTooLargeException
		storageExceeded *lambdatypes.CodeStorageExceededException
	)

	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %s: %w", ErrFunctionNotFound, functionName, err)
	case errors.As(err, &tooLarge), errors.As(err, &storageExceeded):
		return fmt.Errorf("%w: %w", ErrPackageTooLarge, err)
	default:
		return err
	}
}
