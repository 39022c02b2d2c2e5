package deploy

import (
	"strings"
	"time"
)

// Target is the platform/interpreter/ABI triple the installed wheels must match.
type Target struct {
	// Platforms are pip --platform tags.
	Platforms []string
	// PythonVersion is the interpreter version, e.g. "3.12".
	PythonVersion string
	// Implementation is the interpreter implementation tag, e.g. "cp".
	Implementation string
	// ABI is an optional ABI tag.
	ABI string
}

// String renders the target for logs, e.g. "cp3.12/manylinux2014_x86_64".
func (t Target) String() string {
	return t.Implementation + t.PythonVersion + "/" + strings.Join(t.Platforms, ",")
}

// Package describes a built deployment archive.
type Package struct {
	// Path is the archive location on disk.
	Path string
	// Size is the archive size in bytes.
	Size int64
	// SHA256 is the base64-encoded SHA-256 digest, in the format Lambda reports as CodeSha256.
	SHA256 string
	// Entries is the number of files stored in the archive.
	Entries int
}

// Actor identifies who ran a deployment.
type Actor struct {
	// Hostname is the machine the deployment ran on.
	Hostname string `yaml:"hostname"`
	// Username is the system user who ran it.
	Username string `yaml:"username"`
}

// Clone returns a deep copy of the actor.
func (a *Actor) Clone() *Actor {
	if a == nil {
		return nil
	}

	cloned := *a

	return &cloned
}

// Record is the outcome of one deployment.
type Record struct {
	// FunctionName is the deployed function.
	FunctionName string `yaml:"function_name"`
	// FunctionARN is the ARN reported by Lambda.
	FunctionARN string `yaml:"function_arn,omitempty"`
	// Version is the published version or "$LATEST".
	Version string `yaml:"version,omitempty"`
	// CodeSHA256 is the checksum Lambda reports for the new code.
	CodeSHA256 string `yaml:"code_sha256"`
	// CodeSize is the package size in bytes.
	CodeSize int64 `yaml:"code_size"`
	// Actor is who ran the deployment.
	Actor *Actor `yaml:"actor,omitempty"`
	// Timestamp is when the deployment finished.
	Timestamp time.Time `yaml:"timestamp"`
	// DryRun marks records produced without calling AWS.
	DryRun bool `yaml:"dry_run,omitempty"`
}

// Clone returns a copy of the record to avoid leaking internal references.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.Actor = r.Actor.Clone()

	return &cloned
}
