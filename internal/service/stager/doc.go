// Package stager installs a function's Python dependencies into a staging directory.
//
// It drives pip with --target, restricted to pre-built wheels for the Lambda
// platform, so the directory can be zipped as-is.
package stager
