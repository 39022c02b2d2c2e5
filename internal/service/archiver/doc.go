// Package archiver builds the Lambda deployment zip from a staging directory
// and the function's entry-point file.
package archiver
