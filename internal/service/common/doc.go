// Package common holds helpers shared by several services.
//
// It provides a CommandRunner abstraction over os/exec used to drive the
// installer, and detection of the current system actor recorded in the
// deployment history.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
