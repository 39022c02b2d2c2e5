// Package pipeline runs a complete deployment.
//
// Run loads the settings, takes the run lock and then drives the stager, the
// archiver and the deployer in order. The staging directory and the archive are
// removed on every exit path unless KeepArtifacts is set, and a record of each
// successful deployment is appended to the history file.
package pipeline
