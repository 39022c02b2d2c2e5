// Package deploy contains the core domain types of a Lambda deployment.
//
// It defines the dependency Manifest read by the stager, the binary Target the
// wheels must match, the built Package, and the Record describing the outcome
// of one deployment together with the Actor who ran it.
package deploy
