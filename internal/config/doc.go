// Package config defines deployment settings and provides helpers to load,
// validate and save them in YAML format.
//
// Values are resolved in order: defaults, the YAML file, the optional .env file
// and LAMBDA_DEPLOYER_* environment variables. Command-line flags are applied
// on top by the caller.
package config
