// Package config loads the prover runtime configuration from a YAML file,
// an optional .env file and process environment overrides, and fills in the
// documented defaults.
package config
