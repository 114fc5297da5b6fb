// Package config loads Quarry configuration from built-in defaults, an
// optional YAML file, and QUARRY_* environment variable overrides.
package config
