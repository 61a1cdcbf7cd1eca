// Package config loads livesync configuration from YAML.
//
// Loading order:
//   - .env in the working directory (optional)
//   - the YAML file, with ${VAR} references expanded from the environment
//   - LOG_LEVEL, LOG_FORMAT and LIVESYNC_API_KEY overrides
//   - defaults for every unset field (see defaults.go)
package config
