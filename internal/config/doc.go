// Package config loads and validates the mesh-relay YAML configuration.
//
// Config files support ${VAR_NAME} environment variable expansion and
// Go duration strings for timing fields ("30s", "24h"). Timing fields
// left unset fall back to package defaults.
package config
