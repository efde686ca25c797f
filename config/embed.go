// Package config provides the embedded default configuration for fundchat.
package config

import (
	_ "embed"
)

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// It seeds settings.json the first time fundchat runs.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
