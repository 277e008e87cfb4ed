// Package configs embeds the templates written by 'nest-protect init'.
package configs

import (
	_ "embed"
)

// ConfigYAML is the config.yaml template.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample is the .env template.
//
//go:embed .env.example
var EnvExample []byte
