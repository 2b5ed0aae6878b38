// Package config holds the global options the CLI collects and the
// pipeline builder consumes. Values missing from the command line fall
// back to OCCYSTRAP_* environment variables.
package config

import (
	"os"
)

// Env-var fallbacks for credentials and compression choice.
const (
	EnvUsername    = "OCCYSTRAP_USERNAME"
	EnvPassword    = "OCCYSTRAP_PASSWORD"
	EnvCompression = "OCCYSTRAP_COMPRESSION"
)

// AppConfig is the global configuration. Per-URI query options are
// layered over these defaults by the pipeline builder.
type AppConfig struct {
	Name    string
	Version string
	Debug   bool

	OS           string
	Architecture string
	Variant      string

	Username string
	Password string
	Insecure bool

	Compression string
	Parallel    int

	// ScratchDir is where layers are staged in flight. Empty means
	// the system temp dir.
	ScratchDir string
}

// NewAppConfig builds the config with defaults and environment
// fallbacks applied.
func NewAppConfig(name, version string, debug bool) *AppConfig {
	c := &AppConfig{
		Name:         name,
		Version:      version,
		Debug:        debug,
		OS:           "linux",
		Architecture: "amd64",
		Parallel:     4,
	}

	c.Username = os.Getenv(EnvUsername)
	c.Password = os.Getenv(EnvPassword)
	c.Compression = os.Getenv(EnvCompression)
	return c
}
