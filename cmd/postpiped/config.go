package main

import (
	"os"
	"strings"

	"github.com/danmuck/postpipe/internal/config"
)

const (
	envConfigPath     = "POSTPIPE_CONFIG"
	defaultConfigFile = "postpiped.toml"
)

// resolveConfigPath picks the flag value, then POSTPIPE_CONFIG, then
// ./postpiped.toml when it exists. An empty result means built-in defaults.
func resolveConfigPath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(envConfigPath)); v != "" {
		return v
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func loadServiceConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}
