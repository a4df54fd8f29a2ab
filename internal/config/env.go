package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// environment merges the optional dotenv file with the process environment.
// Process variables win over the file.
func environment(envFile string) (map[string]string, error) {
	out := map[string]string{}
	if path := strings.TrimSpace(envFile); path != "" {
		vals, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	for k, v := range env.ToMap(os.Environ()) {
		out[k] = v
	}
	return out, nil
}

// applyEnv overlays CROSSPOST_* variables onto cfg. Unset variables leave the
// file values in place.
func applyEnv(cfg *Config, vars map[string]string) error {
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}
