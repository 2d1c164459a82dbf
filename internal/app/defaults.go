package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// env holds the environment overrides for default paths.
type env struct {
	ConfigPath string `envconfig:"TBUP_CONFIG_PATH"`
	Home       string `envconfig:"TBUP_HOME"`
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - TBUP_CONFIG_PATH: config file location (default: ~/.config/tbup.toml)
//   - TBUP_HOME: base directory for tbup data (default: ~/.local/share/tbup)
func GetDefaults() (map[string]string, error) {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	configPath, err := orHome(e.ConfigPath, ".config", "tbup.toml")
	if err != nil {
		return nil, err
	}

	baseDir, err := orHome(e.Home, ".local", "share", "tbup")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// orHome returns path when set, otherwise the given location under the home directory.
func orHome(path string, elem ...string) (string, error) {
	if path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}
