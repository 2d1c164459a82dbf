package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tbup-go/internal/config"
)

func TestGetDefaults(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	homeBase := filepath.Join(home, ".local", "share", "tbup")
	homeConfig := filepath.Join(home, ".config", "tbup.toml")

	tests := []struct {
		name       string
		configPath string
		tbupHome   string
		want       map[string]string
	}{
		{
			name: "home directory layout",
			want: map[string]string{
				"config_path": homeConfig,
				"base_dir":    homeBase,
				"log_dir":     filepath.Join(homeBase, "log"),
			},
		},
		{
			name:       "both overridden",
			configPath: "/etc/tbup/tbup.toml",
			tbupHome:   "/srv/tbup",
			want: map[string]string{
				"config_path": "/etc/tbup/tbup.toml",
				"base_dir":    "/srv/tbup",
				"log_dir":     "/srv/tbup/log",
			},
		},
		{
			name:     "TBUP_HOME moves data but not the config file",
			tbupHome: "/srv/tbup",
			want: map[string]string{
				"config_path": homeConfig,
				"base_dir":    "/srv/tbup",
				"log_dir":     "/srv/tbup/log",
			},
		},
		{
			name:       "TBUP_CONFIG_PATH alone",
			configPath: "/tmp/alt.toml",
			want: map[string]string{
				"config_path": "/tmp/alt.toml",
				"base_dir":    homeBase,
				"log_dir":     filepath.Join(homeBase, "log"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TBUP_CONFIG_PATH", tt.configPath)
			t.Setenv("TBUP_HOME", tt.tbupHome)

			got, err := GetDefaults()
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGetDefaults_FeedsNewConfig(t *testing.T) {
	t.Setenv("TBUP_CONFIG_PATH", "")
	t.Setenv("TBUP_HOME", "/srv/tbup")

	defaults, err := GetDefaults()
	require.NoError(t, err)

	// The log directory reported by the defaults is where the config puts logs.
	cfg := config.NewConfig(defaults["base_dir"])
	require.Equal(t, defaults["log_dir"], cfg.LogDir)
	require.Equal(t, "/srv/tbup", cfg.BaseDir)
}
