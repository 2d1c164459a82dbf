package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for tbup.
type Config struct {
	BaseDir        string            `toml:"base_dir" validate:"required"`
	LogDir         string            `toml:"log_dir" validate:"required"`
	DefaultAccount string            `toml:"default_account"`
	Remote         RemoteConfig      `toml:"remote"`
	Credentials    CredentialsConfig `toml:"credentials"`
	Accounts       []AccountConfig   `toml:"accounts" validate:"unique=Name,dive"`
	Database       DatabaseConfig    `toml:"database"`
	Chunks         ChunkConfig       `toml:"chunks"`
	Filesystem     FilesystemConfig  `toml:"filesystem"`
}

// RemoteConfig selects and tunes the upload target.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type        string   `toml:"type" validate:"required,oneof=terabox s3 memory"`
	IdleTimeout Duration `toml:"idle_timeout,omitempty"`

	// TeraBox-specific fields (only used when Type == "terabox")
	BaseURL   string `toml:"base_url,omitempty" validate:"omitempty,url"`
	UploadURL string `toml:"upload_url,omitempty" validate:"omitempty,url"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty" validate:"omitempty,url"`
	S3PathStyle bool   `toml:"s3_path_style,omitempty"`

	// Premium selects the premium chunk tier for remotes that cannot report it (s3, memory).
	Premium bool `toml:"premium,omitempty"`
}

// CredentialsConfig says where account secrets are kept.
type CredentialsConfig struct {
	Type string `toml:"type" validate:"required,oneof=config age"` // "config": [[accounts]] below; "age": encrypted file
	Path string `toml:"path,omitempty" validate:"required_if=Type age"`
}

// AccountConfig is a named account. Secret is the TeraBox ndus cookie, or
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY" for s3 (empty uses the default AWS chain).
type AccountConfig struct {
	Name   string `toml:"name" validate:"required"`
	Secret string `toml:"secret,omitempty"`
}

// DatabaseConfig represents configuration for the run journal.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"required,oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"`
}

// ChunkConfig overrides the block size steps, in MiB, ascending.
type ChunkConfig struct {
	Premium []int64 `toml:"premium_steps,omitempty" validate:"omitempty,ascending,dive,gt=0"`
	Basic   []int64 `toml:"basic_steps,omitempty" validate:"omitempty,ascending,dive,gt=0"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided base directory and default paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Remote: RemoteConfig{
			Type:        "terabox",
			IdleTimeout: Duration{10 * time.Second},
		},
		Credentials: CredentialsConfig{
			Type: "age",
			Path: filepath.Join(baseDir, "accounts.age"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// Account returns the named account from the [[accounts]] list.
func (c *Config) Account(name string) (AccountConfig, bool) {
	i := slices.IndexFunc(c.Accounts, func(a AccountConfig) bool { return a.Name == name })
	if i < 0 {
		return AccountConfig{}, false
	}
	return c.Accounts[i], true
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.RegisterValidation("ascending", func(fl validator.FieldLevel) bool {
		steps, ok := fl.Field().Interface().([]int64)
		return ok && slices.IsSorted(steps) && !hasDuplicates(steps)
	})
	if err != nil {
		panic(err)
	}
	return v
}

func hasDuplicates(steps []int64) bool {
	for i := 1; i < len(steps); i++ {
		if steps[i] == steps[i-1] {
			return true
		}
	}
	return false
}

// Validate checks cfg for missing or inconsistent settings.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// The file may hold account secrets, so it is created owner-only.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Save overwrites the config file at path.
func Save(path string, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return writeToFile(path, cfg)
}
