// Package credentials keeps the secrets of named accounts.
package credentials

import (
	"errors"
	"fmt"
	"slices"

	"tbup-go/internal/config"
)

// ErrUnknownAccount is returned by Get for a name that has no secret.
var ErrUnknownAccount = errors.New("unknown account")

// Store maps account names to secrets.
type Store interface {
	Get(name string) (string, error)
	Put(name, secret string) error
	Names() ([]string, error)
}

// ConfigStore reads secrets from the [[accounts]] list of the config file.
type ConfigStore struct {
	cfg  *config.Config
	save func(*config.Config) error
}

// NewConfigStore creates a ConfigStore. save persists cfg after Put.
func NewConfigStore(cfg *config.Config, save func(*config.Config) error) *ConfigStore {
	return &ConfigStore{cfg: cfg, save: save}
}

func (s *ConfigStore) Get(name string) (string, error) {
	acct, ok := s.cfg.Account(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return acct.Secret, nil
}

func (s *ConfigStore) Put(name, secret string) error {
	i := slices.IndexFunc(s.cfg.Accounts, func(a config.AccountConfig) bool { return a.Name == name })
	if i >= 0 {
		s.cfg.Accounts[i].Secret = secret
	} else {
		s.cfg.Accounts = append(s.cfg.Accounts, config.AccountConfig{Name: name, Secret: secret})
	}
	if err := s.save(s.cfg); err != nil {
		return fmt.Errorf("saving account %s: %w", name, err)
	}
	return nil
}

func (s *ConfigStore) Names() ([]string, error) {
	names := make([]string, 0, len(s.cfg.Accounts))
	for _, a := range s.cfg.Accounts {
		names = append(names, a.Name)
	}
	slices.Sort(names)
	return names, nil
}

// NewStoreFromConfig creates a Store based on the credentials config type.
func NewStoreFromConfig(cfg *config.Config, configPath string, passphrase PassphraseFunc) (Store, error) {
	switch cfg.Credentials.Type {
	case "config":
		return NewConfigStore(cfg, func(c *config.Config) error { return config.Save(configPath, c) }), nil
	case "age", "":
		if cfg.Credentials.Path == "" {
			return nil, fmt.Errorf("age credentials require path to be set")
		}
		return NewAgeStore(cfg.Credentials.Path, passphrase), nil
	default:
		return nil, fmt.Errorf("unknown credentials type: %q", cfg.Credentials.Type)
	}
}

var (
	_ Store = (*ConfigStore)(nil)
	_ Store = (*AgeStore)(nil)
)
