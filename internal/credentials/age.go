package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"filippo.io/age"
)

// PassphraseFunc supplies the passphrase that protects the account file.
type PassphraseFunc func() (string, error)

// AgeStore keeps secrets in a JSON document encrypted with age's
// scrypt passphrase mode. The passphrase is requested at most once.
type AgeStore struct {
	path       string
	ask        PassphraseFunc
	passphrase string
	asked      bool

	// workFactor overrides age's scrypt cost when positive.
	workFactor int
}

// NewAgeStore creates an AgeStore for the file at path.
func NewAgeStore(path string, ask PassphraseFunc) *AgeStore {
	return &AgeStore{path: path, ask: ask}
}

func (s *AgeStore) getPassphrase() (string, error) {
	if s.asked {
		return s.passphrase, nil
	}
	if s.ask == nil {
		return "", errors.New("no passphrase source")
	}
	p, err := s.ask()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if p == "" {
		return "", errors.New("empty passphrase")
	}
	s.passphrase, s.asked = p, true
	return p, nil
}

// load decrypts the account file. A missing file is an empty set.
func (s *AgeStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading account file: %w", err)
	}

	passphrase, err := s.getPassphrase()
	if err != nil {
		return nil, err
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting account file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted account file: %w", err)
	}

	accounts := map[string]string{}
	if err := json.Unmarshal(plain, &accounts); err != nil {
		return nil, fmt.Errorf("parsing account file: %w", err)
	}
	return accounts, nil
}

func (s *AgeStore) store(accounts map[string]string) error {
	passphrase, err := s.getPassphrase()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("encoding accounts: %w", err)
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypting accounts: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating account file directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing account file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing account file: %w", err)
	}
	return nil
}

// Get returns the secret of the named account.
func (s *AgeStore) Get(name string) (string, error) {
	accounts, err := s.load()
	if err != nil {
		return "", err
	}
	secret, ok := accounts[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return secret, nil
}

// Put adds or replaces the secret of the named account.
func (s *AgeStore) Put(name, secret string) error {
	accounts, err := s.load()
	if err != nil {
		return err
	}
	accounts[name] = secret
	return s.store(accounts)
}

// Names lists the stored accounts in sorted order.
func (s *AgeStore) Names() ([]string, error) {
	accounts, err := s.load()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(accounts)), nil
}
