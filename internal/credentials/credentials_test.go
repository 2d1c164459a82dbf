package credentials

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tbup-go/internal/config"
)

func fixedPassphrase(p string) (PassphraseFunc, *int) {
	calls := 0
	return func() (string, error) {
		calls++
		return p, nil
	}, &calls
}

// newFastAgeStore lowers the scrypt cost so tests stay quick.
func newFastAgeStore(path string, ask PassphraseFunc) *AgeStore {
	s := NewAgeStore(path, ask)
	s.workFactor = 10
	return s
}

func TestAgeStore_PutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "accounts.age")
	ask, calls := fixedPassphrase("correct horse")
	s := newFastAgeStore(path, ask)

	names, err := s.Names()
	require.NoError(t, err)
	require.Empty(t, names)
	require.Equal(t, 0, *calls, "missing file needs no passphrase")

	require.NoError(t, s.Put("main", "NDUS-1"))
	require.NoError(t, s.Put("alt", "NDUS-2"))
	require.NoError(t, s.Put("main", "NDUS-3"))

	got, err := s.Get("main")
	require.NoError(t, err)
	require.Equal(t, "NDUS-3", got)

	names, err = s.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"alt", "main"}, names)
	require.Equal(t, 1, *calls, "passphrase asked once")

	_, err = s.Get("nobody")
	require.ErrorIs(t, err, ErrUnknownAccount)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "NDUS", "secrets must not be stored in the clear")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAgeStore_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.age")
	ask, _ := fixedPassphrase("right")
	require.NoError(t, newFastAgeStore(path, ask).Put("main", "secret"))

	wrong, _ := fixedPassphrase("wrong")
	_, err := newFastAgeStore(path, wrong).Get("main")
	require.Error(t, err)
}

func TestAgeStore_PassphraseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.age")

	require.Error(t, NewAgeStore(path, nil).Put("a", "b"))

	empty, _ := fixedPassphrase("")
	require.Error(t, NewAgeStore(path, empty).Put("a", "b"))

	failing := func() (string, error) { return "", errors.New("no tty") }
	require.Error(t, NewAgeStore(path, failing).Put("a", "b"))
}

func TestConfigStore(t *testing.T) {
	cfg := config.NewConfig("/data")
	cfg.Credentials = config.CredentialsConfig{Type: "config"}
	saves := 0
	s := NewConfigStore(cfg, func(*config.Config) error { saves++; return nil })

	require.NoError(t, s.Put("b", "2"))
	require.NoError(t, s.Put("a", "1"))
	require.NoError(t, s.Put("b", "3"))
	require.Equal(t, 3, saves)

	got, err := s.Get("b")
	require.NoError(t, err)
	require.Equal(t, "3", got)

	names, err := s.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	_, err = s.Get("c")
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestNewStoreFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewConfig(dir)

	s, err := NewStoreFromConfig(cfg, filepath.Join(dir, "tbup.toml"), nil)
	require.NoError(t, err)
	require.IsType(t, &AgeStore{}, s)

	cfg.Credentials.Type = "config"
	s, err = NewStoreFromConfig(cfg, filepath.Join(dir, "tbup.toml"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Put("main", "x"))

	saved, err := config.ReadFromFile(filepath.Join(dir, "tbup.toml"))
	require.NoError(t, err)
	acct, ok := saved.Account("main")
	require.True(t, ok)
	require.Equal(t, "x", acct.Secret)

	cfg.Credentials.Type = "vault"
	_, err = NewStoreFromConfig(cfg, "", nil)
	require.Error(t, err)
}

func TestReadSecret_NonTerminal(t *testing.T) {
	var out bytes.Buffer
	got, err := ReadSecret(&out, strings.NewReader("  abc123 \nrest"), "Cookie: ")
	require.NoError(t, err)
	require.Equal(t, "abc123", got)
	require.Equal(t, "Cookie: ", out.String())

	got, err = ReadSecret(&out, strings.NewReader("no newline"), "")
	require.NoError(t, err)
	require.Equal(t, "no newline", got)

	_, err = ReadSecret(&out, strings.NewReader(""), "")
	require.Error(t, err)
}
