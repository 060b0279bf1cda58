package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

// ServiceName is the keyring service the client stores its secrets under.
const ServiceName = "gwclient"

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Vault stores account secrets in the system keyring.
type Vault struct {
	ring keyring.Keyring
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring}
}

// DefaultDir returns the directory of the encrypted file backend used
// when no system keyring is available.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "credentials")
	}
	return filepath.Join(home, ".config", "gwclient", "credentials")
}

// Open returns a Vault backed by the first keyring backend available on
// this system. dir is used by the file backend.
func Open(service, dir string) (*Vault, error) {
	if service == "" {
		service = ServiceName
	}
	if dir == "" {
		dir = DefaultDir()
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

// Get retrieves a secret by key.
func (v *Vault) Get(key string) (string, error) {
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret under key.
func (v *Vault) Set(key, value string) error {
	err := v.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a secret. Deleting a missing key is not an error.
func (v *Vault) Delete(key string) error {
	err := v.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// PasswordKey is the key of the backend password of username.
func PasswordKey(username string) string {
	return "password:" + username
}

// IMAPPasswordKey is the key of the IMAP password of username.
func IMAPPasswordKey(username string) string {
	return "imap-password:" + username
}

// SessionKey is the key of the session token issued to username.
func SessionKey(username string) string {
	return "session:" + username
}

// Password returns the stored backend password of username.
func (v *Vault) Password(username string) (string, error) {
	return v.Get(PasswordKey(username))
}

// SetPassword stores the backend password of username.
func (v *Vault) SetPassword(username, password string) error {
	return v.Set(PasswordKey(username), password)
}

// Forget removes every secret stored for username.
func (v *Vault) Forget(username string) error {
	return errors.Join(
		v.Delete(PasswordKey(username)),
		v.Delete(IMAPPasswordKey(username)),
		v.Delete(SessionKey(username)),
	)
}
