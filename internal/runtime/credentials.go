package runtime

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
)

// Environment keys for the four OAuth secrets.
const (
	EnvClientID     = "GMAIL_CLIENT_ID"
	EnvClientSecret = "GMAIL_CLIENT_SECRET"
	EnvRedirectURI  = "GMAIL_REDIRECT_URI"
	EnvRefreshToken = "GMAIL_REFRESH_TOKEN"
)

// EnvKeyringPassphrase unlocks the file keyring backend without a prompt.
const EnvKeyringPassphrase = "CHRONOREPLY_KEYRING_PASSPHRASE"

const keyringService = "chronoreply"

// ErrSecretNotFound is returned by a SecretStore that has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Credentials are the OAuth2 client settings plus a long-lived refresh token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	RefreshToken string
}

// Validate reports every missing field at once.
func (c Credentials) Validate() error {
	var missing []string
	for _, f := range c.fields() {
		if strings.TrimSpace(*f.value) == "" {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

type credentialField struct {
	key   string
	value *string
}

func (c *Credentials) fields() []credentialField {
	return []credentialField{
		{EnvClientID, &c.ClientID},
		{EnvClientSecret, &c.ClientSecret},
		{EnvRedirectURI, &c.RedirectURI},
		{EnvRefreshToken, &c.RefreshToken},
	}
}

// SecretStore is a fallback source for credentials not found in the environment.
type SecretStore interface {
	Secret(key string) (string, error)
}

// CredentialSources lists where LoadCredentials looks, in priority order:
// the process environment, EnvFile, then Store.
type CredentialSources struct {
	Env     func(string) (string, bool)
	EnvFile string
	Store   SecretStore
}

// LoadCredentials resolves each secret from the first source that has it.
// A missing EnvFile is not an error.
func LoadCredentials(src CredentialSources) (Credentials, error) {
	lookup := src.Env
	if lookup == nil {
		lookup = os.LookupEnv
	}
	fileVals := map[string]string{}
	if strings.TrimSpace(src.EnvFile) != "" {
		vals, err := godotenv.Read(src.EnvFile)
		switch {
		case err == nil:
			fileVals = vals
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Credentials{}, fmt.Errorf("read env file %s: %w", src.EnvFile, err)
		}
	}

	var creds Credentials
	for _, f := range creds.fields() {
		if v, ok := lookup(f.key); ok && strings.TrimSpace(v) != "" {
			*f.value = strings.TrimSpace(v)
			continue
		}
		if v := strings.TrimSpace(fileVals[f.key]); v != "" {
			*f.value = v
			continue
		}
		if src.Store == nil {
			continue
		}
		v, err := src.Store.Secret(f.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("read %s from secret store: %w", f.key, err)
		}
		*f.value = strings.TrimSpace(v)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// KeyringStore reads and writes credentials in the OS keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// backend under fileDir.
func OpenKeyring(fileDir string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// filePassword reads the file backend passphrase from the environment,
// falling back to an interactive terminal prompt.
func filePassword(prompt string) (string, error) {
	if v, ok := os.LookupEnv(EnvKeyringPassphrase); ok && v != "" {
		return v, nil
	}
	return keyring.TerminalPrompt(prompt)
}

func (k *KeyringStore) Secret(key string) (string, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Save writes all four secrets to the keyring.
func (k *KeyringStore) Save(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	for _, f := range creds.fields() {
		if err := k.ring.Set(keyring.Item{Key: f.key, Data: []byte(*f.value)}); err != nil {
			return fmt.Errorf("set %q: %w", f.key, err)
		}
	}
	return nil
}

var _ SecretStore = (*KeyringStore)(nil)
