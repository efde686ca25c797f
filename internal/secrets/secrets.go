// Package secrets stores the backend bearer token outside the config files.
// On macOS the system Keychain is used; other platforms have no secure
// store and rely on the FUNDCHAT_TOKEN environment variable or --token.
package secrets

import (
	"errors"
	"os"
	"strings"
	"sync"
)

const (
	// ServiceName is the keychain service fundchat credentials are filed under.
	ServiceName = "FundChat"

	// AccountBearerToken holds the token sent in the chat handshake.
	AccountBearerToken = "bearer-token"

	// TokenEnv overrides the stored token.
	TokenEnv = "FUNDCHAT_TOKEN"
)

var (
	// ErrNotFound is returned when a credential is not in the store.
	ErrNotFound = errors.New("credential not found")

	// ErrNotSupported is returned when the platform has no secure store.
	ErrNotSupported = errors.New("secret store not supported on this platform")
)

// SecretStore is a keyed credential store. Implementations are safe for
// concurrent use.
type SecretStore interface {
	// Get returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)
	// Set creates or replaces a credential.
	Set(service, account, secret string) error
	// Delete returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error
	IsSupported() bool
}

var (
	mu    sync.RWMutex
	store SecretStore = platformStore()
)

// Default returns the platform SecretStore.
func Default() SecretStore {
	mu.RLock()
	defer mu.RUnlock()
	return store
}

// SetDefault replaces the platform store and returns a function restoring
// the previous one. Used by tests.
func SetDefault(s SecretStore) (restore func()) {
	mu.Lock()
	prev := store
	store = s
	mu.Unlock()
	return func() {
		mu.Lock()
		store = prev
		mu.Unlock()
	}
}

// IsSupported reports whether secure credential storage is available.
func IsSupported() bool {
	return Default().IsSupported()
}

// GetToken returns the stored bearer token.
func GetToken() (string, error) {
	return Default().Get(ServiceName, AccountBearerToken)
}

// SetToken stores the bearer token.
func SetToken(token string) error {
	return Default().Set(ServiceName, AccountBearerToken, token)
}

// DeleteToken removes the stored bearer token.
func DeleteToken() error {
	return Default().Delete(ServiceName, AccountBearerToken)
}

// TokenSource names where ResolveToken found the token.
type TokenSource string

const (
	TokenSourceNone  TokenSource = ""
	TokenSourceFlag  TokenSource = "flag"
	TokenSourceEnv   TokenSource = "env"
	TokenSourceStore TokenSource = "keychain"
)

// ResolveToken picks the bearer token from, in order: the explicit value
// (the --token flag), the FUNDCHAT_TOKEN environment variable, and the
// secret store. An empty result is not an error; the chat reports the
// missing credential when a query is submitted.
func ResolveToken(explicit string) (string, TokenSource, error) {
	if t := strings.TrimSpace(explicit); t != "" {
		return t, TokenSourceFlag, nil
	}
	if t := strings.TrimSpace(os.Getenv(TokenEnv)); t != "" {
		return t, TokenSourceEnv, nil
	}
	t, err := GetToken()
	switch {
	case err == nil:
		return t, TokenSourceStore, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotSupported):
		return "", TokenSourceNone, nil
	default:
		return "", TokenSourceNone, err
	}
}
