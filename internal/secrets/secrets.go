// Package secrets stores agent credentials. On macOS they live in the
// system Keychain; elsewhere a no-op store makes Get miss cleanly so
// credential resolution falls through to ACPX_AUTH_* environment variables.
package secrets

import "errors"

// ServiceName is the keychain service under which acpx tokens are filed.
const ServiceName = "acpx"

// ErrNotFound is returned when a credential is not in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the store cannot persist credentials
// on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore is a platform credential store. Implementations must be
// safe for concurrent use.
type SecretStore interface {
	// Get retrieves the value for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set stores a value, replacing any existing credential.
	Set(service, account, value string) error

	// Delete removes a credential. Returns ErrNotFound if it does not exist.
	Delete(service, account string) error

	// IsSupported reports whether this store can persist credentials.
	IsSupported() bool
}

// store is set by the platform init().
var store SecretStore

// Default returns the store for the current platform, never nil.
func Default() SecretStore {
	if store == nil {
		store = &NoopStore{}
	}
	return store
}

// IsSupported reports whether persistent credential storage is available.
func IsSupported() bool {
	return Default().IsSupported()
}

// GetToken retrieves the named acpx token.
func GetToken(name string) (string, error) {
	return Default().Get(ServiceName, name)
}

// SetToken stores the named acpx token.
func SetToken(name, value string) error {
	return Default().Set(ServiceName, name, value)
}

// DeleteToken removes the named acpx token.
func DeleteToken(name string) error {
	return Default().Delete(ServiceName, name)
}
