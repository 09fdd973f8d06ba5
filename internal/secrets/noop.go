package secrets

// NoopStore is the stand-in on platforms without a system credential
// store. Get misses with ErrNotFound so callers fall back to environment
// variables; writes report ErrNotSupported.
type NoopStore struct{}

// Get returns ErrNotFound.
func (n *NoopStore) Get(service, account string) (string, error) {
	return "", ErrNotFound
}

// Set returns ErrNotSupported.
func (n *NoopStore) Set(service, account, value string) error {
	return ErrNotSupported
}

// Delete returns ErrNotSupported.
func (n *NoopStore) Delete(service, account string) error {
	return ErrNotSupported
}

// IsSupported returns false.
func (n *NoopStore) IsSupported() bool {
	return false
}
