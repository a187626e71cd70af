// Package secrets provides opaque storage for credential blobs keyed by
// user id. Implementations must never write blob contents anywhere a
// non-secret medium can observe them (logs, config files, error messages).
package secrets

import "errors"

// ErrNotFound is returned by Get when no secret exists for the key.
var ErrNotFound = errors.New("secret not found")

// Store is the contract a backing secret store must satisfy. Any OS
// keychain, encrypted file, or secret manager works.
type Store interface {
	// Set writes the blob under key, replacing any previous value.
	Set(key string, blob []byte) error

	// Get returns the blob for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Delete removes the secret for key. Deleting an absent key is not
	// an error.
	Delete(key string) error

	// ListKeys returns every key with a stored secret.
	ListKeys() ([]string, error)
}
