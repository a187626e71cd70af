package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

// indexEntry is the reserved keyring account that holds the list of
// stored keys. OS keychains cannot enumerate entries per service, so the
// store maintains the index itself.
const indexEntry = "__keys"

// Keyring stores secrets in the OS-native credential store (Keychain on
// macOS, Secret Service on Linux, Credential Manager on Windows).
type Keyring struct {
	service string

	// mu serializes index read-modify-write cycles.
	mu sync.Mutex
}

// NewKeyring creates a keyring-backed store scoped to the given service
// name.
func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

func (k *Keyring) Set(key string, blob []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, key, string(blob)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}

	return k.addToIndex(key)
}

func (k *Keyring) Get(key string) ([]byte, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("keyring get: %w", err)
	}

	return []byte(v), nil
}

func (k *Keyring) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := keyring.Delete(k.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}

	return k.removeFromIndex(key)
}

func (k *Keyring) ListKeys() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.readIndex()
}

func (k *Keyring) readIndex() ([]string, error) {
	v, err := keyring.Get(k.service, indexEntry)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("keyring index get: %w", err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(v), &keys); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}

	return keys, nil
}

func (k *Keyring) writeIndex(keys []string) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding keyring index: %w", err)
	}

	if err := keyring.Set(k.service, indexEntry, string(data)); err != nil {
		return fmt.Errorf("keyring index set: %w", err)
	}

	return nil
}

func (k *Keyring) addToIndex(key string) error {
	keys, err := k.readIndex()
	if err != nil {
		return err
	}

	if slices.Contains(keys, key) {
		return nil
	}

	return k.writeIndex(append(keys, key))
}

func (k *Keyring) removeFromIndex(key string) error {
	keys, err := k.readIndex()
	if err != nil {
		return err
	}

	i := slices.Index(keys, key)
	if i < 0 {
		return nil
	}

	return k.writeIndex(slices.Delete(keys, i, i+1))
}
