package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// saltLen is the length of the per-store random salt.
	saltLen = 16

	// dirPerm and filePerm harden the store directory and secret files
	// against other local users.
	dirPerm  = fs.FileMode(0o700)
	filePerm = fs.FileMode(0o600)

	secretExt = ".secret"
	saltFile  = "salt"
)

// FileStore is the fallback Store for systems without a usable OS
// keychain. Each secret lives in its own file under baseDir, encrypted
// with AES-GCM under a key derived from the store password via scrypt.
// File format: [12-byte IV][ciphertext+GCM tag].
type FileStore struct {
	baseDir string
	gcm     cipher.AEAD
}

// NewFileStore opens (or initializes) an encrypted file store at baseDir.
// The salt is created on first use and persisted next to the secrets.
func NewFileStore(baseDir, password string) (*FileStore, error) {
	if password == "" {
		return nil, fmt.Errorf("file secret store requires a non-empty password")
	}

	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating secret store directory: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(baseDir, saltFile))
	if err != nil {
		return nil, err
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	zeroKey(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &FileStore{baseDir: baseDir, gcm: gcm}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}

	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	if err := os.WriteFile(path, salt, filePerm); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}

	return salt, nil
}

// zeroKey overwrites key material once the cipher has been constructed.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// path maps a key to its file. Keys are base64url-encoded so arbitrary
// user ids (emails) become safe file names, and ListKeys can decode
// them back.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, base64.RawURLEncoding.EncodeToString([]byte(key))+secretExt)
}

func (s *FileStore) Set(key string, blob []byte) error {
	iv := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generating IV: %w", err)
	}

	out := s.gcm.Seal(iv, iv, blob, nil)

	if err := os.WriteFile(s.path(key), out, filePerm); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}

	return nil
}

func (s *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("secret file too short")
	}

	plain, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret: %w", err)
	}

	return plain, nil
}

func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}

	return nil
}

func (s *FileStore) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}

	var keys []string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, secretExt) {
			continue
		}

		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, secretExt))
		if err != nil {
			// Not one of ours.
			continue
		}

		keys = append(keys, string(decoded))
	}

	return keys, nil
}
