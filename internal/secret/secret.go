// Package secret persists agent credentials encrypted at rest.
package secret

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shafraz007/endpoint-agent/internal/fileutil"
)

// Well-known keys.
const (
	ClientSecret = "client_secret"
	AuthToken    = "auth_token"
	RefreshToken = "refresh_token"
)

var ErrNotFound = errors.New("secret not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// FileStore keeps every secret in one sealed file. The key lives in a
// separate file readable only by the agent's user.
type FileStore struct {
	dataPath string
	keyPath  string

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore stores secrets under dir as secrets.dat and secrets.key.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dataPath: filepath.Join(dir, "secrets.dat"),
		keyPath:  filepath.Join(dir, "secrets.key"),
	}
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return value, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = append([]byte(nil), value...)
	return s.save(values)
}

func (s *FileStore) load() (map[string][]byte, error) {
	sealed, err := os.ReadFile(s.dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}

	aead, err := s.cipher(false)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("secrets file is truncated")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting secrets: %w", err)
	}

	values := map[string][]byte{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}
	return values, nil
}

func (s *FileStore) save(values map[string][]byte) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}
	aead, err := s.cipher(true)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	if err := fileutil.WriteFileAtomic(s.dataPath, sealed, 0o600); err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	return nil
}

// cipher loads the key file, creating it when create is set.
func (s *FileStore) cipher(create bool) (cipher.AEAD, error) {
	key, err := os.ReadFile(s.keyPath)
	if errors.Is(err, fs.ErrNotExist) && create {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		if err := fileutil.WriteFileAtomic(s.keyPath, key, 0o600); err != nil {
			return nil, fmt.Errorf("writing key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	return aead, nil
}
