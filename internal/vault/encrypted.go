package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
)

// BlobStore is the opaque byte-level storage an Encrypted vault writes to
// (browser storage equivalent: a file, a cookie jar, a KV bucket).
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, blob []byte) error
	Delete(ctx context.Context) error
}

// ErrNoBlob is returned by BlobStore implementations when nothing is stored.
var ErrNoBlob = errors.New("vault: no stored blob")

// scrypt parameters; interactive-login strength.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltLen      = 16
	sessionBlobV = byte(1)
)

// Encrypted wraps a BlobStore with AES-256-GCM. The key is derived from a
// passphrase with scrypt using a per-vault random salt stored alongside the
// ciphertext.
type Encrypted struct {
	mu    sync.Mutex
	store BlobStore
	pass  []byte
}

// NewEncrypted creates a vault encrypting into the given blob store.
func NewEncrypted(store BlobStore, passphrase string) (*Encrypted, error) {
	if store == nil {
		return nil, errors.New("vault: blob store is required")
	}
	if passphrase == "" {
		return nil, errors.New("vault: passphrase is required")
	}
	return &Encrypted{store: store, pass: []byte(passphrase)}, nil
}

func (e *Encrypted) Get(ctx context.Context) (session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blob, err := e.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoBlob) {
			return session.Session{}, ErrNotFound
		}
		return session.Session{}, fmt.Errorf("vault: load blob: %w", err)
	}

	plain, err := e.open(blob)
	if err != nil {
		return session.Session{}, err
	}

	var s session.Session
	if err := json.Unmarshal(plain, &s); err != nil {
		return session.Session{}, fmt.Errorf("vault: decode session: %w", err)
	}
	return s, nil
}

func (e *Encrypted) Set(ctx context.Context, s session.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	plain, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("vault: encode session: %w", err)
	}
	blob, err := e.seal(plain)
	if err != nil {
		return err
	}
	if err := e.store.Store(ctx, blob); err != nil {
		return fmt.Errorf("vault: store blob: %w", err)
	}
	return nil
}

func (e *Encrypted) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Delete(ctx); err != nil && !errors.Is(err, ErrNoBlob) {
		return fmt.Errorf("vault: delete blob: %w", err)
	}
	return nil
}

// seal produces version || salt || nonce || ciphertext.
func (e *Encrypted) seal(plain []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: salt: %w", err)
	}

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(salt)+len(nonce)+len(plain)+gcm.Overhead())
	blob = append(blob, sessionBlobV)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plain, nil), nil
}

func (e *Encrypted) open(blob []byte) ([]byte, error) {
	if len(blob) < 1+saltLen {
		return nil, errors.New("vault: blob truncated")
	}
	if blob[0] != sessionBlobV {
		return nil, fmt.Errorf("vault: unsupported blob version %d", blob[0])
	}
	salt := blob[1 : 1+saltLen]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	rest := blob[1+saltLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("vault: blob truncated")
	}
	nonce, cipherText := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return plain, nil
}

func (e *Encrypted) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(e.pass, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}

// MemoryBlobStore keeps the encrypted blob in memory. It exists so Encrypted
// can be exercised without a filesystem.
type MemoryBlobStore struct {
	mu   sync.Mutex
	blob []byte
	held bool
}

func NewMemoryBlobStore() *MemoryBlobStore { return &MemoryBlobStore{} }

func (m *MemoryBlobStore) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return nil, ErrNoBlob
	}
	return append([]byte(nil), m.blob...), nil
}

func (m *MemoryBlobStore) Store(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	m.held = true
	return nil
}

func (m *MemoryBlobStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = nil
	m.held = false
	return nil
}

// FileBlobStore persists the encrypted blob at a fixed path with owner-only
// permissions.
type FileBlobStore struct {
	mu   sync.Mutex
	path string
}

// NewFileBlobStore creates a blob store writing to path.
func NewFileBlobStore(path string) (*FileBlobStore, error) {
	if path == "" {
		return nil, errors.New("vault: blob path is required")
	}
	return &FileBlobStore{path: path}, nil
}

func (f *FileBlobStore) Load(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoBlob
		}
		return nil, fmt.Errorf("vault: read blob file: %w", err)
	}
	return blob, nil
}

func (f *FileBlobStore) Store(_ context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Write-then-rename so a crash mid-write never leaves a torn blob.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("vault: write blob file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("vault: commit blob file: %w", err)
	}
	return nil
}

func (f *FileBlobStore) Delete(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoBlob
		}
		return fmt.Errorf("vault: remove blob file: %w", err)
	}
	return nil
}
