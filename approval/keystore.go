package approval

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// AlgorithmEd25519 is the only signature algorithm the gate accepts.
const AlgorithmEd25519 = "ed25519"

// SigningKey is the registered public-key metadata for one signing key.
type SigningKey struct {
	// KeyID names the key in approvals
	KeyID string `json:"key_id"`

	// Algorithm is the signature algorithm; only ed25519 is supported
	Algorithm string `json:"algorithm"`

	// PublicKey is the hex-encoded public key
	PublicKey string `json:"public_key"`

	// Revoked keys reject every approval that names them
	Revoked bool `json:"revoked"`

	// CreatedAt is when the key was registered
	CreatedAt time.Time `json:"created_at"`

	// RevokedAt is when the key was revoked
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (k *SigningKey) publicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("key %s public key is not hex: %w", k.KeyID, core.ErrSignatureInvalid)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s public key has wrong length %d: %w", k.KeyID, len(raw), core.ErrSignatureInvalid)
	}
	return ed25519.PublicKey(raw), nil
}

// GenerateKey creates a fresh Ed25519 keypair and its registry record.
// The private key is returned to the caller and never stored here.
func GenerateKey(keyID string) (*SigningKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, core.NewError("approval.GenerateKey", core.KindInternal, err)
	}
	return &SigningKey{
		KeyID:     keyID,
		Algorithm: AlgorithmEd25519,
		PublicKey: hex.EncodeToString(pub),
		CreatedAt: time.Now().UTC(),
	}, priv, nil
}

// KeyStore holds signing-key public metadata. Writes are rare
// (register/revoke) and serialized by the implementation.
type KeyStore interface {
	// Get returns the key or core.ErrSigningKeyNotFound
	Get(keyID string) (*SigningKey, error)

	// Register adds a key; re-registering an existing id is an error
	Register(key *SigningKey) error

	// Revoke marks a key revoked
	Revoke(keyID string) error

	// List returns all keys sorted by id
	List() ([]*SigningKey, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// File Key Store
// ═══════════════════════════════════════════════════════════════════════════

// FileKeyStore persists keys as a JSON document on disk, conventionally
// .gwi/keys.json. The file rides in the repository the way approval files
// do, so a reviewer can audit which keys may authorize runs.
type FileKeyStore struct {
	path   string
	mu     sync.Mutex
	logger core.Logger
}

// NewFileKeyStore creates a key store at the given path. The file is
// created lazily on first Register.
func NewFileKeyStore(path string, logger core.Logger) *FileKeyStore {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("gwi/approval")
		}
	}
	return &FileKeyStore{path: path, logger: logger}
}

type keyringFile struct {
	Keys []*SigningKey `json:"keys"`
}

// load reads the keyring. A missing file is an empty keyring.
func (s *FileKeyStore) load() (*keyringFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &keyringFile{}, nil
	}
	if err != nil {
		return nil, core.NewError("approval.keystore.load", core.KindStore, err)
	}
	var ring keyringFile
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, core.NewError("approval.keystore.load", core.KindStore,
			fmt.Errorf("keyring %s is corrupt: %w", s.path, err))
	}
	return &ring, nil
}

// save writes the keyring through a temp file so a crash mid-write never
// leaves a truncated keyring behind.
func (s *FileKeyStore) save(ring *keyringFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return core.NewError("approval.keystore.save", core.KindStore, err)
	}
	data, err := json.MarshalIndent(ring, "", "  ")
	if err != nil {
		return core.NewError("approval.keystore.save", core.KindStore, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.NewError("approval.keystore.save", core.KindStore, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return core.NewError("approval.keystore.save", core.KindStore, err)
	}
	return nil
}

// Get returns the key with the given id.
func (s *FileKeyStore) Get(keyID string) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, k := range ring.Keys {
		if k.KeyID == keyID {
			copied := *k
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", core.ErrSigningKeyNotFound, keyID)
}

// Register adds a key to the keyring.
func (s *FileKeyStore) Register(key *SigningKey) error {
	if key == nil || key.KeyID == "" {
		return core.NewError("approval.keystore.Register", core.KindValidation,
			fmt.Errorf("key must have an id"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ring, err := s.load()
	if err != nil {
		return err
	}
	for _, k := range ring.Keys {
		if k.KeyID == key.KeyID {
			return core.NewError("approval.keystore.Register", core.KindConflict,
				fmt.Errorf("key %s already registered", key.KeyID))
		}
	}
	copied := *key
	ring.Keys = append(ring.Keys, &copied)
	if err := s.save(ring); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("Signing key registered", map[string]interface{}{
			"key_id":  key.KeyID,
			"keyring": s.path,
		})
	}
	return nil
}

// Revoke marks a key revoked. Approvals signed with it stop verifying.
func (s *FileKeyStore) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, err := s.load()
	if err != nil {
		return err
	}
	for _, k := range ring.Keys {
		if k.KeyID == keyID {
			if !k.Revoked {
				k.Revoked = true
				now := time.Now().UTC()
				k.RevokedAt = &now
			}
			return s.save(ring)
		}
	}
	return fmt.Errorf("%w: %s", core.ErrSigningKeyNotFound, keyID)
}

// List returns all registered keys.
func (s *FileKeyStore) List() ([]*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]*SigningKey, 0, len(ring.Keys))
	for _, k := range ring.Keys {
		copied := *k
		keys = append(keys, &copied)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Memory Key Store
// ═══════════════════════════════════════════════════════════════════════════

// MemoryKeyStore implements KeyStore in process memory, for tests and the
// memory backend.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]*SigningKey
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*SigningKey)}
}

func (s *MemoryKeyStore) Get(keyID string) (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSigningKeyNotFound, keyID)
	}
	copied := *k
	return &copied, nil
}

func (s *MemoryKeyStore) Register(key *SigningKey) error {
	if key == nil || key.KeyID == "" {
		return core.NewError("approval.keystore.Register", core.KindValidation,
			fmt.Errorf("key must have an id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.KeyID]; ok {
		return core.NewError("approval.keystore.Register", core.KindConflict,
			fmt.Errorf("key %s already registered", key.KeyID))
	}
	copied := *key
	s.keys[key.KeyID] = &copied
	return nil
}

func (s *MemoryKeyStore) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSigningKeyNotFound, keyID)
	}
	if !k.Revoked {
		k.Revoked = true
		now := time.Now().UTC()
		k.RevokedAt = &now
	}
	return nil
}

func (s *MemoryKeyStore) List() ([]*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]*SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		copied := *k
		keys = append(keys, &copied)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

var (
	_ KeyStore = (*FileKeyStore)(nil)
	_ KeyStore = (*MemoryKeyStore)(nil)
)
