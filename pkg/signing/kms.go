package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Keystore is the on-disk JSON format for persisted signing keys.
type Keystore struct {
	ActiveKeyID string            `json:"active_key_id"`
	Keys        map[string]string `json:"keys"` // key id -> base64 ed25519 seed
}

// LocalKMS is a file-backed KeyCapability using Ed25519 with versioned keys.
// Rotation generates a new active key while old keys remain available so
// signatures on historical events keep verifying for the full retention
// window.
type LocalKMS struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	keys  map[string]ed25519.PrivateKey // decoded keys cache
}

// NewLocalKMS loads or creates a local keystore at the given path.
// If the file does not exist, an initial key ("neuroledger-key-1") is generated.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{
		path: keystorePath,
		keys: make(map[string]ed25519.PrivateKey),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}

		keyID := "neuroledger-key-1"
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("kms: generate key: %w", err)
		}

		k.store = Keystore{
			ActiveKeyID: keyID,
			Keys:        map[string]string{keyID: base64.StdEncoding.EncodeToString(priv.Seed())},
		}
		k.keys[keyID] = priv

		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for keyID, encoded := range k.store.Keys {
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key %s: %w", keyID, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("kms: key %s invalid seed length %d (need %d)", keyID, len(seed), ed25519.SeedSize)
		}
		k.keys[keyID] = ed25519.NewKeyFromSeed(seed)
	}

	if _, ok := k.keys[k.store.ActiveKeyID]; !ok {
		return nil, fmt.Errorf("kms: active key %q not in keystore", k.store.ActiveKeyID)
	}

	return k, nil
}

// Sign signs the digest with the requested key.
func (k *LocalKMS) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.RLock()
	priv, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kms: unknown key %q", keyID)
	}

	return ed25519.Sign(priv, digest), nil
}

// Verify checks the signature against the requested key's public half.
func (k *LocalKMS) Verify(ctx context.Context, keyID string, digest []byte, sig []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	k.mu.RLock()
	priv, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("kms: unknown key %q", keyID)
	}

	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, digest, sig), nil
}

// ActiveKeyID returns the key id used for new signatures.
func (k *LocalKMS) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveKeyID
}

// Rotate generates a new active key. Old keys remain for verification.
func (k *LocalKMS) Rotate() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	keyID := fmt.Sprintf("neuroledger-key-%d", len(k.store.Keys)+1)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("kms: generate key: %w", err)
	}

	k.store.Keys[keyID] = base64.StdEncoding.EncodeToString(priv.Seed())
	k.store.ActiveKeyID = keyID
	k.keys[keyID] = priv

	if err := k.persist(); err != nil {
		return "", err
	}
	return keyID, nil
}

// persist writes the keystore to disk with restricted permissions.
func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}
