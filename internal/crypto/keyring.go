package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeyNotFound    = errors.New("key not found in keyring")
	ErrActiveKeyUnset = errors.New("active master key identifier not set or found")
	ErrMalformed      = errors.New("malformed sealed value")
)

const sealedVersion = 1

type MasterKey struct {
	KID      string `json:"kid"`
	Material string `json:"material"` // Base64
}

// Keyring holds the master keys used to seal device secrets at rest. The
// active key seals; any known key opens, so keys can be rotated.
type Keyring struct {
	keys      map[string][]byte
	activeKID string
}

func NewKeyring() *Keyring {
	return &Keyring{
		keys: make(map[string][]byte),
	}
}

// Load parses keysJSON (a JSON array of {kid, material}) and selects the
// active key. Strict validation: any bad entry fails the whole load.
func (k *Keyring) Load(keysJSON, activeKID string) error {
	if keysJSON == "" {
		return errors.New("master keys are empty")
	}
	if activeKID == "" {
		return errors.New("active master key id is empty")
	}

	var rawKeys []MasterKey
	if err := json.Unmarshal([]byte(keysJSON), &rawKeys); err != nil {
		return fmt.Errorf("failed to parse master keys: %w", err)
	}

	keys := make(map[string][]byte, len(rawKeys))
	for _, rk := range rawKeys {
		if rk.KID == "" {
			return errors.New("found master key with empty KID")
		}
		if len(rk.KID) > 255 {
			return fmt.Errorf("master key KID too long: %s", rk.KID)
		}
		if _, exists := keys[rk.KID]; exists {
			return fmt.Errorf("duplicate master key KID: %s", rk.KID)
		}

		decoded, err := base64.StdEncoding.DecodeString(rk.Material)
		if err != nil {
			return fmt.Errorf("invalid base64 for key %s: %w", rk.KID, err)
		}
		if len(decoded) != chacha20poly1305.KeySize {
			return fmt.Errorf("invalid key length for %s: expected 32 bytes, got %d", rk.KID, len(decoded))
		}
		keys[rk.KID] = decoded
	}

	if _, ok := keys[activeKID]; !ok {
		return fmt.Errorf("active key %s not found in master keys", activeKID)
	}
	k.keys = keys
	k.activeKID = activeKID
	return nil
}

func (k *Keyring) ActiveKID() string { return k.activeKID }

// Seal encrypts plaintext under the active key. Layout:
// version(1) | len(kid)(1) | kid | nonce(24) | ciphertext+tag.
func (k *Keyring) Seal(plaintext, aad []byte) ([]byte, error) {
	key, ok := k.keys[k.activeKID]
	if k.activeKID == "" || !ok {
		return nil, ErrActiveKeyUnset
	}

	nonce, ct, err := EncryptXChaCha(key, plaintext, aad)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(k.activeKID)+len(nonce)+len(ct))
	out = append(out, sealedVersion, byte(len(k.activeKID)))
	out = append(out, k.activeKID...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Open reverses Seal with whichever key sealed the value.
func (k *Keyring) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 2 || sealed[0] != sealedVersion {
		return nil, ErrMalformed
	}
	kidLen := int(sealed[1])
	rest := sealed[2:]
	if len(rest) < kidLen+chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}

	kid := string(rest[:kidLen])
	key, ok := k.keys[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	nonce := rest[kidLen : kidLen+chacha20poly1305.NonceSizeX]
	return DecryptXChaCha(key, nonce, rest[kidLen+chacha20poly1305.NonceSizeX:], aad)
}

// GenerateKey creates a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
