package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes")
	ErrDecryption     = errors.New("decryption failed: invalid key, tag, or context")
)

// EncryptXChaCha encrypts plaintext with XChaCha20-Poly1305. The returned
// ciphertext carries the tag; the 24-byte nonce is random.
func EncryptXChaCha(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func DecryptXChaCha(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	out, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryption
	}
	return out, nil
}
