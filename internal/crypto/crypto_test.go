package crypto_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/technosupport/ts-devicehub/internal/crypto"
)

func TestXChaCha_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	plaintext := []byte("secret payload")
	aad := []byte("CAM010")

	nonce, ciphertext, err := crypto.EncryptXChaCha(key, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(nonce) != 24 {
		t.Fatalf("expected 24-byte nonce, got %d", len(nonce))
	}

	decrypted, err := crypto.DecryptXChaCha(key, nonce, ciphertext, aad)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("Decrypted text mismatch")
	}
}

func TestXChaCha_AADMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	nonce, ciphertext, _ := crypto.EncryptXChaCha(key, []byte("secret"), []byte("CAM010"))

	_, err := crypto.DecryptXChaCha(key, nonce, ciphertext, []byte("CAM011"))
	if !errors.Is(err, crypto.ErrDecryption) {
		t.Errorf("Expected ErrDecryption with wrong AAD, got %v", err)
	}
}

func TestXChaCha_Tamper(t *testing.T) {
	key, _ := crypto.GenerateKey()
	nonce, ciphertext, _ := crypto.EncryptXChaCha(key, []byte("secret"), nil)

	ciphertext[0] ^= 0xFF
	if _, err := crypto.DecryptXChaCha(key, nonce, ciphertext, nil); err == nil {
		t.Error("Expected error on ciphertext tamper")
	}

	if _, _, err := crypto.EncryptXChaCha([]byte("short"), []byte("x"), nil); !errors.Is(err, crypto.ErrInvalidKeySize) {
		t.Errorf("Expected ErrInvalidKeySize, got %v", err)
	}
}

func keysJSON(t *testing.T, keys map[string][]byte) string {
	t.Helper()
	var list []crypto.MasterKey
	for kid, k := range keys {
		list = append(list, crypto.MasterKey{KID: kid, Material: base64.StdEncoding.EncodeToString(k)})
	}
	out, err := json.Marshal(list)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestKeyring_SealOpenAndRotate(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()

	old := crypto.NewKeyring()
	if err := old.Load(keysJSON(t, map[string][]byte{"key-1": k1}), "key-1"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sealed, err := old.Seal([]byte("hunter2"), []byte("CAM010"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Rotate: key-2 becomes active, key-1 stays for reading.
	kr := crypto.NewKeyring()
	if err := kr.Load(keysJSON(t, map[string][]byte{"key-1": k1, "key-2": k2}), "key-2"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	plain, err := kr.Open(sealed, []byte("CAM010"))
	if err != nil {
		t.Fatalf("Open of old value failed: %v", err)
	}
	if string(plain) != "hunter2" {
		t.Errorf("got %q", plain)
	}

	resealed, _ := kr.Seal(plain, []byte("CAM010"))
	if !bytes.Contains(resealed, []byte("key-2")) {
		t.Error("Expected new values sealed with the active key")
	}

	if _, err := kr.Open(sealed, []byte("CAM011")); err == nil {
		t.Error("Expected AAD binding to the device id")
	}
	if _, err := kr.Open([]byte{9, 9}, nil); !errors.Is(err, crypto.ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestKeyring_Failures(t *testing.T) {
	kr := crypto.NewKeyring()
	if err := kr.Load("", "k"); err == nil {
		t.Error("Expected error on empty keys")
	}

	badKey := base64.StdEncoding.EncodeToString([]byte("short"))
	if err := kr.Load(`[{"kid":"bad","material":"`+badKey+`"}]`, "bad"); err == nil || !strings.Contains(err.Error(), "invalid key length") {
		t.Error("Expected invalid length error")
	}

	k, _ := crypto.GenerateKey()
	if err := kr.Load(keysJSON(t, map[string][]byte{"a": k}), "b"); err == nil {
		t.Error("Expected missing active key error")
	}

	if _, err := kr.Seal([]byte("x"), nil); !errors.Is(err, crypto.ErrActiveKeyUnset) {
		t.Errorf("Expected ErrActiveKeyUnset, got %v", err)
	}
}
