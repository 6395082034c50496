package site

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealInfo binds derived keys to the cache file format.
var sealInfo = []byte("plejd-mesh site cache v1")

var errSealedTooShort = errors.New("site: sealed data too short")

// deriveSealKey stretches the configured cache secret into a cipher key.
func deriveSealKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, sealInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("site: HKDF: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext as nonce || ciphertext || tag.
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("site: new cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("site: random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, sealInfo), nil
}

func open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("site: new cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, sealInfo)
	if err != nil {
		return nil, fmt.Errorf("site: decrypt: %w", err)
	}
	return plaintext, nil
}
