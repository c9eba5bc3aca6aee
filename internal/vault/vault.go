// Package vault encrypts bot secrets and tokens at rest with AES-256-GCM.
//
// Stored layout is base64(iv[12] | tag[16] | ciphertext). Decrypt also accepts
// the Go-native base64(nonce | ciphertext | tag) layout.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/betbot/bothost/pkg/secretstore"
)

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16

	scryptSalt = "salt"
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
)

var ErrCiphertext = errors.New("vault: malformed ciphertext")

// Cipher holds a ready AES-GCM instance for one master key.
type Cipher struct {
	gcm cipher.AEAD
}

func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key length must be %d, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

// KeyFromPassphrase derives the master key with scrypt.
func KeyFromPassphrase(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("vault: empty passphrase")
	}
	return scrypt.Key([]byte(passphrase), []byte(scryptSalt), scryptN, scryptR, scryptP, KeySize)
}

// LoadKey picks the raw master key (base64/hex) when set, otherwise derives from passphrase.
func LoadKey(masterKey, passphrase string) ([]byte, error) {
	if strings.TrimSpace(masterKey) != "" {
		k, err := secretstore.ParseKey(masterKey)
		if err != nil {
			return nil, fmt.Errorf("vault: master key: %w", err)
		}
		return k, nil
	}
	return KeyFromPassphrase(passphrase)
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	sealed := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return "", ErrCiphertext
	}
	if len(raw) < nonceSize+tagSize {
		return "", ErrCiphertext
	}
	iv := raw[:nonceSize]

	// iv | tag | ct
	tag, ct := raw[nonceSize:nonceSize+tagSize], raw[nonceSize+tagSize:]
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	if pt, err := c.gcm.Open(nil, iv, sealed, nil); err == nil {
		return string(pt), nil
	}

	// nonce | ct | tag
	pt, err := c.gcm.Open(nil, iv, raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(pt), nil
}
