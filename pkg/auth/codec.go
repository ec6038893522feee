package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenPrefix marks every token this service issues, making leaked tokens
// greppable in logs and config.
const TokenPrefix = "deli_"

// keySize is AES-256
const keySize = 32

// Codec encrypts claims into opaque bearer tokens. Keys are ordered newest
// first: tokens are always sealed with the first key and opened with
// whichever key succeeds, so rotation is adding a key at the front and
// letting tokens sealed with older keys age out.
type Codec struct {
	aeads []cipher.AEAD
}

// ParseKeys decodes base64 key material for NewCodec. Each key must decode
// to exactly 32 bytes.
func ParseKeys(encoded []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(encoded))
	for i, s := range encoded {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("key %d is not valid base64: %w", i, err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("key %d is %d bytes, want %d", i, len(key), keySize)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// NewCodec creates a codec from raw 32 byte keys, newest first
func NewCodec(keys [][]byte) (*Codec, error) {
	if len(keys) == 0 {
		return nil, NewConfigurationError("token codec", "at least one token key is required")
	}
	aeads := make([]cipher.AEAD, 0, len(keys))
	for i, key := range keys {
		if len(key) != keySize {
			return nil, NewConfigurationError("token codec", "key %d is %d bytes, want %d", i, len(key), keySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, NewConfigurationError("token codec", "key %d: %v", i, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, NewConfigurationError("token codec", "key %d: %v", i, err)
		}
		aeads = append(aeads, aead)
	}
	return &Codec{aeads: aeads}, nil
}

// Encode seals claims into a bearer token using the newest key
func (c *Codec) Encode(claims *Claims) (string, error) {
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	aead := c.aeads[0]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a bearer token, trying each key newest first. Any failure is
// ErrInvalidToken: the caller learns nothing about why a token was rejected.
func (c *Codec) Decode(token string) (*Claims, error) {
	encoded, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return nil, ErrInvalidToken
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}

	for _, aead := range c.aeads {
		if len(sealed) < aead.NonceSize() {
			continue
		}
		nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			continue
		}
		var claims Claims
		if err := json.Unmarshal(plaintext, &claims); err != nil {
			return nil, ErrInvalidToken
		}
		return &claims, nil
	}
	return nil, ErrInvalidToken
}
