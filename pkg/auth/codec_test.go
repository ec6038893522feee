package auth

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func testClaims() *Claims {
	userID := uuid.New()
	projectID := uuid.New()
	return &Claims{
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		UserID:    &userID,
		ProjectID: &projectID,
		Roles: RoleSet{
			Global:  []uuid.UUID{uuid.New()},
			Project: []uuid.UUID{uuid.New(), uuid.New()},
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec([][]byte{testKey(t)})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	claims := testClaims()
	token, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		t.Errorf("token %q missing %q prefix", token, TokenPrefix)
	}

	decoded, err := codec.Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !decoded.ExpiresAt.Equal(claims.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", decoded.ExpiresAt, claims.ExpiresAt)
	}
	if decoded.UserID == nil || *decoded.UserID != *claims.UserID {
		t.Errorf("UserID = %v, want %v", decoded.UserID, claims.UserID)
	}
	if len(decoded.Roles.Project) != 2 {
		t.Errorf("got %d project roles, want 2", len(decoded.Roles.Project))
	}
}

func TestCodecKeyRotation(t *testing.T) {
	oldKey := testKey(t)
	newKey := testKey(t)

	oldCodec, err := NewCodec([][]byte{oldKey})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	token, err := oldCodec.Encode(testClaims())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	t.Run("rotated codec still opens old tokens", func(t *testing.T) {
		rotated, err := NewCodec([][]byte{newKey, oldKey})
		if err != nil {
			t.Fatalf("NewCodec failed: %v", err)
		}
		if _, err := rotated.Decode(token); err != nil {
			t.Errorf("Decode after rotation failed: %v", err)
		}
	})

	t.Run("dropped key invalidates old tokens", func(t *testing.T) {
		replaced, err := NewCodec([][]byte{newKey})
		if err != nil {
			t.Fatalf("NewCodec failed: %v", err)
		}
		if _, err := replaced.Decode(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("want ErrInvalidToken, got %v", err)
		}
	})
}

func TestCodecDecodeRejects(t *testing.T) {
	codec, err := NewCodec([][]byte{testKey(t)})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	token, err := codec.Encode(testClaims())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing prefix", strings.TrimPrefix(token, TokenPrefix)},
		{"wrong prefix", "spoke_" + strings.TrimPrefix(token, TokenPrefix)},
		{"not base64", TokenPrefix + "!!!not-base64!!!"},
		{"truncated", token[:len(token)/2]},
		{"tampered", token[:len(token)-2] + "zz"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Decode(%q) = %v, want ErrInvalidToken", tt.token, err)
			}
		})
	}
}

func TestParseKeys(t *testing.T) {
	t.Run("rejects short keys", func(t *testing.T) {
		if _, err := ParseKeys([]string{"c2hvcnQ="}); err == nil {
			t.Error("short key should be rejected")
		}
	})

	t.Run("rejects invalid base64", func(t *testing.T) {
		if _, err := ParseKeys([]string{"not base64"}); err == nil {
			t.Error("invalid base64 should be rejected")
		}
	})
}

func TestNewCodecRequiresKeys(t *testing.T) {
	_, err := NewCodec(nil)
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Errorf("want ConfigurationError, got %v", err)
	}
}
