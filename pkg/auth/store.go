package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// TokenStore mints and verifies bearer tokens. Two implementations exist:
// EncryptedTokenStore keeps no server side state, DatabaseTokenStore keeps a
// row per token and supports first class revocation.
type TokenStore interface {
	Mint(ctx context.Context, claims *Claims) (string, error)
	Verify(ctx context.Context, token string) (*Claims, error)
	Revoke(ctx context.Context, token string) error
}

// decryptCacheSize bounds the per-process cache of verified tokens
const decryptCacheSize = 4096

// EncryptedTokenStore issues self contained encrypted tokens. Verification
// is a local decrypt, cached per token. Revocation requires a deny-list;
// without one Revoke returns ErrRevokeUnsupported.
type EncryptedTokenStore struct {
	codec    *Codec
	cache    *lru.Cache[string, Claims]
	denylist *Denylist
}

// NewEncryptedTokenStore creates an encrypted token store. denylist may be
// nil, disabling revocation.
func NewEncryptedTokenStore(codec *Codec, denylist *Denylist) (*EncryptedTokenStore, error) {
	cache, err := lru.New[string, Claims](decryptCacheSize)
	if err != nil {
		return nil, err
	}
	return &EncryptedTokenStore{
		codec:    codec,
		cache:    cache,
		denylist: denylist,
	}, nil
}

// Mint seals the claims into a token
func (s *EncryptedTokenStore) Mint(ctx context.Context, claims *Claims) (string, error) {
	return s.codec.Encode(claims)
}

// Verify decrypts a token and checks expiry and the deny-list
func (s *EncryptedTokenStore) Verify(ctx context.Context, token string) (*Claims, error) {
	if s.denylist != nil {
		denied, err := s.denylist.Contains(ctx, token)
		if err != nil {
			return nil, err
		}
		if denied {
			return nil, ErrInvalidToken
		}
	}

	claims, ok := s.cache.Get(token)
	if !ok {
		decoded, err := s.codec.Decode(token)
		if err != nil {
			return nil, err
		}
		claims = *decoded
		s.cache.Add(token, claims)
	}
	if claims.Expired() {
		s.cache.Remove(token)
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Revoke adds the token to the deny-list until its natural expiry
func (s *EncryptedTokenStore) Revoke(ctx context.Context, token string) error {
	if s.denylist == nil {
		return ErrRevokeUnsupported
	}
	claims, err := s.codec.Decode(token)
	if err != nil {
		return ErrInvalidToken
	}
	s.cache.Remove(token)
	return s.denylist.Add(ctx, token, claims.ExpiresAt)
}

// DatabaseTokenStore issues random opaque tokens and keeps the claims in
// Postgres, keyed by the token's SHA-256 so a database leak does not leak
// usable tokens.
type DatabaseTokenStore struct {
	db *sql.DB
}

// NewDatabaseTokenStore creates a database backed token store
func NewDatabaseTokenStore(db *sql.DB) *DatabaseTokenStore {
	return &DatabaseTokenStore{db: db}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Mint generates a random token and persists its claims
func (s *DatabaseTokenStore) Mint(ctx context.Context, claims *Claims) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	tokenID := uuid.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (id, token_hash, user_id, service_account_id, project_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tokenID, hashToken(token), claims.UserID, claims.ServiceAccountID, claims.ProjectID, claims.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	insertRoles := func(ids []uuid.UUID, projectScoped bool) error {
		for _, roleID := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO token_roles (token_id, role_id, project_scoped)
				VALUES ($1, $2, $3)
			`, tokenID, roleID, projectScoped); err != nil {
				return fmt.Errorf("failed to store token role: %w", err)
			}
		}
		return nil
	}
	if err := insertRoles(claims.Roles.Global, false); err != nil {
		return "", err
	}
	if err := insertRoles(claims.Roles.Project, true); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit token: %w", err)
	}
	return token, nil
}

// Verify looks up a token by hash. Expired rows are deleted lazily on the
// verification that finds them.
func (s *DatabaseTokenStore) Verify(ctx context.Context, token string) (*Claims, error) {
	hash := hashToken(token)

	var tokenID uuid.UUID
	var claims Claims
	var userID, serviceAccountID, projectID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, service_account_id, project_id, expires_at
		FROM tokens WHERE token_hash = $1
	`, hash).Scan(&tokenID, &userID, &serviceAccountID, &projectID, &claims.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if claims.Expired() {
		s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, tokenID)
		return nil, ErrInvalidToken
	}

	parse := func(v sql.NullString) (*uuid.UUID, error) {
		if !v.Valid {
			return nil, nil
		}
		id, err := uuid.Parse(v.String)
		if err != nil {
			return nil, err
		}
		return &id, nil
	}
	if claims.UserID, err = parse(userID); err != nil {
		return nil, fmt.Errorf("corrupt token row %s: %w", tokenID, err)
	}
	if claims.ServiceAccountID, err = parse(serviceAccountID); err != nil {
		return nil, fmt.Errorf("corrupt token row %s: %w", tokenID, err)
	}
	if claims.ProjectID, err = parse(projectID); err != nil {
		return nil, fmt.Errorf("corrupt token row %s: %w", tokenID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id, project_scoped FROM token_roles WHERE token_id = $1`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID uuid.UUID
		var projectScoped bool
		if err := rows.Scan(&roleID, &projectScoped); err != nil {
			return nil, err
		}
		if projectScoped {
			claims.Roles.Project = append(claims.Roles.Project, roleID)
		} else {
			claims.Roles.Global = append(claims.Roles.Global, roleID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Revoke deletes the token row. Revoking an unknown token is ErrInvalidToken.
func (s *DatabaseTokenStore) Revoke(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token_hash = $1`, hashToken(token))
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidToken
	}
	return nil
}

// CleanupExpired removes expired token rows. Run periodically; lazy deletion
// on Verify only catches tokens that are still being presented.
func (s *DatabaseTokenStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
