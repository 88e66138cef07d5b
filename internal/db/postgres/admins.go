package postgres

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// AdminRepo persists admin API keys as SHA-256 digests; plaintext keys are
// never stored (§3).
type AdminRepo struct {
	db *sql.DB
}

// NewAdminRepo wraps an open database handle.
func NewAdminRepo(db *sql.DB) *AdminRepo { return &AdminRepo{db: db} }

// HashKey returns the persisted digest for a plaintext admin key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate looks up an admin by the hash of a presented key.
func (r *AdminRepo) Authenticate(ctx context.Context, key string) (id string, ok bool, err error) {
	hash := HashKey(key)
	err = r.db.QueryRowContext(ctx, `SELECT id::text FROM admins WHERE key_hash = $1`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("authenticate admin: %w", err)
	}
	return id, true, nil
}

// Count reports how many admin rows exist, used to decide whether the
// bootstrap secret should stand in (§4.10).
func (r *AdminRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admins`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}

// TouchLastUsed updates last_used_at for id. Callers invoke this
// fire-and-forget; a failure here must never fail the request it
// authenticated (§4.10).
func (r *AdminRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE admins SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

// ConstantTimeEqual compares two secrets without leaking timing
// information, used to check the bootstrap secret.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
