// Package postgres is the lib/pq-backed persistence layer for lexicons,
// backfill jobs, and admins: raw parameterized SQL over database/sql,
// sql.NullString for optional columns. A missing row is reported through a
// false result (Authenticate's ok, the deletes' existed), not through
// ErrNotFound, which no function in this package returns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"lexhost/internal/lexicon"
)

// ErrNotFound mirrors the package-level not-found convention used across
// this module's storage layers.
var ErrNotFound = errors.New("not found")

// LexiconRepo persists lexicon documents.
type LexiconRepo struct {
	db *sql.DB
}

// NewLexiconRepo wraps an open database handle.
func NewLexiconRepo(db *sql.DB) *LexiconRepo { return &LexiconRepo{db: db} }

type lexiconRow struct {
	ID               string
	LexiconJSON      []byte
	Revision         int
	Source           string
	TargetCollection sql.NullString
	Action           sql.NullString
	Script           sql.NullString
	Backfill         bool
	AuthorityDID     sql.NullString
	LastFetchedAt    sql.NullTime
}

func (row lexiconRow) toParsed() (lexicon.Parsed, error) {
	opts := lexicon.ParseOptions{
		Revision:         row.Revision,
		TargetCollection: row.TargetCollection.String,
		Action:           lexicon.ParseActionString(row.Action.String),
		Script:           row.Script.String,
		Backfill:         row.Backfill,
		Source:           lexicon.Source(row.Source),
		AuthorityDID:     row.AuthorityDID.String,
	}
	if row.LastFetchedAt.Valid {
		opts.LastFetchedAt = row.LastFetchedAt.Time
	}
	return lexicon.Parse(row.LexiconJSON, opts)
}

// LoadAllLexicons implements lexicon.Store for the registry's initial load.
func (r *LexiconRepo) LoadAllLexicons(ctx context.Context) ([]lexicon.Parsed, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lexicon_json, revision, source, target_collection, action, script, backfill, authority_did, last_fetched_at
		FROM lexicons
	`)
	if err != nil {
		return nil, fmt.Errorf("load lexicons: %w", err)
	}
	defer rows.Close()

	var out []lexicon.Parsed
	for rows.Next() {
		var row lexiconRow
		if err := rows.Scan(&row.ID, &row.LexiconJSON, &row.Revision, &row.Source,
			&row.TargetCollection, &row.Action, &row.Script, &row.Backfill,
			&row.AuthorityDID, &row.LastFetchedAt); err != nil {
			return nil, fmt.Errorf("scan lexicon row: %w", err)
		}
		parsed, err := row.toParsed()
		if err != nil {
			// Parse failures at load time are logged and skipped, not fatal (§4.1).
			log.Printf("skipping stored lexicon %s: %v", row.ID, err)
			continue
		}
		out = append(out, parsed)
	}
	return out, rows.Err()
}

// UpsertOptions carries the admin-supplied fields that accompany a raw
// lexicon document into storage.
type UpsertOptions struct {
	TargetCollection string
	Action           string
	Script           string
	Backfill         bool
	Source           lexicon.Source
	AuthorityDID     string
}

// Upsert inserts a new lexicon or replaces an existing one, incrementing
// revision on replace, and returns the fully parsed, stored value.
func (r *LexiconRepo) Upsert(ctx context.Context, raw json.RawMessage, id string, opts UpsertOptions) (lexicon.Parsed, error) {
	var revision int
	var lastFetchedAt sql.NullTime
	if opts.Source == "" {
		opts.Source = lexicon.SourceManual
	}
	if opts.Source == lexicon.SourceNetwork {
		lastFetchedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO lexicons (id, lexicon_json, revision, source, target_collection, action, script, backfill, authority_did, last_fetched_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			lexicon_json = EXCLUDED.lexicon_json,
			revision = lexicons.revision + 1,
			source = EXCLUDED.source,
			target_collection = EXCLUDED.target_collection,
			action = EXCLUDED.action,
			script = EXCLUDED.script,
			backfill = EXCLUDED.backfill,
			authority_did = EXCLUDED.authority_did,
			last_fetched_at = COALESCE(EXCLUDED.last_fetched_at, lexicons.last_fetched_at),
			updated_at = NOW()
		RETURNING revision
	`, id, []byte(raw), string(opts.Source), nullableString(opts.TargetCollection),
		nullableString(opts.Action), nullableString(opts.Script), opts.Backfill,
		nullableString(opts.AuthorityDID), lastFetchedAt).Scan(&revision)
	if err != nil {
		return lexicon.Parsed{}, fmt.Errorf("upsert lexicon %s: %w", id, err)
	}

	return lexicon.Parse(raw, lexicon.ParseOptions{
		Revision:         revision,
		TargetCollection: opts.TargetCollection,
		Action:           lexicon.ParseActionString(opts.Action),
		Script:           opts.Script,
		Backfill:         opts.Backfill,
		Source:           opts.Source,
		AuthorityDID:     opts.AuthorityDID,
		LastFetchedAt:    lastFetchedAt.Time,
	})
}

// Delete removes a lexicon row, reporting whether it existed.
func (r *LexiconRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM lexicons WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete lexicon %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// NetworkEntry summarizes a network-tracked lexicon for the admin list
// surface (§4.13).
type NetworkEntry struct {
	NSID             string
	AuthorityDID     string
	TargetCollection string
	LastFetchedAt    *time.Time
	CreatedAt        time.Time
}

// ListNetwork returns every lexicon whose source is 'network'.
func (r *LexiconRepo) ListNetwork(ctx context.Context) ([]NetworkEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, authority_did, target_collection, last_fetched_at, created_at
		FROM lexicons WHERE source = 'network' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list network lexicons: %w", err)
	}
	defer rows.Close()

	var out []NetworkEntry
	for rows.Next() {
		var e NetworkEntry
		var authorityDID, targetCollection sql.NullString
		var lastFetchedAt sql.NullTime
		if err := rows.Scan(&e.NSID, &authorityDID, &targetCollection, &lastFetchedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan network lexicon row: %w", err)
		}
		e.AuthorityDID = authorityDID.String
		e.TargetCollection = targetCollection.String
		if lastFetchedAt.Valid {
			t := lastFetchedAt.Time
			e.LastFetchedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteNetwork removes a network-sourced lexicon by nsid, reporting
// whether it existed.
func (r *LexiconRepo) DeleteNetwork(ctx context.Context, nsid string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM lexicons WHERE id = $1 AND source = 'network'`, nsid)
	if err != nil {
		return false, fmt.Errorf("delete network lexicon %s: %w", nsid, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
