// Package mirror is the local read-optimized copy of public records (§4.5):
// a Postgres table keyed by URI, upserted by PDS round-trips and by the
// streaming ingestor, and read by the dispatcher's built-in query handler,
// the script sandbox's db.* host API, and the admin stats surface.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup by URI finds no row.
var ErrNotFound = errors.New("record not found")

// Record mirrors a single PDS-resident record (§3).
type Record struct {
	URI        string
	DID        string
	Collection string
	RKey       string
	Record     json.RawMessage
	CID        string
	IndexedAt  time.Time
}

// Store is the local mirror's persistence boundary, backed by Postgres via
// database/sql + lib/pq.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Upsert inserts a record or, on URI conflict, replaces record/cid and
// refreshes indexed_at -- the only mutation path besides Delete (§4.5).
func (s *Store) Upsert(ctx context.Context, r Record) error {
	did, collection, rkey, err := ParseATURI(r.URI)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (uri, did, collection, rkey, record, cid, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (uri) DO UPDATE
			SET record = EXCLUDED.record,
			    cid = EXCLUDED.cid,
			    indexed_at = NOW()
	`, r.URI, did, collection, rkey, []byte(r.Record), r.CID)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", r.URI, err)
	}
	return nil
}

// Delete removes the row for uri, if any. Deleting a missing uri is not an
// error -- both PDS deletes and ingested delete events call this
// unconditionally.
func (s *Store) Delete(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", uri, err)
	}
	return nil
}

// Get fetches the single record at uri.
func (s *Store) Get(ctx context.Context, uri string) (Record, error) {
	var r Record
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, did, collection, rkey, record, cid, indexed_at
		FROM records WHERE uri = $1
	`, uri).Scan(&r.URI, &r.DID, &r.Collection, &r.RKey, &raw, &r.CID, &r.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", uri, err)
	}
	r.Record = raw
	return r, nil
}

// ListOptions parameterizes List's pagination (§4.2).
type ListOptions struct {
	Collection string
	DID        string // optional filter
	Limit      int
	Offset     int
}

// List returns records for a collection ordered by indexed_at descending,
// optionally filtered by did, honoring limit+offset pagination.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	var rows *sql.Rows
	var err error

	if opts.DID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT uri, did, collection, rkey, record, cid, indexed_at
			FROM records WHERE collection = $1 AND did = $2
			ORDER BY indexed_at DESC LIMIT $3 OFFSET $4
		`, opts.Collection, opts.DID, opts.Limit, opts.Offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT uri, did, collection, rkey, record, cid, indexed_at
			FROM records WHERE collection = $1
			ORDER BY indexed_at DESC LIMIT $2 OFFSET $3
		`, opts.Collection, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the number of mirrored records in a collection, optionally
// filtered by did, for the admin stats surface.
func (s *Store) Count(ctx context.Context, collection, did string) (int, error) {
	var n int
	var err error
	if did != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE collection = $1 AND did = $2`,
			collection, did).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE collection = $1`, collection).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// SearchOptions parameterizes Search (§4.5).
type SearchOptions struct {
	Collection string
	Field      string
	Query      string
	Limit      int
}

// Search ranks records in a collection by how a JSON field matches Query:
// case-insensitive exact match first, then prefix, then substring, then
// alphabetic.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]Record, error) {
	if !isSafeFieldName(opts.Field) {
		return nil, fmt.Errorf("search: invalid field name %q", opts.Field)
	}

	query := fmt.Sprintf(`
		SELECT uri, did, collection, rkey, record, cid, indexed_at
		FROM records
		WHERE collection = $1 AND record->>'%s' ILIKE '%%' || $2 || '%%'
		ORDER BY
			CASE WHEN LOWER(record->>'%s') = LOWER($2) THEN 0
			     WHEN LOWER(record->>'%s') LIKE LOWER($2) || '%%' THEN 1
			     WHEN LOWER(record->>'%s') ILIKE '%%' || $2 || '%%' THEN 2
			     ELSE 3
			END,
			record->>'%s' ASC
		LIMIT $3
	`, opts.Field, opts.Field, opts.Field, opts.Field, opts.Field)

	rows, err := s.db.QueryContext(ctx, query, opts.Collection, opts.Query, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// isSafeFieldName restricts search's field parameter to a conservative
// identifier shape before it's interpolated into the query, since it can't
// be bound as a placeholder (it addresses a JSON key, not a value).
func isSafeFieldName(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// ErrUnsafeRawQuery is returned when Raw rejects a query on safety grounds.
var ErrUnsafeRawQuery = errors.New("raw query rejected")

// Raw runs a read-only SQL query against the mirror for the script
// sandbox's db.raw host function (§4.8). It accepts only a single SELECT
// statement and only primitive-typed parameters, and returns each row as a
// map keyed by column name.
func (s *Store) Raw(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	if err := validateRawQuery(query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("raw query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("raw query columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, fmt.Errorf("scan raw query row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeRawValue(scanDest[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// validateRawQuery rejects anything whose first keyword isn't SELECT, or
// that contains more than one statement (§4.8).
func validateRawQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if strings.Count(trimmed, ";") > 1 ||
		(strings.Count(trimmed, ";") == 1 && !strings.HasSuffix(trimmed, ";")) {
		return fmt.Errorf("%w: multiple statements", ErrUnsafeRawQuery)
	}
	trimmed = strings.TrimSuffix(trimmed, ";")

	fields := strings.Fields(trimmed)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "select") {
		return fmt.Errorf("%w: only SELECT is permitted", ErrUnsafeRawQuery)
	}
	return nil
}

func normalizeRawValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var raw []byte
		if err := rows.Scan(&r.URI, &r.DID, &r.Collection, &r.RKey, &raw, &r.CID, &r.IndexedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Record = raw
		out = append(out, r)
	}
	return out, rows.Err()
}

// ParseATURI splits an at://did/collection/rkey URI into its components.
func ParseATURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("not an at:// uri: %s", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed at:// uri: %s", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// BuildATURI composes an at:// URI from its components (§8 invariant).
func BuildATURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}
