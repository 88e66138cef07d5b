package mirror

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to a Postgres instance and runs migrations. Skips
// instead of failing when no test database is configured, since this suite
// is meant to run against a real Postgres in CI, not sqlite/mocks.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping mirror store integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	require.NoError(t, goose.Up(db, "../db/postgres/migrations"))
	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE records`)
		_ = db.Close()
	})
	return db
}

func TestStoreUpsertGetDelete(t *testing.T) {
	db := setupTestDB(t)
	store := New(db)
	ctx := context.Background()

	uri := BuildATURI("did:plc:test", "x.y.z", "k1")
	err := store.Upsert(ctx, Record{
		URI:    uri,
		Record: []byte(`{"name":"A"}`),
		CID:    "bafyA",
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, "did:plc:test", got.DID)
	require.Equal(t, "x.y.z", got.Collection)
	require.Equal(t, "k1", got.RKey)
	require.JSONEq(t, `{"name":"A"}`, string(got.Record))

	err = store.Upsert(ctx, Record{URI: uri, Record: []byte(`{"name":"B"}`), CID: "bafyB"})
	require.NoError(t, err)
	got, err = store.Get(ctx, uri)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"B"}`, string(got.Record))

	require.NoError(t, store.Delete(ctx, uri))
	_, err = store.Get(ctx, uri)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListPaginationAndCount(t *testing.T) {
	db := setupTestDB(t)
	store := New(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		uri := BuildATURI("did:plc:test", "x.y.list", string(rune('a'+i)))
		require.NoError(t, store.Upsert(ctx, Record{URI: uri, Record: []byte(`{}`), CID: "bafy"}))
	}

	page, err := store.List(ctx, ListOptions{Collection: "x.y.list", Limit: 2, Offset: 0})
	require.NoError(t, err)
	require.Len(t, page, 2)

	n, err := store.Count(ctx, "x.y.list", "")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestParseATURI(t *testing.T) {
	did, collection, rkey, err := ParseATURI("at://did:plc:abc/x.y.z/k1")
	require.NoError(t, err)
	require.Equal(t, "did:plc:abc", did)
	require.Equal(t, "x.y.z", collection)
	require.Equal(t, "k1", rkey)

	_, _, _, err = ParseATURI("not-a-uri")
	require.Error(t, err)
}
