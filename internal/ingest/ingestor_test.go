package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"lexhost/internal/db/postgres"
	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
)

func TestWSURLSwitchesScheme(t *testing.T) {
	g := &Ingestor{brokerURL: "https://broker.example"}
	require.Equal(t, "wss://broker.example/channel", g.wsURL())

	g = &Ingestor{brokerURL: "http://broker.internal:8080"}
	require.Equal(t, "ws://broker.internal:8080/channel", g.wsURL())
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping ingest integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, goose.Up(db, "../db/postgres/migrations"))
	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE records, lexicons`)
		_ = db.Close()
	})
	return db
}

func TestHandleRecordUpsertsAndDeletes(t *testing.T) {
	db := setupTestDB(t)
	store := mirror.New(db)
	registry := lexicon.NewRegistry(postgres.NewLexiconRepo(db), log.Default())
	g := New("http://broker.example", "", nil, registry, lexicon.NewFilterChannel(), store, postgres.NewLexiconRepo(db), nil)

	ctx := context.Background()
	err := g.handleRecord(ctx, RecordEvent{
		DID: "did:plc:alice", Collection: "x.y.z", RKey: "k1",
		Action: "create", Record: json.RawMessage(`{"name":"A"}`), CID: "bafyA",
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "at://did:plc:alice/x.y.z/k1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"A"}`, string(got.Record))

	err = g.handleRecord(ctx, RecordEvent{
		DID: "did:plc:alice", Collection: "x.y.z", RKey: "k1", Action: "delete",
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "at://did:plc:alice/x.y.z/k1")
	require.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestHandleSchemaEventIgnoresUntrackedAuthority(t *testing.T) {
	db := setupTestDB(t)
	store := mirror.New(db)
	lexRepo := postgres.NewLexiconRepo(db)
	registry := lexicon.NewRegistry(lexRepo, log.Default())
	g := New("http://broker.example", "", nil, registry, lexicon.NewFilterChannel(), store, lexRepo, nil)

	err := g.handleRecord(context.Background(), RecordEvent{
		DID:        "did:plc:stranger",
		Collection: lexicon.SchemaCollection,
		RKey:       "n.s.i.d",
		Action:     "create",
		Record:     json.RawMessage(`{"lexicon":1,"id":"n.s.i.d","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`),
	})
	require.NoError(t, err)

	require.Equal(t, 0, registry.Count())
}

func TestHandleSchemaEventUpdatesTrackedNetworkLexicon(t *testing.T) {
	db := setupTestDB(t)
	store := mirror.New(db)
	lexRepo := postgres.NewLexiconRepo(db)

	_, err := lexRepo.Upsert(context.Background(), json.RawMessage(`{"lexicon":1,"id":"n.s.i.d","defs":{"main":{"type":"query"}}}`),
		"n.s.i.d", postgres.UpsertOptions{Source: lexicon.SourceNetwork, AuthorityDID: "did:plc:authority"})
	require.NoError(t, err)

	registry := lexicon.NewRegistry(lexRepo, log.Default())
	require.NoError(t, registry.LoadFromStore(context.Background()))

	filter := lexicon.NewFilterChannel()
	g := New("http://broker.example", "", nil, registry, filter, store, lexRepo, nil)

	err = g.handleRecord(context.Background(), RecordEvent{
		DID:        "did:plc:authority",
		Collection: lexicon.SchemaCollection,
		RKey:       "n.s.i.d",
		Action:     "update",
		Record:     json.RawMessage(`{"lexicon":1,"id":"n.s.i.d","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`),
	})
	require.NoError(t, err)

	p, ok := registry.Get("n.s.i.d")
	require.True(t, ok)
	require.Equal(t, lexicon.TypeRecord, p.Type)
	require.Equal(t, 2, p.Revision)

	select {
	case collections := <-filter.C():
		require.Contains(t, collections, "n.s.i.d")
	default:
		t.Fatal("expected filter channel to receive a push on record type flip")
	}
}
