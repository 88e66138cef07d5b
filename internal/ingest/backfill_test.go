package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"lexhost/internal/db/postgres"
	"lexhost/internal/lexicon"
)

func TestBackfillRunPaginatesDedupesAndCompletes(t *testing.T) {
	db := setupTestDB(t)
	lexRepo := postgres.NewLexiconRepo(db)
	jobs := postgres.NewBackfillRepo(db)
	registry := lexicon.NewRegistry(lexRepo, log.Default())

	var repoCalls int
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repoCalls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"repos":[{"did":"did:plc:a"},{"did":"did:plc:b"}],"cursor":"page2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"repos":[{"did":"did:plc:b"},{"did":"did:plc:c"}],"cursor":""}`))
	}))
	defer directory.Close()

	var addedBatches [][]string
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/add", r.URL.Path)
		var body struct {
			DIDs []string `json:"dids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		addedBatches = append(addedBatches, body.DIDs)
		w.WriteHeader(http.StatusOK)
	}))
	defer broker.Close()

	b := NewBackfiller(broker.URL, "", directory.URL, nil, registry, jobs)

	ctx := context.Background()
	jobID, err := jobs.Create(ctx, "x.y.z", "")
	require.NoError(t, err)

	b.Run(ctx, jobID, "x.y.z")

	require.Equal(t, 2, repoCalls)
	require.Len(t, addedBatches, 1)
	require.ElementsMatch(t, []string{"did:plc:a", "did:plc:b", "did:plc:c"}, addedBatches[0])

	all, err := jobs.List(ctx)
	require.NoError(t, err)
	require.Equal(t, postgres.BackfillCompleted, all[0].Status)
	require.NotNil(t, all[0].TotalRecords)
	require.Equal(t, 3, *all[0].TotalRecords)
}

func TestBackfillTargetCollectionsFallsBackToBackfillFlagged(t *testing.T) {
	db := setupTestDB(t)
	lexRepo := postgres.NewLexiconRepo(db)
	jobs := postgres.NewBackfillRepo(db)
	registry := lexicon.NewRegistry(lexRepo, log.Default())

	_, err := lexRepo.Upsert(context.Background(),
		json.RawMessage(`{"lexicon":1,"id":"a.b.c","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`),
		"a.b.c", postgres.UpsertOptions{Backfill: true})
	require.NoError(t, err)
	_, err = lexRepo.Upsert(context.Background(),
		json.RawMessage(`{"lexicon":1,"id":"d.e.f","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`),
		"d.e.f", postgres.UpsertOptions{Backfill: false})
	require.NoError(t, err)
	require.NoError(t, registry.LoadFromStore(context.Background()))

	b := NewBackfiller("http://broker.example", "", "http://directory.example", nil, registry, jobs)
	collections := b.targetCollections("")
	require.Equal(t, []string{"a.b.c"}, collections)
}
