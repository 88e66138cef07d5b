package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"lexhost/internal/db/postgres"
	"lexhost/internal/ingest"
	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
)

func setupAdminDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping admin integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, goose.Up(db, "../db/postgres/migrations"))
	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE records, lexicons, admins, backfill_jobs`)
		_ = db.Close()
	})
	return db
}

func newTestHandlers(t *testing.T, db *sql.DB, bootstrapSecret string) *Handlers {
	t.Helper()
	lexicons := postgres.NewLexiconRepo(db)
	registry := lexicon.NewRegistry(lexicons, nil)
	require.NoError(t, registry.LoadFromStore(context.Background()))
	return New(
		registry, lexicon.NewFilterChannel(), mirror.New(db),
		lexicons, postgres.NewBackfillRepo(db), postgres.NewAdminRepo(db),
		nil, nil, bootstrapSecret, nil,
	)
}

func doRequest(h http.HandlerFunc, method, target, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestRequireAdminAcceptsBootstrapSecretWhenNoAdminsExist(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "root-secret")

	called := false
	handler := h.RequireAdmin(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := doRequest(handler, http.MethodGet, "/admin/stats", "", "root-secret")
	require.Equal(t, http.StatusOK, rec.Code) // handler never writes, so default 200
	require.True(t, called)
}

func TestRequireAdminRejectsMissingAuthHeader(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "root-secret")

	handler := h.RequireAdmin(func(w http.ResponseWriter, r *http.Request) { t.Fatal("must not reach handler") })
	rec := doRequest(handler, http.MethodGet, "/admin/stats", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminRejectsWrongBootstrapSecret(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "root-secret")

	handler := h.RequireAdmin(func(w http.ResponseWriter, r *http.Request) { t.Fatal("must not reach handler") })
	rec := doRequest(handler, http.MethodGet, "/admin/stats", "", "not-the-secret")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpsertLexiconRejectsInvalidDocumentWithoutPersisting(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "")

	body := `{"id":"x.y.bad","lexicon":2,"defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}` // unsupported lexicon version
	rec := doRequest(http.HandlerFunc(h.UpsertLexicon), http.MethodPost, "/admin/lexicons", body, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM lexicons WHERE id = 'x.y.bad'`).Scan(&count))
	require.Zero(t, count)
}

func TestUpsertLexiconCreatesThenIncrementsRevision(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "")

	doc := `{"id":"x.y.widget","lexicon":1,"target_collection":"x.y.widget","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`
	rec := doRequest(http.HandlerFunc(h.UpsertLexicon), http.MethodPost, "/admin/lexicons", doc, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var first lexiconSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, 1, first.Revision)

	rec2 := doRequest(http.HandlerFunc(h.UpsertLexicon), http.MethodPost, "/admin/lexicons", doc, "")
	require.Equal(t, http.StatusOK, rec2.Code)
	var second lexiconSummary
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	require.Equal(t, 2, second.Revision)

	_, ok := h.registry.Get("x.y.widget")
	require.True(t, ok)
}

func TestDeleteLexiconReturnsNotFoundForMissingID(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "")

	r := chi.NewRouter()
	r.Delete("/admin/lexicons/{id}", h.DeleteLexicon)

	req := httptest.NewRequest(http.MethodDelete, "/admin/lexicons/x.y.missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsCountsOnlyRecordLexicons(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "")

	doc := `{"id":"x.y.widget","lexicon":1,"target_collection":"x.y.widget","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`
	rec := doRequest(http.HandlerFunc(h.UpsertLexicon), http.MethodPost, "/admin/lexicons", doc, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	queryDoc := `{"id":"x.y.listWidgets","lexicon":1,"target_collection":"x.y.widget","defs":{"main":{"type":"query"}}}`
	queryRec := doRequest(http.HandlerFunc(h.UpsertLexicon), http.MethodPost, "/admin/lexicons", queryDoc, "")
	require.Equal(t, http.StatusCreated, queryRec.Code)

	require.NoError(t, mirror.New(db).Upsert(context.Background(), mirror.Record{
		URI: "at://did:plc:alice/x.y.widget/k1", Collection: "x.y.widget",
		Record: json.RawMessage(`{}`), CID: "bafy",
	}))

	statsRec := doRequest(http.HandlerFunc(h.Stats), http.MethodGet, "/admin/stats", "", "")
	require.Equal(t, http.StatusOK, statsRec.Code)

	var stats []collectionStat
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	require.Equal(t, "x.y.widget", stats[0].Collection)
	require.Equal(t, 1, stats[0].Count)
}

func TestListAndRemoveNetworkLexicons(t *testing.T) {
	db := setupAdminDB(t)
	h := newTestHandlers(t, db, "")

	_, err := postgres.NewLexiconRepo(db).Upsert(context.Background(),
		json.RawMessage(`{"id":"com.example.widget","lexicon":1,"defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`),
		"com.example.widget",
		postgres.UpsertOptions{Source: lexicon.SourceNetwork, AuthorityDID: "did:plc:authority"},
	)
	require.NoError(t, err)

	listRec := doRequest(http.HandlerFunc(h.ListNetworkLexicons), http.MethodGet, "/admin/network-lexicons", "", "")
	require.Equal(t, http.StatusOK, listRec.Code)
	var entries []networkLexiconSummary
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "did:plc:authority", entries[0].AuthorityDID)

	r := chi.NewRouter()
	r.Delete("/admin/network-lexicons/{nsid}", h.RemoveNetworkLexicon)
	req := httptest.NewRequest(http.MethodDelete, "/admin/network-lexicons/com.example.widget", nil)
	delRec := httptest.NewRecorder()
	r.ServeHTTP(delRec, req)
	require.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestCreateAndListBackfillJobs(t *testing.T) {
	db := setupAdminDB(t)
	jobs := postgres.NewBackfillRepo(db)

	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"repos":[],"cursor":""}`))
	}))
	defer directory.Close()
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer broker.Close()

	registry := lexicon.NewRegistry(postgres.NewLexiconRepo(db), nil)
	require.NoError(t, registry.LoadFromStore(context.Background()))

	h := New(
		registry, lexicon.NewFilterChannel(), mirror.New(db),
		postgres.NewLexiconRepo(db), jobs, postgres.NewAdminRepo(db),
		nil, ingest.NewBackfiller(broker.URL, "", directory.URL, http.DefaultClient, registry, jobs), "", nil,
	)

	rec := doRequest(http.HandlerFunc(h.CreateBackfill), http.MethodPost, "/admin/backfill", `{"collection":"x.y.widget"}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created createBackfillResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	listRec := doRequest(http.HandlerFunc(h.ListBackfillJobs), http.MethodGet, "/admin/backfill/status", "", "")
	require.Equal(t, http.StatusOK, listRec.Code)
	var listed []postgres.BackfillJob
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
}
