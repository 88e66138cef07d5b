package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"lexhost/internal/dpop"
	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
)

func TestValidateAcceptsHandleFunction(t *testing.T) {
	require.NoError(t, Validate("function handle() return {} end"))
}

func TestValidateRejectsMissingHandle(t *testing.T) {
	err := Validate("function other() return {} end")
	require.Error(t, err)
}

func TestValidateRejectsSyntaxError(t *testing.T) {
	err := Validate("function handle(")
	require.Error(t, err)
}

func TestSandboxRemovesDangerousGlobals(t *testing.T) {
	err := Validate(`
		if os ~= nil or io ~= nil or debug ~= nil or require ~= nil then
			error("dangerous global still present")
		end
		function handle() return {} end
	`)
	require.NoError(t, err)
}

func TestValidateDoesNotRunInfiniteLoopInHandle(t *testing.T) {
	err := Validate(`
		function handle()
			while true do end
		end
	`)
	// Validate only compiles; the infinite loop lives in handle(), which
	// Validate never calls, so compilation alone must still succeed.
	require.NoError(t, err)
}

func setupSandboxDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping sandbox integration test")
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

func TestExecuteQueryRunsDBGetAndCount(t *testing.T) {
	db := setupSandboxDB(t)
	store := mirror.New(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, mirror.Record{
		URI: "at://did:plc:alice/x.y.z/k1", Record: json.RawMessage(`{"name":"Ada"}`), CID: "bafyA",
	}))

	p := lexicon.Parsed{
		TargetCollection: "x.y.z",
		Script: `
			function handle()
				local count = db.count(collection)
				local rec = db.get("at://did:plc:alice/x.y.z/k1")
				return { count = count, name = rec.name }
			end
		`,
	}

	out, err := ExecuteQuery(ctx, "x.y.count", map[string]string{}, p, store, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":1,"name":"Ada"}`, string(out))
}

func TestExecuteQueryToArrayEmptyIsJSONArray(t *testing.T) {
	db := setupSandboxDB(t)
	store := mirror.New(db)

	p := lexicon.Parsed{
		TargetCollection: "x.y.z",
		Script: `
			function handle()
				return toarray({})
			end
		`,
	}

	out, err := ExecuteQuery(context.Background(), "x.y.list", map[string]string{}, p, store, nil)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(out))
}

func TestExecuteProcedureCreatesRecordViaPDSAndMirrorsIt(t *testing.T) {
	db := setupSandboxDB(t)
	store := mirror.New(db)

	key, err := dpop.GenerateKey()
	require.NoError(t, err)

	pdsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uri":"at://did:plc:alice/x.y.z/k1","cid":"bafyNew"}`))
	}))
	defer pdsSrv.Close()

	session := pdsclient.Session{AccessToken: "tok", PDSEndpoint: pdsSrv.URL, DPoPKey: key}
	pds := pdsclient.New(nil)

	p := lexicon.Parsed{
		TargetCollection: "x.y.z",
		Script: `
			function handle()
				local r = Record("x.y.z", { name = input.name })
				r:save()
				return { uri = r._uri }
			end
		`,
	}

	out, err := ExecuteProcedure(context.Background(), "x.y.create", "did:plc:alice",
		json.RawMessage(`{"name":"Ada"}`), p, nil, session, pds, store, nil)
	require.NoError(t, err)

	var result struct {
		URI string `json:"uri"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "at://did:plc:alice/x.y.z/k1", result.URI)

	mirrored, err := store.Get(context.Background(), result.URI)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Ada","$type":"x.y.z"}`, string(mirrored.Record))
}

func TestExecuteProcedureGenerateRkeyAndLoadRoundTrip(t *testing.T) {
	db := setupSandboxDB(t)
	store := mirror.New(db)

	key, err := dpop.GenerateKey()
	require.NoError(t, err)

	var lastRkey string
	pdsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Rkey string `json:"rkey"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		lastRkey = body.Rkey
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uri":"at://did:plc:alice/x.y.z/` + body.Rkey + `","cid":"bafyNew"}`))
	}))
	defer pdsSrv.Close()

	session := pdsclient.Session{AccessToken: "tok", PDSEndpoint: pdsSrv.URL, DPoPKey: key}
	pds := pdsclient.New(nil)

	p := lexicon.Parsed{
		TargetCollection: "x.y.z",
		Script: `
			function handle()
				local r = Record("x.y.z", { name = input.name })
				r:set_key_type("literal:fixed-key")
				local rkey = r:generate_rkey()
				r:save()
				local loaded = Record.load(r._uri)
				return { rkey = rkey, uri = r._uri, loaded_name = loaded.name }
			end
		`,
	}

	out, err := ExecuteProcedure(context.Background(), "x.y.create", "did:plc:alice",
		json.RawMessage(`{"name":"Ada"}`), p, nil, session, pds, store, nil)
	require.NoError(t, err)
	require.Equal(t, "fixed-key", lastRkey)

	var result struct {
		Rkey       string `json:"rkey"`
		URI        string `json:"uri"`
		LoadedName string `json:"loaded_name"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "fixed-key", result.Rkey)
	require.Equal(t, "Ada", result.LoadedName)
}

func TestExecuteProcedureSaveFiltersToSchemaProperties(t *testing.T) {
	db := setupSandboxDB(t)
	store := mirror.New(db)

	key, err := dpop.GenerateKey()
	require.NoError(t, err)

	var sentBody map[string]any
	pdsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sentBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"uri":"at://did:plc:alice/x.y.z/k1","cid":"bafyNew"}`))
	}))
	defer pdsSrv.Close()

	session := pdsclient.Session{AccessToken: "tok", PDSEndpoint: pdsSrv.URL, DPoPKey: key}
	pds := pdsclient.New(nil)

	schema := lexicon.Parsed{
		ID:     "x.y.z",
		Type:   lexicon.TypeRecord,
		Record: json.RawMessage(`{"properties":{"name":{"type":"string"}}}`),
	}
	registry := lexicon.NewRegistry(stubLoader{}, nil)
	registry.Upsert(schema)

	p := lexicon.Parsed{
		TargetCollection: "x.y.z",
		Script: `
			function handle()
				local r = Record("x.y.z", { name = input.name })
				r.extra = "leaked if unfiltered"
				r._foo = "also leaked if unfiltered"
				r:save()
				return { uri = r._uri }
			end
		`,
	}

	_, err = ExecuteProcedure(context.Background(), "x.y.create", "did:plc:alice",
		json.RawMessage(`{"name":"Ada"}`), p, registry, session, pds, store, nil)
	require.NoError(t, err)

	record, ok := sentBody["record"].(map[string]any)
	require.True(t, ok, "request body missing record field: %+v", sentBody)
	require.Equal(t, map[string]any{"name": "Ada", "$type": "x.y.z"}, record)
}

type stubLoader struct{}

func (stubLoader) LoadAllLexicons(ctx context.Context) ([]lexicon.Parsed, error) {
	return nil, nil
}

func TestExecuteProcedureGenerateRkeyRejectsNsidPolicy(t *testing.T) {
	db := setupSandboxDB(t)
	store := mirror.New(db)

	key, err := dpop.GenerateKey()
	require.NoError(t, err)
	session := pdsclient.Session{AccessToken: "tok", PDSEndpoint: "http://unused.invalid", DPoPKey: key}
	pds := pdsclient.New(nil)

	p := lexicon.Parsed{
		TargetCollection: "x.y.z",
		Script: `
			function handle()
				local r = Record("x.y.z", {})
				r:set_key_type("nsid")
				r:generate_rkey()
				return {}
			end
		`,
	}

	_, err = ExecuteProcedure(context.Background(), "x.y.create", "did:plc:alice",
		json.RawMessage(`{}`), p, nil, session, pds, store, nil)
	require.Error(t, err)
}
