package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
	"lexhost/internal/tid"
)

// internalFields are the bookkeeping keys a Record carries alongside the
// caller's data; they're never sent to the PDS and never JSON-serialized
// (extractData strips every `_`-prefixed key, not just these six, when
// building the PDS payload). recordNewIndex rejects assigning one of them
// only while the instance does not yet hold it; once set (_collection,
// _schema and _key_type at construction, _uri and _cid after a save,
// _rkey after set_rkey or generate_rkey) a plain assignment replaces it.
var internalFields = map[string]bool{
	"_collection": true, "_uri": true, "_cid": true,
	"_schema": true, "_key_type": true, "_rkey": true,
}

// recordEnv is the state every Record instance created during one
// procedure invocation shares: the caller's identity and PDS session, the
// clients to write through, and the registry to resolve a named
// collection's schema against. Only registered for procedure scripts --
// Record is unavailable to queries.
type recordEnv struct {
	ctx       context.Context
	registry  *lexicon.Registry
	callerDID string
	session   pdsclient.Session
	pds       *pdsclient.Client
	store     *mirror.Store
}

// registerRecord installs the global `Record` callable table: calling it
// constructs an instance (Record(collection, data?)); Record.save_all,
// Record.load, and Record.load_all are static methods hung directly off
// the table.
func registerRecord(L *lua.LState, ctx context.Context, registry *lexicon.Registry, callerDID string, session pdsclient.Session, pds *pdsclient.Client, store *mirror.Store) {
	env := &recordEnv{ctx: ctx, registry: registry, callerDID: callerDID, session: session, pds: pds, store: store}

	methods := L.NewTable()
	methods.RawSetString("save", L.NewFunction(recordSave(env)))
	methods.RawSetString("delete", L.NewFunction(recordDelete(env)))
	methods.RawSetString("set_key_type", L.NewFunction(recordSetKeyType))
	methods.RawSetString("set_rkey", L.NewFunction(recordSetRkey))
	methods.RawSetString("generate_rkey", L.NewFunction(recordGenerateRkey))

	instanceMT := L.NewTable()
	instanceMT.RawSetString("__index", methods)
	instanceMT.RawSetString("__newindex", L.NewFunction(recordNewIndex))

	recordTable := L.NewTable()
	recordTable.RawSetString("save_all", L.NewFunction(recordSaveAll(env)))
	recordTable.RawSetString("load", L.NewFunction(recordLoad(env, instanceMT)))
	recordTable.RawSetString("load_all", L.NewFunction(recordLoadAll(env, instanceMT)))

	callMT := L.NewTable()
	callMT.RawSetString("__call", L.NewFunction(recordConstructor(env, instanceMT)))
	L.SetMetatable(recordTable, callMT)

	L.SetGlobal("Record", recordTable)
}

// recordNewIndex is every instance's __newindex, which Lua calls only for
// keys the instance does not already hold: it rejects such a write to an
// internal bookkeeping field and raw-sets everything else, so ordinary
// field assignment (`r.name = "A"`) works without going through save().
// Internal fields already present on the instance are not guarded here.
func recordNewIndex(L *lua.LState) int {
	this := L.CheckTable(1)
	key := L.CheckString(2)
	value := L.Get(3)
	if internalFields[key] {
		L.RaiseError("Record: field %q is write-protected", key)
		return 0
	}
	this.RawSet(lua.LString(key), value)
	return 0
}

// recordConstructor builds `Record(collection, data?)`: it attaches the
// schema for collection if the registry knows it as a record lexicon,
// pre-populates schema-declared defaults, overlays the caller's initial
// data, and sets the shared instance metatable.
func recordConstructor(env *recordEnv, mt *lua.LTable) lua.LGFunction {
	return func(L *lua.LState) int {
		// L.Get(1) is the Record table itself (the __call receiver).
		collection := L.CheckString(2)
		var initial *lua.LTable
		if L.GetTop() >= 3 {
			if t, ok := L.Get(3).(*lua.LTable); ok {
				initial = t
			}
		}

		schema := json.RawMessage(nil)
		keyPolicy := lexicon.KeyPolicy{Kind: "any"}
		if env.registry != nil {
			if p, ok := env.registry.Get(collection); ok && p.Type == lexicon.TypeRecord {
				schema = p.Record
				keyPolicy = p.Key
			}
		}

		rec := L.NewTable()
		applyDefaults(L, rec, schema)
		if initial != nil {
			initial.ForEach(func(k, v lua.LValue) {
				if key, ok := k.(lua.LString); ok {
					rec.RawSetString(string(key), v)
				}
			})
		}
		rec.RawSetString("_collection", lua.LString(collection))
		rec.RawSetString("_schema", rawSchemaOrNil(L, schema))
		rec.RawSetString("_key_type", lua.LString(keyPolicyString(keyPolicy)))

		L.SetMetatable(rec, mt)
		L.Push(rec)
		return 1
	}
}

func keyPolicyString(kp lexicon.KeyPolicy) string {
	if kp.Kind == "literal" {
		return "literal:" + kp.Literal
	}
	if kp.Kind == "" {
		return "any"
	}
	return kp.Kind
}

// schemaShape is the slice of a record's JSON schema applyDefaults and
// checkRequiredFields care about.
type schemaShape struct {
	Properties map[string]struct {
		Default json.RawMessage `json:"default"`
	} `json:"properties"`
	Required []string `json:"required"`
}

func applyDefaults(L *lua.LState, rec *lua.LTable, schema json.RawMessage) {
	if len(schema) == 0 {
		return
	}
	var shape schemaShape
	if err := json.Unmarshal(schema, &shape); err != nil {
		return
	}
	for name, prop := range shape.Properties {
		if len(prop.Default) == 0 || string(prop.Default) == "null" {
			continue
		}
		var decoded any
		if err := json.Unmarshal(prop.Default, &decoded); err != nil {
			continue
		}
		rec.RawSetString(name, fromJSON(L, decoded))
	}
}

func rawSchemaOrNil(L *lua.LState, schema json.RawMessage) lua.LValue {
	if len(schema) == 0 {
		return lua.LNil
	}
	v, err := rawJSONToLua(L, schema)
	if err != nil {
		return lua.LNil
	}
	return v
}

// schemaRawFromTable reconstructs the JSON schema bytes a constructed
// Record attached, round-tripping through the Lua value stored at
// `_schema` -- the only place the schema lives once a Record exists.
func schemaRawFromTable(this *lua.LTable) json.RawMessage {
	v := this.RawGetString("_schema")
	if v == lua.LNil {
		return nil
	}
	goVal, err := toJSON(v)
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(goVal)
	if err != nil {
		return nil
	}
	return raw
}

func keyPolicyFromTable(this *lua.LTable) lexicon.KeyPolicy {
	s, ok := this.RawGetString("_key_type").(lua.LString)
	if !ok || s == "" {
		return lexicon.KeyPolicy{Kind: "any"}
	}
	return lexicon.ParseKeyPolicy(string(s))
}

// extractData builds the JSON payload sent to the PDS: every `_`-prefixed
// key is stripped (not just the six named internal fields), the result is
// further filtered down to the schema's declared properties when a schema
// is present, and a $type tag naming the record's collection is injected.
func extractData(this *lua.LTable, collection string, schema json.RawMessage) (map[string]any, error) {
	allowed, hasSchema := schemaPropertyNames(schema)

	out := make(map[string]any)
	var rangeErr error
	this.ForEach(func(k, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok || strings.HasPrefix(string(key), "_") {
			return
		}
		if hasSchema && !allowed[string(key)] {
			return
		}
		jv, err := toJSON(v)
		if err != nil {
			rangeErr = err
			return
		}
		out[string(key)] = jv
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	out["$type"] = collection
	return out, nil
}

// schemaPropertyNames returns the set of property names a record's schema
// declares, and whether a schema with a properties object was present at
// all (as opposed to no schema, which leaves fields unfiltered).
func schemaPropertyNames(schema json.RawMessage) (map[string]bool, bool) {
	if len(schema) == 0 {
		return nil, false
	}
	var shape schemaShape
	if err := json.Unmarshal(schema, &shape); err != nil || shape.Properties == nil {
		return nil, false
	}
	names := make(map[string]bool, len(shape.Properties))
	for name := range shape.Properties {
		names[name] = true
	}
	return names, true
}

// checkRequiredFields enforces the record schema's top-level "required"
// array, if present. This is a presence check only, not a full JSON Schema
// validator -- no such library appears anywhere in the example corpus, so
// this stays on encoding/json rather than reaching for an unrelated
// ecosystem dependency.
func checkRequiredFields(data map[string]any, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var shape schemaShape
	if err := json.Unmarshal(schema, &shape); err != nil {
		return nil
	}
	var missing []string
	for _, field := range shape.Required {
		if _, ok := data[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func recordSetKeyType(L *lua.LState) int {
	this := L.CheckTable(1)
	kind := L.CheckString(2)
	this.RawSetString("_key_type", lua.LString(kind))
	return 0
}

func recordSetRkey(L *lua.LState) int {
	this := L.CheckTable(1)
	rkey := L.CheckString(2)
	this.RawSetString("_rkey", lua.LString(rkey))
	return 0
}

// recordGenerateRkey implements the key-generation policy (§4.8): tid and
// any mint a fresh TID, literal:<v> reuses the declared literal, and nsid
// refuses -- the caller must set_rkey explicitly.
func recordGenerateRkey(L *lua.LState) int {
	this := L.CheckTable(1)
	kp := keyPolicyFromTable(this)

	var rkey string
	switch kp.Kind {
	case "literal":
		rkey = kp.Literal
	case "nsid":
		L.RaiseError("generate_rkey: key policy 'nsid' requires an explicit rkey via set_rkey")
		return 0
	default: // "tid", "any", or unset
		rkey = tid.Next()
	}

	this.RawSetString("_rkey", lua.LString(rkey))
	L.Push(lua.LString(rkey))
	return 1
}

// pdsSaveRequest is the prepared create/put call for one Record, built from
// its table fields so save() and save_all() share the exact same framing.
type pdsSaveRequest struct {
	this       *lua.LTable
	collection string
	method     string
	body       map[string]any
}

func prepareSave(env *recordEnv, this *lua.LTable) (*pdsSaveRequest, error) {
	collection := optTableString(this, "_collection", "")
	if collection == "" {
		return nil, fmt.Errorf("record has no _collection (not constructed via Record())")
	}
	schema := schemaRawFromTable(this)

	data, err := extractData(this, collection, schema)
	if err != nil {
		return nil, err
	}
	if err := checkRequiredFields(data, schema); err != nil {
		return nil, err
	}

	body := map[string]any{"repo": env.callerDID, "collection": collection, "record": data}
	method := "com.atproto.repo.createRecord"
	if existingURI := optTableString(this, "_uri", ""); existingURI != "" {
		_, _, rkey, err := mirror.ParseATURI(existingURI)
		if err != nil {
			return nil, err
		}
		body["rkey"] = rkey
		method = "com.atproto.repo.putRecord"
	} else if rkey := optTableString(this, "_rkey", ""); rkey != "" {
		body["rkey"] = rkey
	}

	return &pdsSaveRequest{this: this, collection: collection, method: method, body: body}, nil
}

func recordSave(env *recordEnv) lua.LGFunction {
	return func(L *lua.LState) int {
		this := L.CheckTable(1)

		req, err := prepareSave(env, this)
		if err != nil {
			L.RaiseError("Record:save: %v", err)
			return 0
		}

		resp, err := env.pds.PostJSON(env.ctx, env.session, req.method, req.body)
		if err != nil {
			L.RaiseError("Record:save: %v", err)
			return 0
		}
		forwarded, err := pdsclient.Read(resp)
		if err != nil {
			L.RaiseError("Record:save: PDS rejected the write: %v", err)
			return 0
		}
		result, err := pdsclient.ParseRecordResult(forwarded.Body)
		if err != nil {
			L.RaiseError("Record:save: %v", err)
			return 0
		}

		rawData, _ := json.Marshal(req.body["record"])
		if err := env.store.Upsert(env.ctx, mirror.Record{
			URI: result.URI, DID: env.callerDID, Collection: req.collection,
			Record: rawData, CID: result.CID,
		}); err != nil {
			L.RaiseError("Record:save: mirror upsert failed: %v", err)
			return 0
		}

		this.RawSetString("_uri", lua.LString(result.URI))
		this.RawSetString("_cid", lua.LString(result.CID))
		L.Push(this)
		return 1
	}
}

func recordDelete(env *recordEnv) lua.LGFunction {
	return func(L *lua.LState) int {
		this := L.CheckTable(1)
		collection := optTableString(this, "_collection", "")
		uriVal, ok := this.RawGetString("_uri").(lua.LString)
		if !ok || string(uriVal) == "" {
			L.RaiseError("Record:delete: record has no uri (never saved)")
			return 0
		}
		uri := string(uriVal)

		_, _, rkey, err := mirror.ParseATURI(uri)
		if err != nil {
			L.RaiseError("Record:delete: %v", err)
			return 0
		}

		resp, err := env.pds.PostJSON(env.ctx, env.session, "com.atproto.repo.deleteRecord", map[string]any{
			"repo": env.callerDID, "collection": collection, "rkey": rkey,
		})
		if err != nil {
			L.RaiseError("Record:delete: %v", err)
			return 0
		}
		if _, err := pdsclient.Read(resp); err != nil {
			L.RaiseError("Record:delete: PDS rejected the delete: %v", err)
			return 0
		}

		if err := env.store.Delete(env.ctx, uri); err != nil {
			L.RaiseError("Record:delete: mirror delete failed: %v", err)
			return 0
		}
		L.Push(lua.LTrue)
		return 1
	}
}

// saveAllResult is one element's outcome, filled in concurrently by the
// goroutines recordSaveAll fans out and consumed back on L's goroutine.
type saveAllResult struct {
	result pdsclient.CreateRecordResult
	err    error
}

// recordSaveAll fans every prepared PDS call out in parallel (§4.8,
// "save_all(records) ... fans out all PDS calls in parallel and writes
// back after joining"). Only the network calls run concurrently; every
// read of a Lua table happens before the fan-out and every write happens
// after, so no goroutine touches the shared *lua.LState concurrently.
func recordSaveAll(env *recordEnv) lua.LGFunction {
	return func(L *lua.LState) int {
		recordsTable := L.CheckTable(1)
		n := recordsTable.Len()

		reqs := make([]*pdsSaveRequest, n)
		for i := 1; i <= n; i++ {
			v := recordsTable.RawGetInt(i)
			this, ok := v.(*lua.LTable)
			if !ok {
				L.RaiseError("Record.save_all: element %d is not a Record", i)
				return 0
			}
			req, err := prepareSave(env, this)
			if err != nil {
				L.RaiseError("Record.save_all: element %d: %v", i, err)
				return 0
			}
			reqs[i-1] = req
		}

		results := make([]saveAllResult, n)
		var wg sync.WaitGroup
		for i, req := range reqs {
			wg.Add(1)
			go func(i int, req *pdsSaveRequest) {
				defer wg.Done()
				resp, err := env.pds.PostJSON(env.ctx, env.session, req.method, req.body)
				if err != nil {
					results[i].err = err
					return
				}
				forwarded, err := pdsclient.Read(resp)
				if err != nil {
					results[i].err = fmt.Errorf("PDS rejected the write: %w", err)
					return
				}
				result, err := pdsclient.ParseRecordResult(forwarded.Body)
				if err != nil {
					results[i].err = err
					return
				}
				results[i].result = result
			}(i, req)
		}
		wg.Wait()

		for i, req := range reqs {
			res := results[i]
			if res.err != nil {
				L.RaiseError("Record.save_all: element %d: %v", i+1, res.err)
				return 0
			}
			rawData, _ := json.Marshal(req.body["record"])
			if err := env.store.Upsert(env.ctx, mirror.Record{
				URI: res.result.URI, DID: env.callerDID, Collection: req.collection,
				Record: rawData, CID: res.result.CID,
			}); err != nil {
				L.RaiseError("Record.save_all: element %d: mirror upsert failed: %v", i+1, err)
				return 0
			}
			req.this.RawSetString("_uri", lua.LString(res.result.URI))
			req.this.RawSetString("_cid", lua.LString(res.result.CID))
		}

		L.Push(recordsTable)
		return 1
	}
}

// recordLoad implements the static Record.load(uri): fetch from the
// mirror and wrap the stored JSON in an instance carrying the same
// methods a constructed Record has, so a script can mutate and re-save it.
func recordLoad(env *recordEnv, mt *lua.LTable) lua.LGFunction {
	return func(L *lua.LState) int {
		uri := L.CheckString(1)
		rec, err := env.store.Get(env.ctx, uri)
		if err != nil {
			if err == mirror.ErrNotFound {
				L.Push(lua.LNil)
				return 1
			}
			L.RaiseError("Record.load: %v", err)
			return 0
		}
		L.Push(recordFromMirror(L, env, mt, rec))
		return 1
	}
}

// recordLoadAll implements the static Record.load_all(uris): missing URIs
// come back as a nil slot rather than aborting the whole batch.
func recordLoadAll(env *recordEnv, mt *lua.LTable) lua.LGFunction {
	return func(L *lua.LState) int {
		uris := L.CheckTable(1)
		n := uris.Len()
		out := L.NewTable()
		for i := 1; i <= n; i++ {
			uriVal, ok := uris.RawGetInt(i).(lua.LString)
			if !ok {
				out.RawSetInt(i, lua.LNil)
				continue
			}
			rec, err := env.store.Get(env.ctx, string(uriVal))
			if err != nil {
				out.RawSetInt(i, lua.LNil)
				continue
			}
			out.RawSetInt(i, recordFromMirror(L, env, mt, rec))
		}
		out.RawSetString(arrayMarker, lua.LTrue)
		L.Push(out)
		return 1
	}
}

func recordFromMirror(L *lua.LState, env *recordEnv, mt *lua.LTable, rec mirror.Record) *lua.LTable {
	schema := json.RawMessage(nil)
	keyPolicy := lexicon.KeyPolicy{Kind: "any"}
	if env.registry != nil {
		if p, ok := env.registry.Get(rec.Collection); ok && p.Type == lexicon.TypeRecord {
			schema = p.Record
			keyPolicy = p.Key
		}
	}

	out := L.NewTable()
	if v, err := rawJSONToLua(L, rec.Record); err == nil {
		if asTable, ok := v.(*lua.LTable); ok {
			asTable.ForEach(func(k, val lua.LValue) {
				if key, ok := k.(lua.LString); ok {
					out.RawSetString(string(key), val)
				}
			})
		}
	}
	out.RawSetString("_collection", lua.LString(rec.Collection))
	out.RawSetString("_uri", lua.LString(rec.URI))
	out.RawSetString("_cid", lua.LString(rec.CID))
	out.RawSetString("_rkey", lua.LString(rec.RKey))
	out.RawSetString("_schema", rawSchemaOrNil(L, schema))
	out.RawSetString("_key_type", lua.LString(keyPolicyString(keyPolicy)))
	L.SetMetatable(out, mt)
	return out
}
