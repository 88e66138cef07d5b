package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	lua "github.com/yuin/gopher-lua"

	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
)

// ExecuteQuery runs a query lexicon's operator script (§4.2, §4.8) and
// returns its handle() result as JSON. Query scripts see `db` but not
// `Record` -- only procedures can write.
func ExecuteQuery(ctx context.Context, method string, params map[string]string, p lexicon.Parsed, store *mirror.Store, logger *log.Logger) (json.RawMessage, error) {
	L, cancel := newVM(ctx, logger)
	defer cancel()
	defer L.Close()

	registerDB(L, L.Context(), store)
	setQueryContext(L, method, params, p.TargetCollection)

	ret, err := runHandle(L, method, p.Script)
	if err != nil {
		return nil, err
	}
	return luaToRawJSON(ret)
}

// ExecuteProcedure runs a procedure lexicon's operator script (§4.2, §4.8)
// and returns its handle() result as JSON. Procedure scripts additionally
// see the `Record` constructor bound to the caller's PDS session.
func ExecuteProcedure(ctx context.Context, method, callerDID string, input json.RawMessage, p lexicon.Parsed, registry *lexicon.Registry, session pdsclient.Session, pds *pdsclient.Client, store *mirror.Store, logger *log.Logger) (json.RawMessage, error) {
	L, cancel := newVM(ctx, logger)
	defer cancel()
	defer L.Close()

	registerDB(L, L.Context(), store)
	registerRecord(L, L.Context(), registry, callerDID, session, pds, store)
	if err := setProcedureContext(L, method, input, callerDID, p.TargetCollection); err != nil {
		return nil, err
	}

	ret, err := runHandle(L, method, p.Script)
	if err != nil {
		return nil, err
	}
	return luaToRawJSON(ret)
}

// setQueryContext mirrors context.rs's set_query_context: exposes method,
// params, and collection as globals.
func setQueryContext(L *lua.LState, method string, params map[string]string, collection string) {
	paramsTable := L.NewTable()
	for k, v := range params {
		paramsTable.RawSetString(k, lua.LString(v))
	}
	L.SetGlobal("method", lua.LString(method))
	L.SetGlobal("params", paramsTable)
	L.SetGlobal("collection", lua.LString(collection))
}

// setProcedureContext mirrors context.rs's set_procedure_context: exposes
// method, input, caller_did, and collection as globals.
func setProcedureContext(L *lua.LState, method string, input json.RawMessage, callerDID, collection string) error {
	inputVal, err := rawJSONToLua(L, input)
	if err != nil {
		return fmt.Errorf("set procedure context: %w", err)
	}
	L.SetGlobal("method", lua.LString(method))
	L.SetGlobal("input", inputVal)
	L.SetGlobal("caller_did", lua.LString(callerDID))
	L.SetGlobal("collection", lua.LString(collection))
	return nil
}
