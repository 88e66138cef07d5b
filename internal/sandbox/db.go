package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"lexhost/internal/mirror"
)

// registerDB installs the read-only `db` global table against store. Each
// function is a synchronous lua.LGFunction closing over ctx and store,
// since gopher-lua has no native async/await and every script invocation
// already runs inside its own goroutine.
func registerDB(L *lua.LState, ctx context.Context, store *mirror.Store) {
	db := L.NewTable()
	db.RawSetString("query", L.NewFunction(dbQuery(ctx, store)))
	db.RawSetString("get", L.NewFunction(dbGet(ctx, store)))
	db.RawSetString("search", L.NewFunction(dbSearch(ctx, store)))
	db.RawSetString("count", L.NewFunction(dbCount(ctx, store)))
	db.RawSetString("raw", L.NewFunction(dbRaw(ctx, store)))
	L.SetGlobal("db", db)
}

func optTableString(t *lua.LTable, key, def string) string {
	if v, ok := t.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return def
}

func optTableInt(t *lua.LTable, key string, def, min, max int) int {
	n, ok := t.RawGetString(key).(lua.LNumber)
	if !ok {
		return def
	}
	v := int(n)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// recordWithURI injects the uri field into a stored record's JSON body
// before handing it to the script.
func recordWithURI(raw json.RawMessage, uri string) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw, nil
	}
	obj["uri"] = uri
	return json.Marshal(obj)
}

func dbQuery(ctx context.Context, store *mirror.Store) lua.LGFunction {
	return func(L *lua.LState) int {
		opts := L.CheckTable(1)
		collection := optTableString(opts, "collection", "")
		if collection == "" {
			L.RaiseError("db.query: collection is required")
			return 0
		}
		did := optTableString(opts, "did", "")
		limit := optTableInt(opts, "limit", 20, 1, 100)
		offset := optTableInt(opts, "offset", 0, 0, 1<<30)

		records, err := store.List(ctx, mirror.ListOptions{
			Collection: collection, DID: did, Limit: limit, Offset: offset,
		})
		if err != nil {
			L.RaiseError("db.query failed: %v", err)
			return 0
		}

		result := L.NewTable()
		recordsTable := L.NewTable()
		for i, r := range records {
			withURI, _ := recordWithURI(r.Record, r.URI)
			lv, err := rawJSONToLua(L, withURI)
			if err != nil {
				L.RaiseError("db.query: %v", err)
				return 0
			}
			recordsTable.RawSetInt(i+1, lv)
		}
		recordsTable.RawSetString(arrayMarker, lua.LTrue)
		result.RawSetString("records", recordsTable)
		if len(records) == limit {
			result.RawSetString("cursor", lua.LString(fmt.Sprintf("%d", offset+limit)))
		}
		L.Push(result)
		return 1
	}
}

func dbGet(ctx context.Context, store *mirror.Store) lua.LGFunction {
	return func(L *lua.LState) int {
		uri := L.CheckString(1)
		rec, err := store.Get(ctx, uri)
		if err != nil {
			if err == mirror.ErrNotFound {
				L.Push(lua.LNil)
				return 1
			}
			L.RaiseError("db.get failed: %v", err)
			return 0
		}
		withURI, _ := recordWithURI(rec.Record, rec.URI)
		lv, err := rawJSONToLua(L, withURI)
		if err != nil {
			L.RaiseError("db.get: %v", err)
			return 0
		}
		L.Push(lv)
		return 1
	}
}

func dbSearch(ctx context.Context, store *mirror.Store) lua.LGFunction {
	return func(L *lua.LState) int {
		opts := L.CheckTable(1)
		collection := optTableString(opts, "collection", "")
		field := optTableString(opts, "field", "")
		query := optTableString(opts, "query", "")
		limit := optTableInt(opts, "limit", 10, 1, 100)

		if collection == "" || field == "" {
			L.RaiseError("db.search: collection and field are required")
			return 0
		}

		records, err := store.Search(ctx, mirror.SearchOptions{
			Collection: collection, Field: field, Query: query, Limit: limit,
		})
		if err != nil {
			L.RaiseError("db.search failed: %v", err)
			return 0
		}

		result := L.NewTable()
		recordsTable := L.NewTable()
		for i, r := range records {
			withURI, _ := recordWithURI(r.Record, r.URI)
			lv, err := rawJSONToLua(L, withURI)
			if err != nil {
				L.RaiseError("db.search: %v", err)
				return 0
			}
			recordsTable.RawSetInt(i+1, lv)
		}
		recordsTable.RawSetString(arrayMarker, lua.LTrue)
		result.RawSetString("records", recordsTable)
		L.Push(result)
		return 1
	}
}

func dbCount(ctx context.Context, store *mirror.Store) lua.LGFunction {
	return func(L *lua.LState) int {
		collection := L.CheckString(1)
		did := L.OptString(2, "")
		n, err := store.Count(ctx, collection, did)
		if err != nil {
			L.RaiseError("db.count failed: %v", err)
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}
}

// dbRaw is a script-facing escape hatch for reads the other four functions
// can't express, constrained to a single SELECT statement with only
// primitive bindable parameters.
func dbRaw(ctx context.Context, store *mirror.Store) lua.LGFunction {
	return func(L *lua.LState) int {
		query := L.CheckString(1)

		var args []any
		if L.GetTop() >= 2 {
			params := L.CheckTable(2)
			n := params.Len()
			for i := 1; i <= n; i++ {
				v := params.RawGetInt(i)
				arg, err := primitiveArg(v)
				if err != nil {
					L.RaiseError("db.raw: %v", err)
					return 0
				}
				args = append(args, arg)
			}
		}

		rows, err := store.Raw(ctx, query, args)
		if err != nil {
			L.RaiseError("db.raw failed: %v", err)
			return 0
		}

		out := L.NewTable()
		for i, row := range rows {
			rowTable := L.NewTable()
			for k, v := range row {
				rowTable.RawSetString(k, fromJSON(L, v))
			}
			out.RawSetInt(i+1, rowTable)
		}
		out.RawSetString(arrayMarker, lua.LTrue)
		L.Push(out)
		return 1
	}
}

func primitiveArg(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LBool:
		return bool(val), nil
	case *lua.LNilType:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported db.raw parameter type %s", v.Type().String())
	}
}
