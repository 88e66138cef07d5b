package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// arrayMarker is set on a table by toarray() so conversion back to JSON
// emits `[]` even for an empty table, matching the reference
// implementation's array_metatable trick (mlua doesn't need a marker
// because it carries a real metatable; gopher-lua tables have no metatable
// slot cheap enough to repurpose the same way, so a sentinel key does the
// same job).
const arrayMarker = "__lexhost_array"

// toJSON converts a Lua value returned from a script into a JSON-encodable
// Go value.
func toJSON(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return tableToJSON(val)
	default:
		return nil, fmt.Errorf("cannot serialize lua value of type %s to JSON", v.Type().String())
	}
}

func tableToJSON(t *lua.LTable) (any, error) {
	forcedArray := t.RawGetString(arrayMarker) == lua.LTrue

	nonMarkerKeys := 0
	t.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok && string(s) == arrayMarker {
			return
		}
		nonMarkerKeys++
	})

	arrayLen := t.Len()
	plainSequence := arrayLen > 0 && nonMarkerKeys == arrayLen

	if forcedArray || plainSequence {
		out := make([]any, 0, arrayLen)
		for i := 1; i <= arrayLen; i++ {
			elem, err := toJSON(t.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	}

	out := make(map[string]any)
	var rangeErr error
	t.ForEach(func(k, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok || string(key) == arrayMarker {
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
	return out, nil
}

// fromJSON converts an arbitrary decoded JSON value into a Lua value.
func fromJSON(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, elem := range val {
			t.RawSetInt(i+1, fromJSON(L, elem))
		}
		t.RawSetString(arrayMarker, lua.LTrue)
		return t
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, fromJSON(L, val[k]))
		}
		return t
	default:
		return lua.LNil
	}
}

// rawJSONToLua decodes a json.RawMessage and converts it to a Lua value,
// used to hand PDS/mirror records and script input/params to a script.
func rawJSONToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return lua.LNil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode json for lua: %w", err)
	}
	return fromJSON(L, decoded), nil
}

// luaToRawJSON converts a Lua value (typically a handle() return value)
// back into a JSON document.
func luaToRawJSON(v lua.LValue) (json.RawMessage, error) {
	goVal, err := toJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(goVal)
}
