package luavm

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

const maxTableDepth = 32

// Valuer is implemented by Go values that build their own Lua
// representation. LuaValue runs with the state locked.
type Valuer interface {
	LuaValue(L *lua.LState) lua.LValue
}

// ToLua converts a Go value to a Lua value.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case Valuer:
		return val.LuaValue(L)
	case *Function:
		return val.fn
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, ToLua(L, vv))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, lua.LString(vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, ToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, lua.LString(vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// ToGo converts a Lua value to a plain Go value. Tables with only positive
// integer keys become []any, other tables become map[string]any. Functions
// and userdata are returned unchanged.
func ToGo(v lua.LValue) any {
	return toGo(v, 0)
}

func toGo(v lua.LValue, depth int) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		if depth >= maxTableDepth {
			return nil
		}
		return tableToGo(val, depth+1)
	default:
		return v
	}
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.MaxN()
	isArray := true
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if num, ok := k.(lua.LNumber); !ok || float64(num) < 1 || float64(num) != float64(int(num)) || int(num) > n {
			isArray = false
		}
	})
	if count == 0 {
		return map[string]any{}
	}
	if isArray && count == n {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = toGo(t.RawGetInt(i), depth)
		}
		return out
	}
	out := make(map[string]any, count)
	t.ForEach(func(k, vv lua.LValue) {
		out[k.String()] = toGo(vv, depth)
	})
	return out
}

// StringList reads a Lua value as a list of strings. A single string becomes
// a one-element list.
func StringList(v lua.LValue) []string {
	switch val := v.(type) {
	case lua.LString:
		return []string{string(val)}
	case *lua.LTable:
		var out []string
		val.ForEach(func(_, item lua.LValue) {
			if s, ok := item.(lua.LString); ok {
				out = append(out, string(s))
			}
		})
		return out
	default:
		return nil
	}
}

// StringMap reads a Lua table as string keys and values.
func StringMap(t *lua.LTable) map[string]string {
	out := make(map[string]string)
	if t == nil {
		return out
	}
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = v.String()
	})
	return out
}
