// Package flex runs user Lua scripts over combined features before export.
//
// A script defines a global process_feature(f) function. f is a table with
// id, kind and properties fields. Returning a table, usually f itself after
// editing, keeps the feature with that table's properties. Returning nil or
// false drops it.
package flex

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// CallbackName is the global function every script must define
const CallbackName = "process_feature"

// Feature is the view of an exported row a script can inspect and edit
type Feature struct {
	ID         string
	Kind       string
	Properties map[string]interface{}
}

// Runtime wraps one Lua state. It is not safe for concurrent use.
type Runtime struct {
	L       *lua.LState
	process lua.LValue
	log     *zap.Logger
}

// NewRuntime creates a Lua state with the tilecrawl helper module loaded
func NewRuntime(log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runtime{L: lua.NewState(), log: log}
	r.registerAPI()
	return r
}

// Close releases Lua resources
func (r *Runtime) Close() {
	r.L.Close()
}

func (r *Runtime) registerAPI() {
	mod := r.L.NewTable()
	mod.RawSetString("version", lua.LString("1"))
	RegisterTransforms(r.L, mod)
	r.L.SetGlobal("tilecrawl", mod)

	// Script output goes to the log instead of stdout
	r.L.SetGlobal("print", r.L.NewFunction(r.luaPrint))
}

// LoadFile runs a script file and looks up its callback
func (r *Runtime) LoadFile(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return eris.Wrapf(err, "failed to load Lua file %s", path)
	}
	return r.lookupCallback()
}

// LoadString runs a script from source
func (r *Runtime) LoadString(code string) error {
	if err := r.L.DoString(code); err != nil {
		return eris.Wrap(err, "failed to load Lua code")
	}
	return r.lookupCallback()
}

func (r *Runtime) lookupCallback() error {
	fn := r.L.GetGlobal(CallbackName)
	if fn.Type() != lua.LTFunction {
		return eris.Errorf("script does not define %s(f)", CallbackName)
	}
	r.process = fn
	return nil
}

// Process runs the callback on f. It returns the edited feature and
// whether it should be kept.
func (r *Runtime) Process(f Feature) (Feature, bool, error) {
	if r.process == nil {
		return f, true, nil
	}

	arg := r.L.NewTable()
	arg.RawSetString("id", lua.LString(f.ID))
	arg.RawSetString("kind", lua.LString(f.Kind))
	arg.RawSetString("properties", toLua(r.L, f.Properties))

	if err := r.L.CallByParam(lua.P{Fn: r.process, NRet: 1, Protect: true}, arg); err != nil {
		return f, false, eris.Wrapf(err, "%s failed for %s %s", CallbackName, f.Kind, f.ID)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return f, false, nil
	case lua.LBool:
		if !bool(v) {
			return f, false, nil
		}
		return f, true, nil
	case *lua.LTable:
		props, ok := fromLua(v.RawGetString("properties")).(map[string]interface{})
		if !ok {
			props = map[string]interface{}{}
		}
		return Feature{ID: f.ID, Kind: f.Kind, Properties: props}, true, nil
	default:
		return f, false, eris.Errorf("%s returned %s for %s %s, expected table or nil",
			CallbackName, ret.Type(), f.Kind, f.ID)
	}
}

func (r *Runtime) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	r.log.Info("Lua", zap.String("output", strings.Join(parts, "\t")))
	return 0
}

// toLua converts decoded JSON-like Go values to Lua values
func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case map[string]string:
		t := L.NewTable()
		for k, s := range v {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, e := range v {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, e := range v {
			t.RawSetInt(i+1, toLua(L, e))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// fromLua converts a Lua value back. Integral numbers become int64 and
// tables with only positive integer keys become slices.
func fromLua(v lua.LValue) interface{} {
	switch v := v.(type) {
	case lua.LString:
		return string(v)
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := v.MaxN(); n > 0 && n == countKeys(v) {
			s := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				s = append(s, fromLua(v.RawGetInt(i)))
			}
			return s
		}
		m := make(map[string]interface{})
		v.ForEach(func(key, value lua.LValue) {
			if k, ok := key.(lua.LString); ok {
				m[string(k)] = fromLua(value)
			}
		})
		if len(m) == 0 {
			return nil
		}
		return m
	default:
		return nil
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
