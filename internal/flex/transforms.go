package flex

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// RegisterTransforms adds the value helpers to mod
func RegisterTransforms(L *lua.LState, mod *lua.LTable) {
	helpers := map[string]lua.LGFunction{
		"trim":         luaTrim,
		"lower":        luaLower,
		"upper":        luaUpper,
		"clean_spaces": luaCleanSpaces,
		"truncate":     luaTruncate,
		"parse_int":    luaParseInt,
		"parse_real":   luaParseReal,
		"parse_bool":   luaParseBool,
		"get_name":     luaGetName,
		"round":        luaRound,
	}
	for name, fn := range helpers {
		L.SetField(mod, name, L.NewFunction(fn))
	}
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

func luaUpper(L *lua.LState) int {
	L.Push(lua.LString(strings.ToUpper(L.CheckString(1))))
	return 1
}

// luaCleanSpaces collapses whitespace runs, including the line breaks
// common in scraped descriptions
func luaCleanSpaces(L *lua.LState) int {
	s := whitespaceRun.ReplaceAllString(L.CheckString(1), " ")
	L.Push(lua.LString(strings.TrimSpace(s)))
	return 1
}

// luaTruncate cuts to at most n runes
func luaTruncate(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	if r := []rune(s); n >= 0 && len(r) > n {
		s = string(r[:n])
	}
	L.Push(lua.LString(s))
	return 1
}

// luaParseInt parses an integer, truncating decimals. Returns the optional
// second argument, or nil, when the value does not parse.
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(v))
		return 1
	}
	if f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		L.Push(lua.LNumber(math.Trunc(f)))
		return 1
	}
	L.Push(L.Get(2))
	return 1
}

// luaParseReal parses a decimal number, accepting a comma separator
func luaParseReal(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	if f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		L.Push(lua.LNumber(f))
		return 1
	}
	L.Push(L.Get(2))
	return 1
}

func luaParseBool(L *lua.LState) int {
	switch strings.ToLower(strings.TrimSpace(L.CheckString(1))) {
	case "yes", "true", "1", "on", "да":
		L.Push(lua.LTrue)
	case "no", "false", "0", "off", "нет", "":
		L.Push(lua.LFalse)
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// luaGetName picks name:<lang>, then name, then int_name from a
// properties or tags table
func luaGetName(L *lua.LState) int {
	tbl := L.CheckTable(1)
	keys := []string{"name", "int_name"}
	if lang := L.OptString(2, ""); lang != "" {
		keys = append([]string{"name:" + lang}, keys...)
	}
	for _, k := range keys {
		if s, ok := tbl.RawGetString(k).(lua.LString); ok && strings.TrimSpace(string(s)) != "" {
			L.Push(s)
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// luaRound rounds to the given number of decimal places (default 0)
func luaRound(L *lua.LState) int {
	v := float64(L.CheckNumber(1))
	scale := math.Pow(10, float64(L.OptInt(2, 0)))
	L.Push(lua.LNumber(math.Round(v*scale) / scale))
	return 1
}
