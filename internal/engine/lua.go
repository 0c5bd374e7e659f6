package engine

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	luajson "layeh.com/gopher-json"
)

//go:embed scripts/*.lua
var builtinFS embed.FS

const (
	initFunc   = "initialize"
	actionFunc = "action"
)

// Script is a compiled Lua rules script. A Script is immutable and may
// be instantiated by many sessions at once.
type Script struct {
	name  string
	proto *lua.FunctionProto
}

// Name returns the script name used in error messages.
func (s *Script) Name() string { return s.name }

// CompileScript parses and compiles src.
func CompileScript(name, src string) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return &Script{name: name, proto: proto}, nil
}

// LoadScript compiles the script at path.
func LoadScript(p string) (*Script, error) {
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read engine script: %w", err)
	}
	return CompileScript(path.Base(p), string(src))
}

// Builtin compiles the embedded script with the given name.
func Builtin(name string) (*Script, error) {
	src, err := builtinFS.ReadFile("scripts/" + name + ".lua")
	if err != nil {
		return nil, fmt.Errorf("unknown engine %q (available: %s)", name, strings.Join(Builtins(), ", "))
	}
	return CompileScript(name, string(src))
}

// Builtins lists the embedded script names.
func Builtins() []string {
	entries, _ := fs.ReadDir(builtinFS, "scripts")
	var names []string
	for _, e := range entries {
		if n, ok := strings.CutSuffix(e.Name(), ".lua"); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Factory returns a Factory building one sandboxed engine per call.
func (s *Script) Factory() Factory {
	return func() (Engine, error) { return s.NewEngine() }
}

// NewEngine runs the script in a fresh interpreter. The script must
// define the global functions initialize and action.
func (s *Script) NewEngine() (*LuaEngine, error) {
	L := newSandbox()
	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("run %s: %w", s.name, err)
	}
	for _, fn := range []string{initFunc, actionFunc} {
		if L.GetGlobal(fn).Type() != lua.LTFunction {
			L.Close()
			return nil, fmt.Errorf("%s: global function %q not defined", s.name, fn)
		}
	}
	return &LuaEngine{name: s.name, L: L}, nil
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// No file or dynamic code loading: scripts see only what is opened
	// above and preloaded modules.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		pkg.RawSetString("path", lua.LString(""))
		// package.loaders is shared with require; keep only the preload searcher.
		if loaders, ok := pkg.RawGetString("loaders").(*lua.LTable); ok {
			for loaders.Len() > 1 {
				loaders.Remove(loaders.Len())
			}
		}
	}
	luajson.Preload(L)
	return L
}

// LuaEngine is one interpreter running a Script. It is safe for
// concurrent use, although a session calls it sequentially.
type LuaEngine struct {
	name string

	mu sync.Mutex
	L  *lua.LState
}

func (e *LuaEngine) Initialize(ctx context.Context, handshakes [2]string) ([2]string, error) {
	return e.call(ctx, initFunc, lua.LString(handshakes[0]), lua.LString(handshakes[1]))
}

func (e *LuaEngine) ApplyAction(ctx context.Context, seat int, action string) ([2]string, error) {
	return e.call(ctx, actionFunc, lua.LNumber(seat), lua.LString(action))
}

func (e *LuaEngine) call(ctx context.Context, fn string, args ...lua.LValue) ([2]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out [2]string
	if e.L == nil {
		return out, fmt.Errorf("%s: engine closed", e.name)
	}
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	err := e.L.CallByParam(lua.P{
		Fn:      e.L.GetGlobal(fn),
		NRet:    2,
		Protect: true,
	}, args...)
	if err != nil {
		return out, fmt.Errorf("%s: %s: %w", e.name, fn, err)
	}
	r0, r1 := e.L.Get(-2), e.L.Get(-1)
	e.L.Pop(2)

	for i, v := range []lua.LValue{r0, r1} {
		s, err := toPayload(v)
		if err != nil {
			return out, fmt.Errorf("%s: %s: result for seat %d: %w", e.name, fn, i, err)
		}
		out[i] = s
	}
	return out, nil
}

// toPayload sends strings verbatim and JSON-encodes everything else.
func toPayload(v lua.LValue) (string, error) {
	switch v.Type() {
	case lua.LTNil:
		return "", errors.New("missing value")
	case lua.LTString:
		return lua.LVAsString(v), nil
	}
	b, err := luajson.Encode(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Close releases the interpreter.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.L != nil {
		e.L.Close()
		e.L = nil
	}
	return nil
}
