package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFuncs(t *testing.T) {
	f := Funcs{
		InitFn: func(_ context.Context, h [2]string) ([2]string, error) {
			return [2]string{"i0:" + h[0], "i1:" + h[1]}, nil
		},
	}
	got, err := f.Initialize(context.Background(), [2]string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got != [2]string{"i0:a", "i1:b"} {
		t.Errorf("got %q", got)
	}
	if _, err := f.ApplyAction(context.Background(), 0, "x"); err == nil {
		t.Error("expected error for missing ActionFn")
	}
}

type closer struct {
	Funcs
	closed bool
}

func (c *closer) Close() error { c.closed = true; return nil }

func TestClose(t *testing.T) {
	c := &closer{}
	if err := Close(c); err != nil {
		t.Fatal(err)
	}
	if !c.closed {
		t.Error("Close did not reach io.Closer")
	}
	if err := Close(Funcs{}); err != nil {
		t.Errorf("Close on plain engine: %v", err)
	}
}

func newLua(t *testing.T, src string) *LuaEngine {
	t.Helper()
	s, err := CompileScript("test", src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	e, err := s.NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestLuaEngine_Payloads(t *testing.T) {
	e := newLua(t, `
local json = require("json")
function initialize(h0, h1)
  return h1, { seat = 1, peer = json.decode(h0).name }
end
function action(seat, raw)
  return "seat" .. seat .. ":" .. raw, 42
end
`)
	ctx := context.Background()
	init, err := e.Initialize(ctx, [2]string{`{"name":"a"}`, `{"name":"b"}`})
	if err != nil {
		t.Fatal(err)
	}
	if init[0] != `{"name":"b"}` {
		t.Errorf("init[0] = %q", init[0])
	}
	var v struct {
		Seat int    `json:"seat"`
		Peer string `json:"peer"`
	}
	if err := json.Unmarshal([]byte(init[1]), &v); err != nil {
		t.Fatalf("init[1] = %q: %v", init[1], err)
	}
	if v.Seat != 1 || v.Peer != "a" {
		t.Errorf("init[1] = %+v", v)
	}

	res, err := e.ApplyAction(ctx, 1, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res != [2]string{"seat1:go", "42"} {
		t.Errorf("results = %q", res)
	}
}

func TestLuaEngine_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "script error",
			src:     `function initialize() error("bad handshake") end function action() end`,
			wantErr: "bad handshake",
		},
		{
			name:    "nil result",
			src:     `function initialize() return "x" end function action() end`,
			wantErr: "result for seat 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newLua(t, tt.src)
			_, err := e.Initialize(context.Background(), [2]string{"{}", "{}"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLuaEngine_NoFileAccess(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "helper.lua"), []byte("return {}"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	tests := []struct {
		name string
		call string
	}{
		{"dofile", `dofile("helper.lua")`},
		{"loadfile", `loadfile("helper.lua")`},
		{"load", `load(function() return nil end)`},
		{"loadstring", `loadstring("return 1")`},
		{"require file", `require("helper")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newLua(t, "function initialize() "+tt.call+` return "a", "b" end function action() end`)
			if _, err := e.Initialize(context.Background(), [2]string{"{}", "{}"}); err == nil {
				t.Fatalf("%s succeeded, want error", tt.call)
			}
		})
	}

	// Preloaded modules still resolve.
	e := newLua(t, `function initialize() local j = require("json") return j.encode({1}), "b" end function action() end`)
	got, err := e.Initialize(context.Background(), [2]string{"{}", "{}"})
	if err != nil {
		t.Fatalf("require json: %v", err)
	}
	if got[0] != "[1]" {
		t.Errorf("got %q, want [1]", got[0])
	}
}

func TestScript_MissingFunction(t *testing.T) {
	s, err := CompileScript("partial", `function initialize() return "a", "b" end`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewEngine(); err == nil || !strings.Contains(err.Error(), "action") {
		t.Fatalf("err = %v, want missing action", err)
	}
}

func TestCompileScript_SyntaxError(t *testing.T) {
	if _, err := CompileScript("broken", "function ("); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestLuaEngine_ClosedEngine(t *testing.T) {
	e := newLua(t, `function initialize() return "a", "b" end function action() return "a", "b" end`)
	e.Close()
	if _, err := e.ApplyAction(context.Background(), 0, "x"); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestLuaEngine_CanceledContext(t *testing.T) {
	e := newLua(t, `function initialize() while true do end end function action() end`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Initialize(ctx, [2]string{"{}", "{}"}); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestBuiltins(t *testing.T) {
	names := Builtins()
	found := false
	for _, n := range names {
		if n == "tictactoe" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Builtins() = %v, want tictactoe", names)
	}
	if _, err := Builtin("chess"); err == nil {
		t.Fatal("expected error for unknown builtin")
	}
}

type tttView struct {
	Seat    int      `json:"seat"`
	Mark    string   `json:"mark"`
	Outcome string   `json:"outcome"`
	Reason  string   `json:"reason"`
	Board   []string `json:"board"`
	Turn    int      `json:"turn"`
}

func decodeView(t *testing.T, s string) tttView {
	t.Helper()
	var v tttView
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func newTicTacToe(t *testing.T) Engine {
	t.Helper()
	s, err := Builtin("tictactoe")
	if err != nil {
		t.Fatal(err)
	}
	e, err := s.Factory()()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { Close(e) })
	return e
}

func TestTicTacToe_Win(t *testing.T) {
	e := newTicTacToe(t)
	ctx := context.Background()

	init, err := e.Initialize(ctx, [2]string{`{"name":"alice"}`, `{"name":"bob"}`})
	if err != nil {
		t.Fatal(err)
	}
	for seat := range 2 {
		v := decodeView(t, init[seat])
		if v.Seat != seat {
			t.Errorf("init[%d].seat = %d", seat, v.Seat)
		}
		if len(v.Board) != 9 {
			t.Errorf("init[%d].board has %d cells", seat, len(v.Board))
		}
	}
	if m := decodeView(t, init[0]).Mark; m != "X" {
		t.Errorf("seat 0 mark = %q, want X", m)
	}

	moves := []struct{ seat, cell int }{{0, 0}, {1, 3}, {0, 1}, {1, 4}}
	for _, m := range moves {
		res, err := e.ApplyAction(ctx, m.seat, fmt.Sprintf(`{"cell":%d}`, m.cell))
		if err != nil {
			t.Fatal(err)
		}
		if v := decodeView(t, res[m.seat]); v.Outcome != "" {
			t.Fatalf("unexpected outcome after move %+v: %s", m, res[m.seat])
		}
		if v := decodeView(t, res[1-m.seat]); v.Turn != 1-m.seat {
			t.Errorf("turn = %d, want %d", v.Turn, 1-m.seat)
		}
	}

	res, err := e.ApplyAction(ctx, 0, `{"cell":2}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeView(t, res[0]).Outcome; got != "win" {
		t.Errorf("seat 0 outcome = %q, want win", got)
	}
	if got := decodeView(t, res[1]).Outcome; got != "lose" {
		t.Errorf("seat 1 outcome = %q, want lose", got)
	}
}

func TestTicTacToe_IllegalMoveForfeits(t *testing.T) {
	e := newTicTacToe(t)
	ctx := context.Background()
	if _, err := e.Initialize(ctx, [2]string{"{}", "{}"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApplyAction(ctx, 0, `{"cell":4}`); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		action string
	}{
		{"cell taken", `{"cell":4}`},
		{"out of range", `{"cell":9}`},
		{"malformed", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.ApplyAction(ctx, 1, tt.action)
			if err != nil {
				t.Fatal(err)
			}
			if got := decodeView(t, res[1]).Outcome; got != "lose" {
				t.Errorf("offender outcome = %q, want lose", got)
			}
			if got := decodeView(t, res[0]).Outcome; got != "win" {
				t.Errorf("opponent outcome = %q, want win", got)
			}
		})
	}
}

func TestTicTacToe_InvalidHandshake(t *testing.T) {
	e := newTicTacToe(t)
	_, err := e.Initialize(context.Background(), [2]string{"{}", "nope"})
	if err == nil {
		t.Fatal("expected error for invalid handshake")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation: %v", err)
	}
}
