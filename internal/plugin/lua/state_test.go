package lua

import (
	"context"
	"errors"
	"testing"
	"time"

	glua "github.com/yuin/gopher-lua"
)

func TestNewState(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	if state.IsClosed() {
		t.Error("NewState() returned closed state")
	}
}

func TestStateDoString(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	if err := state.DoString(context.Background(), `x = 1 + 1`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	v := state.GetGlobal("x")
	if num, ok := v.(glua.LNumber); !ok || float64(num) != 2 {
		t.Errorf("x = %v, want 2", v)
	}
}

func TestStateLoadSyntaxError(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	if _, err := state.Load("bad.lua", `invalid lua code !!!`); err == nil {
		t.Error("Load() should fail on a syntax error")
	}
}

func TestStateCallFunctionArgs(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	fn, err := state.Load("chunk", `local a, b = ... ; return a + b, "done"`)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	results, err := state.CallFunction(context.Background(), fn, glua.LNumber(2), glua.LNumber(3))
	if err != nil {
		t.Fatalf("CallFunction() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("CallFunction() returned %d values, want 2", len(results))
	}
	if results[0].(glua.LNumber) != 5 {
		t.Errorf("results[0] = %v, want 5", results[0])
	}
	if results[1].String() != "done" {
		t.Errorf("results[1] = %v, want done", results[1])
	}
}

func TestStateExecutionTimeout(t *testing.T) {
	state, err := NewState(WithExecutionTimeout(50 * time.Millisecond))
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	err = state.DoString(context.Background(), `while true do end`)
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Errorf("DoString() error = %v, want ErrExecutionTimeout", err)
	}

	// The state stays usable after a timeout.
	if err := state.DoString(context.Background(), `y = 1`); err != nil {
		t.Errorf("DoString() after timeout error = %v", err)
	}
}

func TestStateContextCancel(t *testing.T) {
	state, err := NewState(WithExecutionTimeout(0))
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err = state.DoString(ctx, `while true do end`)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("DoString() error = %v, want context.Canceled", err)
	}
}

func TestStateClosedOperations(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	if err := state.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := state.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := state.Load("x", `return 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Load() on closed state error = %v, want ErrStateClosed", err)
	}
	if v := state.GetGlobal("x"); v != glua.LNil {
		t.Errorf("GetGlobal() on closed state = %v, want nil", v)
	}
}

func TestStateModule(t *testing.T) {
	loader := func(L *glua.LState) int {
		mod := L.NewTable()
		mod.RawSetString("answer", glua.LNumber(42))
		L.Push(mod)
		return 1
	}
	state, err := NewState(WithModule("parley.util", loader))
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	if err := state.DoString(context.Background(), `answer = require("parley.util").answer`); err != nil {
		t.Fatalf("require preloaded module error = %v", err)
	}
	if v := state.GetGlobal("answer"); v.(glua.LNumber) != 42 {
		t.Errorf("answer = %v, want 42", v)
	}
}
