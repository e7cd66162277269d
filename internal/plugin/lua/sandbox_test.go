package lua

import (
	"context"
	"testing"

	glua "github.com/yuin/gopher-lua"
)

func TestSandboxDangerousFunctionsRemoved(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		if v := state.GetGlobal(name); v != glua.LNil {
			t.Errorf("%s should be removed, got %v", name, v.Type())
		}
	}
	for _, name := range []string{"io", "os", "debug"} {
		if v := state.GetGlobal(name); v != glua.LNil {
			t.Errorf("library %s should not be opened", name)
		}
	}
}

func TestSandboxSafeRequire(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	tests := []struct {
		module  string
		wantErr bool
	}{
		{"string", false},
		{"math", false},
		{"table", false},
		{"io", true},
		{"os", true},
		{"debug", true},
		{"socket", true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			err := state.DoString(context.Background(), `require("`+tt.module+`")`)
			if (err != nil) != tt.wantErr {
				t.Errorf("require(%q) error = %v, wantErr %v", tt.module, err, tt.wantErr)
			}
		})
	}
}

func TestSandboxPackagePathCleared(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer state.Close()

	if err := state.DoString(context.Background(), `p = package.path`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if v := state.GetGlobal("p"); v.String() != "" {
		t.Errorf("package.path = %q, want empty", v.String())
	}
}
