package loader

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

func TestTOMLLoaderLoad(t *testing.T) {
	fsys := FSAdapter{FS: fstest.MapFS{
		"parley.toml": {Data: []byte(`
[log]
level = "debug"

[sandbox]
mode = "websocket"
queue_size = 64
http_rate = 2.5
`)},
	}}

	config, err := NewTOMLLoaderWithFS(fsys, "parley.toml").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if val, ok := GetByPath(config, "log.level"); !ok || val != "debug" {
		t.Errorf("log.level = %v, want 'debug'", val)
	}
	if val, ok := GetByPath(config, "sandbox.queue_size"); !ok || val != int64(64) {
		t.Errorf("sandbox.queue_size = %v (%T), want 64", val, val)
	}
	if val, ok := GetByPath(config, "sandbox.http_rate"); !ok || val != 2.5 {
		t.Errorf("sandbox.http_rate = %v, want 2.5", val)
	}
}

func TestTOMLLoaderMissingFile(t *testing.T) {
	config, err := NewTOMLLoaderWithFS(FSAdapter{FS: fstest.MapFS{}}, "nope.toml").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config != nil {
		t.Errorf("config = %v, want nil", config)
	}
}

func TestTOMLLoaderParseError(t *testing.T) {
	fsys := FSAdapter{FS: fstest.MapFS{"bad.toml": {Data: []byte("[log\nlevel = ")}}}
	_, err := NewTOMLLoaderWithFS(fsys, "bad.toml").Load()
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if perr.Path != "bad.toml" || perr.Line == 0 {
		t.Errorf("ParseError = %+v, want path bad.toml with a line", perr)
	}
	if !strings.HasPrefix(err.Error(), "bad.toml:") {
		t.Errorf("Error() = %q, want file prefix", err.Error())
	}
}

func TestEnvLoaderLoad(t *testing.T) {
	t.Setenv("PARLEY_LOG_LEVEL", "warn")
	t.Setenv("PARLEY_SANDBOX_EXEC_TIMEOUT", "2s")
	t.Setenv("PARLEY_SANDBOX_QUEUE_SIZE", "16")
	t.Setenv("PARLEY_PLUGINS_WATCH", "off")
	t.Setenv("PARLEY_DB", "/tmp/x.db")
	t.Setenv("PARLEY_NOSECTION", "ignored")

	config, err := NewEnvLoader("PARLEY_").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		path string
		want any
	}{
		{"log.level", "warn"},
		{"sandbox.exec_timeout", "2s"},
		{"sandbox.queue_size", int64(16)},
		{"plugins.watch", false},
		{"storage.path", "/tmp/x.db"},
	}
	for _, tt := range tests {
		if val, ok := GetByPath(config, tt.path); !ok || val != tt.want {
			t.Errorf("%s = %v (%T), want %v", tt.path, val, val, tt.want)
		}
	}
	if _, ok := config["nosection"]; ok {
		t.Error("variable without a key must be ignored")
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"log":     map[string]any{"level": "info", "format": "json"},
		"storage": map[string]any{"driver": "sqlite"},
	}
	src := map[string]any{
		"log":     map[string]any{"level": "debug"},
		"plugins": map[string]any{"watch": true},
	}

	got := DeepMerge(dst, src)
	if v, _ := GetByPath(got, "log.level"); v != "debug" {
		t.Errorf("log.level = %v, want debug", v)
	}
	if v, _ := GetByPath(got, "log.format"); v != "json" {
		t.Errorf("log.format = %v, want json", v)
	}
	if v, _ := GetByPath(got, "plugins.watch"); v != true {
		t.Errorf("plugins.watch = %v, want true", v)
	}
	if v, _ := GetByPath(got, "storage.driver"); v != "sqlite" {
		t.Errorf("storage.driver = %v, want sqlite", v)
	}
}
