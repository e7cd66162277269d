package api

import "testing"

func TestMetadataPath(t *testing.T) {
	tests := []struct {
		plugin, path, want string
	}{
		{"p1", "", "plugins.p1"},
		{"p1", "theme.color", "plugins.p1.theme.color"},
		{"acme.chat", "x", `plugins.acme\.chat.x`},
		{"a*b", "", `plugins.a\*b`},
	}
	for _, tt := range tests {
		if got := MetadataPath(tt.plugin, tt.path); got != tt.want {
			t.Errorf("MetadataPath(%q, %q) = %q, want %q", tt.plugin, tt.path, got, tt.want)
		}
	}
}

func TestIsStoreEvent(t *testing.T) {
	if !IsStoreEvent(EventUpdated) {
		t.Error("updated should be forwardable")
	}
	if IsStoreEvent("keypress") {
		t.Error("keypress should not be forwardable")
	}
}
