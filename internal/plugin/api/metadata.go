package api

import "strings"

// MetadataRoot is the conversation metadata key under which each plugin
// gets its own scope.
const MetadataRoot = "plugins"

// MetadataPath returns the gjson/sjson path of path inside pluginID's
// metadata scope. An empty path addresses the scope itself.
func MetadataPath(pluginID, path string) string {
	p := MetadataRoot + "." + escapePathComponent(pluginID)
	if path != "" {
		p += "." + path
	}
	return p
}

func escapePathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
