package plugin

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"go.uber.org/zap"
)

//go:embed builtin
var builtinFS embed.FS

// Builtins returns the plugins shipped with the binary.
func Builtins() fs.FS {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		panic(err)
	}
	return sub
}

// InstallBuiltins installs the plugins in fsys as builtins. A builtin
// that is already installed is only replaced by a newer version, and keeps
// its enabled flag.
func (m *Manager) InstallBuiltins(ctx context.Context, fsys fs.FS) error {
	files, err := NewFSLoader(fsys).Discover()
	if err != nil {
		return err
	}

	var installErrors []error
	for _, f := range files {
		id, err := f.PluginID()
		if err != nil {
			installErrors = append(installErrors, fmt.Errorf("%s: %w", f.Path, err))
			continue
		}
		if existing, err := m.Get(id); err == nil {
			if existing.Source != SourceBuiltin || !NewerThan(fileVersion(f), existing.Version) {
				continue
			}
		}
		if _, err := Install(ctx, m, f, SourceBuiltin); err != nil {
			installErrors = append(installErrors, fmt.Errorf("%s: %w", f.Path, err))
			continue
		}
		m.logger.Debug("builtin plugin installed", zap.String("plugin", id))
	}
	return joinErrors("install", installErrors)
}

func fileVersion(f *PluginFile) string {
	if f.Hybrid() {
		if man, err := ParseManifest(f.Data); err == nil {
			return man.Version
		}
		return ""
	}
	md, err := ParseMetadata(string(f.Data))
	if err != nil {
		return ""
	}
	return md.Version
}
