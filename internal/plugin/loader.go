package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/parley/internal/plugin/api"
)

// PluginFile is plugin source found on disk or in an embedded filesystem.
type PluginFile struct {
	Path   string
	Format string
	Data   []byte
}

// Hybrid reports whether the file is a manifest.
func (f *PluginFile) Hybrid() bool { return f.Format == api.FormatHybrid }

// FormatForPath returns the plugin format implied by a file extension, or
// "" when the file is not a plugin.
func FormatForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".js":
		return api.FormatJS
	case ".lua":
		return api.FormatLua
	case ".yaml", ".yml", ".json":
		return api.FormatHybrid
	default:
		return ""
	}
}

// PluginID returns the id the file installs under.
func (f *PluginFile) PluginID() (string, error) {
	if f.Hybrid() {
		man, err := ParseManifest(f.Data)
		if err != nil {
			return "", err
		}
		return man.ID, nil
	}
	md, err := ParseMetadata(string(f.Data))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPlugin, f.Path, err)
	}
	if md.Name == "" {
		return "", fmt.Errorf("%w: %s: name is required", ErrInvalidPlugin, f.Path)
	}
	return Slug(md.Name), nil
}

// Loader discovers plugin files in a filesystem.
type Loader struct {
	fsys fs.FS
	root string
}

// NewLoader creates a loader over the directory dir.
func NewLoader(dir string) *Loader {
	return &Loader{fsys: os.DirFS(dir), root: dir}
}

// NewFSLoader creates a loader over fsys.
func NewFSLoader(fsys fs.FS) *Loader {
	return &Loader{fsys: fsys}
}

// Discover returns the plugin files at the top level of the filesystem,
// sorted by name. Hidden files are skipped; a missing directory yields no
// files.
func (l *Loader) Discover() ([]*PluginFile, error) {
	entries, err := fs.ReadDir(l.fsys, ".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	files := make([]*PluginFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || FormatForPath(name) == "" {
			continue
		}
		f, err := l.read(name)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile reads one plugin file. name is relative to the loader root, or
// a path inside the root directory.
func (l *Loader) ReadFile(name string) (*PluginFile, error) {
	if l.root != "" {
		if rel, err := filepath.Rel(l.root, name); err == nil && !strings.HasPrefix(rel, "..") {
			name = filepath.ToSlash(rel)
		}
	}
	if FormatForPath(name) == "" {
		return nil, fmt.Errorf("%w: %s: unsupported file type", ErrInvalidPlugin, name)
	}
	return l.read(name)
}

func (l *Loader) read(name string) (*PluginFile, error) {
	data, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin %s: %w", name, err)
	}
	p := name
	if l.root != "" {
		p = filepath.Join(l.root, name)
	}
	return &PluginFile{Path: p, Format: FormatForPath(name), Data: data}, nil
}

// Install installs f into m. An unchanged plugin is left alone; a changed
// one is replaced and keeps its enabled flag.
func Install(ctx context.Context, m *Manager, f *PluginFile, source Source) (*Record, error) {
	id, err := f.PluginID()
	if err != nil {
		return nil, err
	}

	opts := InstallOptions{ID: id, Source: source}
	if existing, err := m.Get(id); err == nil {
		if unchanged(existing, f) {
			return existing, nil
		}
		opts.Disabled = !existing.Enabled
	}

	if f.Hybrid() {
		return m.AddHybridPlugin(ctx, f.Data, opts)
	}
	opts.Format = f.Format
	return m.AddPlugin(ctx, string(f.Data), opts)
}

func unchanged(rec *Record, f *PluginFile) bool {
	if f.Hybrid() {
		return rec.Manifest == string(f.Data)
	}
	return rec.Format == f.Format && rec.Code == string(f.Data)
}

// InstallAll installs every discovered file. A failing file does not stop
// the rest. It returns the ids installed, keyed by file path.
func (l *Loader) InstallAll(ctx context.Context, m *Manager, source Source) (map[string]string, error) {
	files, err := l.Discover()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(files))
	var installErrors []error
	for _, f := range files {
		rec, err := Install(ctx, m, f, source)
		if rec != nil {
			ids[f.Path] = rec.ID
		}
		if err != nil {
			installErrors = append(installErrors, fmt.Errorf("%s: %w", f.Path, err))
		}
	}
	return ids, joinErrors("install", installErrors)
}
