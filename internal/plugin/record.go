package plugin

import (
	"time"

	"github.com/dshills/parley/internal/plugin/api"
)

// Source says where a plugin came from.
type Source string

// Plugin sources.
const (
	SourceBuiltin  Source = "builtin"
	SourceExternal Source = "external"
)

// Record is an installed plugin. ID is its identity; the Manager keeps ids
// unique.
type Record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Code is the script the sandbox executes. For hybrid plugins it is
	// the manifest's normalized script.
	Code string `json:"code"`
	// Manifest is the hybrid manifest document, empty for plain plugins.
	Manifest    string    `json:"manifest,omitempty"`
	Format      string    `json:"format"`
	Enabled     bool      `json:"enabled"`
	Version     string    `json:"version"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Source      Source    `json:"source"`

	// LastError is the error of the most recent failed start. It is
	// cleared by a successful start.
	LastError *api.ErrorInfo `json:"lastError,omitempty"`
}

// Meta returns the descriptive metadata sent to the sandbox.
func (r *Record) Meta() api.PluginMeta {
	return api.PluginMeta{
		Name:        r.Name,
		Version:     r.Version,
		Description: r.Description,
		Author:      r.Author,
		Homepage:    r.Homepage,
		Icon:        r.Icon,
		Format:      r.Format,
	}
}

func (r *Record) clone() *Record {
	out := *r
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	return &out
}

// Patch changes an installed plugin. Nil fields are left alone.
type Patch struct {
	Code     *string
	Manifest *string
	Enabled  *bool
}
