package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Manifest is a hybrid plugin: declarative UI, styles and channel plus an
// optional script.
type Manifest struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Author      string              `json:"author,omitempty"`
	Description string              `json:"description,omitempty"`
	Homepage    string              `json:"homepage,omitempty"`
	Icon        string              `json:"icon,omitempty"`
	UI          []UIFragment        `json:"ui,omitempty"`
	Styles      *ManifestStyles     `json:"styles,omitempty"`
	Script      string              `json:"script,omitempty"`
	Channel     *ChannelDeclaration `json:"channel,omitempty"`
}

// UIFragment is markup mounted into a host slot.
type UIFragment struct {
	ID       string `json:"id"`
	Slot     string `json:"slot"`
	HTML     string `json:"html"`
	PluginID string `json:"plugin,omitempty"`
}

// ManifestStyles is CSS injected for the plugin. Scoped CSS is prefixed
// with the plugin's data-plugin selector.
type ManifestStyles struct {
	CSS    string `json:"css"`
	Scoped bool   `json:"scoped,omitempty"`
}

// ChannelDeclaration registers a declarative channel that reuses the
// adapter of the channel it extends. Keys of the manifest's channel table
// other than the declared fields are config overrides and end up in
// DefaultConfig.
type ChannelDeclaration struct {
	ID            string         `json:"id"`
	Label         string         `json:"label,omitempty"`
	Extends       string         `json:"extends"`
	Capabilities  map[string]any `json:"capabilities,omitempty"`
	DefaultConfig map[string]any `json:"defaultConfig,omitempty"`
}

// Validation errors.
var (
	ErrMissingName    = errors.New("manifest: name is required")
	ErrInvalidID      = errors.New("manifest: id must be lower case alphanumeric with hyphens")
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
	ErrEmptyManifest  = errors.New("manifest: nothing to install")
)

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "additionalProperties": false,
  "definitions": {
    "slot": {"enum": ["sidebar", "toolbar", "composer", "message", "settings", "statusbar"]}
  },
  "properties": {
    "id":          {"type": "string", "minLength": 1},
    "name":        {"type": "string", "minLength": 1},
    "version":     {"type": "string"},
    "author":      {"type": "string"},
    "description": {"type": "string"},
    "homepage":    {"type": "string"},
    "icon":        {"type": "string"},
    "script":      {"type": "string"},
    "ui": {
      "oneOf": [
        {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "slot", "html"],
            "additionalProperties": false,
            "properties": {
              "id":   {"type": "string", "minLength": 1},
              "slot": {"$ref": "#/definitions/slot"},
              "html": {"type": "string"}
            }
          }
        },
        {
          "type": "object",
          "propertyNames": {"$ref": "#/definitions/slot"},
          "additionalProperties": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "html"],
              "additionalProperties": false,
              "properties": {
                "id":   {"type": "string", "minLength": 1},
                "html": {"type": "string"}
              }
            }
          }
        }
      ]
    },
    "styles": {
      "type": "object",
      "required": ["css"],
      "additionalProperties": false,
      "properties": {
        "css":    {"type": "string"},
        "scoped": {"type": "boolean"}
      }
    },
    "channel": {
      "type": "object",
      "required": ["extends"],
      "properties": {
        "id":            {"type": "string", "minLength": 1},
        "label":         {"type": "string"},
        "extends":       {"type": "string", "minLength": 1},
        "capabilities":  {"type": "object"},
        "defaultConfig": {"type": "object"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// manifestDoc is the decoded document before ui and channel are
// normalized.
type manifestDoc struct {
	Manifest
	UI      json.RawMessage `json:"ui,omitempty"`
	Channel map[string]any  `json:"channel,omitempty"`
}

// ParseManifest parses and validates a hybrid manifest. The document may be
// YAML or JSON. ui is either a list of fragments or a map from slot to
// fragments. Missing id and version are defaulted from the name, and a
// missing channel id from the plugin id.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
	}

	// yaml.v3 decodes into types the validator does not accept; go through
	// JSON to get the canonical representation.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var canonical any
	if err := dec.Decode(&canonical); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := compiledSchema.Validate(canonical); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var decoded manifestDoc
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m := decoded.Manifest
	if m.UI, err = decodeUI(decoded.UI); err != nil {
		return nil, fmt.Errorf("%w: ui: %v", ErrInvalidManifest, err)
	}
	if decoded.Channel != nil {
		m.Channel = decodeChannel(decoded.Channel)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	m.Name = strings.TrimSpace(m.Name)
	if m.ID == "" {
		m.ID = Slug(m.Name)
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Channel != nil {
		if m.Channel.ID == "" {
			m.Channel.ID = m.ID
		}
		if m.Channel.Label == "" {
			m.Channel.Label = m.Name
		}
	}
	for i := range m.UI {
		m.UI[i].PluginID = m.ID
	}
}

// decodeUI accepts the list form and the slot map form. Slots of the map
// form are visited in name order.
func decodeUI(raw json.RawMessage) ([]UIFragment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []UIFragment
		err := json.Unmarshal(raw, &list)
		return list, err
	}

	var bySlot map[string][]UIFragment
	if err := json.Unmarshal(raw, &bySlot); err != nil {
		return nil, err
	}
	slots := make([]string, 0, len(bySlot))
	for slot := range bySlot {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	var out []UIFragment
	for _, slot := range slots {
		for _, frag := range bySlot[slot] {
			frag.Slot = slot
			out = append(out, frag)
		}
	}
	return out, nil
}

// decodeChannel splits the channel table into declared fields and config
// overrides. Overrides win over defaultConfig entries of the same name.
func decodeChannel(table map[string]any) *ChannelDeclaration {
	ch := &ChannelDeclaration{}
	overrides := make(map[string]any)
	for key, val := range table {
		switch key {
		case "id":
			ch.ID, _ = val.(string)
		case "label":
			ch.Label, _ = val.(string)
		case "extends":
			ch.Extends, _ = val.(string)
		case "capabilities":
			ch.Capabilities, _ = val.(map[string]any)
		case "defaultConfig":
			if cfg, ok := val.(map[string]any); ok {
				for k, v := range cfg {
					if _, set := overrides[k]; !set {
						overrides[k] = v
					}
				}
			}
		default:
			overrides[key] = val
		}
	}
	if len(overrides) > 0 {
		ch.DefaultConfig = overrides
	}
	return ch
}

// Validate checks fields the schema cannot express.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, ErrMissingName)
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %w: %q", ErrInvalidManifest, ErrInvalidID, m.ID)
	}
	if err := ValidateVersion(m.Version); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if len(m.UI) == 0 && m.Styles == nil && strings.TrimSpace(m.Script) == "" && m.Channel == nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, ErrEmptyManifest)
	}
	return nil
}

// ValidateVersion reports whether v is a semantic version.
func ValidateVersion(v string) error {
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(v, "v")); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return nil
}

// NewerThan reports whether version a is greater than b. Unparseable
// versions compare as not newer.
func NewerThan(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return true
	}
	return va.GreaterThan(vb)
}

// NormalizedScript returns the script in the form the runtime executes.
// A module-style default export is reduced to its expression, and a bare
// function expression is invoked with the Plugin capability object.
func (m *Manifest) NormalizedScript() string {
	return NormalizeScript(m.Script)
}

var fnExpr = regexp.MustCompile(`^(?:async\s+)?(?:function\b|\([^)]*\)\s*=>|[A-Za-z_$][\w$]*\s*=>)`)

// NormalizeScript is NormalizedScript for a bare script.
func NormalizeScript(script string) string {
	s := strings.TrimSpace(script)
	if s == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(s, "export default"); ok {
		s = strings.TrimSpace(rest)
	}
	if fnExpr.MatchString(s) {
		s = strings.TrimRight(s, "; \t\n")
		return "(" + s + ")(Plugin);"
	}
	return s
}
