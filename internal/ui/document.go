// Package ui holds the document model plugins decorate: body classes,
// injected style elements, components mounted in named slots, and loading
// indicators. Rendering is out of scope; the model is what a renderer
// would read.
package ui

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Slots a plugin component can be mounted in.
const (
	SlotSidebar   = "sidebar"
	SlotToolbar   = "toolbar"
	SlotComposer  = "composer"
	SlotMessage   = "message"
	SlotSettings  = "settings"
	SlotStatusBar = "statusbar"
)

var knownSlots = map[string]bool{
	SlotSidebar:   true,
	SlotToolbar:   true,
	SlotComposer:  true,
	SlotMessage:   true,
	SlotSettings:  true,
	SlotStatusBar: true,
}

// IsSlot reports whether name is a known slot.
func IsSlot(name string) bool { return knownSlots[name] }

var (
	// ErrUnknownSlot is returned when mounting into a slot that does not exist.
	ErrUnknownSlot = errors.New("ui: unknown slot")

	// ErrIndicatorNotFound is returned for an unknown loading indicator.
	ErrIndicatorNotFound = errors.New("ui: loading indicator not found")
)

// StyleElement is an injected stylesheet tagged with its plugin.
type StyleElement struct {
	PluginID string
	CSS      string
}

// Component is a UI fragment mounted in a slot.
type Component struct {
	ID       string
	Slot     string
	PluginID string
	Markup   string
}

// Indicator is a loading indicator, optionally attached to a message.
type Indicator struct {
	ID        string
	PluginID  string
	Label     string
	MessageID string
}

// Document is the host document. It is safe for concurrent use.
type Document struct {
	mu          sync.RWMutex
	bodyClasses map[string]bool
	styles      map[string]*StyleElement
	slots       map[string]map[string]Component
	indicators  map[string]Indicator
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		bodyClasses: make(map[string]bool),
		styles:      make(map[string]*StyleElement),
		slots:       make(map[string]map[string]Component),
		indicators:  make(map[string]Indicator),
	}
}

// AddBodyClass adds class to the body.
func (d *Document) AddBodyClass(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bodyClasses[class] = true
}

// RemoveBodyClass removes class from the body.
func (d *Document) RemoveBodyClass(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bodyClasses, class)
}

// ToggleBodyClass flips class, or sets it to force when force is non-nil.
// It returns whether the class is present afterwards.
func (d *Document) ToggleBodyClass(class string, force *bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	on := !d.bodyClasses[class]
	if force != nil {
		on = *force
	}
	if on {
		d.bodyClasses[class] = true
	} else {
		delete(d.bodyClasses, class)
	}
	return on
}

// HasBodyClass reports whether class is present.
func (d *Document) HasBodyClass(class string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bodyClasses[class]
}

// BodyClasses returns the body classes, sorted.
func (d *Document) BodyClasses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.bodyClasses))
	for c := range d.bodyClasses {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// InjectStyle installs css as pluginID's style element, replacing any
// previous one.
func (d *Document) InjectStyle(pluginID, css string) *StyleElement {
	el := &StyleElement{PluginID: pluginID, CSS: css}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.styles[pluginID] = el
	return el
}

// RemoveStyle removes the style element tagged with pluginID.
func (d *Document) RemoveStyle(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.styles, pluginID)
}

// Style returns pluginID's style element, or nil.
func (d *Document) Style(pluginID string) *StyleElement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.styles[pluginID]
}

// Styles returns every style element ordered by plugin id.
func (d *Document) Styles() []StyleElement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]StyleElement, 0, len(d.styles))
	for _, el := range d.styles {
		out = append(out, *el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Mount places c in its slot, replacing a component with the same id.
func (d *Document) Mount(c Component) error {
	if !IsSlot(c.Slot) {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, c.Slot)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slots[c.Slot]
	if slot == nil {
		slot = make(map[string]Component)
		d.slots[c.Slot] = slot
	}
	slot[c.ID] = c
	return nil
}

// Unmount removes component id from slot.
func (d *Document) Unmount(slot, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.slots[slot], id)
}

// Components returns the components of slot ordered by id.
func (d *Document) Components(slot string) []Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Component, 0, len(d.slots[slot]))
	for _, c := range d.slots[slot] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddIndicator shows a loading indicator.
func (d *Document) AddIndicator(ind Indicator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.indicators[ind.ID] = ind
}

// AttachIndicator moves indicator id onto messageID.
func (d *Document) AttachIndicator(id, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ind, ok := d.indicators[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndicatorNotFound, id)
	}
	ind.MessageID = messageID
	d.indicators[id] = ind
	return nil
}

// RemoveIndicator removes indicator id.
func (d *Document) RemoveIndicator(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.indicators, id)
}

// Indicators returns the loading indicators ordered by id.
func (d *Document) Indicators() []Indicator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Indicator, 0, len(d.indicators))
	for _, ind := range d.indicators {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
