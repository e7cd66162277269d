package resource

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/ui"
)

type kind string

const (
	kindChannel   kind = "channel"
	kindComponent kind = "component"
	kindBodyClass kind = "bodyClass"
	kindIndicator kind = "indicator"
)

type resourceKey struct {
	kind kind
	id   string
}

// StyleHandle records a plugin's injected style element.
type StyleHandle struct {
	PluginID string
	Scoped   bool
}

// Bucket is the set of resources one plugin has registered.
type Bucket struct {
	ChannelTypes map[string]bool
	UIComponents map[string]map[string]bool
	Style        *StyleHandle
	BodyClasses  map[string]bool
	Indicators   map[string]bool
}

func newBucket() *Bucket {
	return &Bucket{
		ChannelTypes: make(map[string]bool),
		UIComponents: make(map[string]map[string]bool),
		BodyClasses:  make(map[string]bool),
		Indicators:   make(map[string]bool),
	}
}

func (b *Bucket) copy() Bucket {
	out := *newBucket()
	for id := range b.ChannelTypes {
		out.ChannelTypes[id] = true
	}
	for slot, ids := range b.UIComponents {
		out.UIComponents[slot] = make(map[string]bool, len(ids))
		for id := range ids {
			out.UIComponents[slot][id] = true
		}
	}
	if b.Style != nil {
		s := *b.Style
		out.Style = &s
	}
	for c := range b.BodyClasses {
		out.BodyClasses[c] = true
	}
	for id := range b.Indicators {
		out.Indicators[id] = true
	}
	return out
}

// ChannelHook observes channel types being added and removed.
type ChannelHook func(ch ChannelType, registered bool) error

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithChannelHook adds a hook called after every channel registration
// change. Hook errors are logged.
func WithChannelHook(h ChannelHook) Option {
	return func(r *Registry) {
		r.hooks = append(r.hooks, h)
	}
}

// Registry owns every plugin's bucket and the document they decorate.
type Registry struct {
	doc    *ui.Document
	logger *zap.Logger
	hooks  []ChannelHook

	mu       sync.Mutex
	buckets  map[string]*Bucket
	owners   map[resourceKey]string
	channels map[string]ChannelType
}

// NewRegistry creates a registry decorating doc.
func NewRegistry(doc *ui.Document, opts ...Option) *Registry {
	r := &Registry{
		doc:      doc,
		logger:   zap.NewNop(),
		buckets:  make(map[string]*Bucket),
		owners:   make(map[resourceKey]string),
		channels: make(map[string]ChannelType),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("resource")
	return r
}

// Document returns the document the registry decorates.
func (r *Registry) Document() *ui.Document { return r.doc }

// bucketLocked returns pluginID's bucket, creating it.
func (r *Registry) bucketLocked(pluginID string) *Bucket {
	b := r.buckets[pluginID]
	if b == nil {
		b = newBucket()
		r.buckets[pluginID] = b
	}
	return b
}

// claimLocked records pluginID as the owner of key.
func (r *Registry) claimLocked(pluginID string, key resourceKey) error {
	if owner, ok := r.owners[key]; ok && owner != pluginID {
		return fmt.Errorf("%w: %s %q belongs to %s", ErrResourceOwned, key.kind, key.id, owner)
	}
	r.owners[key] = pluginID
	return nil
}

// checkOwnerLocked fails if key exists and is owned by someone else. It
// reports whether pluginID owns key.
func (r *Registry) checkOwnerLocked(pluginID string, key resourceKey) (bool, error) {
	owner, ok := r.owners[key]
	if ok && owner != pluginID {
		return false, fmt.Errorf("%w: %s %q belongs to %s", ErrResourceOwned, key.kind, key.id, owner)
	}
	return ok, nil
}

// Owner returns the plugin owning channel id.
func (r *Registry) Owner(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[resourceKey{kindChannel, channelID}]
	return owner, ok
}

// Bucket returns a copy of pluginID's bucket.
func (r *Registry) Bucket(pluginID string) (Bucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[pluginID]
	if !ok {
		return Bucket{}, false
	}
	return b.copy(), true
}

// Plugins returns the ids of plugins with a bucket, sorted.
func (r *Registry) Plugins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buckets))
	for id := range r.buckets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RegisterChannel records ch as owned by pluginID.
func (r *Registry) RegisterChannel(pluginID string, ch ChannelType) error {
	if ch.ID == "" || (ch.Adapter == nil && ch.Extends == "") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, ch.ID)
	}
	ch.PluginID = pluginID
	if ch.Label == "" {
		ch.Label = ch.ID
	}

	r.mu.Lock()
	if err := r.claimLocked(pluginID, resourceKey{kindChannel, ch.ID}); err != nil {
		r.mu.Unlock()
		return err
	}
	r.bucketLocked(pluginID).ChannelTypes[ch.ID] = true
	r.channels[ch.ID] = ch
	r.mu.Unlock()

	r.logger.Debug("channel registered", zap.String("plugin", pluginID), zap.String("channel", ch.ID))
	r.runHooks(ch, true)
	return nil
}

// UnregisterChannel removes channel id if pluginID owns it. Removing an
// unknown channel is a no-op.
func (r *Registry) UnregisterChannel(pluginID, id string) error {
	key := resourceKey{kindChannel, id}
	r.mu.Lock()
	owned, err := r.checkOwnerLocked(pluginID, key)
	if err != nil || !owned {
		r.mu.Unlock()
		return err
	}
	ch := r.channels[id]
	delete(r.channels, id)
	delete(r.owners, key)
	if b := r.buckets[pluginID]; b != nil {
		delete(b.ChannelTypes, id)
	}
	r.mu.Unlock()

	r.runHooks(ch, false)
	return nil
}

// Channel returns channel type id.
func (r *Registry) Channel(id string) (ChannelType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Channels returns every channel type, sorted by id.
func (r *Registry) Channels() []ChannelType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelType, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChannelIDs returns every channel type id, sorted.
func (r *Registry) ChannelIDs() []string {
	chans := r.Channels()
	out := make([]string, len(chans))
	for i, ch := range chans {
		out[i] = ch.ID
	}
	return out
}

// Resolve follows Extends links to the adapter serving channel id and
// layers each channel's default config over its base's.
func (r *Registry) Resolve(id string) (Resolved, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chain []ChannelType
	seen := map[string]bool{}
	cur := id
	for {
		ch, ok := r.channels[cur]
		if !ok {
			return Resolved{}, fmt.Errorf("%w: %s", ErrChannelNotFound, cur)
		}
		if seen[cur] {
			return Resolved{}, fmt.Errorf("%w: %s extends itself", ErrInvalidChannel, id)
		}
		seen[cur] = true
		chain = append(chain, ch)
		if ch.Adapter != nil {
			break
		}
		cur = ch.Extends
	}

	layers := make([]map[string]any, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		layers = append(layers, chain[i].DefaultConfig)
	}
	return Resolved{
		Type:    chain[0],
		Adapter: chain[len(chain)-1].Adapter,
		Config:  mergeConfig(layers...),
	}, nil
}

// MountComponent mounts c in the document as pluginID's.
func (r *Registry) MountComponent(pluginID string, c ui.Component) error {
	c.PluginID = pluginID
	key := resourceKey{kindComponent, c.Slot + "/" + c.ID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.checkOwnerLocked(pluginID, key); err != nil {
		return err
	}
	if err := r.doc.Mount(c); err != nil {
		return err
	}
	r.owners[key] = pluginID
	b := r.bucketLocked(pluginID)
	if b.UIComponents[c.Slot] == nil {
		b.UIComponents[c.Slot] = make(map[string]bool)
	}
	b.UIComponents[c.Slot][c.ID] = true
	return nil
}

// InjectStyle installs pluginID's style element.
func (r *Registry) InjectStyle(pluginID, css string, scoped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.InjectStyle(pluginID, css)
	r.bucketLocked(pluginID).Style = &StyleHandle{PluginID: pluginID, Scoped: scoped}
}

// AddBodyClass adds class on behalf of pluginID.
func (r *Registry) AddBodyClass(pluginID, class string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimLocked(pluginID, resourceKey{kindBodyClass, class}); err != nil {
		return err
	}
	r.bucketLocked(pluginID).BodyClasses[class] = true
	r.doc.AddBodyClass(class)
	return nil
}

// RemoveBodyClass removes a class pluginID added.
func (r *Registry) RemoveBodyClass(pluginID, class string) error {
	key := resourceKey{kindBodyClass, class}
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, err := r.checkOwnerLocked(pluginID, key)
	if err != nil || !owned {
		return err
	}
	r.dropBodyClassLocked(pluginID, class)
	return nil
}

// ToggleBodyClass toggles class on behalf of pluginID and reports whether
// it is present afterwards.
func (r *Registry) ToggleBodyClass(pluginID, class string, force *bool) (bool, error) {
	key := resourceKey{kindBodyClass, class}
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, err := r.checkOwnerLocked(pluginID, key)
	if err != nil {
		return false, err
	}
	on := !owned
	if force != nil {
		on = *force
	}
	switch {
	case on && !owned:
		r.owners[key] = pluginID
		r.bucketLocked(pluginID).BodyClasses[class] = true
		r.doc.AddBodyClass(class)
	case !on && owned:
		r.dropBodyClassLocked(pluginID, class)
	}
	return on, nil
}

func (r *Registry) dropBodyClassLocked(pluginID, class string) {
	delete(r.owners, resourceKey{kindBodyClass, class})
	if b := r.buckets[pluginID]; b != nil {
		delete(b.BodyClasses, class)
	}
	r.doc.RemoveBodyClass(class)
}

// AddIndicator shows a loading indicator owned by pluginID.
func (r *Registry) AddIndicator(pluginID string, ind ui.Indicator) error {
	ind.PluginID = pluginID
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimLocked(pluginID, resourceKey{kindIndicator, ind.ID}); err != nil {
		return err
	}
	r.bucketLocked(pluginID).Indicators[ind.ID] = true
	r.doc.AddIndicator(ind)
	return nil
}

// AttachIndicator moves pluginID's indicator onto a message.
func (r *Registry) AttachIndicator(pluginID, id, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, err := r.checkOwnerLocked(pluginID, resourceKey{kindIndicator, id})
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%w: %s", ui.ErrIndicatorNotFound, id)
	}
	return r.doc.AttachIndicator(id, messageID)
}

// Release removes everything pluginID registered and destroys its bucket.
// It is idempotent.
func (r *Registry) Release(pluginID string) {
	r.mu.Lock()
	b, ok := r.buckets[pluginID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.buckets, pluginID)

	var removed []ChannelType
	for id := range b.ChannelTypes {
		if ch, ok := r.channels[id]; ok {
			removed = append(removed, ch)
		}
		delete(r.channels, id)
		delete(r.owners, resourceKey{kindChannel, id})
	}
	for slot, ids := range b.UIComponents {
		for id := range ids {
			r.doc.Unmount(slot, id)
			delete(r.owners, resourceKey{kindComponent, slot + "/" + id})
		}
	}
	if b.Style != nil {
		r.doc.RemoveStyle(pluginID)
	}
	for class := range b.BodyClasses {
		r.doc.RemoveBodyClass(class)
		delete(r.owners, resourceKey{kindBodyClass, class})
	}
	for id := range b.Indicators {
		r.doc.RemoveIndicator(id)
		delete(r.owners, resourceKey{kindIndicator, id})
	}
	r.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	for _, ch := range removed {
		r.runHooks(ch, false)
	}
	r.logger.Debug("bucket released", zap.String("plugin", pluginID), zap.Int("channels", len(removed)))
}

func (r *Registry) runHooks(ch ChannelType, registered bool) {
	for _, h := range r.hooks {
		if err := r.runHook(h, ch, registered); err != nil {
			r.logger.Warn("channel hook failed",
				zap.String("plugin", ch.PluginID),
				zap.String("channel", ch.ID),
				zap.Error(err))
		}
	}
}

func (r *Registry) runHook(h ChannelHook, ch ChannelType, registered bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return h(ch, registered)
}
