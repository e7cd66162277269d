package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/resource"
	"github.com/dshills/parley/internal/ui"
)

// Runtime executes plugin code. *bridge.SandboxClient implements it.
type Runtime interface {
	ExecutePlugin(ctx context.Context, id, code string, meta api.PluginMeta) (api.ExecuteResult, error)
	StopPlugin(ctx context.Context, id string) error
}

// Manager manages the lifecycle of all plugins.
// It handles installation, persistence, start/stop and event dispatching.
type Manager struct {
	mu sync.RWMutex

	runtime  Runtime
	registry *resource.Registry
	repo     *Repository
	logger   *zap.Logger
	now      func() time.Time
	onDelete func(ctx context.Context, id string) error

	// Installed plugins by id
	plugins map[string]*entry

	// Install order (for deterministic iteration)
	loadOrder []string

	// Per-plugin operation locks; lifecycle operations on one plugin
	// never interleave.
	opLocks map[string]*sync.Mutex

	// Event handlers (protected by mu)
	eventHandlers []EventHandler

	loaded bool
	closed bool
}

type entry struct {
	rec   *Record
	state State
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDeleteHook runs fn after a plugin is deleted, typically to clear the
// plugin's storage and settings.
func WithDeleteHook(fn func(ctx context.Context, id string) error) ManagerOption {
	return func(m *Manager) {
		m.onDelete = fn
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// EventHandler handles plugin manager events.
// Handlers must be non-blocking and should not call back into the Manager
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginInstalled is emitted when a plugin record is created or replaced.
	EventPluginInstalled ManagerEventType = iota
	// EventPluginStarted is emitted when a plugin starts running.
	EventPluginStarted
	// EventPluginStopped is emitted when a running plugin stops.
	EventPluginStopped
	// EventPluginUpdated is emitted when a plugin record changes.
	EventPluginUpdated
	// EventPluginDeleted is emitted when a plugin is removed.
	EventPluginDeleted
	// EventPluginError is emitted when a plugin fails to start.
	EventPluginError
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventPluginInstalled:
		return "installed"
	case EventPluginStarted:
		return "started"
	case EventPluginStopped:
		return "stopped"
	case EventPluginUpdated:
		return "updated"
	case EventPluginDeleted:
		return "deleted"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// NewManager creates a new plugin manager.
func NewManager(rt Runtime, registry *resource.Registry, repo *Repository, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime:   rt,
		registry:  registry,
		repo:      repo,
		logger:    zap.NewNop(),
		now:       time.Now,
		plugins:   make(map[string]*entry),
		loadOrder: make([]string, 0),
		opLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("plugins")
	return m
}

// InstallOptions adjust how a plugin is installed.
type InstallOptions struct {
	// ID overrides the id derived from the plugin name.
	ID string
	// Name overrides the declared name.
	Name string
	// Format overrides format detection for plain source.
	Format string
	// Disabled installs the plugin without starting it.
	Disabled bool
	// Source defaults to SourceExternal.
	Source Source
}

// AddPlugin installs plain js or lua source. Metadata comes from @key
// annotations. A plugin already installed under the same id is stopped and
// replaced. The returned record is non-nil when the plugin was installed,
// even if it then failed to start.
func (m *Manager) AddPlugin(ctx context.Context, code string, opts InstallOptions) (*Record, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code is empty", ErrInvalidPlugin)
	}
	md, err := ParseMetadata(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	if opts.Name != "" {
		md.Name = opts.Name
	}
	if md.Name == "" {
		return nil, fmt.Errorf("%w: name is required (// @name ...)", ErrInvalidPlugin)
	}
	if err := ValidateVersion(md.Version); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlugin, err)
	}

	format := opts.Format
	if format == "" {
		format = DetectFormat(code)
	}
	if format != api.FormatJS && format != api.FormatLua {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidPlugin, format)
	}

	id := opts.ID
	if id == "" {
		id = Slug(md.Name)
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrInvalidPlugin, id)
	}

	rec := &Record{
		ID:          id,
		Name:        md.Name,
		Code:        code,
		Format:      format,
		Enabled:     !opts.Disabled,
		Version:     md.Version,
		Author:      md.Author,
		Description: md.Description,
		Homepage:    md.Homepage,
		Icon:        md.Icon,
		Source:      opts.Source,
	}
	return m.install(ctx, rec)
}

// AddHybridPlugin installs a hybrid plugin from a YAML or JSON manifest.
func (m *Manager) AddHybridPlugin(ctx context.Context, manifest []byte, opts InstallOptions) (*Record, error) {
	man, err := ParseManifest(manifest)
	if err != nil {
		return nil, err
	}
	id := man.ID
	if opts.ID != "" {
		id = opts.ID
	}
	name := man.Name
	if opts.Name != "" {
		name = opts.Name
	}

	rec := &Record{
		ID:          id,
		Name:        name,
		Code:        man.NormalizedScript(),
		Manifest:    string(manifest),
		Format:      api.FormatHybrid,
		Enabled:     !opts.Disabled,
		Version:     man.Version,
		Author:      man.Author,
		Description: man.Description,
		Homepage:    man.Homepage,
		Icon:        man.Icon,
		Source:      opts.Source,
	}
	return m.install(ctx, rec)
}

func (m *Manager) install(ctx context.Context, rec *Record) (*Record, error) {
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	if rec.Source == "" {
		rec.Source = SourceExternal
	}

	unlock := m.lockPlugin(rec.ID)
	defer unlock()

	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	m.mu.RLock()
	existing, replacing := m.plugins[rec.ID]
	if replacing {
		rec.CreatedAt = existing.rec.CreatedAt
	}
	m.mu.RUnlock()
	if replacing {
		m.stop(ctx, rec.ID)
	}

	if err := m.repo.Save(ctx, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.plugins[rec.ID] = &entry{rec: rec.clone(), state: StateStopped}
	if !replacing {
		m.loadOrder = append(m.loadOrder, rec.ID)
	}
	m.mu.Unlock()

	m.logger.Info("plugin installed",
		zap.String("plugin", rec.ID),
		zap.String("version", rec.Version),
		zap.String("format", rec.Format),
		zap.Bool("replaced", replacing))
	m.emitEvent(ManagerEvent{Type: EventPluginInstalled, Plugin: rec.ID})

	if rec.Enabled {
		if err := m.start(ctx, rec.ID); err != nil {
			return m.snapshot(rec.ID), err
		}
	}
	return m.snapshot(rec.ID), nil
}

// SetEnabled enables or disables a plugin. Enabling starts it, disabling
// stops it.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	unlock := m.lockPlugin(id)
	defer unlock()

	rec, state, err := m.lookup(id)
	if err != nil {
		return err
	}

	if rec.Enabled != enabled {
		rec.Enabled = enabled
		rec.UpdatedAt = m.now()
		if err := m.persist(ctx, rec); err != nil {
			return err
		}
	}

	switch {
	case enabled && !state.IsRunning():
		return m.start(ctx, id)
	case !enabled && state != StateStopped:
		m.stop(ctx, id)
	}
	return nil
}

// UpdatePlugin applies patch to an installed plugin and persists it. A
// running plugin is restarted; a disabled plugin is not executed.
func (m *Manager) UpdatePlugin(ctx context.Context, id string, patch Patch) (*Record, error) {
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	unlock := m.lockPlugin(id)
	defer unlock()

	rec, state, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	if patch.Code != nil {
		if rec.Format == api.FormatHybrid {
			return nil, fmt.Errorf("%w: hybrid plugins are updated through their manifest", ErrInvalidPlugin)
		}
		if strings.TrimSpace(*patch.Code) == "" {
			return nil, fmt.Errorf("%w: code is empty", ErrInvalidPlugin)
		}
		md, err := ParseMetadata(*patch.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
		}
		if err := ValidateVersion(md.Version); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPlugin, err)
		}
		rec.Code = *patch.Code
		if md.Name != "" {
			rec.Name = md.Name
		}
		rec.Version = md.Version
		rec.Author = md.Author
		rec.Description = md.Description
		rec.Homepage = md.Homepage
		rec.Icon = md.Icon
	}
	if patch.Manifest != nil {
		if rec.Format != api.FormatHybrid {
			return nil, fmt.Errorf("%w: %s is not a hybrid plugin", ErrInvalidPlugin, id)
		}
		man, err := ParseManifest([]byte(*patch.Manifest))
		if err != nil {
			return nil, err
		}
		rec.Manifest = *patch.Manifest
		rec.Code = man.NormalizedScript()
		rec.Name = man.Name
		rec.Version = man.Version
		rec.Author = man.Author
		rec.Description = man.Description
		rec.Homepage = man.Homepage
		rec.Icon = man.Icon
	}
	if patch.Enabled != nil {
		rec.Enabled = *patch.Enabled
	}
	rec.UpdatedAt = m.now()

	if err := m.persist(ctx, rec); err != nil {
		return nil, err
	}
	m.emitEvent(ManagerEvent{Type: EventPluginUpdated, Plugin: id})

	if state != StateStopped {
		m.stop(ctx, id)
	}
	if rec.Enabled {
		if err := m.start(ctx, id); err != nil {
			return m.snapshot(id), err
		}
	}
	return m.snapshot(id), nil
}

// DeletePlugin stops and removes a plugin. Builtin plugins cannot be
// deleted.
func (m *Manager) DeletePlugin(ctx context.Context, id string) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	unlock := m.lockPlugin(id)
	defer unlock()

	rec, _, err := m.lookup(id)
	if err != nil {
		return err
	}
	if rec.Source == SourceBuiltin {
		return fmt.Errorf("plugin %q: %w", id, ErrBuiltinPlugin)
	}

	m.stop(ctx, id)
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.plugins, id)
	for i, name := range m.loadOrder {
		if name == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if m.onDelete != nil {
		if err := m.onDelete(ctx, id); err != nil {
			m.logger.Warn("plugin cleanup failed", zap.String("plugin", id), zap.Error(err))
		}
	}

	m.logger.Info("plugin deleted", zap.String("plugin", id))
	m.emitEvent(ManagerEvent{Type: EventPluginDeleted, Plugin: id})
	return nil
}

// Load reads persisted records without starting them. It is called by
// Restore and is a no-op after the first successful call.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	recs, err := m.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, exists := m.plugins[rec.ID]; exists {
			continue
		}
		m.plugins[rec.ID] = &entry{rec: rec, state: StateStopped}
		m.loadOrder = append(m.loadOrder, rec.ID)
	}
	m.loaded = true
	return nil
}

// Restore loads persisted plugins and starts every enabled one in install
// order. The runtime must be ready. A failing plugin records its error
// and does not block the rest.
func (m *Manager) Restore(ctx context.Context) error {
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if err := m.Load(ctx); err != nil {
		return err
	}

	var startErrors []error
	for _, rec := range m.List() {
		if !rec.Enabled || m.State(rec.ID).IsRunning() {
			continue
		}
		if err := ctx.Err(); err != nil {
			startErrors = append(startErrors, err)
			break
		}
		unlock := m.lockPlugin(rec.ID)
		err := m.start(ctx, rec.ID)
		unlock()
		if err != nil {
			startErrors = append(startErrors, err)
		}
	}

	return joinErrors("start", startErrors)
}

// StopAll stops every running plugin in reverse install order.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	order := make([]string, len(m.loadOrder))
	copy(order, m.loadOrder)
	m.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if m.State(id) == StateStopped {
			continue
		}
		unlock := m.lockPlugin(id)
		m.stop(ctx, id)
		unlock()
	}
}

// Close stops every plugin. Later lifecycle calls fail with
// ErrManagerClosed.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.StopAll(ctx)
}

// Get returns a copy of the record for id.
func (m *Manager) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return e.rec.clone(), nil
}

// List returns copies of every record in install order.
func (m *Manager) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.loadOrder))
	for _, id := range m.loadOrder {
		out = append(out, m.plugins[id].rec.clone())
	}
	return out
}

// State returns the lifecycle state of id.
func (m *Manager) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.plugins[id]; ok {
		return e.state
	}
	return StateUnloaded
}

// Running returns the ids of running plugins in install order.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, id := range m.loadOrder {
		if m.plugins[id].state.IsRunning() {
			out = append(out, id)
		}
	}
	return out
}

// Errors returns the last start error of every plugin that has one.
func (m *Manager) Errors() map[string]api.ErrorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]api.ErrorInfo)
	for id, e := range m.plugins {
		if e.rec.LastError != nil {
			out[id] = *e.rec.LastError
		}
	}
	return out
}

// Subscribe registers an event handler.
// Returns an unsubscribe function.
func (m *Manager) Subscribe(handler EventHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// start executes an installed plugin. The caller holds the plugin's
// operation lock.
func (m *Manager) start(ctx context.Context, id string) error {
	rec, _, err := m.lookup(id)
	if err != nil {
		return err
	}
	log := m.logger.With(zap.String("plugin", id))

	info := m.execute(ctx, rec)
	if info != nil {
		// Undo whatever the failed start registered.
		if err := m.runtime.StopPlugin(ctx, id); err != nil {
			log.Debug("stop after failed start", zap.Error(err))
		}
		m.registry.Release(id)

		rec.LastError = info
		m.setState(id, StateError, rec)
		if err := m.repo.Save(ctx, rec); err != nil {
			log.Warn("failed to persist plugin error", zap.Error(err))
		}

		startErr := fmt.Errorf("%w: %s: %s", ErrExecutionFailed, id, info.Message)
		log.Warn("plugin failed to start", zap.String("error", info.Message))
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: startErr})
		return startErr
	}

	hadError := rec.LastError != nil
	rec.LastError = nil
	m.setState(id, StateRunning, rec)
	if hadError {
		if err := m.repo.Save(ctx, rec); err != nil {
			log.Warn("failed to persist plugin", zap.Error(err))
		}
	}

	log.Info("plugin started")
	m.emitEvent(ManagerEvent{Type: EventPluginStarted, Plugin: id})
	return nil
}

// execute registers a hybrid plugin's declarative resources and runs its
// code. It returns nil on success.
func (m *Manager) execute(ctx context.Context, rec *Record) *api.ErrorInfo {
	if rec.Format == api.FormatHybrid {
		man, err := ParseManifest([]byte(rec.Manifest))
		if err != nil {
			return &api.ErrorInfo{Message: err.Error()}
		}
		if err := m.applyManifest(rec.ID, man); err != nil {
			return &api.ErrorInfo{Message: err.Error()}
		}
	}
	if strings.TrimSpace(rec.Code) == "" {
		return nil
	}

	res, err := m.runtime.ExecutePlugin(ctx, rec.ID, rec.Code, rec.Meta())
	if err != nil {
		return &api.ErrorInfo{Message: err.Error()}
	}
	if !res.Success {
		if res.Error == nil {
			return &api.ErrorInfo{Message: "plugin execution failed"}
		}
		return res.Error
	}
	return nil
}

// applyManifest registers a hybrid plugin's ui, styles and channel in its
// resource bucket.
func (m *Manager) applyManifest(id string, man *Manifest) error {
	for _, frag := range man.UI {
		err := m.registry.MountComponent(id, ui.Component{ID: frag.ID, Slot: frag.Slot, Markup: frag.HTML})
		if err != nil {
			return fmt.Errorf("mount %s/%s: %w", frag.Slot, frag.ID, err)
		}
	}
	if man.Styles != nil && strings.TrimSpace(man.Styles.CSS) != "" {
		css := man.Styles.CSS
		if man.Styles.Scoped {
			css = ScopeCSS(id, css)
		}
		m.registry.InjectStyle(id, css, man.Styles.Scoped)
	}
	if ch := man.Channel; ch != nil {
		err := m.registry.RegisterChannel(id, resource.ChannelType{ChannelDescription: api.ChannelDescription{
			ID:            ch.ID,
			Label:         ch.Label,
			Capabilities:  ch.Capabilities,
			DefaultConfig: ch.DefaultConfig,
			Extends:       ch.Extends,
		}})
		if err != nil {
			return fmt.Errorf("register channel %s: %w", ch.ID, err)
		}
	}
	return nil
}

// stop halts a plugin and releases every resource it registered. The
// caller holds the plugin's operation lock. Errors are logged.
func (m *Manager) stop(ctx context.Context, id string) {
	prev := m.State(id)
	if err := m.runtime.StopPlugin(ctx, id); err != nil {
		m.logger.Warn("failed to stop plugin", zap.String("plugin", id), zap.Error(err))
	}
	m.registry.Release(id)
	m.setState(id, StateStopped, nil)

	if prev.IsRunning() {
		m.logger.Info("plugin stopped", zap.String("plugin", id))
		m.emitEvent(ManagerEvent{Type: EventPluginStopped, Plugin: id})
	}
}

func (m *Manager) persist(ctx context.Context, rec *Record) error {
	if err := m.repo.Save(ctx, rec); err != nil {
		return err
	}
	m.mu.Lock()
	if e, ok := m.plugins[rec.ID]; ok {
		e.rec = rec.clone()
	}
	m.mu.Unlock()
	return nil
}

// setState updates the state and, when rec is non-nil, the record.
func (m *Manager) setState(id string, state State, rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.plugins[id]
	if !ok {
		return
	}
	e.state = state
	if rec != nil {
		e.rec = rec.clone()
	}
}

func (m *Manager) lookup(id string) (*Record, State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[id]
	if !ok {
		return nil, StateUnloaded, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return e.rec.clone(), e.state, nil
}

func (m *Manager) snapshot(id string) *Record {
	rec, _, err := m.lookup(id)
	if err != nil {
		return nil
	}
	return rec
}

func (m *Manager) ensureOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// lockPlugin acquires id's operation lock and returns its release.
func (m *Manager) lockPlugin(id string) func() {
	m.mu.Lock()
	l, ok := m.opLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.opLocks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// emitEvent sends an event to all handlers.
// Handlers are called outside the lock to prevent deadlocks.
// Panics in handlers are recovered to prevent crashing the manager.
func (m *Manager) emitEvent(event ManagerEvent) {
	m.mu.RLock()
	handlers := make([]EventHandler, 0, len(m.eventHandlers))
	for _, h := range m.eventHandlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("plugin event handler panicked",
						zap.String("event", event.Type.String()),
						zap.Any("panic", r))
				}
			}()
			handler(event)
		}()
	}
}
