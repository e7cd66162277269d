package plugin

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/resource"
	"github.com/dshills/parley/internal/store"
	"github.com/dshills/parley/internal/ui"
)

// fakeRuntime stands in for the sandbox. Code containing "throw" fails;
// code containing "channel:<id>" registers that channel like a plugin
// calling registerChannel would.
type fakeRuntime struct {
	mu       sync.Mutex
	registry *resource.Registry
	running  map[string]string
	executed []string
	stopped  []string
	failRPC  error
}

var channelMarker = regexp.MustCompile(`channel:([a-z0-9-]+)`)

type nopAdapter struct{}

func (nopAdapter) Call(context.Context, []api.ChatMessage, map[string]any, func(api.Update)) (api.AdapterResult, error) {
	return api.AdapterResult{Content: "ok"}, nil
}

func (nopAdapter) FetchModels(context.Context) ([]api.Model, error) { return nil, nil }

func (f *fakeRuntime) ExecutePlugin(ctx context.Context, id, code string, meta api.PluginMeta) (api.ExecuteResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, id)
	rpcErr := f.failRPC
	f.mu.Unlock()
	if rpcErr != nil {
		return api.ExecuteResult{}, rpcErr
	}

	for _, m := range channelMarker.FindAllStringSubmatch(code, -1) {
		err := f.registry.RegisterChannel(id, resource.ChannelType{
			ChannelDescription: api.ChannelDescription{ID: m[1]},
			Adapter:            nopAdapter{},
		})
		if err != nil {
			return api.ExecuteResult{Success: false, Error: &api.ErrorInfo{Message: err.Error()}}, nil
		}
	}
	if strings.Contains(code, "throw") {
		return api.ExecuteResult{Success: false, Error: &api.ErrorInfo{Message: "boom", Stack: "at <eval>:1:1"}}, nil
	}

	f.mu.Lock()
	if f.running == nil {
		f.running = map[string]string{}
	}
	f.running[id] = code
	f.mu.Unlock()
	return api.ExecuteResult{Success: true}, nil
}

func (f *fakeRuntime) StopPlugin(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	delete(f.running, id)
	return nil
}

func (f *fakeRuntime) isRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

func (f *fakeRuntime) executions(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.executed {
		if e == id {
			n++
		}
	}
	return n
}

type harness struct {
	manager  *Manager
	runtime  *fakeRuntime
	registry *resource.Registry
	doc      *ui.Document
	kv       store.KV
	repo     *Repository
}

func newHarness(t *testing.T, opts ...ManagerOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	doc := ui.NewDocument()
	reg := resource.NewRegistry(doc, resource.WithLogger(logger))
	kv := store.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })

	rt := &fakeRuntime{registry: reg}
	repo := NewRepository(kv)
	opts = append([]ManagerOption{WithLogger(logger)}, opts...)
	return &harness{
		manager:  NewManager(rt, reg, repo, opts...),
		runtime:  rt,
		registry: reg,
		doc:      doc,
		kv:       kv,
		repo:     repo,
	}
}

// reopen builds a second manager over the same store, as after a restart.
func (h *harness) reopen(t *testing.T) *harness {
	t.Helper()
	doc := ui.NewDocument()
	reg := resource.NewRegistry(doc)
	rt := &fakeRuntime{registry: reg}
	repo := NewRepository(h.kv)
	return &harness{
		manager:  NewManager(rt, reg, repo, WithLogger(zaptest.NewLogger(t))),
		runtime:  rt,
		registry: reg,
		doc:      doc,
		kv:       h.kv,
		repo:     repo,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAdd(t *testing.T, h *harness, code string) *Record {
	t.Helper()
	rec, err := h.manager.AddPlugin(testContext(t), code, InstallOptions{})
	require.NoError(t, err)
	return rec
}

var errTransport = errors.New("transport down")
