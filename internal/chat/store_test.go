package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/parley/internal/event"
	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Topic
	}
	return out
}

func newStore(t *testing.T, kv store.KV) (*Store, *recorder) {
	t.Helper()
	bus := event.NewBus()
	require.NoError(t, bus.Start())
	rec := &recorder{}
	_, err := bus.Subscribe(event.Wildcard, func(ctx context.Context, ev event.Event) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, ev)
		return nil
	})
	require.NoError(t, err)
	return NewStore(bus, kv, nil), rec
}

func TestAddMessageCreatesConversation(t *testing.T) {
	s, rec := newStore(t, nil)
	ctx := context.Background()

	msg, err := s.AddMessage(ctx, "", api.Message{Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, api.RoleUser, msg.Role)

	active := s.Active()
	require.NotNil(t, active)
	require.Len(t, active.Messages, 1)
	assert.Equal(t, "hi", active.Messages[0].Content)

	assert.Equal(t, []string{
		api.EventConversationChanged,
		api.EventUpdated,
		api.EventMessageAdded,
	}, rec.topics())
}

func TestStreamingUpdates(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, s.UpdateLastMessage(ctx, "", "x", ""), ErrNoActiveConversation)

	conv := s.NewConversation(ctx, "", "echo")
	assert.Equal(t, DefaultTitle, conv.Title)
	require.ErrorIs(t, s.UpdateLastMessage(ctx, conv.ID, "x", ""), ErrNoMessages)

	_, err := s.AddMessage(ctx, conv.ID, api.Message{Role: api.RoleAssistant, Streaming: true})
	require.NoError(t, err)
	require.NoError(t, s.UpdateLastMessage(ctx, "", "par", ""))
	require.NoError(t, s.UpdateLastMessage(ctx, "", "partial", "thinking"))
	require.NoError(t, s.UpdateLastMessage(ctx, "", "partial answer", ""))
	require.NoError(t, s.FinalizeStreaming(ctx, ""))

	got, err := s.Conversation(conv.ID)
	require.NoError(t, err)
	last := got.Messages[0]
	assert.Equal(t, "partial answer", last.Content)
	assert.Equal(t, "thinking", last.Reasoning)
	assert.False(t, last.Streaming)
}

func TestMetadataScopes(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	conv := s.NewConversation(ctx, "t", "")

	require.NoError(t, s.UpdateMetadata(ctx, conv.ID, "acme", "theme.color", "red", false))
	require.NoError(t, s.UpdateMetadata(ctx, "", "other", "n", 2, false))

	got, err := s.Conversation(conv.ID)
	require.NoError(t, err)
	plugins := got.Metadata["plugins"].(map[string]any)
	assert.Equal(t, map[string]any{"theme": map[string]any{"color": "red"}}, plugins["acme"])
	assert.Equal(t, map[string]any{"n": float64(2)}, plugins["other"])

	require.NoError(t, s.UpdateMetadata(ctx, conv.ID, "acme", "", nil, true))
	got, err = s.Conversation(conv.ID)
	require.NoError(t, err)
	plugins = got.Metadata["plugins"].(map[string]any)
	assert.NotContains(t, plugins, "acme")
	assert.Contains(t, plugins, "other")

	_, err = s.Conversation("missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCopiesAreIsolated(t *testing.T) {
	s, _ := newStore(t, nil)
	ctx := context.Background()
	_, err := s.AddMessage(ctx, "", api.Message{Content: "a"})
	require.NoError(t, err)

	c := s.Active()
	c.Messages[0].Content = "mutated"
	assert.Equal(t, "a", s.Active().Messages[0].Content)
}

func TestPersistAndLoad(t *testing.T) {
	kv := store.NewMemory()
	s, _ := newStore(t, kv)
	ctx := context.Background()

	_, err := s.AddMessage(ctx, "", api.Message{Content: "saved"})
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx))

	restored := NewStore(nil, kv, nil)
	require.NoError(t, restored.Load(ctx))
	active := restored.Active()
	require.NotNil(t, active)
	assert.Equal(t, "saved", active.Messages[0].Content)
	assert.Len(t, restored.State().Conversations, 1)
}

func TestPluginSettings(t *testing.T) {
	kv := store.NewMemory()
	s, rec := newStore(t, kv)
	ctx := context.Background()

	settings, err := s.PluginSettings(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, settings)

	require.NoError(t, s.SetPluginSettings(ctx, "acme", map[string]any{"model": "m1"}))
	assert.Equal(t, []string{api.EventPluginSettings}, rec.topics())

	fresh := NewStore(nil, kv, nil)
	settings, err = fresh.PluginSettings(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "m1", settings["model"])

	require.NoError(t, fresh.DeletePluginSettings(ctx, "acme"))
	settings, err = fresh.PluginSettings(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, settings)
}

func TestSwitchAndDeleteConversations(t *testing.T) {
	s, rec := newStore(t, nil)
	ctx := context.Background()

	first := s.NewConversation(ctx, "first", "echo")
	second := s.NewConversation(ctx, "second", "shout")
	assert.Equal(t, second.ID, s.Active().ID)

	rec.mu.Lock()
	rec.events = nil
	rec.mu.Unlock()
	require.NoError(t, s.SetActive(ctx, first.ID))
	assert.Equal(t, first.ID, s.Active().ID)
	assert.Equal(t, []string{api.EventConversationChanged}, rec.topics())

	// Re-selecting the active conversation is not a change.
	require.NoError(t, s.SetActive(ctx, first.ID))
	assert.Len(t, rec.topics(), 1)

	assert.ErrorIs(t, s.SetActive(ctx, "missing"), ErrConversationNotFound)
	assert.ErrorIs(t, s.DeleteConversation(ctx, "missing"), ErrConversationNotFound)

	require.NoError(t, s.DeleteConversation(ctx, first.ID))
	assert.Nil(t, s.Active())
	_, err := s.Conversation(first.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = s.Conversation(second.ID)
	assert.NoError(t, err)
}
