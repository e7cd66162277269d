package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/dshills/parley/internal/event"
	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/store"
)

// Persistence keys.
const (
	stateKey       = "chat:state"
	settingsPrefix = "settings"
)

// DefaultTitle names conversations created without a title.
const DefaultTitle = "New conversation"

// Store is the conversation store. It is safe for concurrent use.
type Store struct {
	bus    *event.Bus
	kv     store.KV
	logger *zap.Logger

	mu            sync.RWMutex
	conversations map[string]*api.Conversation
	active        string
	settings      map[string]map[string]any
}

// snapshot is the persisted form of the store.
type snapshot struct {
	Active        string              `json:"active,omitempty"`
	Conversations []*api.Conversation `json:"conversations"`
}

// NewStore creates an empty store publishing on bus and persisting to kv.
// A nil kv keeps state in memory only.
func NewStore(bus *event.Bus, kv store.KV, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		bus:           bus,
		kv:            kv,
		logger:        logger.Named("chat"),
		conversations: make(map[string]*api.Conversation),
		settings:      make(map[string]map[string]any),
	}
}

// Load restores persisted state. Missing state is not an error.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	raw, err := s.kv.Get(ctx, stateKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chat state: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return fmt.Errorf("decode chat state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*api.Conversation, len(snap.Conversations))
	for _, c := range snap.Conversations {
		s.conversations[c.ID] = c
	}
	if _, ok := s.conversations[snap.Active]; ok {
		s.active = snap.Active
	}
	return nil
}

// Persist writes the conversations to the key-value store.
func (s *Store) Persist(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.mu.RLock()
	snap := snapshot{Active: s.active, Conversations: s.sortedLocked()}
	data, err := json.Marshal(snap)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode chat state: %w", err)
	}
	if err := s.kv.Set(ctx, stateKey, string(data)); err != nil {
		return fmt.Errorf("persist chat state: %w", err)
	}
	return nil
}

// NewConversation creates a conversation and makes it active.
func (s *Store) NewConversation(ctx context.Context, title, channel string) api.Conversation {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	c := &api.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Channel:   channel,
		Messages:  []api.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[c.ID] = c
	s.active = c.ID
	out := clone(c)
	s.mu.Unlock()

	s.publish(ctx, api.EventConversationChanged, ConversationChanged{ConversationID: c.ID})
	s.publish(ctx, api.EventUpdated, Updated{ConversationID: c.ID, Reason: ReasonCreated})
	return out
}

// SetActive makes conversation id the active one.
func (s *Store) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.conversations[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	changed := s.active != id
	s.active = id
	s.mu.Unlock()

	if changed {
		s.publish(ctx, api.EventConversationChanged, ConversationChanged{ConversationID: id})
	}
	return nil
}

// DeleteConversation removes conversation id. Deleting the active
// conversation leaves none active.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.conversations[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(s.conversations, id)
	wasActive := s.active == id
	if wasActive {
		s.active = ""
	}
	s.mu.Unlock()

	if wasActive {
		s.publish(ctx, api.EventConversationChanged, ConversationChanged{})
	}
	s.publish(ctx, api.EventUpdated, Updated{ConversationID: id, Reason: ReasonDeleted})
	return nil
}

// Active returns a copy of the active conversation, or nil.
func (s *Store) Active() *api.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[s.active]
	if !ok {
		return nil
	}
	out := clone(c)
	return &out
}

// Conversation returns a copy of conversation id.
func (s *Store) Conversation(id string) (*api.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	out := clone(c)
	return &out, nil
}

// State returns a summary of the store. Channels is left for the caller.
func (s *Store) State() api.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := api.State{ActiveConversationID: s.active, Conversations: []api.ConversationSummary{}, Channels: []string{}}
	for _, c := range s.sortedLocked() {
		st.Conversations = append(st.Conversations, api.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			Channel:      c.Channel,
			MessageCount: len(c.Messages),
			UpdatedAt:    c.UpdatedAt,
		})
	}
	return st
}

// AddMessage appends msg to conversationID, or to the active conversation
// when conversationID is empty. If nothing is active a new conversation
// is created for the message.
func (s *Store) AddMessage(ctx context.Context, conversationID string, msg api.Message) (api.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = api.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if conversationID == "" && s.Active() == nil {
		conversationID = s.NewConversation(ctx, "", msg.Channel).ID
	}

	s.mu.Lock()
	c, err := s.targetLocked(conversationID)
	if err != nil {
		s.mu.Unlock()
		return api.Message{}, err
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.CreatedAt
	id := c.ID
	s.mu.Unlock()

	s.publish(ctx, api.EventMessageAdded, MessageAdded{ConversationID: id, Message: msg})
	return msg, nil
}

// UpdateLastMessage replaces the content, and the reasoning when non-empty,
// of the conversation's last message.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID, content, reasoning string) error {
	s.mu.Lock()
	c, err := s.targetLocked(conversationID)
	if err == nil && len(c.Messages) == 0 {
		err = fmt.Errorf("%w: %s", ErrNoMessages, c.ID)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	last := &c.Messages[len(c.Messages)-1]
	last.Content = content
	if reasoning != "" {
		last.Reasoning = reasoning
	}
	c.UpdatedAt = time.Now().UTC()
	id := c.ID
	s.mu.Unlock()

	s.publish(ctx, api.EventUpdated, Updated{ConversationID: id, Reason: ReasonMessageUpdated})
	return nil
}

// FinalizeStreaming marks the conversation's last message as complete.
func (s *Store) FinalizeStreaming(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	c, err := s.targetLocked(conversationID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if n := len(c.Messages); n > 0 {
		c.Messages[n-1].Streaming = false
	}
	id := c.ID
	s.mu.Unlock()

	s.publish(ctx, api.EventUpdated, Updated{ConversationID: id, Reason: ReasonFinalized})
	return nil
}

// UpdateMetadata sets, or deletes when del is true, the value at path
// inside pluginID's metadata scope of the conversation.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID, pluginID, path string, value any, del bool) error {
	s.mu.Lock()
	c, err := s.targetLocked(conversationID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	md, err := updateMetadata(c.Metadata, api.MetadataPath(pluginID, path), value, del)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("update metadata of %s: %w", c.ID, err)
	}
	c.Metadata = md
	c.UpdatedAt = time.Now().UTC()
	id := c.ID
	s.mu.Unlock()

	s.publish(ctx, api.EventUpdated, Updated{ConversationID: id, Reason: ReasonMetadata})
	return nil
}

func updateMetadata(md map[string]any, path string, value any, del bool) (map[string]any, error) {
	data := []byte("{}")
	if len(md) > 0 {
		var err error
		if data, err = json.Marshal(md); err != nil {
			return nil, err
		}
	}
	var err error
	if del {
		data, err = sjson.DeleteBytes(data, path)
	} else {
		data, err = sjson.SetBytes(data, path, value)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PluginSettings returns a copy of pluginID's settings.
func (s *Store) PluginSettings(ctx context.Context, pluginID string) (map[string]any, error) {
	s.mu.RLock()
	cached, ok := s.settings[pluginID]
	s.mu.RUnlock()
	if ok {
		return copyMap(cached), nil
	}
	if s.kv == nil {
		return map[string]any{}, nil
	}

	raw, err := s.kv.Get(ctx, store.Key(settingsPrefix, pluginID))
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings of %s: %w", pluginID, err)
	}
	settings := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("decode settings of %s: %w", pluginID, err)
	}
	s.mu.Lock()
	s.settings[pluginID] = settings
	s.mu.Unlock()
	return copyMap(settings), nil
}

// SetPluginSettings replaces pluginID's settings.
func (s *Store) SetPluginSettings(ctx context.Context, pluginID string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	if s.kv != nil {
		data, err := json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("encode settings of %s: %w", pluginID, err)
		}
		if err := s.kv.Set(ctx, store.Key(settingsPrefix, pluginID), string(data)); err != nil {
			return fmt.Errorf("save settings of %s: %w", pluginID, err)
		}
	}
	s.mu.Lock()
	s.settings[pluginID] = copyMap(settings)
	s.mu.Unlock()

	s.publish(ctx, api.EventPluginSettings, SettingsChanged{PluginID: pluginID, Settings: copyMap(settings)})
	return nil
}

// DeletePluginSettings drops pluginID's settings.
func (s *Store) DeletePluginSettings(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	delete(s.settings, pluginID)
	s.mu.Unlock()
	if s.kv == nil {
		return nil
	}
	return s.kv.Delete(ctx, store.Key(settingsPrefix, pluginID))
}

func (s *Store) targetLocked(id string) (*api.Conversation, error) {
	if id == "" {
		id = s.active
		if id == "" {
			return nil, ErrNoActiveConversation
		}
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return c, nil
}

func (s *Store) sortedLocked() []*api.Conversation {
	out := make([]*api.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil && !errors.Is(err, event.ErrBusNotRunning) {
		s.logger.Warn("store event delivery failed", zap.String("event", topic), zap.Error(err))
	}
}

func clone(c *api.Conversation) api.Conversation {
	out := *c
	out.Messages = append([]api.Message(nil), c.Messages...)
	if out.Messages == nil {
		out.Messages = []api.Message{}
	}
	if c.Metadata != nil {
		out.Metadata = deepCopy(c.Metadata)
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepCopy(m)
}

func deepCopy(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}
