package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// caps is the capability surface of one plugin. Engines build their
// script-facing objects on top of it. Every operation is attributed to
// inst; there is no notion of a currently executing plugin.
//
// Methods that talk to the host block and must not run on the loop; the
// engines run them through async (JS) or sync (Lua).
type caps struct {
	r    *Runtime
	inst *instance
}

func (c *caps) id() string { return c.inst.id }

func (c *caps) hybrid() bool { return c.inst.meta.Format == api.FormatHybrid }

// async queues fn on the plugin's outbox and, if done is set, delivers its
// result back on the loop.
func (c *caps) async(fn func() (any, error), done func(any, error)) {
	ok := c.inst.outbox.push(func() {
		v, err := fn()
		if done != nil {
			_ = c.r.loop.Post(func() { done(v, err) })
		}
	})
	if !ok && done != nil {
		_ = c.r.loop.Post(func() { done(nil, c.stoppedErr()) })
	}
}

// sync queues fn on the plugin's outbox and waits for it. Work queued
// earlier by the same plugin runs first.
func (c *caps) sync(fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	if !c.inst.outbox.push(func() {
		v, err := fn()
		ch <- result{v, err}
	}) {
		return nil, c.stoppedErr()
	}
	select {
	case res := <-ch:
		return res.v, res.err
	case <-c.inst.ctx.Done():
		return nil, c.stoppedErr()
	}
}

func (c *caps) stoppedErr() error {
	return fmt.Errorf("%w: %s", ErrPluginNotFound, c.inst.id)
}

// call issues a host call bounded by the call timeout.
func (c *caps) call(method string, params, out any) error {
	ctx, cancel := context.WithTimeout(c.inst.ctx, c.r.callTimeout)
	defer cancel()
	return c.r.host.Call(ctx, method, params, out)
}

func (c *caps) notify(method string, params any) {
	ctx, cancel := context.WithTimeout(c.inst.ctx, c.r.callTimeout)
	defer cancel()
	if err := c.r.host.Notify(ctx, method, params); err != nil {
		c.inst.logger.Debug("host notify failed", zap.String("method", method), zap.Error(err))
	}
}

// Chat.

func (c *caps) addMessage(conversationID string, msg api.Message) (api.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = api.RoleAssistant
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Plugin = c.id()

	var stored api.Message
	err := c.call(api.MethodAddMessage, api.AddMessageParams{
		PluginID:       c.id(),
		ConversationID: conversationID,
		Message:        msg,
	}, &stored)
	return stored, err
}

func (c *caps) updateLastMessage(conversationID, content, reasoning string) error {
	return c.call(api.MethodUpdateLastMessage, api.UpdateLastMessageParams{
		PluginID:       c.id(),
		ConversationID: conversationID,
		Content:        content,
		Reasoning:      reasoning,
	}, nil)
}

func (c *caps) finalize(conversationID string) error {
	return c.call(api.MethodFinalizeStreamingMessage, api.FinalizeParams{
		PluginID:       c.id(),
		ConversationID: conversationID,
	}, nil)
}

// State.

func (c *caps) getState() (api.State, error) {
	var st api.State
	err := c.call(api.MethodGetState, nil, &st)
	return st, err
}

func (c *caps) activeConversation() (*api.Conversation, error) {
	var conv *api.Conversation
	err := c.call(api.MethodGetActiveConversation, nil, &conv)
	return conv, err
}

func (c *caps) conversation(id string) (*api.Conversation, error) {
	if id == "" {
		return c.activeConversation()
	}
	var conv *api.Conversation
	err := c.call(api.MethodGetConversation, api.ConversationParams{ID: id}, &conv)
	return conv, err
}

func (c *caps) persist() error {
	return c.call(api.MethodPersistStore, nil, nil)
}

// Storage. Keys are namespaced per plugin by the host.

func (c *caps) storageGet(key string) (api.StorageItem, error) {
	var item api.StorageItem
	err := c.call(api.MethodStorageGetItem, api.StorageParams{PluginID: c.id(), Key: key}, &item)
	return item, err
}

func (c *caps) storageSet(key, value string) error {
	return c.call(api.MethodStorageSetItem, api.StorageParams{PluginID: c.id(), Key: key, Value: value}, nil)
}

func (c *caps) storageRemove(key string) error {
	return c.call(api.MethodStorageRemoveItem, api.StorageParams{PluginID: c.id(), Key: key}, nil)
}

// Settings, hybrid only.

func (c *caps) settingsGet() (map[string]any, error) {
	var settings map[string]any
	err := c.call(api.MethodGetPluginSettings, api.SettingsParams{PluginID: c.id()}, &settings)
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, err
}

func (c *caps) settingsSet(settings map[string]any) error {
	return c.call(api.MethodSetPluginSettings, api.SettingsParams{PluginID: c.id(), Settings: settings}, nil)
}

// Conversation metadata, hybrid only. Reads and writes are confined to the
// plugin's own scope.

func (c *caps) metadataGet(conversationID, path string) (any, error) {
	conv, err := c.conversation(conversationID)
	if err != nil || conv == nil || len(conv.Metadata) == 0 {
		return nil, err
	}
	data, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, err
	}
	res := gjson.GetBytes(data, api.MetadataPath(c.id(), path))
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

func (c *caps) metadataSet(conversationID, path string, value any) error {
	return c.call(api.MethodUpdateConversationMetadata, api.MetadataParams{
		PluginID:       c.id(),
		ConversationID: conversationID,
		Path:           path,
		Value:          value,
	}, nil)
}

func (c *caps) metadataClear(conversationID, path string) error {
	return c.call(api.MethodUpdateConversationMetadata, api.MetadataParams{
		PluginID:       c.id(),
		ConversationID: conversationID,
		Path:           path,
		Delete:         true,
	}, nil)
}

// Document, hybrid only.

func (c *caps) bodyClass(method, class string, force *bool) error {
	class = strings.TrimSpace(class)
	if class == "" {
		return fmt.Errorf("body class is required")
	}
	return c.call(method, api.BodyClassParams{PluginID: c.id(), Class: class, Force: force}, nil)
}

func (c *caps) addLoadingIndicator(label, messageID string) (api.LoadingIndicator, error) {
	ind := api.LoadingIndicator{ID: uuid.NewString(), Label: label, MessageID: messageID}
	err := c.call(api.MethodAddLoadingIndicator, api.LoadingIndicatorParams{PluginID: c.id(), Indicator: ind}, nil)
	return ind, err
}

func (c *caps) attachLoadingIndicator(indicatorID, messageID string) error {
	return c.call(api.MethodAttachLoadingIndicatorToMessage, api.LoadingIndicatorParams{
		PluginID:  c.id(),
		Indicator: api.LoadingIndicator{ID: indicatorID, MessageID: messageID},
	}, nil)
}

// Logging.

// log writes a plugin log line to the runtime logger and forwards it to the
// host. Forwarding is ordered with the plugin's other host traffic.
func (c *caps) log(level, msg string, fields map[string]any) {
	zf := []zap.Field{zap.String("level", level)}
	if len(fields) > 0 {
		zf = append(zf, zap.Any("fields", fields))
	}
	switch level {
	case "debug":
		c.inst.logger.Debug(msg, zf...)
	case "warn":
		c.inst.logger.Warn(msg, zf...)
	case "error":
		c.inst.logger.Error(msg, zf...)
	default:
		c.inst.logger.Info(msg, zf...)
	}

	if fields != nil {
		if _, err := rpc.Encode(fields); err != nil {
			fields = map[string]any{"error": err.Error()}
		}
	}
	params := api.LogParams{PluginID: c.id(), Level: level, Message: msg, Fields: fields}
	c.inst.outbox.push(func() { c.notify(api.MethodPluginLog, params) })
}

// logNetwork records a network event through the host's network log.
func (c *caps) logNetwork(ev api.NetworkEvent) {
	ev.PluginID = c.id()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	c.inst.outbox.push(func() { c.notify(api.NetworkLogMethod(ev.Kind), ev) })
}

// Registrations. These run on the loop and update runtime state before the
// host hears about them.

// registerChannel installs ad as the plugin's channel adapter and returns
// the host operation that announces it.
func (c *caps) registerChannel(desc api.ChannelDescription, ad adapter) (func() (any, error), error) {
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if desc.Label == "" {
		desc.Label = desc.ID
	}
	desc.PluginID = c.id()

	c.r.mu.Lock()
	if c.inst.stopped {
		c.r.mu.Unlock()
		return nil, c.stoppedErr()
	}
	prev := c.inst.channel
	c.inst.adapter = ad
	c.inst.channel = desc.ID
	c.r.mu.Unlock()

	return func() (any, error) {
		if prev != "" && prev != desc.ID {
			if err := c.call(api.MethodUnregisterChannel, api.UnregisterChannelParams{PluginID: c.id(), ChannelID: prev}, nil); err != nil {
				c.inst.logger.Warn("unregister previous channel failed", zap.String("channel", prev), zap.Error(err))
			}
		}
		if err := c.call(api.MethodRegisterChannel, desc, nil); err != nil {
			c.dropAdapter(desc.ID, ad)
			return nil, err
		}
		c.inst.logger.Debug("channel registered", zap.String("channel", desc.ID))
		return desc.ID, nil
	}, nil
}

// dropAdapter clears the adapter if it is still the one registered under
// channel.
func (c *caps) dropAdapter(channel string, ad adapter) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.inst.channel == channel && c.inst.adapter == ad {
		c.inst.adapter = nil
		c.inst.channel = ""
	}
}

// unregisterChannel removes the plugin's adapter if it serves channel and
// returns the host operation that announces it.
func (c *caps) unregisterChannel(channel string) func() (any, error) {
	c.r.mu.Lock()
	if c.inst.channel == channel {
		c.inst.adapter = nil
		c.inst.channel = ""
	}
	c.r.mu.Unlock()

	return func() (any, error) {
		err := c.call(api.MethodUnregisterChannel, api.UnregisterChannelParams{PluginID: c.id(), ChannelID: channel}, nil)
		return nil, err
	}
}

// on adds an event listener owned by the plugin.
func (c *caps) on(event string, key any, fire func(api.StoreEvent) error) (*listener, error) {
	if !api.IsStoreEvent(event) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	l := &listener{owner: c.id(), event: event, key: key, fire: fire}

	c.r.mu.Lock()
	if c.inst.stopped {
		c.r.mu.Unlock()
		return nil, c.stoppedErr()
	}
	c.r.events.add(l)
	c.r.mu.Unlock()

	c.r.metrics.SetStoreSubscriptions(c.r.events.count(""))
	return l, nil
}

// off removes the plugin's listeners for event that match. A nil match
// removes all of them.
func (c *caps) off(event string, match func(*listener) bool) {
	c.r.events.remove(c.id(), event, match)
	c.r.metrics.SetStoreSubscriptions(c.r.events.count(""))
}
