package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/plugin/api"
)

// Send posts prompt to a conversation on channelID and streams the
// channel's answer into a new assistant message. The active conversation
// is used when it is on the same channel; otherwise a new one is started.
// onUpdate, which may be nil, sees every streaming update.
func (app *Application) Send(ctx context.Context, channelID, prompt string, onUpdate func(api.Update)) (api.Message, error) {
	ch, err := app.registry.Resolve(channelID)
	if err != nil {
		return api.Message{}, err
	}

	conv := app.chat.Active()
	if conv == nil || conv.Channel != channelID {
		c := app.chat.NewConversation(ctx, "", channelID)
		conv = &c
	}

	if _, err := app.chat.AddMessage(ctx, conv.ID, api.Message{
		Role:    api.RoleUser,
		Content: prompt,
		Channel: channelID,
	}); err != nil {
		return api.Message{}, err
	}

	history, err := app.chat.Conversation(conv.ID)
	if err != nil {
		return api.Message{}, err
	}
	messages := make([]api.ChatMessage, 0, len(history.Messages))
	for _, m := range history.Messages {
		messages = append(messages, api.ChatMessage{Role: m.Role, Content: m.Content})
	}

	reply, err := app.chat.AddMessage(ctx, conv.ID, api.Message{
		Role:      api.RoleAssistant,
		Channel:   channelID,
		Streaming: true,
		Plugin:    ch.Type.PluginID,
	})
	if err != nil {
		return api.Message{}, err
	}

	logger := app.logger.With(zap.String("channel", channelID), zap.String("conversation", conv.ID))
	res, callErr := ch.Call(ctx, messages, nil, func(u api.Update) {
		if err := app.chat.UpdateLastMessage(ctx, conv.ID, u.Content, u.Reasoning); err != nil {
			logger.Warn("dropping update", zap.Error(err))
		}
		if onUpdate != nil {
			onUpdate(u)
		}
	})
	// An adapter that only streams returns no content; its last update
	// stands.
	if callErr == nil && res.Content != "" {
		callErr = app.chat.UpdateLastMessage(ctx, conv.ID, res.Content, res.Reasoning)
	}
	if err := app.chat.FinalizeStreaming(ctx, conv.ID); err != nil {
		logger.Warn("finalize failed", zap.Error(err))
	}
	if callErr != nil {
		return api.Message{}, fmt.Errorf("channel %s: %w", channelID, callErr)
	}

	reply.Content = res.Content
	reply.Reasoning = res.Reasoning
	if stored, ok := app.storedMessage(conv.ID, reply.ID); ok {
		reply.Content = stored.Content
		reply.Reasoning = stored.Reasoning
	}
	reply.Streaming = false
	if model, ok := res.Extra["model"].(string); ok {
		reply.Model = model
	}
	return reply, nil
}

func (app *Application) storedMessage(conversationID, messageID string) (api.Message, bool) {
	conv, err := app.chat.Conversation(conversationID)
	if err != nil {
		return api.Message{}, false
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].ID == messageID {
			return conv.Messages[i], true
		}
	}
	return api.Message{}, false
}
