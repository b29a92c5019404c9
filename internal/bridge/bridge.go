// Package bridge implements the AI Integration Bridge (component O): the
// message:send pipeline that ties the connection hub to a provider adapter
// and the repository.
package bridge

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/config"
	"chatbridge/internal/crypto"
	"chatbridge/internal/errs"
	"chatbridge/internal/hub"
	"chatbridge/internal/models"
	"chatbridge/internal/provider"
	"chatbridge/internal/store"
)

// Config carries the bridge's own tuning knobs.
type Config struct {
	HistoryLimit     int
	SendTimeout      time.Duration
	StreamTimeout    time.Duration
	APIEncryptionKey string
}

// Bridge implements hub.Bridge: it owns the entire persist/generate/stream
// pipeline for one message:send command.
type Bridge struct {
	repo            store.Repository
	factory         *provider.Factory
	broadcaster     hub.Broadcaster
	cfg             Config
	providerConfigs map[string]config.ProviderConfig
	defaultKind     string
}

// New wires a Bridge. providerConfigs is keyed by provider kind ("openai",
// "anthropic"); defaultKind selects which one serves a request that names
// no model override and whose conversation has no model pinned.
func New(repo store.Repository, factory *provider.Factory, broadcaster hub.Broadcaster, cfg Config, providerConfigs map[string]config.ProviderConfig, defaultKind string) *Bridge {
	return &Bridge{
		repo:            repo,
		factory:         factory,
		broadcaster:     broadcaster,
		cfg:             cfg,
		providerConfigs: providerConfigs,
		defaultKind:     defaultKind,
	}
}

// HandleMessageSend implements hub.Bridge. It never returns an error to the
// caller: every failure path ends in a message:ack error frame, per
// spec.md §4.11 and §7.
func (b *Bridge) HandleMessageSend(ctx context.Context, cmd hub.MessageSendCommand) {
	conversation, err := b.repo.GetConversation(ctx, cmd.ConversationID)
	if err != nil {
		b.ack(cmd, errs.New(errs.KindInvalidRequest, "conversation not found"))
		return
	}

	if err := b.checkOwnership(ctx, conversation, cmd.UserID); err != nil {
		b.ack(cmd, err)
		return
	}

	if len(cmd.Content) == 0 || len(cmd.Content) > models.MaxMessageContentLength {
		b.ack(cmd, errs.New(errs.KindInvalidRequest, "message content must be 1 to 50000 characters"))
		return
	}

	history, err := b.repo.ListForConversation(ctx, cmd.ConversationID, b.cfg.HistoryLimit, models.DirectionDesc)
	if err != nil {
		b.ack(cmd, errs.Wrap(errs.KindInternal, "failed to load conversation history", err))
		return
	}

	userMessage := models.Message{
		ID:             cmd.MessageID,
		ConversationID: cmd.ConversationID,
		AuthorUserID:   cmd.UserID,
		Role:           models.RoleUser,
		Content:        cmd.Content,
	}
	userMessage, err = b.repo.Insert(ctx, userMessage)
	if err != nil {
		b.ack(cmd, errs.Wrap(errs.KindInternal, "failed to persist message", err))
		return
	}

	b.broadcaster.SendToUser(cmd.UserID, hub.TypeMessageAck, ackFrame(cmd.MessageID, hub.AckDelivered, "", ""))
	b.broadcaster.SendToConversation(cmd.ConversationID, hub.TypeMessageReceive, receiveFrame(userMessage), "")

	adapter, providerErr := b.factory.Create(b.resolveProviderConfigForUser(ctx, cmd.UserID, cmd.ModelOverride, conversation.ModelID), false)
	if providerErr != nil {
		b.ack(cmd, providerErr)
		return
	}

	params := provider.SendParams{
		MessageID:    cmd.MessageID,
		Model:        cmd.ModelOverride,
		Messages:     toChatHistory(history, userMessage),
		SystemPrompt: conversation.SystemPrompt,
	}
	if params.Model == "" {
		params.Model = conversation.ModelID
	}

	streamCtx, cancel := context.WithTimeout(ctx, b.cfg.StreamTimeout)
	defer cancel()

	sink := &streamSink{
		broadcaster:    b.broadcaster,
		conversationID: cmd.ConversationID,
		messageID:      uuid.NewString(),
	}

	result, err := adapter.Stream(streamCtx, params, sink)
	if err != nil {
		b.broadcaster.SendToUser(cmd.UserID, hub.TypeMessageAck, ackFrame(cmd.MessageID, hub.AckError, string(errs.KindOf(err)), err.Error()))
		return
	}

	assistantMessage := models.Message{
		ID:             sink.messageID,
		ConversationID: cmd.ConversationID,
		Role:           models.RoleAssistant,
		Content:        result.Content,
		Metadata: models.MessageMetadata{
			Model:        result.Model,
			Usage:        result.Usage,
			Cost:         result.Cost,
			FinishReason: result.StopReason,
		},
	}
	if _, err := b.repo.Insert(ctx, assistantMessage); err != nil {
		log.Printf("[bridge] failed to persist assistant message for conversation %s: %v", cmd.ConversationID, err)
	}
}

// checkOwnership requires the sender to either own the conversation or
// already appear as the author of a message within it.
func (b *Bridge) checkOwnership(ctx context.Context, conversation models.Conversation, userID string) error {
	if conversation.OwnerUserID == userID {
		return nil
	}
	history, err := b.repo.ListForConversation(ctx, conversation.ID, b.cfg.HistoryLimit, models.DirectionDesc)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "failed to verify conversation access", err)
	}
	for _, m := range history {
		if m.AuthorUserID == userID {
			return nil
		}
	}
	return errs.New(errs.KindInvalidRequest, "not a participant in this conversation")
}

// resolveProviderConfigForUser resolves the server-wide provider config for
// the selected kind, then overlays the sender's own stored credential (if
// any) for that kind: a user-supplied key always wins over the shared
// server credential.
func (b *Bridge) resolveProviderConfigForUser(ctx context.Context, userID, modelOverride, conversationModel string) config.ProviderConfig {
	cfg := b.resolveProviderConfig(modelOverride, conversationModel)
	if b.cfg.APIEncryptionKey == "" {
		return cfg
	}
	encrypted, err := b.repo.Get(ctx, userID, cfg.Kind)
	if err != nil || encrypted == "" {
		return cfg
	}
	key, err := crypto.Decrypt(encrypted, b.cfg.APIEncryptionKey)
	if err != nil {
		log.Printf("[bridge] failed to decrypt stored credential for user %s/%s: %v", userID, cfg.Kind, err)
		return cfg
	}
	cfg.APIKey = key
	return cfg
}

// resolveProviderConfig maps a model identifier to the provider that hosts
// it, falling back to the configured default when neither the override nor
// the conversation's pinned model names one.
func (b *Bridge) resolveProviderConfig(modelOverride, conversationModel string) config.ProviderConfig {
	model := modelOverride
	if model == "" {
		model = conversationModel
	}
	kind := b.defaultKind
	switch {
	case strings.HasPrefix(model, "claude"):
		kind = "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1"):
		kind = "openai"
	}
	if cfg, ok := b.providerConfigs[kind]; ok {
		return cfg
	}
	return b.providerConfigs[b.defaultKind]
}

func (b *Bridge) ack(cmd hub.MessageSendCommand, err error) {
	b.broadcaster.SendToUser(cmd.UserID, hub.TypeMessageAck, ackFrame(cmd.MessageID, hub.AckError, string(errs.KindOf(err)), err.Error()))
}

func toChatHistory(history []models.Message, current models.Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(history)+1)
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		out = append(out, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	out = append(out, provider.ChatMessage{Role: current.Role, Content: current.Content})
	return out
}

func ackFrame(messageID string, status hub.AckStatus, kind, message string) any {
	return struct {
		Type      string       `json:"type"`
		MessageID string       `json:"messageId"`
		Status    hub.AckStatus `json:"status"`
		Kind      string       `json:"kind,omitempty"`
		Message   string       `json:"message,omitempty"`
	}{hub.TypeMessageAck, messageID, status, kind, message}
}

func receiveFrame(m models.Message) any {
	return struct {
		Type           string `json:"type"`
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Content        string `json:"content"`
		Timestamp      string `json:"timestamp"`
	}{hub.TypeMessageReceive, m.ID, m.ConversationID, m.AuthorUserID, m.Content, m.CreatedAt.UTC().Format(time.RFC3339)}
}

// streamSink implements provider.Sink: it broadcasts cumulative content per
// delta, per spec.md §4.11.
type streamSink struct {
	broadcaster    hub.Broadcaster
	conversationID string
	messageID      string
	content        strings.Builder
}

func (s *streamSink) OnStart(messageID, model string) {}

func (s *streamSink) OnDelta(content string) {
	s.content.WriteString(content)
	s.broadcaster.SendToConversation(s.conversationID, hub.TypeMessageStream, streamFrame(s.messageID, s.conversationID, s.content.String(), false), "")
}

func (s *streamSink) OnComplete(result provider.SendResult) {
	s.broadcaster.SendToConversation(s.conversationID, hub.TypeMessageStream, streamFrame(s.messageID, s.conversationID, result.Content, true), "")
}

func (s *streamSink) OnError(err error) {
	log.Printf("[bridge] stream error for message %s: %v", s.messageID, err)
}

func streamFrame(messageID, conversationID, content string, complete bool) any {
	return struct {
		Type           string `json:"type"`
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		IsComplete     bool   `json:"isComplete"`
		Timestamp      string `json:"timestamp"`
	}{hub.TypeMessageStream, messageID, conversationID, content, complete, time.Now().UTC().Format(time.RFC3339)}
}
