// Package store defines the Repository contract (component B) that the AI
// Integration Bridge and the REST auth surface persist through.
package store

import (
	"context"

	"chatbridge/internal/models"
)

// Conversations implements spec.md §6.2's conversation operations.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string, sort models.SortOrder, page models.Pagination) (models.Page, error)
	CreateConversation(ctx context.Context, c models.Conversation) (models.Conversation, error)
}

// Messages implements spec.md §6.2's message operations.
type Messages interface {
	ListForConversation(ctx context.Context, conversationID string, limit int, dir models.Direction) ([]models.Message, error)
	Insert(ctx context.Context, m models.Message) (models.Message, error)
	UpdateMetadata(ctx context.Context, messageID string, metadata models.MessageMetadata) error
}

// Users backs the minimal REST auth surface.
type Users interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByGoogleSub(ctx context.Context, sub string) (models.User, error)
	CreateUser(ctx context.Context, u models.User) (models.User, error)
}

// ProviderCredentials persists per-user, per-provider API keys encrypted at
// rest.
type ProviderCredentials interface {
	Get(ctx context.Context, userID, providerKind string) (string, error)
	Put(ctx context.Context, userID, providerKind, encryptedKey string) error
}

// Attachments backs the optional object-storage supplement.
type Attachments interface {
	Save(ctx context.Context, a models.Attachment) (models.Attachment, error)
	ListForMessage(ctx context.Context, messageID string) ([]models.Attachment, error)
}

// Repository is component B's full surface: every sub-interface a single
// backing store implements together.
type Repository interface {
	Conversations
	Messages
	Users
	ProviderCredentials
	Attachments
}
