// Package postgres is the Postgres-backed implementation of the
// repository contract, using an sqlx pool and the tx-with-deferred-
// rollback idiom.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chatbridge/internal/models"
)

// Store wraps a connection pool with the Repository operations.
type Store struct {
	db *sqlx.DB
}

// New connects to Postgres, configures the pool, and pings it.
func New(dbURL string) (*Store, error) {
	if dbURL == "" {
		return nil, errors.New("database url is not set")
	}
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping the database: %w", err)
	}

	log.Println("[store] connected to postgres")
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies every pending migration under migrationsPath.
func (s *Store) Migrate(databaseURL, migrationsPath string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// --- Conversations ---

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, `
		SELECT id, owner_user_id, title, model_id, system_prompt, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) ListForUser(ctx context.Context, userID string, sort models.SortOrder, page models.Pagination) (models.Page, error) {
	orderBy := "created_at DESC"
	if sort == models.SortUpdatedDesc {
		orderBy = "updated_at DESC"
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM conversations WHERE owner_user_id = $1`, userID); err != nil {
		return models.Page{}, fmt.Errorf("count conversations for user %s: %w", userID, err)
	}

	var list []models.Conversation
	query := fmt.Sprintf(`
		SELECT id, owner_user_id, title, model_id, system_prompt, created_at, updated_at
		FROM conversations WHERE owner_user_id = $1 ORDER BY %s LIMIT $2 OFFSET $3`, orderBy)
	if err := s.db.SelectContext(ctx, &list, query, userID, page.Limit, page.Offset); err != nil {
		return models.Page{}, fmt.Errorf("list conversations for user %s: %w", userID, err)
	}
	return models.Page{Conversations: list, Total: total}, nil
}

func (s *Store) CreateConversation(ctx context.Context, c models.Conversation) (models.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_user_id, title, model_id, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OwnerUserID, c.Title, c.ModelID, c.SystemPrompt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// --- Messages ---

// messageRow flattens models.Message/MessageMetadata into sqlx-scannable
// columns; models.Message's nested Metadata struct is assembled afterward.
type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	AuthorUserID   sql.NullString `db:"author_user_id"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	Model          sql.NullString `db:"model"`
	UsageInput     int            `db:"usage_input"`
	UsageOutput    int            `db:"usage_output"`
	UsageTotal     int            `db:"usage_total"`
	CostInput      float64        `db:"cost_input"`
	CostOutput     float64        `db:"cost_output"`
	CostTotal      float64        `db:"cost_total"`
	Currency       sql.NullString `db:"currency"`
	FinishReason   sql.NullString `db:"finish_reason"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r messageRow) toModel() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AuthorUserID:   r.AuthorUserID.String,
		Role:           models.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		Metadata: models.MessageMetadata{
			Model:        r.Model.String,
			Usage:        models.TokenUsage{Input: r.UsageInput, Output: r.UsageOutput, Total: r.UsageTotal},
			Cost:         models.Cost{Input: r.CostInput, Output: r.CostOutput, Total: r.CostTotal, Currency: r.Currency.String},
			FinishReason: r.FinishReason.String,
		},
	}
}

func (s *Store) ListForConversation(ctx context.Context, conversationID string, limit int, dir models.Direction) ([]models.Message, error) {
	order := "DESC"
	if dir == models.DirectionAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, conversation_id, author_user_id, role, content, model,
		       usage_input, usage_output, usage_total,
		       cost_input, cost_output, cost_total, currency, finish_reason, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at %s LIMIT $2`, order)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("list messages for conversation %s: %w", conversationID, err)
	}

	out := make([]models.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, m models.Message) (models.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, author_user_id, role, content, model,
		                       usage_input, usage_output, usage_total,
		                       cost_input, cost_output, cost_total, currency, finish_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.ConversationID, nullable(m.AuthorUserID), m.Role, m.Content, nullable(m.Metadata.Model),
		m.Metadata.Usage.Input, m.Metadata.Usage.Output, m.Metadata.Usage.Total,
		m.Metadata.Cost.Input, m.Metadata.Cost.Output, m.Metadata.Cost.Total,
		nullable(m.Metadata.Cost.Currency), nullable(m.Metadata.FinishReason), m.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMetadata(ctx context.Context, messageID string, metadata models.MessageMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET model = $2,
		       usage_input = $3, usage_output = $4, usage_total = $5,
		       cost_input = $6, cost_output = $7, cost_total = $8,
		       currency = $9, finish_reason = $10
		WHERE id = $1`,
		messageID, nullable(metadata.Model),
		metadata.Usage.Input, metadata.Usage.Output, metadata.Usage.Total,
		metadata.Cost.Input, metadata.Cost.Output, metadata.Cost.Total,
		nullable(metadata.Cost.Currency), nullable(metadata.FinishReason))
	if err != nil {
		return fmt.Errorf("update message metadata %s: %w", messageID, err)
	}
	return nil
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, display_name, password_hash, google_sub, created_at FROM users WHERE id = $1`, id)
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, display_name, password_hash, google_sub, created_at FROM users WHERE email = $1`, email)
	if err != nil {
		return models.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *Store) GetByGoogleSub(ctx context.Context, sub string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, display_name, password_hash, google_sub, created_at FROM users WHERE google_sub = $1`, sub)
	if err != nil {
		return models.User{}, fmt.Errorf("get user by google sub: %w", err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, google_sub, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.DisplayName, nullable(u.PasswordHash), nullable(u.GoogleSub), u.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// --- Provider credentials ---

func (s *Store) Get(ctx context.Context, userID, providerKind string) (string, error) {
	var encrypted string
	err := s.db.GetContext(ctx, &encrypted, `SELECT encrypted_key FROM provider_credentials WHERE user_id = $1 AND provider_kind = $2`, userID, providerKind)
	if err != nil {
		return "", fmt.Errorf("get provider credential: %w", err)
	}
	return encrypted, nil
}

func (s *Store) Put(ctx context.Context, userID, providerKind, encryptedKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (user_id, provider_kind, encrypted_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider_kind) DO UPDATE SET encrypted_key = EXCLUDED.encrypted_key`,
		userID, providerKind, encryptedKey)
	if err != nil {
		return fmt.Errorf("put provider credential: %w", err)
	}
	return nil
}

// --- Attachments ---

func (s *Store) Save(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, object_key, file_name, mime_type, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.MessageID, a.ObjectKey, a.FileName, a.MimeType, a.SizeBytes, a.UploadedAt)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("save attachment: %w", err)
	}
	return a, nil
}

func (s *Store) ListForMessage(ctx context.Context, messageID string) ([]models.Attachment, error) {
	var out []models.Attachment
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, message_id, object_key, file_name, mime_type, size_bytes, uploaded_at
		FROM attachments WHERE message_id = $1 ORDER BY uploaded_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments for message %s: %w", messageID, err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
