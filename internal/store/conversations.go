package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one chat session with a chatbot.
type Conversation struct {
	ID          uuid.UUID
	ChatbotID   uuid.UUID
	UserID      *string
	SessionID   string
	GuestIPHash *string
	IsFavorite  bool
	IsArchived  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StoredMessage is one turn in the append-only message log.
type StoredMessage struct {
	ID             int64
	ConversationID uuid.UUID
	Role           string
	Content        string
	Metadata       json.RawMessage
	SequenceNumber int
	CreatedAt      time.Time
}

// Conversations is the repository for conversations and messages.
type Conversations struct {
	db DB
}

const conversationColumns = `id, chatbot_id, user_id, session_id, guest_ip_hash,
	is_favorite, is_archived, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ChatbotID, &c.UserID, &c.SessionID, &c.GuestIPHash,
		&c.IsFavorite, &c.IsArchived, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

// GetOrCreate returns the conversation for (chatbotID, sessionID), creating
// it on first contact. userID and guestIPHash are recorded only at creation.
func (s *Conversations) GetOrCreate(ctx context.Context, chatbotID uuid.UUID, sessionID string, userID, guestIPHash *string) (*Conversation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE chatbot_id = $1 AND session_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		uuidToPg(chatbotID), sessionID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	row = s.db.QueryRow(ctx,
		`INSERT INTO conversations (chatbot_id, session_id, user_id, guest_ip_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+conversationColumns,
		uuidToPg(chatbotID), sessionID, userID, guestIPHash)
	conv, err = scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// Get returns a conversation by ID.
func (s *Conversations) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, uuidToPg(id))
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return conv, nil
}

// AppendMessage appends one turn. The conversation row is locked for the
// duration of the transaction so concurrent appends to the same conversation
// serialize and sequence numbers stay dense and unique.
func (s *Conversations) AppendMessage(ctx context.Context, conversationID uuid.UUID, role, content string, metadata json.RawMessage) (*StoredMessage, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var lockedID uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`,
		uuidToPg(conversationID)).Scan(&lockedID); err != nil {
		return nil, fmt.Errorf("locking conversation %s: %w", conversationID, mapNoRows(err))
	}

	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conversation_id = $1`,
		uuidToPg(conversationID)).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("computing sequence number: %w", err)
	}

	var msg StoredMessage
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content, metadata, sequence_number)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, conversation_id, role, content, metadata, sequence_number, created_at`,
		uuidToPg(conversationID), role, content, orEmptyJSON(metadata), next).
		Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Metadata,
			&msg.SequenceNumber, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`,
		uuidToPg(conversationID)); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return &msg, nil
}

// History returns the most recent limit messages in chronological order.
func (s *Conversations) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, role, content, metadata, sequence_number, created_at
		 FROM (
		   SELECT id, conversation_id, role, content, metadata, sequence_number, created_at
		   FROM messages WHERE conversation_id = $1
		   ORDER BY sequence_number DESC LIMIT $2
		 ) recent
		 ORDER BY sequence_number ASC`,
		uuidToPg(conversationID), limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Metadata,
			&m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListForChatbot returns a chatbot's conversations, most recently active
// first.
func (s *Conversations) ListForChatbot(ctx context.Context, chatbotID uuid.UUID, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE chatbot_id = $1
		 ORDER BY updated_at DESC LIMIT $2`,
		uuidToPg(chatbotID), limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// SetFavorite toggles the favorite flag.
func (s *Conversations) SetFavorite(ctx context.Context, id uuid.UUID, favorite bool) error {
	return s.setFlag(ctx, id, "is_favorite", favorite)
}

// SetArchived toggles the archived flag.
func (s *Conversations) SetArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	return s.setFlag(ctx, id, "is_archived", archived)
}

func (s *Conversations) setFlag(ctx context.Context, id uuid.UUID, column string, value bool) error {
	// column is one of two compile-time constants, never user input.
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET `+column+` = $2, updated_at = now() WHERE id = $1`,
		uuidToPg(id), value)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating conversation %s: %w", id, ErrNotFound)
	}
	return nil
}
