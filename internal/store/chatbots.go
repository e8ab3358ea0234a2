package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Relationship constants for the content_relationships join. A chatbot's
// knowledge base is the set of documents linked to it; a chatbot with no
// links sees everything.
const (
	relTypeKnowledge = "knowledge_source"
	relChatbot       = "chatbot"
	relDocument      = "document"
)

// Chatbot is one configured bot. Style, Messages and ModelConfig are opaque
// JSON documents interpreted by the engine and frontend.
type Chatbot struct {
	ID          uuid.UUID
	Name        string
	Style       json.RawMessage
	Messages    json.RawMessage
	ModelConfig json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatbotMessages are the canned messages a chatbot can be configured with.
type ChatbotMessages struct {
	Greeting        string `json:"greeting,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	FallbackMessage string `json:"fallback_message,omitempty"`
	RateLimited     string `json:"rate_limited,omitempty"`
}

// ChatbotModelConfig overrides per-bot model parameters.
type ChatbotModelConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Chatbots is the repository for chatbots and their document links.
type Chatbots struct {
	db DB
}

const chatbotColumns = `id, name, style, messages, model_config, created_at, updated_at`

func scanChatbot(row pgx.Row) (*Chatbot, error) {
	var c Chatbot
	err := row.Scan(&c.ID, &c.Name, &c.Style, &c.Messages, &c.ModelConfig, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Create inserts a chatbot and returns it.
func (s *Chatbots) Create(ctx context.Context, c *Chatbot) (*Chatbot, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO chatbots (name, style, messages, model_config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+chatbotColumns,
		c.Name, orEmptyJSON(c.Style), orEmptyJSON(c.Messages), orEmptyJSON(c.ModelConfig))
	created, err := scanChatbot(row)
	if err != nil {
		return nil, fmt.Errorf("creating chatbot: %w", err)
	}
	return created, nil
}

// Get returns a chatbot by ID.
func (s *Chatbots) Get(ctx context.Context, id uuid.UUID) (*Chatbot, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+chatbotColumns+` FROM chatbots WHERE id = $1`, uuidToPg(id))
	bot, err := scanChatbot(row)
	if err != nil {
		return nil, fmt.Errorf("getting chatbot %s: %w", id, err)
	}
	return bot, nil
}

// Update replaces a chatbot's configuration.
func (s *Chatbots) Update(ctx context.Context, c *Chatbot) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE chatbots SET name = $2, style = $3, messages = $4, model_config = $5,
		 updated_at = now() WHERE id = $1`,
		uuidToPg(c.ID), c.Name, orEmptyJSON(c.Style), orEmptyJSON(c.Messages), orEmptyJSON(c.ModelConfig))
	if err != nil {
		return fmt.Errorf("updating chatbot %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating chatbot %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// List returns all chatbots, newest first.
func (s *Chatbots) List(ctx context.Context) ([]Chatbot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chatbotColumns+` FROM chatbots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing chatbots: %w", err)
	}
	defer rows.Close()

	var bots []Chatbot
	for rows.Next() {
		bot, err := scanChatbot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chatbot: %w", err)
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

// Delete removes a chatbot; its conversations cascade away.
func (s *Chatbots) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM chatbots WHERE id = $1`, uuidToPg(id))
	if err != nil {
		return fmt.Errorf("deleting chatbot %s: %w", id, err)
	}
	return nil
}

// LinkDocument scopes the chatbot's knowledge base to include the document.
// Idempotent.
func (s *Chatbots) LinkDocument(ctx context.Context, chatbotID, documentID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO content_relationships (source_type, source_id, target_type, target_id, relationship_type)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_type, source_id, target_type, target_id, relationship_type) DO NOTHING`,
		relChatbot, chatbotID.String(), relDocument, documentID.String(), relTypeKnowledge)
	if err != nil {
		return fmt.Errorf("linking document %s to chatbot %s: %w", documentID, chatbotID, err)
	}
	return nil
}

// UnlinkDocument removes a document from the chatbot's knowledge base.
func (s *Chatbots) UnlinkDocument(ctx context.Context, chatbotID, documentID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM content_relationships
		 WHERE source_type = $1 AND source_id = $2 AND target_type = $3
		   AND target_id = $4 AND relationship_type = $5`,
		relChatbot, chatbotID.String(), relDocument, documentID.String(), relTypeKnowledge)
	if err != nil {
		return fmt.Errorf("unlinking document %s from chatbot %s: %w", documentID, chatbotID, err)
	}
	return nil
}

// DocumentIDs returns the documents linked to the chatbot. Empty means the
// chatbot is unscoped and searches the whole collection.
func (s *Chatbots) DocumentIDs(ctx context.Context, chatbotID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT target_id FROM content_relationships
		 WHERE source_type = $1 AND source_id = $2 AND relationship_type = $3
		 ORDER BY id`,
		relChatbot, chatbotID.String(), relTypeKnowledge)
	if err != nil {
		return nil, fmt.Errorf("listing chatbot %s documents: %w", chatbotID, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning relationship: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("relationship target %s is not a document id: %w", strconv.Quote(raw), err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
