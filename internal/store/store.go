// Package store is the relational persistence layer. Each domain table gets
// a small repository type over a pgx querier; Store bundles them for wiring.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrNotFound reports a row that does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the pgx query surface the repositories need. Both *pgxpool.Pool
// and pgx.Tx satisfy it; interfaces defined by the consumer.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB adds transactions to Querier. *pgxpool.Pool satisfies it.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store bundles every repository over one connection pool.
type Store struct {
	Documents     *Documents
	Chunks        *Chunks
	Chatbots      *Chatbots
	Conversations *Conversations
	Queue         *Queue
	AppState      *AppState
	Analytics     *Analytics
}

// New creates all repositories over db.
func New(db DB) *Store {
	return &Store{
		Documents:     &Documents{db: db},
		Chunks:        &Chunks{db: db},
		Chatbots:      &Chatbots{db: db},
		Conversations: &Conversations{db: db},
		Queue:         &Queue{db: db},
		AppState:      &AppState{db: db},
		Analytics:     &Analytics{db: db},
	}
}

// HashGuestIP derives the stored guest identity from a client IP. The raw IP
// never reaches the database; the salted hash still groups requests from the
// same address within one deployment.
func HashGuestIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + ":" + ip))
	return hex.EncodeToString(sum[:])
}

func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgToUUID(id pgtype.UUID) uuid.UUID {
	return uuid.UUID(id.Bytes)
}

func uuidsToPg(ids []uuid.UUID) []pgtype.UUID {
	out := make([]pgtype.UUID, len(ids))
	for i, id := range ids {
		out[i] = uuidToPg(id)
	}
	return out
}

// mapNoRows converts pgx.ErrNoRows to ErrNotFound so callers never import
// pgx to classify an error.
func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
