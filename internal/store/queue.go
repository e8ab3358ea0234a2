package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue actions mirror CMS content lifecycle events.
const (
	ActionUpsert  = "upsert"
	ActionDelete  = "delete"
	ActionTrash   = "trash"
	ActionRestore = "restore"
)

// queueLockID is the advisory lock key serializing queue drains across
// processes. Arbitrary but stable.
const queueLockID = 0x5b_1e_b4_a1

// QueueItem is one pending content-change event.
type QueueItem struct {
	ID           int64
	SourceType   string
	SourceID     string
	Action       string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Queue is the repository for the ingest_queue table.
type Queue struct {
	db DB
}

// Enqueue records a content-change event. A pending event for the same
// source and action is not duplicated: replaying CMS hooks is harmless.
func (s *Queue) Enqueue(ctx context.Context, sourceType, sourceID, action string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ingest_queue (source_type, source_id, action)
		 SELECT $1, $2, $3
		 WHERE NOT EXISTS (
		   SELECT 1 FROM ingest_queue
		   WHERE source_type = $1 AND source_id = $2 AND action = $3 AND status = 'pending'
		 )`,
		sourceType, sourceID, action)
	if err != nil {
		return fmt.Errorf("enqueueing %s/%s %s: %w", sourceType, sourceID, action, err)
	}
	return nil
}

// ClaimPending atomically claims up to limit pending items, marking them
// processing. SKIP LOCKED lets concurrent drainers divide work instead of
// blocking on each other.
func (s *Queue) ClaimPending(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE ingest_queue SET status = 'processing'
		 WHERE id IN (
		   SELECT id FROM ingest_queue
		   WHERE status = 'pending'
		   ORDER BY created_at, id
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, source_type, source_id, action, status, error_message, created_at, processed_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claiming queue items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.SourceType, &item.SourceID, &item.Action,
			&item.Status, &item.ErrorMessage, &item.CreatedAt, &item.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkCompleted finishes a claimed item.
func (s *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return s.finish(ctx, id, "completed", "")
}

// MarkError finishes a claimed item with its failure recorded.
func (s *Queue) MarkError(ctx context.Context, id int64, errorMessage string) error {
	return s.finish(ctx, id, "error", errorMessage)
}

func (s *Queue) finish(ctx context.Context, id int64, status, errorMessage string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE ingest_queue SET status = $2, error_message = $3, processed_at = now()
		 WHERE id = $1`,
		id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("finishing queue item %d: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of unprocessed events.
func (s *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM ingest_queue WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending queue items: %w", err)
	}
	return count, nil
}

// ResetStaleProcessing returns items stuck in processing longer than maxAge
// to pending, mirroring the document sweep.
func (s *Queue) ResetStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE ingest_queue SET status = 'pending'
		 WHERE status = 'processing' AND created_at < now() - $1::interval`,
		fmt.Sprintf("%f seconds", maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("resetting stale queue items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueLock is the cross-process queue mutex, backed by a Postgres advisory
// lock. Advisory locks are session-scoped, so the lock pins one pool
// connection for its whole lifetime; releasing returns the connection.
type QueueLock struct {
	pool *pgxpool.Pool
}

// NewQueueLock creates the lock over the shared pool.
func NewQueueLock(pool *pgxpool.Pool) *QueueLock {
	return &QueueLock{pool: pool}
}

// TryAcquire attempts the lock without blocking. On success it returns a
// release func; when another process holds the lock it returns ok=false.
func (l *QueueLock) TryAcquire(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for queue lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, int64(queueLockID)).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquiring queue lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Release must succeed even when the caller's context is done.
		_, _ = conn.Exec(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock($1)`, int64(queueLockID))
		conn.Release()
	}
	return release, true, nil
}
