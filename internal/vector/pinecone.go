package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/log"
)

// pineconeTimeout bounds one API round trip.
const pineconeTimeout = 30 * time.Second

// pineconeListPageSize is the page size for the list endpoint (API max 100).
const pineconeListPageSize = 100

// Pinecone talks to a Pinecone serverless index over its HTTP data-plane
// API. Vector IDs encode the chunk ID; the owning document ID travels in
// vector metadata so document-scoped search and deletion work without a
// relational join.
type Pinecone struct {
	host      string
	apiKey    string
	namespace string
	dimension int
	client    *http.Client
	logger    log.Logger

	// List pagination state: remembers where the last page ended so
	// sequential migration reads continue in one request instead of
	// rescanning from the start.
	mu            sync.Mutex
	listToken     string
	listLastChunk int64
}

// PineconeConfig configures the Pinecone backend.
type PineconeConfig struct {
	// Host is the index endpoint, e.g. https://my-index-abc123.svc.pinecone.io.
	Host      string
	APIKey    string
	Namespace string
	Dimension int
}

// NewPinecone creates the Pinecone backend.
func NewPinecone(cfg PineconeConfig, logger log.Logger) *Pinecone {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pinecone{
		host:      strings.TrimRight(cfg.Host, "/"),
		apiKey:    cfg.APIKey,
		namespace: cfg.Namespace,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: pineconeTimeout},
		logger:    logger,
	}
}

func (p *Pinecone) Name() string { return BackendPinecone }

func chunkIDToVectorID(chunkID int64) string {
	return "chunk-" + strconv.FormatInt(chunkID, 10)
}

func vectorIDToChunkID(id string) (int64, error) {
	raw, ok := strings.CutPrefix(id, "chunk-")
	if !ok {
		return 0, fmt.Errorf("unexpected vector id %q", id)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (p *Pinecone) checkDimension(v []float32) error {
	if p.dimension > 0 && len(v) != p.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.dimension, len(v))
	}
	return nil
}

type pineconeVector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Upsert inserts or replaces embeddings. Pinecone upserts are idempotent by
// vector ID.
func (p *Pinecone) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	vectors := make([]pineconeVector, len(items))
	for i, item := range items {
		if err := p.checkDimension(item.Vector); err != nil {
			return fmt.Errorf("chunk %d: %w", item.ChunkID, err)
		}
		vectors[i] = pineconeVector{
			ID:       chunkIDToVectorID(item.ChunkID),
			Values:   item.Vector,
			Metadata: map[string]string{"document_id": item.DocumentID.String()},
		}
	}

	payload := map[string]any{"vectors": vectors, "namespace": p.namespace}
	if err := p.post(ctx, "/vectors/upsert", payload, &struct{}{}); err != nil {
		return err
	}
	p.logger.Debug("upserted vectors", "count", len(items), "namespace", p.namespace)
	return nil
}

// Search queries the index. Ties on score break by ascending chunk ID.
func (p *Pinecone) Search(ctx context.Context, q Query) ([]Match, error) {
	if err := p.checkDimension(q.Vector); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, nil
	}

	payload := map[string]any{
		"vector":          q.Vector,
		"topK":            q.TopK,
		"namespace":       p.namespace,
		"includeMetadata": true,
	}
	if len(q.DocumentIDs) > 0 {
		ids := make([]string, len(q.DocumentIDs))
		for i, id := range q.DocumentIDs {
			ids[i] = id.String()
		}
		payload["filter"] = map[string]any{"document_id": map[string]any{"$in": ids}}
	}

	var resp struct {
		Matches []struct {
			ID       string            `json:"id"`
			Score    float64           `json:"score"`
			Metadata map[string]string `json:"metadata"`
		} `json:"matches"`
	}
	if err := p.post(ctx, "/query", payload, &resp); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		chunkID, err := vectorIDToChunkID(m.ID)
		if err != nil {
			return nil, err
		}
		docID, err := uuid.Parse(m.Metadata["document_id"])
		if err != nil {
			return nil, fmt.Errorf("vector %s: bad document_id metadata: %w", m.ID, err)
		}
		matches = append(matches, Match{ChunkID: chunkID, DocumentID: docID, Score: m.Score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	return matches, nil
}

// DeleteByDocument removes every vector whose metadata names the document.
func (p *Pinecone) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	payload := map[string]any{
		"namespace": p.namespace,
		"filter":    map[string]any{"document_id": map[string]any{"$eq": documentID.String()}},
	}
	return p.post(ctx, "/vectors/delete", payload, &struct{}{})
}

// DeleteByChunks removes the given chunks' vectors. Missing IDs delete
// cleanly.
func (p *Pinecone) DeleteByChunks(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = chunkIDToVectorID(id)
	}
	payload := map[string]any{"ids": ids, "namespace": p.namespace}
	return p.post(ctx, "/vectors/delete", payload, &struct{}{})
}

// Count reads the namespace vector count from index stats.
func (p *Pinecone) Count(ctx context.Context) (int64, error) {
	var resp struct {
		Namespaces map[string]struct {
			VectorCount int64 `json:"vectorCount"`
		} `json:"namespaces"`
		TotalVectorCount int64 `json:"totalVectorCount"`
	}
	if err := p.post(ctx, "/describe_index_stats", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	if p.namespace == "" {
		return resp.TotalVectorCount, nil
	}
	return resp.Namespaces[p.namespace].VectorCount, nil
}

// List pages through stored items in ascending chunk-ID order. Pinecone
// paginates with opaque tokens, so sequential calls (each starting where the
// previous ended) reuse the saved token; any other starting point rescans
// the ID space.
func (p *Pinecone) List(ctx context.Context, afterChunkID int64, limit int) ([]Item, error) {
	ids, err := p.listChunkIDs(ctx, afterChunkID, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return p.fetch(ctx, ids)
}

func (p *Pinecone) listChunkIDs(ctx context.Context, afterChunkID int64, limit int) ([]int64, error) {
	p.mu.Lock()
	token := ""
	if afterChunkID != 0 && afterChunkID == p.listLastChunk {
		token = p.listToken
	}
	p.mu.Unlock()

	var collected []int64
	for len(collected) < limit {
		u := fmt.Sprintf("%s/vectors/list?namespace=%s&limit=%d", p.host, p.namespace, pineconeListPageSize)
		if token != "" {
			u += "&paginationToken=" + token
		}

		var resp struct {
			Vectors []struct {
				ID string `json:"id"`
			} `json:"vectors"`
			Pagination struct {
				Next string `json:"next"`
			} `json:"pagination"`
		}
		if err := p.get(ctx, u, &resp); err != nil {
			return nil, err
		}

		for _, v := range resp.Vectors {
			chunkID, err := vectorIDToChunkID(v.ID)
			if err != nil {
				continue // foreign vectors in a shared namespace are skipped
			}
			if chunkID > afterChunkID {
				collected = append(collected, chunkID)
			}
		}

		token = resp.Pagination.Next
		if token == "" {
			break
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i] < collected[j] })
	if len(collected) > limit {
		collected = collected[:limit]
	}

	p.mu.Lock()
	if len(collected) > 0 {
		p.listLastChunk = collected[len(collected)-1]
		p.listToken = token
	}
	p.mu.Unlock()
	return collected, nil
}

func (p *Pinecone) fetch(ctx context.Context, chunkIDs []int64) ([]Item, error) {
	params := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		params[i] = "ids=" + chunkIDToVectorID(id)
	}
	u := fmt.Sprintf("%s/vectors/fetch?namespace=%s&%s", p.host, p.namespace, strings.Join(params, "&"))

	var resp struct {
		Vectors map[string]pineconeVector `json:"vectors"`
	}
	if err := p.get(ctx, u, &resp); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(chunkIDs))
	for _, chunkID := range chunkIDs {
		v, ok := resp.Vectors[chunkIDToVectorID(chunkID)]
		if !ok {
			continue // deleted between list and fetch
		}
		docID, err := uuid.Parse(v.Metadata["document_id"])
		if err != nil {
			return nil, fmt.Errorf("vector %s: bad document_id metadata: %w", v.ID, err)
		}
		items = append(items, Item{ChunkID: chunkID, DocumentID: docID, Vector: v.Values})
	}
	return items, nil
}

// Clear deletes every vector in the namespace.
func (p *Pinecone) Clear(ctx context.Context) error {
	payload := map[string]any{"deleteAll": true, "namespace": p.namespace}
	if err := p.post(ctx, "/vectors/delete", payload, &struct{}{}); err != nil {
		return err
	}
	p.logger.Info("cleared pinecone namespace", "namespace", p.namespace)
	return nil
}

func (p *Pinecone) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pinecone: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pinecone: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *Pinecone) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("pinecone: %w", err)
	}
	return p.do(req, out)
}

func (p *Pinecone) do(req *http.Request, out any) error {
	req.Header.Set("Api-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("pinecone: %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("pinecone: decoding response: %w", err)
	}
	return nil
}
