package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sitebrain/sitebrain/internal/docload"
	"github.com/sitebrain/sitebrain/internal/engine"
	"github.com/sitebrain/sitebrain/internal/log"
	"github.com/sitebrain/sitebrain/internal/store"
)

// documentHandler serves document CRUD and lifecycle endpoints.
type documentHandler struct {
	engine *engine.Engine
	store  *store.Store
	logger log.Logger
}

// documentView is the wire shape of a document. Content is deliberately
// omitted; it can be megabytes of extracted text.
type documentView struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	SourceType   string    `json:"source_type"`
	SourceID     string    `json:"source_id,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toDocumentView(d *store.Document) documentView {
	return documentView{
		ID:           d.ID,
		Title:        d.Title,
		SourceType:   d.SourceType,
		SourceID:     d.SourceID,
		MimeType:     d.MimeType,
		Status:       d.Status,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	docs, err := h.store.Documents.List(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}

	views := make([]documentView, len(docs))
	for i := range docs {
		views[i] = toDocumentView(&docs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": views}, h.logger)
}

func (h *documentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	doc, err := h.store.Documents.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentView(doc), h.logger)
}

// ingestRequest creates or refreshes a document. Type selects the source;
// exactly the matching payload field must be set.
type ingestRequest struct {
	Type     string                  `json:"type"`
	Title    string                  `json:"title,omitempty"`
	URL      string                  `json:"url,omitempty"`
	Path     string                  `json:"path,omitempty"`
	SourceID string                  `json:"source_id,omitempty"`
	Post     *docload.PostContent    `json:"post,omitempty"`
	Product  *docload.ProductContent `json:"product,omitempty"`
	Course   *docload.CourseContent  `json:"course,omitempty"`
}

func (h *documentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}

	var (
		doc *store.Document
		err error
	)
	switch req.Type {
	case docload.SourceURL:
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "url is required", h.logger)
			return
		}
		doc, err = h.engine.IngestURL(r.Context(), req.URL, req.Title)
	case docload.SourceFile:
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "path is required", h.logger)
			return
		}
		doc, err = h.engine.IngestFile(r.Context(), req.Path, req.Title)
	case docload.SourcePost, docload.SourceProduct, docload.SourceCourse:
		if req.SourceID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "source_id is required", h.logger)
			return
		}
		doc, err = h.engine.IngestCMS(r.Context(), req.SourceID, req.Title, docload.Source{
			Type:    req.Type,
			Post:    req.Post,
			Product: req.Product,
			Course:  req.Course,
		})
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown source type", h.logger)
		return
	}
	if err != nil {
		// The document may exist in error state; report it alongside.
		if doc != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"document": toDocumentView(doc),
				"error":    err.Error(),
			}, h.logger)
			return
		}
		writeStoreError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, toDocumentView(doc), h.logger)
}

func (h *documentHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.engine.DeleteDocument(r.Context(), id); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *documentHandler) reprocess(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.ProcessDocument)
}

func (h *documentHandler) trash(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.TrashDocument)
}

func (h *documentHandler) restore(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.RestoreDocument)
}

func (h *documentHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err, h.logger)
			return
		}
		// Processing failures are recorded on the document; surface both.
		doc, getErr := h.store.Documents.Get(r.Context(), id)
		if getErr == nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"document": toDocumentView(doc),
				"error":    err.Error(),
			}, h.logger)
			return
		}
		writeStoreError(w, err, h.logger)
		return
	}

	doc, err := h.store.Documents.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentView(doc), h.logger)
}

// stats reports document counts by status and the ingest queue backlog.
func (h *documentHandler) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Documents.CountByStatus(r.Context())
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	pending, err := h.store.Queue.PendingCount(r.Context())
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents":     counts,
		"queue_pending": pending,
	}, h.logger)
}

func pathUUID(w http.ResponseWriter, r *http.Request, logger log.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID", logger)
		return uuid.Nil, false
	}
	return id, true
}
