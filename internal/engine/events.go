package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Event types flowing over the bus.
const (
	// EventContentChanged enters from the outside (CMS hooks, API): a
	// source was created, updated, trashed, restored or deleted.
	EventContentChanged = "content_changed"
	// EventDocumentProcessed leaves the engine after a successful
	// ProcessDocument run.
	EventDocumentProcessed = "document_processed"
	// EventDocumentDeleted leaves the engine after DeleteDocument.
	EventDocumentDeleted = "document_deleted"
)

// Event is one bus message. SourceType/SourceID/Action are set on
// content-changed events; DocumentID on engine-emitted ones.
type Event struct {
	Type       string
	SourceType string
	SourceID   string
	Action     string
	DocumentID uuid.UUID
}

// Bus is a small in-process publish/subscribe hub. Delivery is synchronous
// and in subscription order; handlers must not block.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every published event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Publish delivers the event to all subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}
