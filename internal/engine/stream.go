package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStreamNotFound is returned when polling an unknown or expired stream.
var ErrStreamNotFound = errors.New("stream not found")

// streamState is one in-flight or recently finished response generation.
// Guarded by Engine.streamMu; the producing goroutine writes resp/err/done
// exactly once.
type streamState struct {
	done      bool
	resp      *Response
	err       error
	createdAt time.Time
}

// StreamStatus is a poll result. Response and Error are set only once Done.
type StreamStatus struct {
	Done     bool      `json:"done"`
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// StartStream begins generating a response in the background and returns a
// handle for polling. The handle survives for StreamTTL after creation, after
// which the reaper drops it whether or not it was ever polled.
func (e *Engine) StartStream(req ChatRequest) string {
	id := uuid.NewString()
	st := &streamState{createdAt: time.Now()}

	e.streamMu.Lock()
	e.streams[id] = st
	e.streamMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StreamTTL)
		defer cancel()

		resp, err := e.GenerateResponse(ctx, req)

		e.streamMu.Lock()
		st.resp = resp
		st.err = err
		st.done = true
		e.streamMu.Unlock()
	}()

	return id
}

// PollStream reports the state of a stream started with StartStream.
func (e *Engine) PollStream(id string) (*StreamStatus, error) {
	e.streamMu.Lock()
	st, ok := e.streams[id]
	if !ok {
		e.streamMu.Unlock()
		return nil, ErrStreamNotFound
	}
	status := &StreamStatus{Done: st.done, Response: st.resp}
	if st.err != nil {
		status.Error = st.err.Error()
	}
	done := st.done
	e.streamMu.Unlock()

	// A finished stream is single-use: the first poll that observes
	// completion retires the handle.
	if done {
		e.streamMu.Lock()
		delete(e.streams, id)
		e.streamMu.Unlock()
	}
	return status, nil
}

// CleanupStreams drops handles older than StreamTTL and returns how many it
// removed. Called by the scheduler sweep.
func (e *Engine) CleanupStreams() int {
	cutoff := time.Now().Add(-e.cfg.StreamTTL)

	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	removed := 0
	for id, st := range e.streams {
		if st.createdAt.Before(cutoff) {
			delete(e.streams, id)
			removed++
		}
	}
	return removed
}
