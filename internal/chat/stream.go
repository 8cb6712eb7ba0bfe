package chat

import (
	"context"
	"sync"

	"github.com/fenwick-labs/mcp-chat/internal/registry"
)

// Request is everything a backend needs for one model invocation.
type Request struct {
	// ConversationID correlates all invocations of one conversation.
	ConversationID string

	System   string
	Messages []Message
	Tools    []registry.Tool
}

// Backend streams one assistant turn for a request.
type Backend interface {
	Stream(ctx context.Context, req Request) *TurnStream
}

// TurnStream is a lazy, finite, non-restartable sequence of records for one
// assistant turn. It is consumed by a single goroutine pulling Next/Current;
// Close cancels the producer and the underlying network stream.
type TurnStream struct {
	records chan Record
	cancel  context.CancelFunc

	cur Record

	mu     sync.Mutex
	err    error
	closed bool

	finishOnce sync.Once
}

func newTurnStream(cancel context.CancelFunc) *TurnStream {
	return &TurnStream{
		records: make(chan Record, 16),
		cancel:  cancel,
	}
}

// Next advances to the next record. It returns false when the turn is over
// or the stream failed; check Err afterwards.
func (s *TurnStream) Next() bool {
	rec, ok := <-s.records
	if !ok {
		return false
	}
	s.cur = rec
	return true
}

// Current returns the record Next advanced to.
func (s *TurnStream) Current() Record { return s.cur }

// Err returns the stream's terminal error, if any. Valid after Next returns
// false.
func (s *TurnStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the turn: the producer and its network stream are cancelled.
// Records already buffered may still be drained.
func (s *TurnStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

// emit delivers a record to the consumer; returns false if the stream was
// cancelled while the consumer stopped pulling.
func (s *TurnStream) emit(ctx context.Context, rec Record) bool {
	select {
	case s.records <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail records a terminal error. The producer must return after calling it.
func (s *TurnStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = err
	}
	s.mu.Unlock()
	s.finish()
}

// finish ends the record sequence. Safe to call more than once.
func (s *TurnStream) finish() {
	s.finishOnce.Do(func() { close(s.records) })
}
