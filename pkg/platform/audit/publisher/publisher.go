// Package publisher delivers audit events to a store, either synchronously or
// through a buffered background worker.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"civicpulse/pkg/platform/audit"
)

// Publisher fans audit events into a store. In async mode events are queued
// and written by a background goroutine; a full buffer drops the event rather
// than blocking the request path.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	buffer chan audit.Event
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer enables asynchronous delivery with the given queue size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.buffer = make(chan audit.Event, size)
	}
}

// WithLogger attaches a logger for drop and delivery-failure warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher builds a Publisher over the given store. Without options,
// Emit writes through synchronously.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records an event. In sync mode failures surface to the caller; in
// async mode Emit never blocks and a full buffer drops the event. Emit after
// Close drops the event instead of panicking, so shutdown ordering between
// the publisher and its producers stays forgiving.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		if p.logger != nil {
			p.logger.Warn("audit publisher closed, dropping event", "action", string(event.Action))
		}
		return nil
	}

	select {
	case p.buffer <- event:
	default:
		if p.logger != nil {
			p.logger.Warn("audit buffer full, dropping event", "action", string(event.Action))
		}
	}
	return nil
}

// Close drains any buffered events and stops the background worker.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		if p.buffer != nil {
			close(p.buffer)
			p.wg.Wait()
		}
	})
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.buffer {
		if err := p.store.Append(context.Background(), event); err != nil && p.logger != nil {
			p.logger.Warn("audit event delivery failed", "action", string(event.Action), "error", err)
		}
	}
}
