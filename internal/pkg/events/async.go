package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("events: publish queue full")
	ErrClosed    = errors.New("events: publisher closed")
)

type queued struct {
	ctx context.Context
	ev  SaleCompleted
}

// AsyncPublisher queues events for a single background worker so callers
// never wait on the broker. Close drains the queue before closing next.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	queue   chan queued
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Publisher, buffer int, timeout time.Duration) *AsyncPublisher {
	if buffer < 1 {
		buffer = 1
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: timeout,
		queue:   make(chan queued, buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishSaleCompleted enqueues ev and returns at once. The broker outcome is
// only logged.
func (p *AsyncPublisher) PublishSaleCompleted(ctx context.Context, ev SaleCompleted) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for q := range p.queue {
		ctx, cancel := context.WithTimeout(q.ctx, p.timeout)
		if err := p.next.PublishSaleCompleted(ctx, q.ev); err != nil {
			slog.ErrorContext(ctx, "publish sale.completed", "sale_id", q.ev.SaleID, "error", err)
		}
		cancel()
	}
}

func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.next.Close()
}
