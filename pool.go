package textpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// TransformerPool manages a fixed-size set of TextTransformer instances.
// At any time each slot is either free or checked out to exactly one
// job. The pool size is fixed at construction and does not grow or
// shrink at runtime.
type TransformerPool struct {
	logger *slog.Logger

	mu     sync.Mutex
	slots  []*TransformerHandle
	free   []*TransformerHandle
	closed bool
}

// TransformerHandle is exclusive, time-bounded access to one pooled
// TextTransformer instance. Handles are returned with Release; holding
// one past Release is a caller bug.
type TransformerHandle struct {
	pool        *TransformerPool
	index       int
	transformer TextTransformer
	checkedOut  bool
}

// Transformer returns the instance behind the handle.
func (h *TransformerHandle) Transformer() TextTransformer {
	return h.transformer
}

// NewTransformerPool builds size instances via factory. If any factory
// call fails, already-built instances are closed and the error is
// returned.
func NewTransformerPool(ctx context.Context, size int, factory TransformerFactory, logger *slog.Logger) (*TransformerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0, got %d", size)
	}
	if factory == nil {
		return nil, fmt.Errorf("transformer factory is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &TransformerPool{logger: logger}
	for i := 0; i < size; i++ {
		t, err := factory(ctx)
		if err != nil {
			logger.Warn("TransformerPool: factory failed, closing built instances", "index", i, "error", err)
			for _, h := range p.slots {
				_ = h.transformer.Close()
			}
			return nil, fmt.Errorf("failed to build transformer %d/%d: %w", i+1, size, err)
		}
		h := &TransformerHandle{pool: p, index: i, transformer: t}
		p.slots = append(p.slots, h)
		p.free = append(p.free, h)
		logger.Debug("TransformerPool: instance ready", "index", i, "size", size)
	}
	return p, nil
}

// Acquire returns a free instance immediately if one exists. It never
// blocks; callers retry on their own schedule.
func (p *TransformerPool) Acquire() (*TransformerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.free) == 0 {
		return nil, false
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	h.checkedOut = true
	p.logger.Debug("TransformerPool: acquired", "index", h.index, "available", len(p.free))
	return h, true
}

// Release returns the instance to the free set. Releasing a handle that
// is not checked out is a no-op, so completion racing a timeout cannot
// double-free a slot. After Close begins, released instances are shut
// down instead of returned.
func (p *TransformerPool) Release(h *TransformerHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if !h.checkedOut {
		p.mu.Unlock()
		p.logger.Debug("TransformerPool: ignoring release of free handle", "index", h.index)
		return
	}
	h.checkedOut = false
	if p.closed {
		p.mu.Unlock()
		if err := h.transformer.Close(); err != nil {
			p.logger.Warn("TransformerPool: close after release failed", "index", h.index, "error", err)
		}
		return
	}
	p.free = append(p.free, h)
	available := len(p.free)
	p.mu.Unlock()
	p.logger.Debug("TransformerPool: released", "index", h.index, "available", available)
}

// Size returns the fixed slot count.
func (p *TransformerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Stats returns a utilization snapshot.
func (p *TransformerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:      len(p.slots),
		Active:    len(p.slots) - len(p.free),
		Available: len(p.free),
	}
}

// Close stops handing out instances and shuts down every free one.
// Checked-out instances keep running until their holders release them,
// at which point they are shut down too.
func (p *TransformerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	var firstErr error
	for _, h := range free {
		if err := h.transformer.Close(); err != nil {
			p.logger.Warn("TransformerPool: instance close failed", "index", h.index, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
