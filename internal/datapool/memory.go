package datapool

import (
	"context"
	"sync"
)

// NewInMemoryOnce creates a finite pool where each row is delivered to
// at most one runner; it exhausts once all rows have been handed out.
func NewInMemoryOnce(rows []Row) *InMemory {
	return &InMemory{rows: rows, recycle: false}
}

// NewInMemoryRecycle creates a finite pool whose rows recycle in FIFO
// order forever.
func NewInMemoryRecycle(rows []Row) *InMemory {
	return &InMemory{rows: rows, recycle: true}
}

// InMemory backs both InMemoryOnce and InMemoryRecycle: a single mutex
// guards the FIFO cursor so that concurrent NextRow calls hand out
// distinct rows atomically, exactly as the Datapool invariants require.
type InMemory struct {
	mu      sync.Mutex
	rows    []Row
	cursor  int
	recycle bool
	closed  bool
}

func (p *InMemory) NextRow(ctx context.Context) (Row, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.rows) == 0 {
		return nil, false
	}
	if p.cursor >= len(p.rows) {
		if !p.recycle {
			return nil, false
		}
		p.cursor = 0
	}

	row := p.rows[p.cursor]
	p.cursor++
	return row, true
}

func (p *InMemory) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
