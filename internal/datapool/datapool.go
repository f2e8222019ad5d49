// Package datapool implements the four Datapool Descriptor variants: a
// bounded, lazy, thread-safe row vendor shared across all concurrent
// runners of one journey on one node. Handouts are atomic FIFO with no
// fairness guarantee beyond that.
package datapool

import "context"

// Row is one datapool record. The core treats rows as opaque; in the
// in-memory variants a Row may be any caller-supplied value, while the
// file-backed variants always hand out a single line of text.
type Row any

// Datapool is the thread-safe row vendor contract shared by every
// backing variant.
type Datapool interface {
	// NextRow returns the next row, or ok=false once the pool is
	// EXHAUSTED (finite pools only; recycling pools return false only
	// after Close, when built with no rows, or, for file pools, when ctx
	// is done before a row arrives).
	NextRow(ctx context.Context) (row Row, ok bool)
	Close()
}
