package datapool

import (
	"bufio"
	"context"
	"fmt"
	"os"
)

const defaultChanCapacity = 1024

// NewFileOnce creates a single-pass, newline-separated file pool: rows
// stream into a bounded channel by a single reader task; the pool
// exhausts at EOF.
func NewFileOnce(path string) (*File, error) {
	return newFile(path, false)
}

// NewFileRecycle creates a file pool that rewinds at EOF and continues
// streaming rows until Close is called.
func NewFileRecycle(path string) (*File, error) {
	return newFile(path, true)
}

// File is the single-reader, channel-backed file datapool. Consumers
// never touch the file handle directly; the reader goroutine owns it,
// enabling clean EOF/rewind semantics and channel backpressure that
// propagates naturally to the reader.
type File struct {
	path    string
	recycle bool

	rows    chan Row
	closing chan struct{}
}

func newFile(path string, recycle bool) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datapool: open %s: %w", path, err)
	}
	f.Close()

	p := &File{
		path:    path,
		recycle: recycle,
		rows:    make(chan Row, defaultChanCapacity),
		closing: make(chan struct{}),
	}
	go p.readerLoop()
	return p, nil
}

func (p *File) readerLoop() {
	defer close(p.rows)

	for {
		if !p.streamOnce() {
			return
		}
		if !p.recycle {
			return
		}
	}
}

// streamOnce reads the file top to bottom, publishing each line into
// the bounded channel. It returns false if the pool was closed mid-read.
func (p *File) streamOnce() bool {
	f, err := os.Open(p.path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case p.rows <- Row(line):
		case <-p.closing:
			return false
		}
	}
	return true
}

func (p *File) NextRow(ctx context.Context) (Row, bool) {
	select {
	case row, ok := <-p.rows:
		return row, ok
	case <-ctx.Done():
		return nil, false
	}
}

func (p *File) Close() {
	select {
	case <-p.closing:
	default:
		close(p.closing)
	}
}
