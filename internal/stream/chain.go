// Package stream composes push-style byte pipelines: a caller writes into
// a chain of filters that ends in a sink.
package stream

import (
	"bytes"
	"errors"
	"io"
)

// Sink is the terminal consumer of a chain. Close is called exactly once
// and must flush and verify whatever the sink buffers.
type Sink interface {
	io.Writer
	Close() error
}

// Filter transforms data on its way to next. Close flushes buffered state
// into next; the chain closes next afterwards.
type Filter interface {
	Write(p []byte, next Sink) error
	Close(next Sink) error
}

// aborter is implemented by filters holding resources that must be released
// when a chain is abandoned without Close.
type aborter interface {
	Abort()
}

var (
	errPushAfterWrite = errors.New("filter pushed after data was written")
	errChainClosed    = errors.New("chain already closed")
)

// Chain feeds writes through its filters into a sink. The last pushed
// filter is the first to see the data.
type Chain struct {
	sink    Sink
	head    Sink
	filters []Filter
	written bool
	closed  bool
}

// NewChain creates a chain ending in sink.
func NewChain(sink Sink) *Chain {
	return &Chain{sink: sink, head: sink}
}

// PushFilter puts f in front of the chain. It is refused once data has been
// written or the chain closed.
func (c *Chain) PushFilter(f Filter) error {
	if c.closed {
		return errChainClosed
	}

	if c.written {
		return errPushAfterWrite
	}

	c.head = &filterSink{filter: f, next: c.head}
	c.filters = append(c.filters, f)

	return nil
}

// Write passes p into the first filter.
func (c *Chain) Write(p []byte) (int, error) {
	if c.closed {
		return 0, errChainClosed
	}

	c.written = true

	return c.head.Write(p)
}

// Close flushes every filter, from the first to see data down to the sink,
// then closes the sink. A second Close is an error. When a stage fails the
// filters behind it are aborted.
func (c *Chain) Close() error {
	if c.closed {
		return errChainClosed
	}

	c.closed = true

	if err := c.head.Close(); err != nil {
		c.abortFilters()
		return err
	}

	return nil
}

// Abort releases filter resources of a chain that will not be closed.
func (c *Chain) Abort() {
	if c.closed {
		return
	}

	c.closed = true
	c.abortFilters()
}

func (c *Chain) abortFilters() {
	for _, f := range c.filters {
		if a, ok := f.(aborter); ok {
			a.Abort()
		}
	}
}

type filterSink struct {
	filter Filter
	next   Sink
}

func (s *filterSink) Write(p []byte) (int, error) {
	if err := s.filter.Write(p, s.next); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (s *filterSink) Close() error {
	if err := s.filter.Close(s.next); err != nil {
		return err
	}

	return s.next.Close()
}

// BufferSink collects everything written to it.
type BufferSink struct {
	bytes.Buffer
	Closed bool
}

// Close marks the sink closed.
func (b *BufferSink) Close() error {
	if b.Closed {
		return errors.New("buffer sink closed twice")
	}

	b.Closed = true

	return nil
}
