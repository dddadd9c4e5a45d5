// Package eventstream drains a ring buffer into a bounded channel.
//
// One Stream runs per ring buffer. It decodes each record into its fixed
// layout type and sends it downstream; when the channel is full the stream
// waits, holding the record it already took off the ring. Records that fail
// to decode are dropped and counted.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/mrzor/flextrace/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultCapacity is the channel capacity used when none is configured.
const DefaultCapacity = 100

// RecordReader is satisfied by *ringbuf.Reader and *memring.Ring.
type RecordReader interface {
	ReadInto(*ringbuf.Record) error
	Close() error
}

// Decoder decodes a raw record into v.
type Decoder[T any] func(raw []byte, v *T) error

// Stats counts records through one stream.
type Stats struct {
	Read      uint64
	Forwarded uint64
	Malformed uint64
}

// Stream reads records of type T from a ring buffer.
type Stream[T any] struct {
	name     string
	reader   RecordReader
	decode   Decoder[T]
	out      chan T
	logger   *zap.Logger
	metrics  *telemetry.Pipeline
	done     chan struct{}
	err      error
	stopOnce sync.Once
	closeErr error

	read      atomic.Uint64
	forwarded atomic.Uint64
	malformed atomic.Uint64
}

// Option configures a Stream.
type Option func(*options)

type options struct {
	capacity int
	logger   *zap.Logger
	metrics  *telemetry.Pipeline
}

// WithCapacity sets the channel capacity.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metrics pipeline.
func WithMetrics(m *telemetry.Pipeline) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New returns a Stream named name (used as the buffer label in logs and
// metrics). The stream owns reader and closes it when it stops.
func New[T any](name string, reader RecordReader, decode Decoder[T], opts ...Option) *Stream[T] {
	o := options{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = telemetry.Discard()
	}

	return &Stream[T]{
		name:    name,
		reader:  reader,
		decode:  decode,
		out:     make(chan T, o.capacity),
		logger:  o.logger.With(zap.String("buffer", name)),
		metrics: o.metrics,
		done:    make(chan struct{}),
	}
}

// Records is closed once the stream stops.
func (s *Stream[T]) Records() <-chan T {
	return s.out
}

// Start runs the stream in a goroutine until the reader is closed or ctx is
// cancelled.
func (s *Stream[T]) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop() //nolint:errcheck // reported by Wait
		case <-s.done:
		}
	}()

	go func() {
		defer close(s.done)
		defer close(s.out)
		s.err = s.run(ctx)
		if err := s.Stop(); err != nil && s.err == nil {
			s.err = err
		}
	}()
	return nil
}

// Stop closes the reader, which ends the stream.
func (s *Stream[T]) Stop() error {
	s.stopOnce.Do(func() {
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}

// Wait blocks until the stream has stopped and returns why, nil meaning the
// reader was closed.
func (s *Stream[T]) Wait() error {
	<-s.done
	return s.err
}

// Done is closed once the stream has stopped.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Stats returns the stream counters.
func (s *Stream[T]) Stats() Stats {
	return Stats{
		Read:      s.read.Load(),
		Forwarded: s.forwarded.Load(),
		Malformed: s.malformed.Load(),
	}
}

func (s *Stream[T]) run(ctx context.Context) error {
	var rec ringbuf.Record
	for {
		if err := s.reader.ReadInto(&rec); err != nil {
			switch {
			case errors.Is(err, ringbuf.ErrClosed):
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				continue
			default:
				return fmt.Errorf("reading %s ring buffer: %w", s.name, err)
			}
		}
		s.read.Add(1)
		s.metrics.RecordsRead(1, s.name)

		var v T
		if err := s.decode(rec.RawSample, &v); err != nil {
			s.malformed.Add(1)
			s.metrics.RecordsMalformed(1, s.name)
			s.logger.Debug("dropping malformed record", zap.Int("size", len(rec.RawSample)), zap.Error(err))
			continue
		}

		select {
		case s.out <- v:
			s.forwarded.Add(1)
			s.metrics.RecordsForwarded(1, s.name)
		case <-ctx.Done():
			return nil
		}
	}
}
