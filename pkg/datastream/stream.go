// Package datastream turns a producer of wire events into the client-visible
// sequence: ordered, optionally smoothed into whole words, and always ending in
// exactly one terminal event.
package datastream

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

const DefaultErrorMessage = "Oops, an error occurred!"

// Source is anything yielding wire events until io.EOF, such as an
// inference.Producer.
type Source interface {
	Next(ctx context.Context) (wire.Event, error)
}

// Stream is a finite, single-consumer event sequence.
type Stream interface {
	Next(ctx context.Context) (wire.Event, error)
	Close() error
}

// Chunking splits the smoothing buffer into the prefix ready to emit and the
// remainder to keep. An empty prefix means nothing is ready.
type Chunking func(buf string) (ready string, rest string)

var wordRe = regexp.MustCompile(`\S+\s+`)

// WordChunking emits one word with its trailing whitespace at a time.
func WordChunking(buf string) (string, string) {
	loc := wordRe.FindStringIndex(buf)
	if loc == nil {
		return "", buf
	}
	return buf[:loc[1]], buf[loc[1]:]
}

// LineChunking emits complete lines.
func LineChunking(buf string) (string, string) {
	i := strings.IndexByte(buf, '\n')
	if i < 0 {
		return "", buf
	}
	return buf[:i+1], buf[i+1:]
}

type Option func(*Multiplexer)

func WithSmoothing(c Chunking) Option {
	return func(m *Multiplexer) { m.chunking = c }
}

// WithSmoothingDelay waits d before each smoothed chunk.
func WithSmoothingDelay(d time.Duration) Option {
	return func(m *Multiplexer) { m.delay = d }
}

func WithErrorMessage(msg string) Option {
	return func(m *Multiplexer) {
		if msg != "" {
			m.errorMessage = msg
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Multiplexer) { m.log = l }
}

type Multiplexer struct {
	source       Source
	chunking     Chunking
	delay        time.Duration
	errorMessage string
	log          zerolog.Logger

	out     []queued
	buf     strings.Builder
	bufKind wire.Kind
	ended   bool
	closed  bool
}

type queued struct {
	event    wire.Event
	smoothed bool
}

var _ Stream = &Multiplexer{}

func New(source Source, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		source:       source,
		errorMessage: DefaultErrorMessage,
		log:          log.With().Str("component", "datastream").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Multiplexer) Next(ctx context.Context) (wire.Event, error) {
	for {
		if len(m.out) > 0 {
			q := m.out[0]
			if q.smoothed && m.delay > 0 {
				if err := sleep(ctx, m.delay); err != nil {
					m.terminate()
					return wire.Event{}, err
				}
			}
			m.out = m.out[1:]
			return q.event, nil
		}
		if m.ended {
			return wire.Event{}, io.EOF
		}

		ev, err := m.source.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			m.flush()
			m.push(wire.Finish(""), false)
			m.terminate()
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				m.terminate()
				return wire.Event{}, ctxErr
			}
			m.log.Error().Err(err).Msg("stream producer failed")
			m.flush()
			m.push(wire.Error(m.errorMessage), false)
			m.terminate()
		case ev.Kind == wire.KindError:
			m.log.Error().Str("cause", ev.ErrorText).Msg("stream producer failed")
			m.flush()
			m.push(wire.Error(m.errorMessage), false)
			m.terminate()
		case ev.Kind == wire.KindFinish:
			m.flush()
			m.push(ev, false)
			m.terminate()
		case ev.IsDelta() && m.chunking != nil:
			m.smooth(ev)
		default:
			m.flush()
			m.push(ev, false)
		}
	}
}

func (m *Multiplexer) smooth(ev wire.Event) {
	if m.buf.Len() > 0 && m.bufKind != ev.Kind {
		m.flush()
	}
	m.bufKind = ev.Kind
	m.buf.WriteString(ev.Delta)

	rest := m.buf.String()
	for {
		ready, remaining := m.chunking(rest)
		if ready == "" {
			break
		}
		m.push(wire.Event{Kind: ev.Kind, Delta: ready}, true)
		rest = remaining
	}
	m.buf.Reset()
	m.buf.WriteString(rest)
}

func (m *Multiplexer) flush() {
	if m.buf.Len() == 0 {
		return
	}
	m.push(wire.Event{Kind: m.bufKind, Delta: m.buf.String()}, true)
	m.buf.Reset()
}

func (m *Multiplexer) push(ev wire.Event, smoothed bool) {
	m.out = append(m.out, queued{event: ev, smoothed: smoothed})
}

// terminate stops reading the source; anything it would produce later is dropped.
func (m *Multiplexer) terminate() {
	m.ended = true
	m.closeSource()
}

func (m *Multiplexer) closeSource() {
	if m.closed {
		return
	}
	m.closed = true
	if c, ok := m.source.(io.Closer); ok {
		_ = c.Close()
	}
}

func (m *Multiplexer) Close() error {
	m.ended = true
	m.out = nil
	m.closeSource()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sliceStream struct {
	events []wire.Event
}

func (s *sliceStream) Next(ctx context.Context) (wire.Event, error) {
	if err := ctx.Err(); err != nil {
		return wire.Event{}, err
	}
	if len(s.events) == 0 {
		return wire.Event{}, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *sliceStream) Close() error {
	s.events = nil
	return nil
}

// Empty is a stream that ends immediately without any event.
func Empty() Stream {
	return &sliceStream{}
}

// OneShot replays events verbatim, then ends.
func OneShot(events ...wire.Event) Stream {
	return &sliceStream{events: append([]wire.Event(nil), events...)}
}

// Collect drains s and closes it.
func Collect(ctx context.Context, s Stream) ([]wire.Event, error) {
	defer func() { _ = s.Close() }()
	var out []wire.Event
	for {
		e, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
