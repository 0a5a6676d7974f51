package resumable

import (
	"context"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

// replayReader turns a side-channel subscription back into an ordered event
// sequence. Envelopes may arrive out of order or more than once; they are
// released strictly by seq.
type replayReader struct {
	streamID     string
	ch           <-chan *message.Message
	cancel       context.CancelFunc
	idle         time.Duration
	errorMessage string

	next    uint64
	pending map[uint64]Envelope
	ended   bool
}

func newReplayReader(streamID string, ch <-chan *message.Message, cancel context.CancelFunc, idle time.Duration, errorMessage string) *replayReader {
	return &replayReader{
		streamID:     streamID,
		ch:           ch,
		cancel:       cancel,
		idle:         idle,
		errorMessage: errorMessage,
		next:         1,
		pending:      map[uint64]Envelope{},
	}
}

func (r *replayReader) Next(ctx context.Context) (wire.Event, error) {
	for {
		if r.ended {
			return wire.Event{}, io.EOF
		}
		if env, ok := r.pending[r.next]; ok {
			delete(r.pending, r.next)
			r.next++
			if env.Done {
				r.finish()
				return wire.Event{}, io.EOF
			}
			ev, err := env.WireEvent()
			if err != nil {
				log.Warn().Err(err).Str("component", "resumable").Str("stream_id", r.streamID).Uint64("seq", env.Seq).Msg("skipping undecodable event")
				continue
			}
			if ev.IsTerminal() {
				r.finish()
			}
			return ev, nil
		}

		if err := r.receive(ctx); err != nil {
			return wire.Event{}, err
		}
	}
}

// receive waits for the next side-channel message and files it under its seq.
// When nothing arrives within the idle timeout the publisher is presumed gone.
func (r *replayReader) receive(ctx context.Context) error {
	var timeout <-chan time.Time
	if r.idle > 0 {
		t := time.NewTimer(r.idle)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		r.finish()
		return ctx.Err()
	case <-timeout:
		log.Warn().Str("component", "resumable").Str("stream_id", r.streamID).Dur("idle", r.idle).Msg("resumed stream went idle")
		r.failWith(r.next)
		return nil
	case msg, ok := <-r.ch:
		if !ok {
			log.Warn().Str("component", "resumable").Str("stream_id", r.streamID).Msg("side-channel subscription closed early")
			r.failWith(r.next)
			return nil
		}
		env, err := UnmarshalEnvelope(msg.Payload)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Str("component", "resumable").Str("stream_id", r.streamID).Msg("skipping malformed envelope")
			return nil
		}
		if env.Seq < r.next {
			return nil
		}
		if _, dup := r.pending[env.Seq]; !dup {
			r.pending[env.Seq] = env
		}
		return nil
	}
}

// failWith replaces whatever is missing with a terminal error event.
func (r *replayReader) failWith(seq uint64) {
	ev, _ := eventEnvelope(seq, wire.Error(r.errorMessage))
	r.pending = map[uint64]Envelope{seq: ev}
}

func (r *replayReader) finish() {
	if r.ended {
		return
	}
	r.ended = true
	r.pending = nil
	r.cancel()
}

func (r *replayReader) Close() error {
	r.finish()
	return nil
}
