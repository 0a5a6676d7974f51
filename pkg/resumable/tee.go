package resumable

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

// tee hands the pump's events to the requester that started the stream. When
// the requester goes away it detaches and the pump keeps publishing.
type tee struct {
	mu       sync.Mutex
	events   []wire.Event
	ended    bool
	detached bool
	wake     chan struct{}
}

func newTee() *tee {
	return &tee{wake: make(chan struct{})}
}

func (t *tee) push(e wire.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached || t.ended {
		return
	}
	t.events = append(t.events, e)
	close(t.wake)
	t.wake = make(chan struct{})
}

func (t *tee) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	close(t.wake)
}

func (t *tee) Next(ctx context.Context) (wire.Event, error) {
	for {
		t.mu.Lock()
		if len(t.events) > 0 {
			e := t.events[0]
			t.events = t.events[1:]
			t.mu.Unlock()
			return e, nil
		}
		if t.ended || t.detached {
			t.mu.Unlock()
			return wire.Event{}, io.EOF
		}
		wake := t.wake
		t.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return wire.Event{}, ctx.Err()
		}
	}
}

// Close detaches the requester; the producer is not affected.
func (t *tee) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
	t.events = nil
	return nil
}
