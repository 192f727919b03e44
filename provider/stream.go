package provider

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"
)

// wsStream reads envd frames from a websocket until the server closes it.
type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsStream) Next(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("reading output stream: %w", err)
	}
	return Normalize(data)
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// chanStream adapts a channel of events fed by a producer goroutine to Stream.
type chanStream struct {
	events    chan Event
	errs      chan error
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newChanStream(cancel context.CancelFunc) *chanStream {
	return &chanStream{
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// send delivers ev unless the consumer has closed the stream.
func (s *chanStream) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *chanStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
	}
	select {
	case err := <-s.errs:
		return Event{}, err
	default:
		return Event{}, io.EOF
	}
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}
