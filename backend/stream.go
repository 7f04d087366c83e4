package backend

import (
	"context"
	"sync"
)

// streamSub is one ReadStream subscription: an unbounded queue between
// the backend's reader and the consumer channel, so a slow consumer
// never blocks the PTY drain.
type streamSub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	closed bool
}

func newStreamSub() *streamSub {
	s := &streamSub{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *streamSub) push(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, chunk)
	s.cond.Signal()
}

func (s *streamSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Signal()
}

// out starts the delivery pump and returns the consumer channel. The
// pump exits when the subscription closes (queue drained first) or ctx
// is done.
func (s *streamSub) out(ctx context.Context) <-chan string {
	ch := make(chan string)
	// Wake the cond waiter when ctx is done.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Signal()
		s.mu.Unlock()
	})
	go func() {
		defer close(ch)
		defer stop()
		for {
			s.mu.Lock()
			for len(s.queue) == 0 && !s.closed && ctx.Err() == nil {
				s.cond.Wait()
			}
			if ctx.Err() != nil {
				s.closed = true
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 && s.closed {
				s.mu.Unlock()
				return
			}
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case ch <- chunk:
			case <-ctx.Done():
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				return
			}
		}
	}()
	return ch
}
