package pattern

import (
	"context"
	"errors"
	"sync"
)

// Persister is the durable home of rules. Implementations live outside this
// package (SQLite, Postgres).
type Persister interface {
	Load(ctx context.Context) ([]Rule, error)
	Save(ctx context.Context, r Rule) error
	Clear(ctx context.Context) error
}

// ErrClosed is returned for persistence requests after Close.
var ErrClosed = errors.New("pattern engine closed")

type saveOp struct {
	rule  Rule
	clear bool
	done  chan error
}

// saver serializes persister writes on one goroutine so Learn and Apply
// never block on I/O. Clears travel the same queue so they cannot be
// overtaken by earlier saves.
type saver struct {
	p      Persister
	logf   func(format string, args ...interface{})
	mu     sync.Mutex
	closed bool
	queue  chan saveOp
	wg     sync.WaitGroup
}

const saveQueueSize = 256

func newSaver(p Persister, logf func(string, ...interface{})) *saver {
	s := &saver{p: p, logf: logf, queue: make(chan saveOp, saveQueueSize)}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *saver) loop() {
	defer s.wg.Done()
	ctx := context.Background()
	for op := range s.queue {
		if op.clear {
			op.done <- s.p.Clear(ctx)
			continue
		}
		if err := s.p.Save(ctx, op.rule); err != nil {
			s.logf("save rule %s: %v", op.rule.ID, err)
		}
	}
}

// save enqueues rules. It blocks only when the queue is full.
func (s *saver) save(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, r := range rules {
		s.queue <- saveOp{rule: r}
	}
}

// clear waits for queued saves, then clears the persister.
func (s *saver) clear(ctx context.Context) error {
	done := make(chan error, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue <- saveOp{clear: true, done: done}
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the goroutine.
func (s *saver) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}
