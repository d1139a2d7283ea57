package provider

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/transport"
	"github.com/example/doclet/internal/types"
)

type fakeTransport struct {
	mu       sync.Mutex
	cfg      transport.Config
	handlers transport.Handlers
	open     bool
	opened   int
	closed   int
	sent     []types.Envelope
	onSend   func(types.Envelope)
}

func (f *fakeTransport) Open() {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
}

func (f *fakeTransport) Send(env types.Envelope) bool {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return false
	}
	f.sent = append(f.sent, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return true
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed++
	f.open = false
	f.mu.Unlock()
}

// connect simulates the stream opening.
func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.handlers.OnStatus(transport.StatusConnected)
}

func (f *fakeTransport) deliver(env types.Envelope) {
	data, err := env.Encode()
	if err != nil {
		panic(err)
	}
	f.handlers.OnMessage(data)
}

func (f *fakeTransport) sentOf(kind types.MessageType) []types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Envelope
	for _, env := range f.sent {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeTransport) factory() TransportFactory {
	return func(cfg transport.Config, handlers transport.Handlers, _ zerolog.Logger) (Transport, error) {
		f.cfg = cfg
		f.handlers = handlers
		return f, nil
	}
}

type fakeTask struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTask) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTask{delay: d, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *fakeScheduler) active() []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every task that has not been stopped.
func (s *fakeScheduler) fire() int {
	tasks := s.active()
	for _, t := range tasks {
		t.fired = true
		t.f()
	}
	return len(tasks)
}
