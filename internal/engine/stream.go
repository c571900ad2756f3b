package engine

import "sync"

// Stream is a one-shot, forward-only sequence of text fragments. Fragments
// arrive in generation order; their concatenation equals what Generate would
// have returned for the same prompt, params and runtime mode.
type Stream struct {
	ch     chan string
	cancel func()

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newStream(cancel func()) *Stream {
	return &Stream{ch: make(chan string), cancel: cancel}
}

// Tokens returns the fragment channel. It is closed when generation
// completes, fails, or is canceled; check Err afterwards.
func (s *Stream) Tokens() <-chan string { return s.ch }

// Err reports the terminal error of the stream. Only meaningful after the
// Tokens channel has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream cooperatively. The producer stops within a
// bounded grace period (its next fragment boundary) and releases per-call
// resources. Safe to call multiple times and concurrently with consumption.
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
