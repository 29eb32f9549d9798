package provider

import (
	"errors"
	"fmt"
	"io"
)

// pullFunc fetches the next batch of fragments from the wire. It returns
// io.EOF once the response is complete; a batch may accompany io.EOF.
type pullFunc func() ([]Fragment, error)

// pullStream adapts a batch-oriented wire iterator to Stream.
type pullStream struct {
	provider string
	pull     pullFunc
	pending  []Fragment
	done     bool
	err      error
	closed   bool

	// onComplete runs once after the wire reported a clean end.
	onComplete func()
	// onAbort runs once when the stream fails or is closed before completing.
	onAbort func()
	// cancel releases the request context.
	cancel func()
}

func newPullStream(provider string, pull pullFunc) *pullStream {
	return &pullStream{provider: provider, pull: pull}
}

func (s *pullStream) Next() (Fragment, error) {
	if s.closed {
		return Fragment{}, ErrStreamClosed
	}
	for len(s.pending) == 0 {
		switch {
		case s.done:
			return Fragment{Kind: EndOfStream}, nil
		case s.err != nil:
			return Fragment{}, s.err
		}

		batch, err := s.pull()
		s.pending = append(s.pending, batch...)
		if errors.Is(err, io.EOF) {
			s.done = true
			if s.onComplete != nil {
				s.onComplete()
			}
			s.release()
		} else if err != nil {
			s.err = fmt.Errorf("%w: %s: %w", ErrTransport, s.provider, err)
			s.abort()
		}
	}

	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, nil
}

func (s *pullStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.done {
		s.abort()
	}
	return nil
}

func (s *pullStream) abort() {
	if s.onAbort != nil {
		s.onAbort()
		s.onAbort = nil
	}
	s.onComplete = nil
	s.release()
}

func (s *pullStream) release() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
