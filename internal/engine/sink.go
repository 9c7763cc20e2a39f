package engine

import (
	"io"
	"sync"
)

// Sink is the single output stream shared by every running instance.
// Each WriteLine call is emitted as one Write under the lock, so lines from
// concurrent instances never interleave mid-line. It is safe for concurrent use.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink wraps w in a Sink.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// WriteLine writes line followed by a newline as a single unit.
func (s *Sink) WriteLine(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf)
	return err
}

// Write implements io.Writer so that prompts and other partial output share
// the same lock as output lines.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
