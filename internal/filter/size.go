package filter

import "io"

// SizeCounter is a passthrough stage that counts bytes written through it.
type SizeCounter struct {
	next io.Writer
	n    int64
	name string
}

// NewSize wraps next, counting bytes as they pass through unchanged. name
// addresses the result after Close (NameSizeIn or NameSizeOut).
func NewSize(next io.Writer, name string) *SizeCounter {
	return &SizeCounter{next: next, name: name}
}

func (s *SizeCounter) Write(b []byte) (int, error) {
	n, err := s.next.Write(b)
	s.n += int64(n)
	return n, err
}

func (s *SizeCounter) Close() error { return nil }
func (s *SizeCounter) Name() string  { return s.name }
func (s *SizeCounter) Result() any   { return s.n }
