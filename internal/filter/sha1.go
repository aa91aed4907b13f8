package filter

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
)

// Sha1Filter is a passthrough stage that digests bytes as they pass
// through, per spec §3's sha1-present-iff-copied-or-matched rule.
type Sha1Filter struct {
	next io.Writer
	h    hash.Hash
	sum  string
}

// NewSha1 wraps next, hashing bytes as they pass through unchanged.
func NewSha1(next io.Writer) *Sha1Filter {
	return &Sha1Filter{next: next, h: sha1.New()}
}

func (s *Sha1Filter) Write(b []byte) (int, error) {
	s.h.Write(b)
	return s.next.Write(b)
}

func (s *Sha1Filter) Close() error {
	s.sum = hex.EncodeToString(s.h.Sum(nil))
	return nil
}

func (s *Sha1Filter) Name() string { return NameSha1 }
func (s *Sha1Filter) Result() any  { return s.sum }
