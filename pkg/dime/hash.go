package dime

import (
	"crypto/sha512"
	"hash"
	"io"
)

// HashingReader wraps a reader and accumulates a SHA-512 digest over every
// byte read through it. The digest is finalized on demand and finalization is
// repeatable: it never disturbs future reads.
type HashingReader struct {
	r io.Reader
	h hash.Hash
}

// NewHashingReader wraps r with a fresh SHA-512 accumulator.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: newDigest()}
}

func newDigest() hash.Hash {
	return sha512.New()
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		// hash.Hash.Write never returns an error.
		hr.h.Write(p[:n])
	}
	return n, err
}

// Hash returns the digest of all bytes read so far.
func (hr *HashingReader) Hash() []byte {
	return hr.h.Sum(nil)
}

// hashProvider lets a payload source supply a digest it already tracks, so the
// framing layer can reuse an inner plaintext hash instead of accumulating a
// second one.
type hashProvider interface {
	Hash() []byte
}
