// Package chunk cuts content into ordered, independently verifiable chunks
// and puts them back together.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"sendme/domain"
	"sendme/errors"

	"golang.org/x/crypto/blake2b"
)

// Checksum is the BLAKE2b-256 of a payload, hex encoded.
func Checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func Verify(c domain.Chunk) bool {
	return Checksum(c.Payload) == c.Checksum
}

// Digest is the SHA-256 of the whole content, hex encoded.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func DigestBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Split eagerly cuts content into ceil(len/chunkSize) chunks.
// Empty content yields no chunks.
func Split(content []byte, chunkSize int) ([]domain.Chunk, error) {
	if len(content) == 0 {
		if chunkSize <= 0 {
			return nil, fmt.Errorf("%w: chunk size must be positive", errors.ErrInvalidContent)
		}
		return nil, nil
	}
	src, err := NewSource(bytes.NewReader(content), int64(len(content)), chunkSize)
	if err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, src.Count())
	for c, err := range src.All() {
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Source derives chunks on demand from a random-access content reader.
// Reading index k twice yields byte-identical chunks, so a resumed transfer
// only touches the chunks it still needs.
type Source struct {
	r         io.ReaderAt
	size      int64
	chunkSize int
	count     int
}

func NewSource(r io.ReaderAt, size int64, chunkSize int) (*Source, error) {
	count, err := domain.ChunkCount(size, chunkSize)
	if err != nil {
		return nil, err
	}
	return &Source{r: r, size: size, chunkSize: chunkSize, count: count}, nil
}

func (s *Source) Count() int {
	return s.count
}

func (s *Source) ChunkSize() int {
	return s.chunkSize
}

// Resize returns a source over the same content cut at another chunk size.
func (s *Source) Resize(chunkSize int) (*Source, error) {
	return NewSource(s.r, s.size, chunkSize)
}

func (s *Source) At(index int) (domain.Chunk, error) {
	if index < 0 || index >= s.count {
		return domain.Chunk{}, fmt.Errorf("chunk index %d out of range [0,%d)", index, s.count)
	}
	offset := int64(index) * int64(s.chunkSize)
	length := min(int64(s.chunkSize), s.size-offset)
	payload := make([]byte, length)
	n, err := s.r.ReadAt(payload, offset)
	if int64(n) < length {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return domain.Chunk{}, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return domain.Chunk{Index: index, Payload: payload, Checksum: Checksum(payload)}, nil
}

// All yields every chunk in ascending order. Iteration stops after the first error.
func (s *Source) All() iter.Seq2[domain.Chunk, error] {
	return func(yield func(domain.Chunk, error) bool) {
		for i := 0; i < s.count; i++ {
			c, err := s.At(i)
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}
