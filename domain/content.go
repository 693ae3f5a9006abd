package domain

import (
	"fmt"
	"math"
	"sendme/domain/mimetypes"
	"sendme/errors"

	"github.com/go-playground/validator/v10"
)

const (
	KB = 1024
	MB = KB * KB

	DefaultChunkSize = 64 * KB
	MaxChunkSize     = 4 * MB
)

var validate = validator.New()

// ContentDescriptor describes a content item as registered by the sender.
type ContentDescriptor struct {
	Name       string         `validate:"required,max=255"`
	Size       int64          `validate:"gt=0"`
	ChunkSize  int            `validate:"gt=0"`
	ChunkCount int            `validate:"gt=0"`
	Digest     string         `validate:"required,len=64,hexadecimal"`
	MimeType   mimetypes.MIME `validate:"required"`
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size int64, chunkSize int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: size must be positive, got %d", errors.ErrInvalidContent, size)
	}
	if chunkSize <= 0 {
		return 0, fmt.Errorf("%w: chunk size must be positive, got %d", errors.ErrInvalidContent, chunkSize)
	}
	count := (size + int64(chunkSize) - 1) / int64(chunkSize)
	if count > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d chunks exceed the addressable range", errors.ErrInvalidContent, count)
	}
	return int(count), nil
}

// NewContentDescriptor computes the chunk count and validates the result.
func NewContentDescriptor(name string, size int64, chunkSize int, digest string, mime mimetypes.MIME) (ContentDescriptor, error) {
	count, err := ChunkCount(size, chunkSize)
	if err != nil {
		return ContentDescriptor{}, err
	}
	d := ContentDescriptor{
		Name:       name,
		Size:       size,
		ChunkSize:  chunkSize,
		ChunkCount: count,
		Digest:     digest,
		MimeType:   mime,
	}
	return d, d.Validate()
}

func (d ContentDescriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidContent, err)
	}
	count, err := ChunkCount(d.Size, d.ChunkSize)
	if err != nil {
		return err
	}
	if count != d.ChunkCount {
		return fmt.Errorf("%w: chunk count %d does not match size %d / chunk size %d",
			errors.ErrInvalidContent, d.ChunkCount, d.Size, d.ChunkSize)
	}
	return nil
}

// WithChunkSize returns the descriptor re-cut at another chunk size.
func (d ContentDescriptor) WithChunkSize(chunkSize int) (ContentDescriptor, error) {
	count, err := ChunkCount(d.Size, chunkSize)
	if err != nil {
		return ContentDescriptor{}, err
	}
	d.ChunkSize = chunkSize
	d.ChunkCount = count
	return d, nil
}

// ChunkLength is the payload length of chunk index; only the last one may be short.
func (d ContentDescriptor) ChunkLength(index int) int {
	if index < 0 || index >= d.ChunkCount {
		return 0
	}
	offset := int64(index) * int64(d.ChunkSize)
	return int(min(int64(d.ChunkSize), d.Size-offset))
}

// Chunk is one immutable slice of content. Checksum covers the raw payload.
type Chunk struct {
	Index    int
	Payload  []byte
	Checksum string
}
