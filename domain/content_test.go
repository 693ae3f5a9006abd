package domain

import (
	"sendme/domain/mimetypes"
	"sendme/errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testDigest = strings.Repeat("ab", 32)

func TestChunkCount(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int
		want      int
		wantErr   bool
	}{
		{"Exact multiple", 8192, 4096, 2, false},
		{"Short last chunk", 10_000, 4096, 3, false},
		{"Single byte", 1, 4096, 1, false},
		{"Chunk larger than content", 10, 4096, 1, false},
		{"Zero size", 0, 4096, 0, true},
		{"Zero chunk size", 10, 0, 0, true},
		{"Negative chunk size", 10, -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ChunkCount(tt.size, tt.chunkSize)
			if tt.wantErr {
				require.ErrorIs(t, err, errors.ErrInvalidContent)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestContentDescriptor_ChunkLength(t *testing.T) {
	req := require.New(t)

	// Given 10,000 bytes cut at 4,096
	d, err := NewContentDescriptor("report.bin", 10_000, 4096, testDigest, mimetypes.OctetStream)
	req.NoError(err)

	// Then there are 3 chunks, the last one short
	req.Equal(3, d.ChunkCount)
	req.Equal(4096, d.ChunkLength(0))
	req.Equal(4096, d.ChunkLength(1))
	req.Equal(1808, d.ChunkLength(2))
	req.Equal(0, d.ChunkLength(3))
}

func TestContentDescriptor_Validate(t *testing.T) {
	req := require.New(t)

	_, err := NewContentDescriptor("empty.txt", 0, 4096, testDigest, mimetypes.TextPlain)
	req.ErrorIs(err, errors.ErrInvalidContent)

	_, err = NewContentDescriptor("", 10, 4096, testDigest, mimetypes.TextPlain)
	req.ErrorIs(err, errors.ErrInvalidContent)

	_, err = NewContentDescriptor("a.txt", 10, 4096, "not-a-digest", mimetypes.TextPlain)
	req.ErrorIs(err, errors.ErrInvalidContent)

	d, err := NewContentDescriptor("a.txt", 10, 4096, testDigest, mimetypes.TextPlain)
	req.NoError(err)
	d.ChunkCount = 2
	req.ErrorIs(d.Validate(), errors.ErrInvalidContent)
}

func TestContentDescriptor_WithChunkSize(t *testing.T) {
	req := require.New(t)
	d, err := NewContentDescriptor("a.bin", 10_000, 4096, testDigest, mimetypes.OctetStream)
	req.NoError(err)

	resized, err := d.WithChunkSize(1000)

	req.NoError(err)
	req.Equal(10, resized.ChunkCount)
	req.Equal(3, d.ChunkCount)
}
