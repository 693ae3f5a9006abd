package chunk

import (
	"bytes"
	"fmt"
	"io"
	"sendme/domain/mimetypes"
	"sendme/errors"

	"github.com/pierrec/lz4/v4"
)

// ShouldCompress reports whether payloads of the given type go through lz4 on the wire.
func ShouldCompress(m mimetypes.MIME) bool {
	return mimetypes.Compressible(m)
}

func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress expands data, refusing output larger than limit bytes.
func Decompress(data []byte, limit int) ([]byte, error) {
	var buf bytes.Buffer
	r := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(limit)+1)
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if buf.Len() > limit {
		return nil, fmt.Errorf("%w: payload expands beyond %d bytes", errors.ErrCorruptChunk, limit)
	}
	return buf.Bytes(), nil
}
