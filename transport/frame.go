package transport

import (
	"fmt"
	"sendme/domain"
	"sendme/errors"

	"google.golang.org/protobuf/encoding/protowire"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	// KindHello opens a round. The sender proposes a chunk size, the receiver
	// answers with the size it accepts and the chunks it already holds.
	KindHello
	// KindCommit confirms the round is committed in the directory.
	KindCommit
	KindData
	KindAck
	// KindReverify asks for specific chunks again.
	KindReverify
	// KindDone carries the digest of the assembled content.
	KindDone
	KindBye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindCommit:
		return "commit"
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindReverify:
		return "reverify"
	case KindDone:
		return "done"
	case KindBye:
		return "bye"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is the unit exchanged over a Channel. Which fields are meaningful
// depends on Kind.
type Frame struct {
	Kind       Kind
	Session    domain.SessionID
	Epoch      uint64
	ChunkSize  int
	ChunkCount int
	Acks       []byte
	Index      int
	Payload    []byte
	Checksum   string
	Compressed bool
	Indices    []int
	Digest     string
	Reason     string
}

// Bitmap rebuilds the acknowledgment bitmap carried by a Hello frame.
func (f Frame) Bitmap() (domain.Bitmap, error) {
	if f.ChunkCount == 0 && len(f.Acks) == 0 {
		return domain.Bitmap{}, nil
	}
	return domain.BitmapFromBytes(f.ChunkCount, f.Acks)
}

func (f Frame) String() string {
	switch f.Kind {
	case KindData, KindAck:
		return fmt.Sprintf("%s[%s e%d #%d]", f.Kind, f.Session, f.Epoch, f.Index)
	default:
		return fmt.Sprintf("%s[%s e%d]", f.Kind, f.Session, f.Epoch)
	}
}

const (
	fieldKind protowire.Number = iota + 1
	fieldSession
	fieldEpoch
	fieldChunkSize
	fieldChunkCount
	fieldAcks
	fieldIndex
	fieldPayload
	fieldChecksum
	fieldCompressed
	fieldIndices
	fieldDigest
	fieldReason
)

func Encode(f Frame) []byte {
	b := appendVarint(nil, fieldKind, uint64(f.Kind))
	b = appendBytes(b, fieldSession, []byte(f.Session))
	b = appendVarint(b, fieldEpoch, f.Epoch)
	b = appendVarint(b, fieldChunkSize, uint64(f.ChunkSize))
	b = appendVarint(b, fieldChunkCount, uint64(f.ChunkCount))
	b = appendBytes(b, fieldAcks, f.Acks)
	b = appendVarint(b, fieldIndex, uint64(f.Index))
	b = appendBytes(b, fieldPayload, f.Payload)
	b = appendBytes(b, fieldChecksum, []byte(f.Checksum))
	b = appendVarint(b, fieldCompressed, protowire.EncodeBool(f.Compressed))
	if len(f.Indices) > 0 {
		var packed []byte
		for _, i := range f.Indices {
			packed = protowire.AppendVarint(packed, uint64(i))
		}
		b = appendBytes(b, fieldIndices, packed)
	}
	b = appendBytes(b, fieldDigest, []byte(f.Digest))
	return appendBytes(b, fieldReason, []byte(f.Reason))
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("decode frame: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			n = m
			switch num {
			case fieldKind:
				f.Kind = Kind(v)
			case fieldEpoch:
				f.Epoch = v
			case fieldChunkSize:
				f.ChunkSize = int(v)
			case fieldChunkCount:
				f.ChunkCount = int(v)
			case fieldIndex:
				f.Index = int(v)
			case fieldCompressed:
				f.Compressed = protowire.DecodeBool(v)
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			n = m
			switch num {
			case fieldSession:
				f.Session = domain.SessionID(v)
			case fieldAcks:
				f.Acks = append([]byte(nil), v...)
			case fieldPayload:
				f.Payload = append([]byte(nil), v...)
			case fieldChecksum:
				f.Checksum = string(v)
			case fieldIndices:
				indices, err := decodePacked(v)
				if err != nil {
					return Frame{}, err
				}
				f.Indices = indices
			case fieldDigest:
				f.Digest = string(v)
			case fieldReason:
				f.Reason = string(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Frame{}, fmt.Errorf("decode frame field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if f.Kind == KindUnknown || f.Kind > KindBye {
		return Frame{}, fmt.Errorf("%w: %d", errors.ErrUnknownFrame, f.Kind)
	}
	return f, nil
}

func decodePacked(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("decode indices: %w", protowire.ParseError(n))
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
