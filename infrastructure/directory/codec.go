package directory

import (
	"fmt"
	"sendme/domain"
	"sendme/domain/mimetypes"
	"sendme/errors"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// schemaVersion is written in every document. Readers refuse newer documents.
const schemaVersion = 1

const (
	fieldSchema protowire.Number = iota + 1
	fieldID
	fieldVersion
	fieldSender
	fieldReceiver
	fieldContent
	fieldState
	fieldAcks
	fieldEpoch
	fieldRetries
	fieldPasses
	fieldMaxRetries
	fieldMaxVerifyPasses
	fieldEndpoint
	fieldPausedBy
	fieldFailure
	fieldCreatedAt
	fieldLastActivity
	fieldInvitee
)

const (
	contentName protowire.Number = iota + 1
	contentSize
	contentChunkSize
	contentChunkCount
	contentDigest
	contentMime
)

const (
	presenceParticipant protowire.Number = iota + 1
	presenceSession
	presenceHeartbeat
)

func encodeSession(s domain.Session) []byte {
	b := appendVarint(nil, fieldSchema, schemaVersion)
	b = appendString(b, fieldID, string(s.ID))
	b = appendVarint(b, fieldVersion, s.Version)
	b = appendString(b, fieldSender, string(s.Sender))
	b = appendString(b, fieldReceiver, string(s.Receiver))
	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeContent(s.Content))
	b = appendVarint(b, fieldState, uint64(s.State))
	b = protowire.AppendTag(b, fieldAcks, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Acks.Bytes())
	b = appendVarint(b, fieldEpoch, s.Epoch)
	b = appendVarint(b, fieldRetries, uint64(s.Retries))
	b = appendVarint(b, fieldPasses, uint64(s.Passes))
	b = appendVarint(b, fieldMaxRetries, uint64(s.Limits.MaxRetries))
	b = appendVarint(b, fieldMaxVerifyPasses, uint64(s.Limits.MaxVerifyPasses))
	b = appendString(b, fieldEndpoint, s.Endpoint)
	b = appendString(b, fieldPausedBy, string(s.PausedBy))
	b = appendString(b, fieldFailure, s.Failure)
	b = appendTime(b, fieldCreatedAt, s.CreatedAt)
	b = appendTime(b, fieldLastActivity, s.LastActivity)
	b = appendString(b, fieldInvitee, string(s.Invitee))
	return b
}

func encodeContent(c domain.ContentDescriptor) []byte {
	b := appendString(nil, contentName, c.Name)
	b = appendVarint(b, contentSize, uint64(c.Size))
	b = appendVarint(b, contentChunkSize, uint64(c.ChunkSize))
	b = appendVarint(b, contentChunkCount, uint64(c.ChunkCount))
	b = appendString(b, contentDigest, c.Digest)
	b = appendString(b, contentMime, string(c.MimeType))
	return b
}

// DecodeSession reads a stored session document, for inspection tools.
func DecodeSession(b []byte) (domain.Session, error) {
	return decodeSession(b)
}

func decodeSession(b []byte) (domain.Session, error) {
	var (
		s    domain.Session
		acks []byte
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			c, err := decodeContent(v)
			s.Content = c
			return n, err
		case num == fieldAcks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			acks = append([]byte(nil), v...)
			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			switch num {
			case fieldID:
				s.ID = domain.SessionID(v)
			case fieldSender:
				s.Sender = domain.ParticipantID(v)
			case fieldReceiver:
				s.Receiver = domain.ParticipantID(v)
			case fieldInvitee:
				s.Invitee = domain.ParticipantID(v)
			case fieldEndpoint:
				s.Endpoint = string(v)
			case fieldPausedBy:
				s.PausedBy = domain.ParticipantID(v)
			case fieldFailure:
				s.Failure = string(v)
			}
			return n, nil
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case fieldSchema:
				if v > schemaVersion {
					return n, fmt.Errorf("%w: schema version %d is newer than %d", errors.ErrInvalidDocument, v, schemaVersion)
				}
			case fieldVersion:
				s.Version = v
			case fieldState:
				s.State = domain.State(v)
			case fieldEpoch:
				s.Epoch = v
			case fieldRetries:
				s.Retries = int(v)
			case fieldPasses:
				s.Passes = int(v)
			case fieldMaxRetries:
				s.Limits.MaxRetries = int(v)
			case fieldMaxVerifyPasses:
				s.Limits.MaxVerifyPasses = int(v)
			case fieldCreatedAt:
				s.CreatedAt = fromNanos(v)
			case fieldLastActivity:
				s.LastActivity = fromNanos(v)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return domain.Session{}, err
	}
	bitmap, err := domain.BitmapFromBytes(s.Content.ChunkCount, acks)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: session %s: %v", errors.ErrInvalidDocument, s.ID, err)
	}
	s.Acks = bitmap
	return s, nil
}

func decodeContent(b []byte) (domain.ContentDescriptor, error) {
	var c domain.ContentDescriptor
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			switch num {
			case contentName:
				c.Name = string(v)
			case contentDigest:
				c.Digest = string(v)
			case contentMime:
				c.MimeType = mimetypes.MIME(v)
			}
			return n, nil
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case contentSize:
				c.Size = int64(v)
			case contentChunkSize:
				c.ChunkSize = int(v)
			case contentChunkCount:
				c.ChunkCount = int(v)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return c, err
}

func encodePresence(p domain.Presence) []byte {
	b := appendString(nil, presenceParticipant, string(p.Participant))
	b = appendString(b, presenceSession, string(p.Session))
	return appendTime(b, presenceHeartbeat, p.LastHeartbeat)
}

func decodePresence(b []byte) (domain.Presence, error) {
	var p domain.Presence
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			switch num {
			case presenceParticipant:
				p.Participant = domain.ParticipantID(v)
			case presenceSession:
				p.Session = domain.SessionID(v)
			}
			return n, nil
		case typ == protowire.VarintType && num == presenceHeartbeat:
			v, n := protowire.ConsumeVarint(b)
			p.LastHeartbeat = fromNanos(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return p, err
}

// consumeFields walks a message, handing each field body to fn.
// fn returns the number of bytes it consumed, negative on a malformed value.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errors.ErrInvalidDocument, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", errors.ErrInvalidDocument, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

func fromNanos(v uint64) time.Time {
	return time.Unix(0, int64(v)).UTC()
}
