package domain

type EventType string

const (
	JoinedType             EventType = "joined"
	CommittedType          EventType = "committed"
	ChunkAckedType         EventType = "chunk_acked"
	AcksMergedType         EventType = "acks_merged"
	ChannelLostType        EventType = "channel_lost"
	PausedType             EventType = "paused"
	ResumedType            EventType = "resumed"
	VerificationFailedType EventType = "verification_failed"
	CompletedType          EventType = "completed"
	CancelledType          EventType = "cancelled"
	FailedType             EventType = "failed"
)

// Event is an input to Session.Apply. Events carrying an Epoch or Pass are
// bound to one negotiation round, so a redelivered copy is recognised as stale.
type Event interface {
	Type() EventType
}

type Joined struct {
	Participant ParticipantID
	Endpoint    string
}

// Committed closes a negotiation round: both sides agreed on ChunkSize and the
// receiver reported the chunks it already holds.
type Committed struct {
	Epoch     uint64
	ChunkSize int
	Acks      Bitmap
}

type ChunkAcked struct {
	Index int
}

type AcksMerged struct {
	Acks Bitmap
}

type ChannelLost struct {
	Epoch uint64
}

type Paused struct {
	By    ParticipantID
	Epoch uint64
}

type Resumed struct {
	By    ParticipantID
	Epoch uint64
}

type VerificationFailed struct {
	Pass    int
	Indices []int
}

type Completed struct {
	Digest string
}

type Cancelled struct {
	By ParticipantID
}

type Failed struct {
	Reason string
}

func (Joined) Type() EventType             { return JoinedType }
func (Committed) Type() EventType          { return CommittedType }
func (ChunkAcked) Type() EventType         { return ChunkAckedType }
func (AcksMerged) Type() EventType         { return AcksMergedType }
func (ChannelLost) Type() EventType        { return ChannelLostType }
func (Paused) Type() EventType             { return PausedType }
func (Resumed) Type() EventType            { return ResumedType }
func (VerificationFailed) Type() EventType { return VerificationFailedType }
func (Completed) Type() EventType          { return CompletedType }
func (Cancelled) Type() EventType          { return CancelledType }
func (Failed) Type() EventType             { return FailedType }
