package domain

import (
	"sendme/domain/mimetypes"
	"sendme/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, size int64, chunkSize int) Session {
	t.Helper()
	d, err := NewContentDescriptor("photo.jpg", size, chunkSize, testDigest, mimetypes.ImageJPEG)
	require.NoError(t, err)
	s, err := NewSession("s-1", "alice", d, DefaultLimits, t0)
	require.NoError(t, err)
	return s
}

func mustApply(t *testing.T, s Session, evt Event) Session {
	t.Helper()
	next, _, err := s.Apply(evt, t0.Add(time.Second))
	require.NoError(t, err)
	return next
}

func transferring(t *testing.T, size int64, chunkSize int) Session {
	t.Helper()
	s := newTestSession(t, size, chunkSize)
	s = mustApply(t, s, Joined{Participant: "bob", Endpoint: "bufnet"})
	return mustApply(t, s, Committed{Epoch: s.Epoch, ChunkSize: chunkSize, Acks: NewBitmap(s.Content.ChunkCount)})
}

func TestNewSession(t *testing.T) {
	req := require.New(t)
	s := newTestSession(t, 10_000, 4096)

	req.Equal(StateCreated, s.State)
	req.Equal(3, s.Acks.Len())
	req.Equal(uint64(0), s.Epoch)

	_, err := NewSession("s-2", "", s.Content, DefaultLimits, t0)
	req.ErrorIs(err, errors.ErrInvalidContent)
}

func TestSession_Join(t *testing.T) {
	req := require.New(t)
	s := newTestSession(t, 10_000, 4096)

	// When bob joins
	joined, changed, err := s.Apply(Joined{Participant: "bob", Endpoint: "127.0.0.1:7000"}, t0)

	// Then the session negotiates its first round
	req.NoError(err)
	req.True(changed)
	req.Equal(StateNegotiating, joined.State)
	req.Equal(ParticipantID("bob"), joined.Receiver)
	req.Equal(uint64(1), joined.Epoch)
	req.Equal(StateCreated, s.State, "Apply must not mutate its receiver")

	// And a replayed join is a no-op
	_, changed, err = joined.Apply(Joined{Participant: "bob"}, t0)
	req.NoError(err)
	req.False(changed)

	// And a second receiver is refused
	_, _, err = joined.Apply(Joined{Participant: "carol"}, t0)
	req.ErrorIs(err, errors.ErrSessionClosed)

	// And the sender cannot join its own session
	_, _, err = s.Apply(Joined{Participant: "alice"}, t0)
	req.ErrorIs(err, errors.ErrInvalidTransition)
}

func TestSession_Join_ReservedForInvitee(t *testing.T) {
	req := require.New(t)
	s := newTestSession(t, 10_000, 4096)
	s.Invitee = "bob"

	// When carol tries to take a session meant for bob
	_, _, err := s.Apply(Joined{Participant: "carol"}, t0)

	// Then the join is refused and bob can still join
	req.ErrorIs(err, errors.ErrSessionClosed)
	joined, changed, err := s.Apply(Joined{Participant: "bob"}, t0)
	req.NoError(err)
	req.True(changed)
	req.Equal(ParticipantID("bob"), joined.Receiver)
}

func TestSession_ChunkAcked_ReplayIsIdempotent(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 10_000, 4096)

	// Given chunk 0 acknowledged once
	once := mustApply(t, s, ChunkAcked{Index: 0})

	// When the store redelivers the same acknowledgment
	twice, changed, err := once.Apply(ChunkAcked{Index: 0}, t0.Add(time.Minute))

	// Then nothing changes beyond the first application
	req.NoError(err)
	req.False(changed)
	req.True(twice.Acks.Equal(once.Acks))
	req.Equal(once.LastActivity, twice.LastActivity)
}

func TestSession_ScenarioTenThousandBytes(t *testing.T) {
	req := require.New(t)

	// Given 10,000 bytes at 4,096 per chunk
	s := transferring(t, 10_000, 4096)
	req.Equal(3, s.Content.ChunkCount)

	// When indices 0 and 2 are acknowledged
	s = mustApply(t, s, ChunkAcked{Index: 0})
	s = mustApply(t, s, ChunkAcked{Index: 2})

	// Then only index 1 remains to transmit
	req.Equal([]int{1}, s.Acks.Missing())
	req.Equal(66, s.Percent())
}

func TestSession_ChannelLost(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 20*1024, 1024)
	for i := 0; i < 5; i++ {
		s = mustApply(t, s, ChunkAcked{Index: i})
	}
	epoch := s.Epoch

	// When both participants report the loss of the same channel
	lost := mustApply(t, s, ChannelLost{Epoch: epoch})
	again, changed, err := lost.Apply(ChannelLost{Epoch: epoch}, t0)

	// Then the retry budget is consumed exactly once
	req.NoError(err)
	req.False(changed)
	req.Equal(StateNegotiating, again.State)
	req.Equal(1, again.Retries)
	req.Equal(epoch+1, again.Epoch)
	req.Equal(5, again.Acks.Count())
}

func TestSession_ChannelLost_ExhaustsRetries(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 4096, 1024)
	s.Limits.MaxRetries = 1

	s = mustApply(t, s, ChannelLost{Epoch: s.Epoch})
	req.Equal(StateNegotiating, s.State)

	s = mustApply(t, s, ChannelLost{Epoch: s.Epoch})
	req.Equal(StateFailed, s.State)
	req.NotEmpty(s.Failure)
}

func TestSession_PauseResume_KeepsAcknowledgedChunks(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 8*1024, 1024)
	s = mustApply(t, s, ChunkAcked{Index: 0})
	s = mustApply(t, s, ChunkAcked{Index: 3})
	atPause := s.Acks.Clone()

	// When bob pauses then resumes
	s = mustApply(t, s, Paused{By: "bob", Epoch: s.Epoch})
	req.Equal(StatePaused, s.State)
	resumedEpoch := s.Epoch
	s = mustApply(t, s, Resumed{By: "bob", Epoch: resumedEpoch})

	// Then the session renegotiates instead of jumping back to Transferring
	req.Equal(StateNegotiating, s.State)

	// And a replayed Resumed or Paused from the old round is stale
	_, changed, err := s.Apply(Resumed{By: "bob", Epoch: resumedEpoch}, t0)
	req.NoError(err)
	req.False(changed)
	_, changed, err = s.Apply(Paused{By: "bob", Epoch: resumedEpoch}, t0)
	req.NoError(err)
	req.False(changed)

	// When the receiver reports what it holds
	reported := NewBitmap(8)
	reported.Set(0)
	reported.Set(3)
	reported.Set(4)
	s = mustApply(t, s, Committed{Epoch: s.Epoch, ChunkSize: 1024, Acks: reported})

	// Then the bitmap is a superset of the one at pause time
	req.Equal(StateTransferring, s.State)
	req.True(s.Acks.Contains(atPause))
	req.Equal(3, s.Acks.Count())
}

func TestSession_PauseResume_OnlyByParticipants(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 10_000, 4096)

	// When someone outside the session tries to pause it
	for _, by := range []ParticipantID{"mallory", ""} {
		next, changed, err := s.Apply(Paused{By: by, Epoch: s.Epoch}, t0)

		// Then the session keeps transferring
		req.ErrorIs(err, errors.ErrInvalidTransition)
		req.False(changed)
		req.Equal(StateTransferring, next.State)
	}

	// Given the receiver paused it
	s = mustApply(t, s, Paused{By: "bob", Epoch: s.Epoch})

	// Then only a participant can resume it
	_, _, err := s.Apply(Resumed{By: "mallory", Epoch: s.Epoch}, t0)
	req.ErrorIs(err, errors.ErrInvalidTransition)
	s = mustApply(t, s, Resumed{By: "alice", Epoch: s.Epoch})
	req.Equal(StateNegotiating, s.State)
}

func TestSession_Member(t *testing.T) {
	req := require.New(t)
	s := newTestSession(t, 10_000, 4096)

	// Given nobody joined yet
	req.True(s.Member("alice"))
	req.False(s.Member("bob"))
	req.False(s.Member(""))

	// When bob joins
	s = mustApply(t, s, Joined{Participant: "bob", Endpoint: "bufnet"})

	// Then both are members and still nobody else
	req.True(s.Member("bob"))
	req.False(s.Member("mallory"))
	req.False(s.Member(""))
}

func TestSession_Committed_NegotiatesChunkSize(t *testing.T) {
	req := require.New(t)
	s := newTestSession(t, 10_000, 4096)
	s = mustApply(t, s, Joined{Participant: "bob"})

	// When the receiver commits a smaller chunk size on a fresh transfer
	s = mustApply(t, s, Committed{Epoch: s.Epoch, ChunkSize: 1000})

	// Then the content is re-cut
	req.Equal(10, s.Content.ChunkCount)
	req.Equal(10, s.Acks.Len())

	// And the chunk size is fixed once anything has been acknowledged
	s = mustApply(t, s, ChunkAcked{Index: 1})
	s = mustApply(t, s, ChannelLost{Epoch: s.Epoch})
	_, _, err := s.Apply(Committed{Epoch: s.Epoch, ChunkSize: 2000}, t0)
	req.ErrorIs(err, errors.ErrInvalidTransition)
}

func TestSession_Committed_StaleEpoch(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 4096, 1024)

	_, changed, err := s.Apply(Committed{Epoch: s.Epoch, ChunkSize: 1024}, t0)
	req.NoError(err)
	req.False(changed)

	_, _, err = s.Apply(Committed{Epoch: s.Epoch + 1, ChunkSize: 1024}, t0)
	req.ErrorIs(err, errors.ErrInvalidTransition)
}

func TestSession_Completed(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 3000, 1024)

	// Then completion is refused before every chunk is acknowledged
	_, _, err := s.Apply(Completed{Digest: testDigest}, t0)
	req.ErrorIs(err, errors.ErrInvalidTransition)

	for i := 0; i < 3; i++ {
		s = mustApply(t, s, ChunkAcked{Index: i})
	}
	req.Equal(99, s.Percent())

	// And refused on a diverging digest
	_, _, err = s.Apply(Completed{Digest: "ff"}, t0)
	req.ErrorIs(err, errors.ErrInvalidTransition)

	done := mustApply(t, s, Completed{Digest: testDigest})
	req.Equal(StateCompleted, done.State)
	req.Equal(100, done.Percent())

	// And the terminal state absorbs replays but nothing else
	_, changed, err := done.Apply(Completed{Digest: testDigest}, t0)
	req.NoError(err)
	req.False(changed)
	_, changed, err = done.Apply(ChunkAcked{Index: 1}, t0)
	req.NoError(err)
	req.False(changed)
	_, _, err = done.Apply(Cancelled{By: "bob"}, t0)
	req.ErrorIs(err, errors.ErrSessionClosed)
}

func TestSession_VerificationFailed(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 3000, 1024)
	for i := 0; i < 3; i++ {
		s = mustApply(t, s, ChunkAcked{Index: i})
	}

	// When the first assembly pass finds chunk 1 corrupt
	s = mustApply(t, s, VerificationFailed{Pass: 1, Indices: []int{1}})

	// Then only chunk 1 is requested again
	req.Equal(StateTransferring, s.State)
	req.Equal([]int{1}, s.Acks.Missing())

	// And a replay does not clear anything else
	_, changed, err := s.Apply(VerificationFailed{Pass: 1, Indices: []int{0}}, t0)
	req.NoError(err)
	req.False(changed)

	// When corruption persists past the bound
	s = mustApply(t, s, ChunkAcked{Index: 1})
	s = mustApply(t, s, VerificationFailed{Pass: 2, Indices: []int{1}})
	s = mustApply(t, s, ChunkAcked{Index: 1})
	s = mustApply(t, s, VerificationFailed{Pass: 3, Indices: []int{1}})

	// Then the session fails
	req.Equal(StateFailed, s.State)
}

func TestSession_Cancelled(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 3000, 1024)

	cancelled := mustApply(t, s, Cancelled{By: "alice"})
	req.Equal(StateCancelled, cancelled.State)

	_, changed, err := cancelled.Apply(Cancelled{By: "bob"}, t0)
	req.NoError(err)
	req.False(changed)

	_, _, err = cancelled.Apply(ChunkAcked{Index: 0}, t0)
	req.ErrorIs(err, errors.ErrSessionClosed)
	_, _, err = cancelled.Apply(Joined{Participant: "bob"}, t0)
	req.ErrorIs(err, errors.ErrSessionClosed)
}

func TestSession_Counterpart(t *testing.T) {
	req := require.New(t)
	s := transferring(t, 3000, 1024)

	req.Equal(ParticipantID("bob"), s.Counterpart("alice"))
	req.Equal(ParticipantID("alice"), s.Counterpart("bob"))
	req.Equal(ParticipantID(""), s.Counterpart("mallory"))
}

func TestPresence_Alive(t *testing.T) {
	req := require.New(t)
	p := Presence{Participant: "bob", Session: "s-1", LastHeartbeat: t0}

	req.True(p.Alive(t0.Add(5*time.Second), 10*time.Second))
	req.False(p.Alive(t0.Add(11*time.Second), 10*time.Second))
	req.False(Presence{}.Alive(t0, time.Hour))
}
