package workers

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sendme/contract"
	"sendme/domain"
	"sendme/errors"
	"time"
)

// HeartbeatWorker keeps the presence record of one participant alive for as
// long as the session it takes part in is open.
type HeartbeatWorker struct {
	log         *slog.Logger
	directory   contract.SessionDirectory
	session     domain.SessionID
	participant domain.ParticipantID
	every       time.Duration
	ttl         time.Duration
}

func NewHeartbeatWorker(
	log *slog.Logger,
	directory contract.SessionDirectory,
	session domain.SessionID,
	participant domain.ParticipantID,
	every time.Duration,
	ttl time.Duration,
) *HeartbeatWorker {
	return &HeartbeatWorker{
		log:         log,
		directory:   directory,
		session:     session,
		participant: participant,
		every:       every,
		ttl:         ttl,
	}
}

// Run beats once right away, then every interval, and returns nil once the
// session is over or gone.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Debug("Starting presence heartbeat", "session_id", w.session, "participant", w.participant)
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		done, err := w.beat(ctx)
		if err != nil {
			return err
		}
		if done {
			w.log.Debug("Presence heartbeat finished", "session_id", w.session, "participant", w.participant)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *HeartbeatWorker) beat(ctx context.Context) (bool, error) {
	s, err := w.directory.Get(ctx, w.session)
	if stderrors.Is(err, errors.ErrSessionNotFound) {
		return true, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		w.log.Warn("Session unreadable for heartbeat", "session_id", w.session, "error", err)
		return false, nil
	}
	if s.State.IsTerminal() {
		return true, nil
	}
	if err := w.directory.Heartbeat(ctx, w.session, w.participant, w.ttl); err != nil {
		w.log.Warn("Heartbeat not recorded", "session_id", w.session, "participant", w.participant, "error", err)
	}
	return false, nil
}
