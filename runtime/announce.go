package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sendme/contract"
	"sendme/domain"
	"time"

	"github.com/jonboulle/clockwork"
)

const notifyTimeout = 10 * time.Second

// announcer pushes a notification to the counterpart of a participant when
// the session starts a negotiation round or completes while the counterpart
// is not heartbeating. Delivery is fire-and-forget.
type announcer struct {
	log       *slog.Logger
	directory contract.SessionDirectory
	notifier  contract.Notifier
	clock     clockwork.Clock
	timeout   time.Duration
}

func (a *announcer) observe(ctx context.Context, prev, next domain.Session, self domain.ParticipantID) {
	if a == nil || a.notifier == nil {
		return
	}
	var notification domain.Notification
	switch {
	case next.State == domain.StateNegotiating && (prev.State != domain.StateNegotiating || prev.Epoch != next.Epoch):
		notification = negotiatingNotification(next, self)
	case next.State == domain.StateCompleted && prev.State != domain.StateCompleted:
		notification = completedNotification(next, self)
	default:
		return
	}
	if notification.To == "" {
		return
	}

	presence, err := a.directory.Presence(ctx, next.ID, notification.To)
	if err != nil {
		a.log.Debug("Presence lookup failed", "session_id", next.ID, "participant", notification.To, "error", err)
		return
	}
	if presence.Alive(a.clock.Now(), a.timeout) {
		return
	}

	go func() {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := a.notifier.Notify(notifyCtx, notification); err != nil {
			a.log.Warn("Push notification not delivered",
				"session_id", notification.SessionID,
				"to", notification.To,
				"error", err)
			return
		}
		a.log.Debug("Push notification delivered", "session_id", notification.SessionID, "to", notification.To)
	}()
}

func negotiatingNotification(s domain.Session, self domain.ParticipantID) domain.Notification {
	n := domain.Notification{
		To:             s.Counterpart(self),
		SessionID:      s.ID,
		SenderUsername: string(s.Sender),
	}
	if n.To == s.Receiver {
		n.Title = "Incoming transfer"
		n.Body = fmt.Sprintf("%s wants to send you %s", s.Sender, s.Content.Name)
	} else {
		n.Title = "Transfer accepted"
		n.Body = fmt.Sprintf("%s is ready to receive %s", s.Receiver, s.Content.Name)
	}
	return n
}

func completedNotification(s domain.Session, self domain.ParticipantID) domain.Notification {
	return domain.Notification{
		To:             s.Counterpart(self),
		Title:          "Transfer complete",
		Body:           fmt.Sprintf("%s was delivered", s.Content.Name),
		SessionID:      s.ID,
		SenderUsername: string(s.Sender),
	}
}
