package spool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sendme/domain"
	"sync"
	"time"
)

// InboxWorker accepts every transfer still waiting for its invitee and
// writes the verified content to root/<invitee>/.
type InboxWorker struct {
	log        *slog.Logger
	root       string
	sessions   SessionLister
	transfers  Transfers
	identities Identities
	interval   time.Duration

	mu   sync.Mutex
	seen map[domain.SessionID]struct{}
}

func NewInboxWorker(
	log *slog.Logger,
	root string,
	sessions SessionLister,
	transfers Transfers,
	identities Identities,
	interval time.Duration,
) *InboxWorker {
	return &InboxWorker{
		log:        log,
		root:       root,
		sessions:   sessions,
		transfers:  transfers,
		identities: identities,
		interval:   interval,
		seen:       make(map[domain.SessionID]struct{}),
	}
}

func (w *InboxWorker) Run(ctx context.Context) error {
	w.log.Debug("Starting inbox", "root", w.root, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping inbox")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil {
				w.log.Error("Inbox scan failed", "error", err)
			}
		}
	}
}

// Scan accepts the sessions nobody joined yet and returns their ids. A
// session is tried once; a refused one is not retried.
func (w *InboxWorker) Scan(ctx context.Context) ([]domain.SessionID, error) {
	sessions, err := w.sessions.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var accepted []domain.SessionID
	for _, s := range sessions {
		if s.State != domain.StateCreated || s.Invitee == "" || !w.claim(s.ID) {
			continue
		}
		if err := w.accept(ctx, s); err != nil {
			w.log.Warn("Transfer not accepted", "session_id", s.ID, "invitee", s.Invitee, "error", err)
			continue
		}
		accepted = append(accepted, s.ID)
	}
	return accepted, nil
}

func (w *InboxWorker) claim(id domain.SessionID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	return true
}

func (w *InboxWorker) accept(ctx context.Context, s domain.Session) error {
	identity, err := w.identities.Identity(s.Invitee)
	if err != nil {
		return err
	}
	dir := filepath.Join(w.root, string(s.Invitee))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("inbox directory: %w", err)
	}
	path := filepath.Join(dir, localName(s.ID, s.Content.Name))
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("inbox file: %w", err)
	}

	progress, err := w.transfers.AcceptTransfer(ctx, s.ID, identity, out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return err
	}
	w.log.Info("Receiving transfer",
		"session_id", s.ID,
		"from", s.Sender,
		"to", s.Invitee,
		"path", path,
		"size", s.Content.Size)

	go func() {
		last := settle(progress)
		if err := out.Close(); err != nil {
			w.log.Error("Failed to close received file", "path", path, "error", err)
		}
		if last.State == domain.StateCompleted {
			w.log.Info("Transfer received", "session_id", s.ID, "path", path)
			return
		}
		// Content is only written once verified, so anything else leaves an empty file.
		_ = os.Remove(path)
		w.log.Warn("Transfer not received", "session_id", s.ID, "state", last.State, "failure", last.Failure)
	}()
	return nil
}
