package spool

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"sendme/domain"
	"sendme/errors"
	"sync"
	"time"
)

// OutboxWorker sends every file found under root/<receiver>/ as sender.
// Delivered files move to .sent, refused or failed ones to .failed.
type OutboxWorker struct {
	log       *slog.Logger
	root      string
	sender    domain.Identity
	transfers Transfers
	interval  time.Duration

	mu       sync.Mutex
	inflight map[string]domain.SessionID
}

func NewOutboxWorker(
	log *slog.Logger,
	root string,
	sender domain.Identity,
	transfers Transfers,
	interval time.Duration,
) *OutboxWorker {
	return &OutboxWorker{
		log:       log,
		root:      root,
		sender:    sender,
		transfers: transfers,
		interval:  interval,
		inflight:  make(map[string]domain.SessionID),
	}
}

func (w *OutboxWorker) Run(ctx context.Context) error {
	w.log.Debug("Starting outbox", "root", w.root, "sender", w.sender.Participant, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping outbox")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil {
				w.log.Error("Outbox scan failed", "error", err)
			}
		}
	}
}

// Scan starts a transfer for every new file and returns the created sessions.
func (w *OutboxWorker) Scan(ctx context.Context) ([]domain.SessionID, error) {
	receivers, err := os.ReadDir(w.root)
	if stderrors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var created []domain.SessionID
	for _, r := range receivers {
		if !r.IsDir() || hidden(r.Name()) {
			continue
		}
		dir := filepath.Join(w.root, r.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			w.log.Debug("Permission denied or path error", "path", dir, "error", err)
			continue
		}
		for _, f := range files {
			if !f.Type().IsRegular() || hidden(f.Name()) {
				continue
			}
			path := filepath.Join(dir, f.Name())
			if !w.claim(path) {
				continue
			}
			id, err := w.send(ctx, domain.ParticipantID(r.Name()), path)
			if err != nil {
				w.log.Warn("Transfer not started", "path", path, "receiver", r.Name(), "error", err)
				w.release(path)
				if stderrors.Is(err, errors.ErrInvalidContent) {
					_ = moveTo(path, failedDir)
				}
				continue
			}
			created = append(created, id)
		}
	}
	return created, nil
}

func (w *OutboxWorker) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[path]; ok {
		return false
	}
	w.inflight[path] = ""
	return true
}

func (w *OutboxWorker) release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, path)
}

// send keeps the file open until its session ends, since chunks are read
// from it lazily.
func (w *OutboxWorker) send(ctx context.Context, receiver domain.ParticipantID, path string) (domain.SessionID, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return "", err
	}
	id, err := w.transfers.CreateTransfer(ctx, w.sender, receiver, info.Name(), file, info.Size())
	if err != nil {
		_ = file.Close()
		return "", err
	}
	progress, err := w.transfers.Subscribe(ctx, id)
	if err != nil {
		// The transfer still runs; the file stays open and claimed.
		w.log.Warn("Transfer started without progress", "session_id", id, "error", err)
		return id, nil
	}

	w.mu.Lock()
	w.inflight[path] = id
	w.mu.Unlock()
	w.log.Info("Sending transfer", "session_id", id, "path", path, "receiver", receiver, "size", info.Size())

	go func() {
		last := settle(progress)
		_ = file.Close()
		defer w.release(path)
		switch {
		case last.State == domain.StateCompleted:
			w.log.Info("Transfer delivered", "session_id", id, "path", path)
			w.file(path, sentDir)
		case last.Done():
			w.log.Warn("Transfer ended", "session_id", id, "state", last.State, "failure", last.Failure)
			w.file(path, failedDir)
		default:
			// Shutting down: the file is sent again on the next run.
			w.log.Debug("Transfer interrupted", "session_id", id, "path", path)
		}
	}()
	return id, nil
}

func (w *OutboxWorker) file(path, sub string) {
	if err := moveTo(path, sub); err != nil {
		w.log.Error("Failed to move sent file", "path", path, "error", err)
	}
}
