package workers

import (
	"context"
	"log/slog"
	"sendme/contract"
	"sendme/domain"
	"time"
)

// JanitorWorker periodically removes the sessions nobody touched for longer
// than the inactivity window, along with the chunks stored for them.
type JanitorWorker struct {
	log        *slog.Logger
	collector  contract.SessionCollector
	repository contract.ChunkRepository
	interval   time.Duration
	inactivity time.Duration
	now        func() time.Time
}

func NewJanitorWorker(
	log *slog.Logger,
	collector contract.SessionCollector,
	repository contract.ChunkRepository,
	interval time.Duration,
	inactivity time.Duration,
) *JanitorWorker {
	return &JanitorWorker{
		log:        log,
		collector:  collector,
		repository: repository,
		interval:   interval,
		inactivity: inactivity,
		now:        time.Now,
	}
}

func (w *JanitorWorker) Run(ctx context.Context) error {
	w.log.Debug("Starting session janitor", "interval", w.interval, "inactivity", w.inactivity)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping session janitor")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error("Session sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one collection and returns the removed sessions. Chunks of a
// removed session are deleted even when another one failed.
func (w *JanitorWorker) Sweep(ctx context.Context) ([]domain.SessionID, error) {
	removed, err := w.collector.CollectGarbage(ctx, w.now(), w.inactivity)
	for _, id := range removed {
		if err := w.repository.DeleteSession(id); err != nil {
			w.log.Error("Failed to delete chunks", "session_id", id, "error", err)
			continue
		}
		w.log.Debug("Session swept", "session_id", id)
	}
	return removed, err
}
