package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sendme/domain"
	"sendme/mocks"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestJanitorWorker_Sweep(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	collector := mocks.NewMockSessionCollector(ctrl)
	repository := mocks.NewMockChunkRepository(ctrl)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Given two stale sessions, the chunks of the first one failing to delete
	collector.EXPECT().CollectGarbage(gomock.Any(), now, time.Hour).
		Return([]domain.SessionID{"s-1", "s-2"}, nil)
	repository.EXPECT().DeleteSession(domain.SessionID("s-1")).Return(fmt.Errorf("disk full"))
	repository.EXPECT().DeleteSession(domain.SessionID("s-2")).Return(nil)

	worker := NewJanitorWorker(log, collector, repository, time.Minute, time.Hour)
	worker.now = func() time.Time { return now }

	// When a sweep runs
	removed, err := worker.Sweep(context.Background())

	// Then both sessions are reported and every chunk deletion was attempted
	req.NoError(err)
	req.Equal([]domain.SessionID{"s-1", "s-2"}, removed)
}

func TestJanitorWorker_RunSweepsPeriodically(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	collector := mocks.NewMockSessionCollector(ctrl)
	repository := mocks.NewMockChunkRepository(ctrl)

	swept := make(chan struct{}, 1)
	collector.EXPECT().CollectGarbage(gomock.Any(), gomock.Any(), time.Hour).
		DoAndReturn(func(context.Context, time.Time, time.Duration) ([]domain.SessionID, error) {
			select {
			case swept <- struct{}{}:
			default:
			}
			return nil, nil
		}).
		MinTimes(1)

	worker := NewJanitorWorker(log, collector, repository, 10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	select {
	case <-swept:
	case <-time.After(time.Second):
		req.Fail("janitor never swept")
	}
	cancel()
	req.ErrorIs(<-done, context.Canceled)
}
