//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"sendme/domain"
	"time"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
	Wait()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// SessionDirectory is the shared synchronization store as the engine sees it.
type SessionDirectory interface {
	Create(ctx context.Context, s domain.Session) (domain.Session, error)
	Get(ctx context.Context, id domain.SessionID) (domain.Session, error)
	Update(ctx context.Context, id domain.SessionID, mutate func(domain.Session) (domain.Session, bool, error)) (domain.Session, error)
	Watch(ctx context.Context, id domain.SessionID) (<-chan domain.Session, error)
	Heartbeat(ctx context.Context, id domain.SessionID, participant domain.ParticipantID, ttl time.Duration) error
	Presence(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) (domain.Presence, error)
}

// ChunkRepository holds the chunks a receiver verified.
type ChunkRepository interface {
	Put(id domain.SessionID, c domain.Chunk) error
	Load(id domain.SessionID) ([]domain.Chunk, error)
	Held(id domain.SessionID, count int) (domain.Bitmap, error)
	Drop(id domain.SessionID, indices []int) error
	DeleteSession(id domain.SessionID) error
}

// Notifier delivers push notifications. Delivery failures are never fatal.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// SessionCollector removes the sessions nobody touched for a while.
type SessionCollector interface {
	CollectGarbage(ctx context.Context, now time.Time, inactivity time.Duration) ([]domain.SessionID, error)
}
