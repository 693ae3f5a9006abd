// Package directory keeps session records and participant presence in badger.
// Every write goes through a versioned compare-and-swap.
package directory

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sendme/domain"
	"sendme/errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

const (
	sessionPrefix  = "session:"
	presencePrefix = "presence:"

	defaultResyncInterval = time.Second
)

func sessionKey(id domain.SessionID) []byte {
	return []byte(sessionPrefix + string(id))
}

func presenceKey(id domain.SessionID, p domain.ParticipantID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", presencePrefix, id, p))
}

func presenceSessionPrefix(id domain.SessionID) []byte {
	return []byte(fmt.Sprintf("%s%s:", presencePrefix, id))
}

type Directory struct {
	db     *badger.DB
	log    *slog.Logger
	now    func() time.Time
	resync time.Duration
}

type Option func(*Directory)

// WithClock replaces the wall clock used to stamp heartbeats.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithResyncInterval sets how often a watch re-reads its record in case a
// change notification was missed.
func WithResyncInterval(interval time.Duration) Option {
	return func(d *Directory) { d.resync = interval }
}

func NewDirectory(db *badger.DB, log *slog.Logger, opts ...Option) *Directory {
	d := &Directory{
		db:     db,
		log:    log,
		now:    time.Now,
		resync: defaultResyncInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create stores a new session at version 1.
func (d *Directory) Create(ctx context.Context, s domain.Session) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	s = s.Clone()
	s.Version = 1
	err := d.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey(s.ID))
		switch {
		case err == nil:
			return fmt.Errorf("%w: session %s already exists", errors.ErrDirectoryConflict, s.ID)
		case !stderrors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(sessionKey(s.ID), encodeSession(s))
	})
	if err != nil {
		return domain.Session{}, translate(err)
	}
	d.log.Debug("session created", "session_id", s.ID, "sender", s.Sender, "chunks", s.Content.ChunkCount)
	return s, nil
}

func (d *Directory) Get(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	var s domain.Session
	err := d.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = getSession(txn, id)
		return err
	})
	return s, err
}

// CompareAndSwap stores next only if the stored version still equals expected.
// It returns the stored session, whose version is expected+1.
func (d *Directory) CompareAndSwap(ctx context.Context, id domain.SessionID, expected uint64, next domain.Session) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	next = next.Clone()
	next.ID = id
	next.Version = expected + 1
	err := d.db.Update(func(txn *badger.Txn) error {
		current, err := getSession(txn, id)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return fmt.Errorf("%w: session %s is at version %d, expected %d",
				errors.ErrDirectoryConflict, id, current.Version, expected)
		}
		return txn.Set(sessionKey(id), encodeSession(next))
	})
	if err != nil {
		return domain.Session{}, translate(err)
	}
	return next, nil
}

// Update re-reads and retries mutate until its result is stored without
// conflict. mutate derives the next session from the current one and reports
// false when there is nothing to write.
func (d *Directory) Update(ctx context.Context, id domain.SessionID, mutate func(domain.Session) (domain.Session, bool, error)) (domain.Session, error) {
	for attempt := 1; ; attempt++ {
		current, err := d.Get(ctx, id)
		if err != nil {
			return domain.Session{}, err
		}
		next, changed, err := mutate(current)
		if err != nil {
			return current, err
		}
		if !changed {
			return current, nil
		}
		stored, err := d.CompareAndSwap(ctx, id, current.Version, next)
		if stderrors.Is(err, errors.ErrDirectoryConflict) {
			d.log.Debug("compare-and-swap conflict, re-reading", "session_id", id, "attempt", attempt)
			continue
		}
		return stored, err
	}
}

// Watch streams snapshots of a session. Only the latest unread snapshot is
// kept, and versions are strictly increasing. The channel is closed when the
// session is deleted or ctx ends.
func (d *Directory) Watch(ctx context.Context, id domain.SessionID) (<-chan domain.Session, error) {
	initial, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Session, 1)
	changed := make(chan struct{}, 1)

	go func() {
		err := d.db.Subscribe(ctx, func(*pb.KVList) error {
			select {
			case changed <- struct{}{}:
			default:
			}
			return nil
		}, []pb.Match{{Prefix: sessionKey(id)}})
		if err != nil && !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded) {
			d.log.Warn("session subscription ended", "session_id", id, "error", err)
		}
	}()

	go func() {
		defer cancel()
		defer close(out)

		ticker := time.NewTicker(d.resync)
		defer ticker.Stop()

		last := initial.Version
		out <- initial
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			case <-ticker.C:
			}
			s, err := d.Get(ctx, id)
			switch {
			case stderrors.Is(err, errors.ErrSessionNotFound):
				return
			case err != nil:
				if ctx.Err() == nil {
					d.log.Warn("watch re-read failed", "session_id", id, "error", err)
				}
				continue
			case s.Version <= last:
				continue
			}
			last = s.Version
			select {
			case <-out:
			default:
			}
			out <- s
		}
	}()
	return out, nil
}

// Heartbeat records that participant is alive in session. The entry expires
// on its own after ttl.
func (d *Directory) Heartbeat(ctx context.Context, id domain.SessionID, participant domain.ParticipantID, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := domain.Presence{Participant: participant, Session: id, LastHeartbeat: d.now()}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(presenceKey(id, participant), encodePresence(p)).WithTTL(ttl))
	})
}

// Presence returns the last heartbeat of participant, or a zero Presence when
// none is stored.
func (d *Directory) Presence(ctx context.Context, id domain.SessionID, participant domain.ParticipantID) (domain.Presence, error) {
	if err := ctx.Err(); err != nil {
		return domain.Presence{}, err
	}
	var p domain.Presence
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(presenceKey(id, participant))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			p, err = decodePresence(v)
			return err
		})
	})
	return p, err
}

// Delete removes a session and its presence entries. Deleting twice is not an error.
func (d *Directory) Delete(ctx context.Context, id domain.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return deleteSession(txn, id)
	})
}

// List returns the sessions participant takes part in, oldest first.
// An empty participant lists every session.
func (d *Directory) List(ctx context.Context, participant domain.ParticipantID) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sessions []domain.Session
	err := d.scan(func(s domain.Session) {
		if participant == "" || s.Sender == participant || s.Receiver == participant {
			sessions = append(sessions, s)
		}
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b domain.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return sessions, nil
}

// CollectGarbage deletes every session idle for longer than inactivity and
// returns the removed ids.
func (d *Directory) CollectGarbage(ctx context.Context, now time.Time, inactivity time.Duration) ([]domain.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stale []domain.SessionID
	err := d.scan(func(s domain.Session) {
		if now.Sub(s.LastActivity) > inactivity {
			stale = append(stale, s.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	var removed []domain.SessionID
	for _, id := range stale {
		if err := d.Delete(ctx, id); err != nil {
			return removed, fmt.Errorf("collect session %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		d.log.Info("stale sessions collected", "count", len(removed))
	}
	return removed, nil
}

func (d *Directory) scan(fn func(domain.Session)) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				s, err := decodeSession(v)
				if err != nil {
					d.log.Warn("skipping unreadable session", "key", string(it.Item().Key()), "error", err)
					return nil
				}
				fn(s)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func getSession(txn *badger.Txn, id domain.SessionID) (domain.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Session{}, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if err != nil {
		return domain.Session{}, err
	}
	var s domain.Session
	err = item.Value(func(v []byte) error {
		s, err = decodeSession(v)
		return err
	})
	return s, err
}

func deleteSession(txn *badger.Txn, id domain.SessionID) error {
	if err := txn.Delete(sessionKey(id)); err != nil {
		return err
	}
	for _, k := range keysWithPrefix(txn, presenceSessionPrefix(id)) {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// translate maps badger's optimistic transaction conflict onto the directory's.
func translate(err error) error {
	if stderrors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", errors.ErrDirectoryConflict, err)
	}
	return err
}
