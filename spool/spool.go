// Package spool drives the engine from directories. Files dropped in the
// outbox under a receiver's name are sent to that receiver, and transfers
// waiting for a local participant are received into the inbox.
package spool

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sendme/domain"
	"sendme/runtime"
	"strings"
)

const (
	sentDir   = ".sent"
	failedDir = ".failed"
)

// Transfers is the part of the coordinator the spool uses.
type Transfers interface {
	CreateTransfer(ctx context.Context, sender domain.Identity, receiver domain.ParticipantID, name string, content io.ReaderAt, size int64) (domain.SessionID, error)
	AcceptTransfer(ctx context.Context, id domain.SessionID, receiver domain.Identity, out io.Writer) (<-chan runtime.Progress, error)
	Subscribe(ctx context.Context, id domain.SessionID) (<-chan runtime.Progress, error)
}

type SessionLister interface {
	List(ctx context.Context, participant domain.ParticipantID) ([]domain.Session, error)
}

// Identities hands out credentials for the participants this node hosts.
type Identities interface {
	Identity(participant domain.ParticipantID) (domain.Identity, error)
}

// settle drains progress and returns the last value seen.
func settle(progress <-chan runtime.Progress) runtime.Progress {
	var last runtime.Progress
	for p := range progress {
		last = p
	}
	return last
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// moveTo files path under dir/sub, keeping its name.
func moveTo(path, sub string) error {
	target := filepath.Join(filepath.Dir(path), sub)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(target, filepath.Base(path)))
}

// localName keeps a received file inside its directory whatever name the
// sender announced.
func localName(id domain.SessionID, name string) string {
	short := string(id)
	if len(short) > 8 {
		short = short[:8]
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || hidden(base) {
		base = "content"
	}
	return short + "-" + base
}
