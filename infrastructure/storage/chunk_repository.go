package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sendme/domain"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

const chunkPrefix = "chunk:"

const (
	fieldIndex protowire.Number = iota + 1
	fieldChecksum
	fieldPayload
)

// ChunkRepository persists the chunks a receiver has verified, so that a
// resumed session only asks for what is still missing.
type ChunkRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewChunkRepository(db *badger.DB, log *slog.Logger) *ChunkRepository {
	return &ChunkRepository{
		db:  db,
		log: log,
	}
}

// Index is zero padded so that keys iterate in chunk order.
func chunkKey(id domain.SessionID, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", chunkPrefix, id, index))
}

func sessionChunkPrefix(id domain.SessionID) []byte {
	return []byte(fmt.Sprintf("%s%s:", chunkPrefix, id))
}

// Put stores a chunk. Storing the same index again overwrites it.
func (r ChunkRepository) Put(id domain.SessionID, c domain.Chunk) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(id, c.Index), encodeChunk(c))
	})
}

func (r ChunkRepository) Get(id domain.SessionID, index int) (domain.Chunk, bool, error) {
	var (
		c     domain.Chunk
		found bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(id, index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			c, err = decodeChunk(v)
			return err
		})
	})
	return c, found, err
}

// Load returns every stored chunk of a session in index order.
func (r ChunkRepository) Load(id domain.SessionID) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionChunkPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				c, err := decodeChunk(v)
				if err != nil {
					return fmt.Errorf("chunk %s: %w", it.Item().Key(), err)
				}
				chunks = append(chunks, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error during chunk load: %w", err)
	}
	return chunks, nil
}

// Held reports which of count chunks are stored, reading keys only.
func (r ChunkRepository) Held(id domain.SessionID, count int) (domain.Bitmap, error) {
	held := domain.NewBitmap(count)
	prefix := sessionChunkPrefix(id)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			index, err := strconv.Atoi(raw)
			if err != nil {
				r.log.Warn("ignoring malformed chunk key", "key", string(it.Item().Key()))
				continue
			}
			held.Set(index)
		}
		return nil
	})
	return held, err
}

// Drop removes specific chunks, typically ones that failed verification.
func (r ChunkRepository) Drop(id domain.SessionID, indices []int) error {
	return r.db.Update(func(txn *badger.Txn) error {
		for _, index := range indices {
			if err := txn.Delete(chunkKey(id, index)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSession removes every chunk of a session in batches.
func (r ChunkRepository) DeleteSession(id domain.SessionID) error {
	var keys [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = sessionChunkPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	r.log.Debug("session chunks deleted", "session_id", id, "count", len(keys))
	return nil
}

func encodeChunk(c domain.Chunk) []byte {
	b := protowire.AppendTag(nil, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Index))
	b = protowire.AppendTag(b, fieldChecksum, protowire.BytesType)
	b = protowire.AppendString(b, c.Checksum)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, c.Payload)
}

func decodeChunk(b []byte) (domain.Chunk, error) {
	var c domain.Chunk
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return domain.Chunk{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			c.Index, n = int(v), m
		case num == fieldChecksum && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			c.Checksum, n = v, m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			c.Payload, n = append([]byte(nil), v...), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return domain.Chunk{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return c, nil
}
