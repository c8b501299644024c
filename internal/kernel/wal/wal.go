// Package wal is a local durability buffer for the Kernel: a delta is
// persisted here before the storage transaction commits, so a crash in
// the window between the two leaves a pending entry that recovery can
// inspect and re-apply (the delta's idempotency key makes the re-apply
// safe).
//
// Entries are stored in BadgerDB (ACID, fsync on write) as raw JSON,
// keyed by delta id. Confirm deletes the entry once the transaction has
// committed; anything still present at startup is a candidate for replay.
package wal

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/models"
)

// Entry is one pending (unconfirmed) delta.
type Entry struct {
	DeltaID   string              `json:"delta_id"`
	Request   models.DeltaRequest `json:"request"`
	WrittenAt time.Time           `json:"written_at"`
}

// WAL owns the badger instance. One WAL serves all theatres in the
// process; keys carry the delta id which is already globally unique.
type WAL struct {
	db *badger.DB
}

// Open opens (creating if needed) the WAL directory. Pass inMemory=true
// for tests that do not want disk artifacts.
func Open(dir string, inMemory bool) (*WAL, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if inMemory {
		opts = opts.WithInMemory(true)
		opts.Dir = ""
		opts.ValueDir = ""
	} else {
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperr.Storagef(err, "open wal")
	}
	return &WAL{db: db}, nil
}

// Write persists a delta request before the storage commit.
func (w *WAL) Write(deltaID string, req models.DeltaRequest) error {
	entry := Entry{DeltaID: deltaID, Request: req, WrittenAt: time.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return apperr.Storagef(err, "marshal wal entry")
	}
	err = w.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("delta:"+deltaID), raw)
	})
	if err != nil {
		return apperr.Storagef(err, "write wal entry")
	}
	return nil
}

// Confirm removes the entry once the storage transaction has committed.
func (w *WAL) Confirm(deltaID string) error {
	err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("delta:" + deltaID))
	})
	if err != nil {
		return apperr.Storagef(err, "confirm wal entry")
	}
	return nil
}

// Pending returns every unconfirmed entry, oldest first. Called once at
// startup; each entry is re-applied through the Kernel, whose idempotency
// check makes already-committed entries a no-op.
func (w *WAL) Pending() ([]Entry, error) {
	var out []Entry
	err := w.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("delta:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Msg("skipping unreadable wal entry")
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Storagef(err, "scan wal")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrittenAt.Before(out[j].WrittenAt) })
	return out, nil
}

// Close shuts the badger instance down.
func (w *WAL) Close() error { return w.db.Close() }

// badgerLogger routes badger's internal logging through zerolog at debug
// level; badger is chatty at info.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logging.Error().Msgf("wal: "+format, args...)
}
func (badgerLogger) Warningf(format string, args ...any) {
	logging.Warn().Msgf("wal: "+format, args...)
}
func (badgerLogger) Infof(format string, args ...any) {
	logging.Debug().Msgf("wal: "+format, args...)
}
func (badgerLogger) Debugf(format string, args ...any) {
	logging.Debug().Msgf("wal: "+format, args...)
}
