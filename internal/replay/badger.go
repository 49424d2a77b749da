package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig selects an on-disk or in-memory store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// Badger persists nonces across restarts. Each entry stores its own
// expiry so the window is enforced against the injected clock; badger's
// entry TTL removes the key eventually.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
	now Clock
}

const maxConflictRetries = 8

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadger opens the database.
func NewBadger(cfg BadgerConfig, ttl time.Duration, now Clock) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent nonce store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create nonce store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Badger{db: db, ttl: ttl, now: now}, nil
}

func (b *Badger) CheckAndInsert(ctx context.Context, nonce []byte) (bool, error) {
	key := append([]byte("nonce/"), nonce...)
	return retryConflicts(ctx, func() (bool, error) { return b.tryInsert(key) })
}

// retryConflicts reruns try while it loses a transaction race. A nonce that
// stays contended past the retry budget is being inserted concurrently by
// someone else, so it is reported as seen.
func retryConflicts(ctx context.Context, try func() (bool, error)) (bool, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fresh, err := try()
		if errors.Is(err, badger.ErrConflict) {
			// Another transaction touched the key. Retry and read its write.
			continue
		}
		return fresh, err
	}
	return false, nil
}

func (b *Badger) tryInsert(key []byte) (bool, error) {
	fresh := false
	err := b.db.Update(func(txn *badger.Txn) error {
		now := b.now()
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var expires int64
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("corrupt nonce entry of %d bytes", len(v))
				}
				expires = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
			if !time.Unix(0, expires).Before(now) {
				return nil
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		val := binary.BigEndian.AppendUint64(nil, uint64(now.Add(b.ttl).UnixNano()))
		// Physical TTL outlives the logical window.
		entry := badger.NewEntry(key, val).WithTTL(2 * b.ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
