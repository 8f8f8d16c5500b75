// Package storage opens and maintains the shared Badger database that
// backs the segment, conversation and persona stores.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/logger"
)

const gcDiscardRatio = 0.5

// Open opens the Badger database described by cfg. The returned DB is
// shared by every store in the process; the caller owns Close.
func Open(cfg config.BadgerConfig, log logger.Logger) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
		opts.SyncWrites = cfg.SyncWrites
		if cfg.ValueLogFileSize > 0 {
			opts.ValueLogFileSize = cfg.ValueLogFileSize
		}
		if cfg.NumVersionsToKeep > 0 {
			opts.NumVersionsToKeep = cfg.NumVersionsToKeep
		}
	}
	opts.Logger = badgerLogger{log: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}
	return db, nil
}

// RunGC runs Badger value log garbage collection on a fixed interval
// until ctx is cancelled. Blocks; run it on its own goroutine.
func RunGC(ctx context.Context, db *badger.DB, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// RunValueLogGC reclaims at most one file per call.
			for {
				if err := db.RunValueLogGC(gcDiscardRatio); err != nil {
					if err != badger.ErrNoRewrite && err != badger.ErrRejected {
						log.Warn("Badger value log GC failed", "error", err)
					}
					break
				}
			}
		}
	}
}

// badgerLogger routes Badger's internal logging through the structured
// logger at debug level; Badger is chatty at its Info level.
type badgerLogger struct {
	log logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error(trimmed(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn(trimmed(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug(trimmed(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Debug(trimmed(format, args...))
}

func trimmed(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
