package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/replicant-core/internal/infrastructure/config"
)

// Recorder writes audit entries without blocking the request path. A
// single worker goroutine drains a buffered channel into the
// repository; when the buffer fills, entries are either dropped (with a
// counter) or the caller blocks, per configuration.
//
// With write-ahead enabled the channel is bypassed entirely: callers
// that hold a transaction use RecordTx so the entry commits atomically
// with their mutation, and plain Record writes synchronously and
// returns the storage error.
type Recorder struct {
	repo   Repository
	logger *slog.Logger

	writeAhead bool
	dropIfFull bool

	entries   chan Entry
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewRecorder creates a recorder and starts its worker.
func NewRecorder(repo Repository, cfg config.AuditConfig, logger *slog.Logger) *Recorder {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}

	r := &Recorder{
		repo:       repo,
		logger:     logger,
		writeAhead: cfg.WriteAhead,
		dropIfFull: cfg.DropIfFull,
		entries:    make(chan Entry, bufferSize),
		done:       make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		case <-r.done:
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case entry := <-r.entries:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.Create(ctx, &entry); err != nil {
		r.logger.Error("audit write failed",
			"action", entry.Action,
			"resource", entry.Resource,
			"error", err,
		)
	}
}

// WriteAhead reports whether the recorder is in synchronous write-ahead
// mode. Transactional callers check this to decide between RecordTx
// inside their transaction and Record after commit.
func (r *Recorder) WriteAhead() bool {
	return r.writeAhead
}

// RecordTx writes an entry through the caller's open transaction. The
// entry becomes durable only if the transaction commits, so a mutation
// and its audit record succeed or fail together.
func (r *Recorder) RecordTx(ctx context.Context, tx *sql.Tx, userID, action, resource string, metadata map[string]any) error {
	entry := Entry{
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Metadata: metadata,
	}
	if err := r.repo.CreateTx(ctx, tx, &entry); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// Record submits an audit entry. In the default async mode it never
// returns an error; in write-ahead mode it returns the storage error.
// Write-ahead callers that hold a transaction should prefer RecordTx.
func (r *Recorder) Record(ctx context.Context, userID, action, resource string, metadata map[string]any) error {
	entry := Entry{
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Metadata: metadata,
	}

	if r.writeAhead {
		if err := r.repo.Create(ctx, &entry); err != nil {
			return fmt.Errorf("recording audit entry: %w", err)
		}
		return nil
	}

	if r.closed.Load() {
		return nil
	}

	if r.dropIfFull {
		select {
		case r.entries <- entry:
		case <-r.done:
		default:
			if r.dropped.Add(1) == 1 {
				r.logger.Warn("audit buffer full, dropping entries")
			}
		}
		return nil
	}

	select {
	case r.entries <- entry:
	case <-r.done:
	case <-ctx.Done():
	}
	return nil
}

// Dropped returns the number of entries discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting entries, drains the buffer, and waits for the
// worker to finish.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	r.wg.Wait()
}
