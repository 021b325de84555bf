package engine

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogSink receives subprocess output lines as they are produced.
type LogSink interface {
	Ingest(lines []string)
}

// FlushFunc persists a batch of new log lines. The persistence layer appends;
// the batcher never re-sends lines it already flushed.
type FlushFunc func(lines []string) error

// Batcher accumulates log lines in memory and flushes them at most once per
// interval, bounding write amplification on long-running operations without
// hiding progress from pollers behind one final write.
type Batcher struct {
	mu        sync.Mutex
	buf       []string
	lastFlush time.Time
	interval  time.Duration
	flush     FlushFunc
	logger    *slog.Logger
}

// NewBatcher creates a batcher that flushes via fn at most once per interval.
func NewBatcher(interval time.Duration, fn FlushFunc, logger *slog.Logger) *Batcher {
	return &Batcher{
		lastFlush: time.Now(),
		interval:  interval,
		flush:     fn,
		logger:    logger,
	}
}

// Ingest appends non-blank lines to the buffer, flushing when the interval
// has elapsed since the last flush.
func (b *Batcher) Ingest(lines []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.buf = append(b.buf, line)
	}
	if len(b.buf) > 0 && time.Since(b.lastFlush) >= b.interval {
		b.flushLocked()
	}
}

// Flush writes any buffered lines immediately. Called at operation end.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		b.flushLocked()
	}
}

// flushLocked clears the buffer before attempting the write so repeated
// failures cannot grow it without bound. A failed flush loses those lines
// from the persisted log but never aborts the run.
func (b *Batcher) flushLocked() {
	lines := b.buf
	b.buf = nil
	b.lastFlush = time.Now()

	if err := b.flush(lines); err != nil {
		b.logger.Error("log flush failed", "lines", len(lines), "error", err)
	}
}
