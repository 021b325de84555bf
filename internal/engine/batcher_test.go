package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/labforge/labforge/internal/engine"
)

type captureFlush struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (c *captureFlush) fn(lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, append([]string(nil), lines...))
	return nil
}

func (c *captureFlush) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func TestBatcherAccumulatesWithinInterval(t *testing.T) {
	c := &captureFlush{}
	b := engine.NewBatcher(time.Hour, c.fn, testLogger())

	b.Ingest([]string{"a", "b", "c", "d", "e"})
	b.Ingest([]string{"f", "g", "h"})
	if c.count() != 0 {
		t.Fatalf("flushed %d batches before interval elapsed, want 0", c.count())
	}

	b.Flush()
	if c.count() != 1 {
		t.Fatalf("flushed %d batches, want exactly 1", c.count())
	}
	if got := len(c.batches[0]); got != 8 {
		t.Errorf("final batch has %d lines, want 8", got)
	}
}

func TestBatcherFlushesWhenIntervalElapsed(t *testing.T) {
	c := &captureFlush{}
	b := engine.NewBatcher(10*time.Millisecond, c.fn, testLogger())

	b.Ingest([]string{"one", "two"})
	time.Sleep(20 * time.Millisecond)
	b.Ingest([]string{"three"})

	if c.count() != 1 {
		t.Fatalf("flushed %d batches, want 1", c.count())
	}
	if got := len(c.batches[0]); got != 3 {
		t.Errorf("batch has %d lines, want 3", got)
	}
}

func TestBatcherFiltersBlankLines(t *testing.T) {
	c := &captureFlush{}
	b := engine.NewBatcher(time.Hour, c.fn, testLogger())

	b.Ingest([]string{"real", "", "   ", "\t", "also real"})
	b.Flush()

	if c.count() != 1 {
		t.Fatalf("flushed %d batches, want 1", c.count())
	}
	if got := len(c.batches[0]); got != 2 {
		t.Errorf("batch has %d lines, want 2 (blanks filtered)", got)
	}
}

func TestBatcherFlushEmptyIsNoop(t *testing.T) {
	c := &captureFlush{}
	b := engine.NewBatcher(time.Hour, c.fn, testLogger())

	b.Flush()
	if c.count() != 0 {
		t.Errorf("flushed %d batches with an empty buffer, want 0", c.count())
	}
}

func TestBatcherFailedFlushClearsBuffer(t *testing.T) {
	c := &captureFlush{err: errors.New("db unavailable")}
	b := engine.NewBatcher(time.Hour, c.fn, testLogger())

	b.Ingest([]string{"lost line"})
	b.Flush()

	// Lines from the failed attempt are gone; a later flush must not resend.
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	b.Flush()

	if c.count() != 0 {
		t.Errorf("flushed %d batches after failure, want 0 (buffer cleared)", c.count())
	}
}
