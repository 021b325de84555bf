package engine

import (
	"strings"
	"sync"
)

// streamBuffer is the per-subscriber channel depth. A subscriber that falls
// further behind than this starts losing lines rather than stalling the run.
const streamBuffer = 64

// LogBroker fans subprocess output out to live subscribers, one stream per
// operation. A stream stays open for the lifetime of its run; when the run
// ends the stream is marked finished and the marker is kept, so subscribers
// arriving after the fact get an immediately closed channel instead of one
// that never delivers. Markers cost a few bytes each, which is fine at the
// expected operation volume.
type LogBroker struct {
	mu      sync.Mutex
	streams map[string]*logStream
}

// logStream tracks the live subscribers of one operation's output.
type logStream struct {
	subs     map[*streamSub]struct{}
	finished bool
}

type streamSub struct {
	ch chan string
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{streams: make(map[string]*logStream)}
}

// stream returns the operation's stream, creating it on first use.
// Callers must hold b.mu.
func (b *LogBroker) stream(operationID string) *logStream {
	st, ok := b.streams[operationID]
	if !ok {
		st = &logStream{subs: make(map[*streamSub]struct{})}
		b.streams[operationID] = st
	}
	return st
}

// Subscribe attaches a reader to the operation's stream and returns the line
// channel plus a detach function. Subscribing to a finished stream yields a
// closed channel.
func (b *LogBroker) Subscribe(operationID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(operationID)
	sub := &streamSub{ch: make(chan string, streamBuffer)}
	if st.finished {
		close(sub.ch)
		return sub.ch, func() {}
	}
	st.subs[sub] = struct{}{}

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(st.subs, sub)
	}
}

// Publish delivers one line to every subscriber of the operation. A full
// subscriber buffer drops the line; the run never waits on a slow reader.
func (b *LogBroker) Publish(operationID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[operationID]
	if !ok || st.finished {
		return
	}
	for sub := range st.subs {
		select {
		case sub.ch <- line:
		default:
		}
	}
}

// Close ends the operation's stream. Current subscriber channels are closed
// and the finished marker stays behind for late subscribers.
func (b *LogBroker) Close(operationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(operationID)
	st.finished = true
	for sub := range st.subs {
		close(sub.ch)
		delete(st.subs, sub)
	}
}

// Attach builds the sink for one run: each non-blank line reaches live
// subscribers immediately, then the whole slice goes to persist for
// interval batching.
func (b *LogBroker) Attach(operationID string, persist LogSink) LogSink {
	return &runSink{broker: b, operationID: operationID, persist: persist}
}

type runSink struct {
	broker      *LogBroker
	operationID string
	persist     LogSink
}

func (s *runSink) Ingest(lines []string) {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			s.broker.Publish(s.operationID, line)
		}
	}
	s.persist.Ingest(lines)
}
