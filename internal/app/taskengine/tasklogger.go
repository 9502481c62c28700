package taskengine

import (
	"sync"
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// PipeFunc flushes a batch of LogEntry to durable storage and emits a LOG
// event; it is the callback a TaskLogger drains into.
type PipeFunc func(entries []model.LogEntry) error

// TaskLogger is a bounded ring of log entries with a soft flush threshold
// and a hard cap. It has no goroutine of its own: Flush is
// invoked explicitly by the Context (when Log reports the soft threshold, or
// through Context.Flush) and by emitStatus before it publishes a STATUS event.
type TaskLogger struct {
	mu sync.Mutex

	streamBufferSize       int
	maxLoggingBuffer        int
	loggingBufferTruncation int

	buffer []model.LogEntry
}

// NewTaskLogger constructs a TaskLogger with the given thresholds. Zero
// values fall back to conservative defaults matching typical engine
// configuration.
func NewTaskLogger(streamBufferSize, maxLoggingBuffer, loggingBufferTruncation int) *TaskLogger {
	if streamBufferSize <= 0 {
		streamBufferSize = 20
	}
	if maxLoggingBuffer <= 0 {
		maxLoggingBuffer = 200
	}
	if loggingBufferTruncation <= 0 || loggingBufferTruncation >= maxLoggingBuffer {
		loggingBufferTruncation = maxLoggingBuffer / 4
	}
	return &TaskLogger{
		streamBufferSize:        streamBufferSize,
		maxLoggingBuffer:        maxLoggingBuffer,
		loggingBufferTruncation: loggingBufferTruncation,
	}
}

// Log appends one entry to the ring, enforcing the hard cap by dropping the
// oldest entries and retaining the newest (maxLoggingBuffer -
// loggingBufferTruncation). It reports whether the soft
// threshold (streamBufferSize) has been reached, signaling the caller should
// consider flushing.
func (l *TaskLogger) Log(level, msg string, meta map[string]any) (shouldFlush bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, model.LogEntry{Ts: time.Now(), Level: level, Msg: msg, Meta: meta})
	if len(l.buffer) > l.maxLoggingBuffer {
		retain := l.maxLoggingBuffer - l.loggingBufferTruncation
		if retain < 0 {
			retain = 0
		}
		l.buffer = append([]model.LogEntry(nil), l.buffer[len(l.buffer)-retain:]...)
	}
	return len(l.buffer) >= l.streamBufferSize
}

// Flush atomically extracts the buffer, invokes pipe with the batch, and
// clears the buffer even if pipe returns an error, since the log tail is
// best-effort telemetry, not authoritative.
func (l *TaskLogger) Flush(pipe PipeFunc) error {
	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 || pipe == nil {
		return nil
	}
	return pipe(batch)
}

// Len reports the number of buffered entries, used by tests.
func (l *TaskLogger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}
