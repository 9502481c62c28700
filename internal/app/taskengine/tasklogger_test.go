package taskengine

import (
	"testing"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

func TestTaskLoggerSoftThresholdSignalsFlush(t *testing.T) {
	logger := NewTaskLogger(3, 100, 25)
	for i := 0; i < 2; i++ {
		if should := logger.Log("info", "msg", nil); should {
			t.Fatalf("did not expect flush signal before reaching streamBufferSize")
		}
	}
	if should := logger.Log("info", "msg", nil); !should {
		t.Fatalf("expected flush signal once streamBufferSize reached")
	}
}

func TestTaskLoggerHardCapTruncatesOldest(t *testing.T) {
	logger := NewTaskLogger(1000, 10, 4)
	for i := 0; i < 11; i++ {
		logger.Log("info", string(rune('a'+i)), nil)
	}
	// The 11th append crosses maxLoggingBuffer (10), truncating to
	// maxLoggingBuffer - loggingBufferTruncation = 6 most recent entries.
	if logger.Len() != 6 {
		t.Fatalf("expected buffer retained at 6 entries after truncation, got %d", logger.Len())
	}
	for i := 0; i < 4; i++ {
		logger.Log("info", "filler", nil)
	}
	if logger.Len() > 10 {
		t.Fatalf("expected buffer never to exceed the hard cap of 10, got %d", logger.Len())
	}
}

func TestTaskLoggerFlushClearsEvenOnPipeError(t *testing.T) {
	logger := NewTaskLogger(1000, 100, 25)
	logger.Log("info", "one", nil)
	logger.Log("info", "two", nil)

	var received []model.LogEntry
	err := logger.Flush(func(entries []model.LogEntry) error {
		received = entries
		return assertError{}
	})
	if err == nil {
		t.Fatalf("expected Flush to propagate pipe error")
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 entries delivered to pipe, got %d", len(received))
	}
	if logger.Len() != 0 {
		t.Fatalf("expected buffer cleared even though pipe returned an error, got %d entries remaining", logger.Len())
	}
}

func TestTaskLoggerFlushNoopOnEmptyBuffer(t *testing.T) {
	logger := NewTaskLogger(1000, 100, 25)
	called := false
	if err := logger.Flush(func(entries []model.LogEntry) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected pipe not invoked for an empty buffer")
	}
}

type assertError struct{}

func (assertError) Error() string { return "pipe failed" }
