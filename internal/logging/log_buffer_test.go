package logging

import (
	"sync"
	"testing"
	"time"
)

func TestLogBufferCircular(t *testing.T) {
	buffer := NewLogBuffer(2)
	buffer.Add(LogEntry{Message: "first"})
	buffer.Add(LogEntry{Message: "second"})
	buffer.Add(LogEntry{Message: "third"})

	entries := buffer.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "second" {
		t.Fatalf("expected second, got %q", entries[0].Message)
	}
	if entries[1].Message != "third" {
		t.Fatalf("expected third, got %q", entries[1].Message)
	}
}

func TestLogBufferTail(t *testing.T) {
	buffer := NewLogBuffer(5)
	for _, message := range []string{"one", "two", "three"} {
		buffer.Add(LogEntry{Message: message})
	}

	tail := buffer.Tail(2)
	if len(tail) != 2 || tail[0].Message != "two" || tail[1].Message != "three" {
		t.Fatalf("unexpected tail %v", tail)
	}
	if all := buffer.Tail(0); len(all) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(all))
	}
}

func TestLogBufferConcurrentAdds(t *testing.T) {
	buffer := NewLogBuffer(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buffer.Add(LogEntry{
					Timestamp: time.Now(),
					Message:   "entry",
				})
			}
		}()
	}
	wg.Wait()

	entries := buffer.List()
	if len(entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(entries))
	}
}
