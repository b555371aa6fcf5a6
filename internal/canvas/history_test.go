package canvas

import (
	"fmt"
	"testing"
)

func TestHistoryLIFO(t *testing.T) {
	h := NewHistory()
	h.Push([]byte("a"))
	h.Push([]byte("b"))
	if got := h.Pop(); string(got) != "b" {
		t.Fatalf("Pop = %q, want b", got)
	}
	if got := h.Pop(); string(got) != "a" {
		t.Fatalf("Pop = %q, want a", got)
	}
	if got := h.Pop(); got != nil {
		t.Fatalf("empty Pop = %q, want nil", got)
	}
}

func TestHistoryDropsOldestBeyondLimit(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyLimit+5; i++ {
		h.Push([]byte(fmt.Sprintf("s%02d", i)))
	}
	if h.Len() != historyLimit {
		t.Fatalf("Len = %d, want %d", h.Len(), historyLimit)
	}
	// drain to the oldest retained entry
	var last []byte
	for h.Len() > 0 {
		last = h.Pop()
	}
	if string(last) != "s05" {
		t.Fatalf("oldest retained = %q, want s05", last)
	}
}

func TestHistoryCopiesSnapshots(t *testing.T) {
	h := NewHistory()
	buf := []byte("original")
	h.Push(buf)
	buf[0] = 'X'
	if got := h.Pop(); string(got) != "original" {
		t.Fatalf("history aliased the caller's buffer: %q", got)
	}
}
