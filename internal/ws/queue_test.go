package ws

import (
	"context"
	"testing"
	"time"

	"kiwi-bridge/internal/wire"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(wire.Message{Header: wire.Header{MessageID: id}})
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		m, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if m.Header.MessageID != want {
			t.Fatalf("expected %q, got %q", want, m.Header.MessageID)
		}
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	got := make(chan wire.Message, 1)
	go func() {
		m, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("dequeue: %v", err)
			return
		}
		got <- m
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(wire.Message{Header: wire.Header{MessageID: "late"}})

	select {
	case m := <-got:
		if m.Header.MessageID != "late" {
			t.Fatalf("expected late, got %q", m.Header.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
