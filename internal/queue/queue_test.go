package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New(8, nil)
	q.Enqueue(Headers(map[string]string{"x": "1"}))
	q.Enqueue(Chunk([]byte("a")))
	q.Enqueue(Chunk([]byte("b")))

	ctx := context.Background()
	e1, err := q.Dequeue(ctx)
	if err != nil || e1.Type != EventHeaders {
		t.Fatalf("want headers, got %+v err=%v", e1, err)
	}
	e2, _ := q.Dequeue(ctx)
	if e2.Type != EventChunk || string(e2.Chunk) != "a" {
		t.Fatalf("want chunk a, got %+v", e2)
	}
	e3, _ := q.Dequeue(ctx)
	if e3.Type != EventChunk || string(e3.Chunk) != "b" {
		t.Fatalf("want chunk b, got %+v", e3)
	}
}

func TestCloseUnblocksPendingConsumer(t *testing.T) {
	q := New(4, nil)
	done := make(chan Event, 1)
	go func() {
		e, _ := q.Dequeue(context.Background())
		done <- e
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine block on Dequeue
	q.Close()

	select {
	case e := <-done:
		if e.Type != EventStreamEnd {
			t.Fatalf("want EventStreamEnd, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock pending Dequeue")
	}
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	q := New(4, nil)
	q.Close()
	q.Enqueue(Errorf(errors.New("late")))

	e, err := q.Dequeue(context.Background())
	if err != nil || e.Type != EventStreamEnd {
		t.Fatalf("want immediate StreamEnd, got %+v err=%v", e, err)
	}
}

func TestDequeueRespectsContextCancellation(t *testing.T) {
	q := New(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
