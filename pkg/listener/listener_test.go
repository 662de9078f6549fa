package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestListener_HandlesInputs(t *testing.T) {
	in := make(chan int, 4)
	var sum atomic.Int64

	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	})
	l.Start(context.Background())

	for _, v := range []int{1, 2, 3} {
		in <- v
	}

	deadline := time.After(time.Second)
	for sum.Load() != 6 {
		select {
		case <-deadline:
			t.Fatalf("sum = %d, want 6", sum.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	l.Stop()
}

func TestListener_OnErrorStopsWorker(t *testing.T) {
	in := make(chan int, 4)
	var handled atomic.Int32
	var got atomic.Value

	l := New(in, func(v int) error {
		handled.Add(1)
		return errors.New("boom")
	}).OnError(func(err error) {
		got.Store(err)
	})
	l.Start(context.Background())

	in <- 1
	in <- 2

	deadline := time.After(time.Second)
	for got.Load() == nil {
		select {
		case <-deadline:
			t.Fatal("error callback never fired")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The worker exits on the first failure; the second input stays unhandled.
	if handled.Load() != 1 {
		t.Fatalf("handled %d inputs after the failure, want 1", handled.Load())
	}
}

func TestListener_StopHandlerRuns(t *testing.T) {
	in := make(chan int)
	stopped := false

	l := New(in, func(int) error { return nil }, func() { stopped = true })
	l.Start(context.Background())
	l.Stop()

	if !stopped {
		t.Fatal("stop handler did not run")
	}
}
