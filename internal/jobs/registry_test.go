package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAssignsShortIDAndQueues(t *testing.T) {
	r := NewRegistry(0)
	job, err := r.Register(TypeLogin, Payload{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(job.ID) != 8 {
		t.Fatalf("expected 8-char id, got %q", job.ID)
	}
	if job.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.Register(Type("reboot"), Payload{}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.Get("deadbeef"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestLifecycleIsMonotonic(t *testing.T) {
	r := NewRegistry(0)
	job, _ := r.Register(TypeSendMessages, Payload{MessageIDs: []int64{1, 2}})

	if _, err := r.MarkRunning(job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := r.MarkRunning(job.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second MarkRunning must fail, got %v", err)
	}

	done, err := r.Complete(job.ID, "sent 2 messages")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted || done.EndedAt == nil {
		t.Fatalf("expected completed with end time, got %+v", done)
	}

	// Terminal jobs are immutable.
	again, err := r.Fail(job.ID, "too late")
	if err != nil {
		t.Fatalf("Fail on terminal: %v", err)
	}
	if again.Status != StatusCompleted {
		t.Fatalf("terminal status changed to %s", again.Status)
	}
}

func TestProgressClampsToTotal(t *testing.T) {
	r := NewRegistry(0)
	job, _ := r.Register(TypeScrapeConnections, Payload{})
	_, _ = r.MarkRunning(job.ID)

	r.SetProgress(job.ID, 15, 10, "")
	got, _ := r.Get(job.ID)
	if got.Progress != 10 || got.Total != 10 {
		t.Fatalf("expected clamp to 10/10, got %d/%d", got.Progress, got.Total)
	}
}

func TestCleanupEvictsOldestTerminalFirst(t *testing.T) {
	r := NewRegistry(2)

	var ids []string
	for i := 0; i < 4; i++ {
		job, _ := r.Register(TypeLogin, Payload{})
		_, _ = r.MarkRunning(job.ID)
		_, _ = r.Complete(job.ID, "")
		ids = append(ids, job.ID)
	}
	active, _ := r.Register(TypeRunSequence, Payload{})

	r.Cleanup()

	for _, id := range ids[:2] {
		if _, err := r.Get(id); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("oldest terminal job %s should be evicted, got %v", id, err)
		}
	}
	for _, id := range ids[2:] {
		if _, err := r.Get(id); err != nil {
			t.Fatalf("newest terminal job %s should survive: %v", id, err)
		}
	}
	if _, err := r.Get(active.ID); err != nil {
		t.Fatalf("queued job must never be evicted: %v", err)
	}
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	r := NewRegistry(0)
	ch, cancel := r.Subscribe()
	defer cancel()

	job, _ := r.Register(TypeLogin, Payload{})
	_, _ = r.MarkRunning(job.ID)
	_, _ = r.Complete(job.ID, "ok")

	want := []EventType{EventJobQueued, EventJobStarted, EventJobCompleted}
	for _, w := range want {
		select {
		case evt := <-ch:
			if evt.Type != w {
				t.Fatalf("expected %s, got %s", w, evt.Type)
			}
			if evt.JobID != job.ID {
				t.Fatalf("event for wrong job: %s", evt.JobID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestQueueFIFOAndBoundedWait(t *testing.T) {
	q := NewQueue(2)
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("b"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	ctx := context.Background()
	id, ok := q.Dequeue(ctx, time.Second)
	if !ok || id != "a" {
		t.Fatalf("expected a, got %q ok=%v", id, ok)
	}
	id, ok = q.Dequeue(ctx, time.Second)
	if !ok || id != "b" {
		t.Fatalf("expected b, got %q ok=%v", id, ok)
	}

	start := time.Now()
	if _, ok := q.Dequeue(ctx, 20*time.Millisecond); ok {
		t.Fatalf("expected timeout on empty queue")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("bounded wait overran")
	}
}

func TestDequeueReturnsOnCancel(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, ok := q.Dequeue(ctx, 5*time.Second); ok {
		t.Fatalf("expected cancellation, got a job")
	}
}
