package events

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewRunStartedEvent("wf-1", "run-1", 3))

	received := receive(t, ch)
	if received.EventType() != TypeRunStarted {
		t.Errorf("expected %s, got %s", TypeRunStarted, received.EventType())
	}
	if received.WorkflowID() != "wf-1" || received.RunID() != "run-1" {
		t.Errorf("got workflow %s run %s", received.WorkflowID(), received.RunID())
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe(TypeTaskFailed)
	bus.Publish(NewTaskStartedEvent("wf", "r", "a", "writer", 1))
	bus.Publish(NewTaskFailedEvent("wf", "r", "a", "TASK_TIMEOUT", errors.New("slow"), 3))

	e := receive(t, ch)
	failed, ok := e.(TaskFailedEvent)
	if !ok {
		t.Fatalf("expected TaskFailedEvent, got %T", e)
	}
	if failed.ErrorKind != "TASK_TIMEOUT" || failed.Error != "slow" || failed.Attempts != 3 {
		t.Errorf("unexpected event %+v", failed)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event %s", extra.EventType())
	default:
	}
}

func TestEventBus_SubscribeRun(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.SubscribeRun("run-2")
	bus.Publish(NewTaskSkippedEvent("wf", "run-1", "a", "ancestor failed"))
	bus.Publish(NewTaskSkippedEvent("wf", "run-2", "b", "ancestor failed"))

	e := receive(t, ch)
	if e.RunID() != "run-2" {
		t.Errorf("RunID = %s, want run-2", e.RunID())
	}
}

func TestEventBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	ch := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(NewTaskStartedEvent("wf", "r", fmt.Sprintf("t%d", i), "a", 1))
	}

	if bus.DroppedCount() != 3 {
		t.Errorf("DroppedCount = %d, want 3", bus.DroppedCount())
	}
	first := receive(t, ch).(TaskStartedEvent)
	second := receive(t, ch).(TaskStartedEvent)
	if first.TaskID != "t3" || second.TaskID != "t4" {
		t.Errorf("kept %s, %s; want the newest t3, t4", first.TaskID, second.TaskID)
	}
}

func TestEventBus_PriorityNeverDrops(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	prio := bus.SubscribePriority(TypeRunCompleted)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			bus.PublishPriority(NewRunFinishedEvent("wf", fmt.Sprintf("r%d", i), "succeeded", time.Second))
		}
	}()

	for i := 0; i < 20; i++ {
		e := receive(t, prio)
		if e.RunID() != fmt.Sprintf("r%d", i) {
			t.Fatalf("event %d has run %s", i, e.RunID())
		}
	}
	<-done
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := New(1000)
	defer bus.Close()

	ch := bus.Subscribe()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(NewTaskStartedEvent("wf", fmt.Sprintf("r%d", g), "t", "a", i))
			}
		}(g)
	}
	wg.Wait()

	if got := len(ch); got != 500 {
		t.Errorf("buffered %d events, want 500", got)
	}
}

func TestEventBus_UnsubscribeAndClose(t *testing.T) {
	bus := New(10)
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	other := bus.Subscribe()
	bus.Close()
	bus.Close()
	if _, ok := <-other; ok {
		t.Error("channel should be closed after Close")
	}

	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}
	bus.Publish(NewRunStartedEvent("wf", "r", 1))
}

func TestRunFinishedEvent_Type(t *testing.T) {
	tests := map[string]string{
		"succeeded": TypeRunCompleted,
		"failed":    TypeRunFailed,
		"cancelled": TypeRunCancelled,
	}
	for status, want := range tests {
		if got := NewRunFinishedEvent("wf", "r", status, 0).EventType(); got != want {
			t.Errorf("status %s: type = %s, want %s", status, got, want)
		}
	}
}
