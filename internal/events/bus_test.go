package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskSelectedEvent{
		ID:        "task-1",
		Title:     "wire the selector",
		Priority:  1,
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("task ID = %q, want task-1", received.TaskID())
		}
		if received.EventType() != EventTypeTaskSelected {
			t.Errorf("event type = %q, want %q", received.EventType(), EventTypeTaskSelected)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCommittedEvent{
		ID:        "task-2",
		Commit:    "abc1234",
		Attempt:   1,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: task ID = %q, want task-2", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	guardCh := bus.Subscribe(TopicGuardrail, 10)

	bus.Publish(TopicGuardrail, GuardrailWarningEvent{
		Counter: "run",
		Current: 40,
		Ceiling: 50,
	})

	select {
	case received := <-guardCh:
		if received.EventType() != EventTypeGuardrailWarning {
			t.Errorf("event type = %q", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("guardrail subscriber missed the event")
	}

	select {
	case received := <-taskCh:
		t.Errorf("task subscriber received %q from another topic", received.EventType())
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.SubscribeAll(10)

	bus.Publish(TopicRun, RunStartedEvent{SessionID: "s1", Branch: "main"})
	bus.Publish(TopicTask, TaskFailedEvent{ID: "task-3", Reason: "attempts exhausted", Attempts: 3})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case received := <-ch:
			got = append(got, received.EventType())
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for events")
		}
	}
	if got[0] != EventTypeRunStarted || got[1] != EventTypeTaskFailed {
		t.Errorf("event order = %v", got)
	}
}

func TestNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskOutputEvent{ID: "task-4", Line: "output"})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicRun, 1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}

	// Publishing and subscribing after close are harmless.
	bus.Publish(TopicRun, RunFinishedEvent{SessionID: "s1"})
	if _, ok := <-bus.Subscribe(TopicRun, 1); ok {
		t.Error("subscription after close returned an open channel")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TopicTask, TaskIterationEvent{ID: "task-5", Attempt: j})
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 400 {
				t.Errorf("received %d events, want 400", count)
			}
			return
		}
	}
}
