package bus

import (
	"sync"
	"testing"
	"time"
)

// recv waits briefly for one event on sub, failing the test on timeout.
func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

// drain empties sub's buffer and reports how many events were pending.
func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			return n
		}
	}
}

func TestBus_DeliversTaskEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskClaimed, TaskEvent{Task: "report-2023", Instance: "host-a", State: "processing"})

	ev := recv(t, sub)
	if ev.Topic != TopicTaskClaimed {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskClaimed)
	}
	payload, ok := ev.Payload.(TaskEvent)
	if !ok {
		t.Fatalf("payload type = %T, want TaskEvent", ev.Payload)
	}
	if payload.Task != "report-2023" || payload.Instance != "host-a" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestBus_PrefixRouting(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, TaskEvent{Task: "a"})
	b.Publish(TopicQueueRescan, RescanEvent{Registered: 2})

	if ev := recv(t, taskSub); ev.Topic != TopicTaskCompleted {
		t.Fatalf("task subscriber got %q, want %q", ev.Topic, TopicTaskCompleted)
	}
	// The rescan must not reach the task subscriber.
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("task subscriber got stray event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	// The catch-all sees both, in publish order.
	if ev := recv(t, allSub); ev.Topic != TopicTaskCompleted {
		t.Fatalf("first catch-all event = %q", ev.Topic)
	}
	if ev := recv(t, allSub); ev.Topic != TopicQueueRescan {
		t.Fatalf("second catch-all event = %q", ev.Topic)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; the excess is dropped, not queued.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(TopicTaskClaimed, i)
	}

	if got := drain(sub); got != subscriberBuffer {
		t.Fatalf("drained %d events, want buffer size %d", got, subscriberBuffer)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")

	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
	b.Unsubscribe(sub)
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}

	// Repeat and nil unsubscribes are harmless.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestBus_FanOut(t *testing.T) {
	b := New()
	subs := []*Subscription{b.Subscribe("task"), b.Subscribe("task")}
	for _, sub := range subs {
		defer b.Unsubscribe(sub)
	}

	b.Publish(TopicTaskReleased, TaskEvent{Task: "shared"})

	for i, sub := range subs {
		ev := recv(t, sub)
		payload, ok := ev.Payload.(TaskEvent)
		if !ok || payload.Task != "shared" {
			t.Fatalf("subscriber %d payload = %#v", i, ev.Payload)
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskRecovered, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := drain(sub); got != goroutines*perGoroutine {
		t.Fatalf("drained %d events, want %d", got, goroutines*perGoroutine)
	}
}
