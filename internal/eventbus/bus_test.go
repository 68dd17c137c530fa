package eventbus

import (
	"fmt"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("run-1")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		bus.Publish("run-1", Event{Kind: KindLog, Line: fmt.Sprintf("line-%d", i)})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub.Events():
			want := fmt.Sprintf("line-%d", i)
			if ev.Line != want {
				t.Errorf("event %d = %q, want %q", i, ev.Line, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestPublishIsolatedPerRun(t *testing.T) {
	bus := New()
	sub1 := bus.Subscribe("run-1")
	sub2 := bus.Subscribe("run-2")
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	bus.Publish("run-1", Event{Kind: KindLog, Line: "only for run-1"})

	select {
	case <-sub1.Events():
	case <-time.After(time.Second):
		t.Fatal("run-1 subscriber got nothing")
	}

	select {
	case ev := <-sub2.Events():
		t.Errorf("run-2 subscriber received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateSubscriberGetsNoHistory(t *testing.T) {
	bus := New()
	bus.Publish("run-1", Event{Kind: KindLog, Line: "before"})

	sub := bus.Subscribe("run-1")
	defer bus.Unsubscribe(sub)

	select {
	case ev := <-sub.Events():
		t.Errorf("late subscriber received replayed event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResubscribeNoDuplicatesNoReplay(t *testing.T) {
	bus := New()

	sub := bus.Subscribe("run-1")
	bus.Publish("run-1", Event{Kind: KindLog, Line: "first"})
	if ev := <-sub.Events(); ev.Line != "first" {
		t.Fatalf("got %q", ev.Line)
	}
	bus.Unsubscribe(sub)

	resub := bus.Subscribe("run-1")
	defer bus.Unsubscribe(resub)
	bus.Publish("run-1", Event{Kind: KindLog, Line: "second"})

	ev := <-resub.Events()
	if ev.Line != "second" {
		t.Errorf("resubscriber got %q, want %q (no replay, no duplicates)", ev.Line, "second")
	}
	select {
	case extra := <-resub.Events():
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannelAndClearsEntry(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("run-1")

	if n := bus.SubscriberCount("run-1"); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}

	bus.Unsubscribe(sub)
	// Double unsubscribe is a no-op
	bus.Unsubscribe(sub)

	if _, open := <-sub.Events(); open {
		t.Error("channel still open after Unsubscribe")
	}
	if n := bus.SubscriberCount("run-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestBackedUpListenerDropsOnlyItsOwnEvents(t *testing.T) {
	bus := New()
	bus.buffer = 1

	slow := bus.Subscribe("run-1")
	fast := bus.Subscribe("run-1")
	defer bus.Unsubscribe(slow)
	defer bus.Unsubscribe(fast)

	// Drain fast while publishing more than the slow buffer can hold
	done := make(chan int)
	go func() {
		n := 0
		for range fast.Events() {
			n++
			if n == 5 {
				done <- n
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		bus.Publish("run-1", Event{Kind: KindLog, Line: fmt.Sprintf("line-%d", i)})
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber starved by slow subscriber")
	}

	// Slow subscriber holds at most its buffer worth of events
	drained := 0
	for {
		select {
		case <-slow.Events():
			drained++
			continue
		default:
		}
		break
	}
	if drained > 1 {
		t.Errorf("slow subscriber buffered %d events, buffer is 1", drained)
	}
}
