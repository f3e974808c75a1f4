package events

import (
	"testing"
	"time"
)

func TestPublishRoutesByTopic(t *testing.T) {
	bus := NewBus(8)
	out := bus.Subscribe(TopicSessionOutput)
	state := bus.Subscribe(TopicSessionState)
	defer out.Close()
	defer state.Close()

	bus.Publish(SessionOutput{SessionID: "s1", Lines: []string{"hi"}, At: time.Now()})

	select {
	case ev := <-out.C:
		if ev.(SessionOutput).SessionID != "s1" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("output subscriber did not receive event")
	}

	select {
	case ev := <-state.C:
		t.Fatalf("state subscriber received unrelated event %+v", ev)
	default:
	}
}

func TestTopicAllReceivesEverything(t *testing.T) {
	bus := NewBus(8)
	all := bus.Subscribe(TopicAll)
	defer all.Close()

	bus.Publish(SessionExit{SessionID: "s1", At: time.Now()})
	bus.Publish(TicketStateChange{TicketID: "t1", FromState: "backlog", ToState: "in_progress"})

	got := 0
	timeout := time.After(time.Second)
	for got < 2 {
		select {
		case <-all.C:
			got++
		case <-timeout:
			t.Fatalf("received %d events, want 2", got)
		}
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe(TopicSessionOutput)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(SessionOutput{SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(TopicSessionExit)
	sub.Close()

	// Publishing after close must not panic or deliver.
	bus.Publish(SessionExit{SessionID: "s1"})

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after Close")
	}
}
