package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionCreated, SessionEvent{SessionID: "s1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicSessionCreated {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicSessionCreated)
		}
		payload, ok := ev.Payload.(SessionEvent)
		if !ok || payload.SessionID != "s1" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("prompt.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionCreated, SessionEvent{SessionID: "s1"})
	b.Publish(TopicPromptAccepted, PromptEvent{SessionID: "s1", RequestID: "r1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicPromptAccepted {
			t.Fatalf("got filtered-out topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicProcessExited, ProcessEvent{SessionID: "s1", ExitCode: 1})
	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicProcessExited {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicPromptUpdate, PromptEvent{RequestID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow consumer")
	}
}
