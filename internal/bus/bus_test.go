package bus

import (
	"sync"
	"testing"
	"time"
)

func collect(b *Bus, topic string) (*sync.Mutex, *[]Event) {
	var mu sync.Mutex
	var got []Event
	b.Subscribe(topic, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	return &mu, &got
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewWithInterval(time.Millisecond)
	defer b.Close()
	mu, got := collect(b, TopicRun)

	for i := 0; i < 5; i++ {
		b.Publish(RunEvent{Type: "run.started", AgentSlug: string(rune('a' + i))})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 5
	})
	mu.Lock()
	defer mu.Unlock()
	for i, e := range *got {
		if e.(RunEvent).AgentSlug != string(rune('a'+i)) {
			t.Fatalf("out of order at %d: %v", i, *got)
		}
	}
}

func TestSubscribersAreTopicScoped(t *testing.T) {
	b := NewWithInterval(time.Millisecond)
	defer b.Close()
	mu, got := collect(b, TopicSubSession)

	b.Publish(RunEvent{Type: "run.started"})
	b.Publish(SubSessionEvent{Type: SubSessionCreated})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if _, ok := (*got)[0].(SubSessionEvent); !ok {
		t.Fatalf("wrong event delivered: %T", (*got)[0])
	}
}

func TestPanickingHandlerDoesNotAffectOthers(t *testing.T) {
	b := NewWithInterval(time.Millisecond)
	defer b.Close()

	b.Subscribe(TopicRun, func(Event) { panic("bad handler") })
	mu, got := collect(b, TopicRun)

	b.Publish(RunEvent{Type: "run.started"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := NewWithInterval(time.Millisecond)
	b.Close()
	// Must not panic or block.
	b.Publish(RunEvent{Type: "run.started"})
}
