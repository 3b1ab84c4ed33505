package bus

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventFocusChanged, ProjectID: "proj_ab12cd34"})

	for i, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			if ev.Type != EventFocusChanged {
				t.Errorf("subscriber %d got wrong type: %s", i, ev.Type)
			}
			if ev.ID == "" {
				t.Errorf("subscriber %d got event without ID", i)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d got event without timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	// One subscriber that never drains.
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far more events than queue plus subscriber buffer can hold.
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventIndexingProgress, ProjectID: "proj_ab12cd34"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// Give the distribution loop a moment to drain the queue.
	time.Sleep(50 * time.Millisecond)
	if b.Drops() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestBus_PublishAfterStopDropsQuietly(t *testing.T) {
	b := New()
	b.Start()
	b.Stop()

	before := b.Drops()
	b.Publish(&Event{Type: EventIndexingError})
	if b.Drops() != before+1 {
		t.Error("event published after Stop should count as dropped")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	if _, open := <-sub; open {
		t.Error("unsubscribed channel should be closed")
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}
