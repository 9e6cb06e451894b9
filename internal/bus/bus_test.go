package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicLedgerEvent)
	defer b.Unsubscribe(sub)

	b.Publish(TopicBeadCreated, LedgerEventPayload{Type: "bead_created", Sequence: 1})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicBeadCreated {
			t.Fatalf("topic = %s", ev.Topic)
		}
		payload, ok := ev.Payload.(LedgerEventPayload)
		if !ok || payload.Sequence != 1 {
			t.Fatalf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	ledger := b.Subscribe(TopicLedgerEvent)
	all := b.Subscribe("")
	syncOnly := b.Subscribe("sync.")
	defer b.Unsubscribe(ledger)
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(syncOnly)

	b.Publish(TopicBeadClosed, nil)

	if len(ledger.Ch()) != 1 || len(all.Ch()) != 1 {
		t.Fatal("prefix subscribers missed event")
	}
	if len(syncOnly.Ch()) != 0 {
		t.Fatal("non-matching subscriber received event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel not closed")
	}
	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}
}

func TestSlowConsumerDropsNotBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish("ledger.event.flood", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	if len(sub.Ch()) != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d (excess dropped)", len(sub.Ch()), defaultBufferSize)
	}
}
