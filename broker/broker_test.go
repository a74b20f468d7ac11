package broker_test

import (
	"testing"
	"time"

	"github.com/alex-rizov/pos-proxy/broker"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := broker.New(4)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(broker.Event{ID: "1", Mode: "CardUnicast"})

	select {
	case ev := <-ch:
		if ev.ID != "1" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive published event")
	}
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := broker.New(1)
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBroker_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := broker.New(1)
	_, unsub := b.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(broker.Event{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}
