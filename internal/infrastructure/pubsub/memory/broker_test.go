package memory

import (
	"context"
	"testing"
	"time"
)

func TestBrokerPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBroker()
	if err := b.Publish(context.Background(), "generate_result:account-1-t", []byte(`{"event":"ping"}`)); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestBrokerDeliversInOrderToEverySubscriber(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()
	first, err := b.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer first.Close()
	second, err := b.Subscribe(ctx, "c")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer second.Close()
	other, err := b.Subscribe(ctx, "other")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Close()

	for _, p := range []string{"a", "b", "c"} {
		if err := b.Publish(ctx, "c", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for _, sub := range []interface{ Messages() <-chan []byte }{first, second} {
		for _, want := range []string{"a", "b", "c"} {
			select {
			case got := <-sub.Messages():
				if string(got) != want {
					t.Fatalf("unexpected payload: got=%q want=%q", got, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}
	select {
	case got := <-other.Messages():
		t.Fatalf("unexpected payload on other channel: %q", got)
	default:
	}
}

func TestBrokerLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()
	_ = b.Publish(ctx, "c", []byte("early"))

	sub, _ := b.Subscribe(ctx, "c")
	defer sub.Close()
	_ = b.Publish(ctx, "c", []byte("late"))

	got := <-sub.Messages()
	if string(got) != "late" {
		t.Fatalf("expected only the late payload, got %q", got)
	}
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	drops := 0
	b := NewBroker(WithBuffer(1), WithDropHook(func(string) { drops++ }))
	ctx := context.Background()
	sub, _ := b.Subscribe(ctx, "c")
	defer sub.Close()

	_ = b.Publish(ctx, "c", []byte("1"))
	_ = b.Publish(ctx, "c", []byte("2"))

	if drops != 1 {
		t.Fatalf("expected one dropped payload, got %d", drops)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewBroker()
	sub, _ := b.Subscribe(context.Background(), "c")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatalf("expected closed message channel")
	}
	if b.Subscribers("c") != 0 {
		t.Fatalf("expected subscription to be removed")
	}
}

func TestFlagStoreExpiry(t *testing.T) {
	store := NewFlagStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.SetWithExpiry(ctx, "k", "1", 600*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || value != "1" {
		t.Fatalf("expected live flag, got value=%q ok=%v err=%v", value, ok, err)
	}

	now = now.Add(600 * time.Second)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expected flag to expire after ttl")
	}
}
