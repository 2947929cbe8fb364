package pubsub

import "testing"

func TestSubscribeUnknownKey(t *testing.T) {
	r := New()
	if err := r.Subscribe("doc.txt", "c1"); err != ErrUnknownKey {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestSubscribeAfterEnsureKey(t *testing.T) {
	r := New()
	r.EnsureKey("doc.txt")
	if err := r.Subscribe("doc.txt", "c1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subs := r.Subscribers("doc.txt")
	if len(subs) != 1 || subs[0] != "c1" {
		t.Fatalf("Subscribers = %v", subs)
	}
}

func TestSubscribeTwiceNoDuplicate(t *testing.T) {
	r := New()
	r.EnsureKey("doc.txt")
	r.Subscribe("doc.txt", "c1")
	r.Subscribe("doc.txt", "c1")
	if len(r.Subscribers("doc.txt")) != 1 {
		t.Fatalf("expected no duplicate subscriber, got %v", r.Subscribers("doc.txt"))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := New()
	r.EnsureKey("doc.txt")
	r.Unsubscribe("doc.txt", "c1") // never subscribed
	r.Subscribe("doc.txt", "c1")
	r.Unsubscribe("doc.txt", "c1")
	r.Unsubscribe("doc.txt", "c1")
	if len(r.Subscribers("doc.txt")) != 0 {
		t.Fatalf("expected no subscribers, got %v", r.Subscribers("doc.txt"))
	}
}

func TestPublishSkipsFailedDeliveryAndContinues(t *testing.T) {
	r := New()
	r.EnsureKey("doc.txt")
	r.Subscribe("doc.txt", "bad")
	r.Subscribe("doc.txt", "good1")
	r.Subscribe("doc.txt", "good2")

	var delivered []string
	n := r.Publish("doc.txt", func(addr string) error {
		if addr == "bad" {
			return errBoom
		}
		delivered = append(delivered, addr)
		return nil
	})

	if n != 2 {
		t.Fatalf("Publish delivered=%d, want 2", n)
	}
	if len(delivered) != 2 || delivered[0] != "good1" || delivered[1] != "good2" {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestRemoveClientStripsEveryKey(t *testing.T) {
	r := New()
	r.EnsureKey("a.txt")
	r.EnsureKey("b.txt")
	r.Subscribe("a.txt", "c1")
	r.Subscribe("b.txt", "c1")
	r.RemoveClient("c1")
	if len(r.Subscribers("a.txt")) != 0 || len(r.Subscribers("b.txt")) != 0 {
		t.Fatal("expected c1 removed from every key")
	}
}

func TestReservedChannelsExistFromStart(t *testing.T) {
	r := New()
	if err := r.Subscribe(ChannelNotifications, "bridge"); err != nil {
		t.Fatalf("notifications channel should pre-exist: %v", err)
	}
	if err := r.Subscribe(ChannelLLMRequests, "llm1"); err != nil {
		t.Fatalf("llm_requests channel should pre-exist: %v", err)
	}
}

var errBoom = &testErr{"boom"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
