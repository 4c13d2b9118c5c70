package pubsub

import (
	"testing"

	"github.com/shm-network/shm/internal/domain"
)

func TestPublish_RoutesByRecipient(t *testing.T) {
	h := NewHub(4, nil)
	alice := h.Subscribe("alice")
	bob := h.Subscribe("bob")
	defer h.Unsubscribe(alice)
	defer h.Unsubscribe(bob)

	h.Publish([]domain.Event{
		{Seq: 1, Topic: domain.TopicContractCreated, Recipients: []string{"alice", "bob"}},
		{Seq: 2, Topic: domain.TopicMilestoneSubmitted, Recipients: []string{"alice"}},
	})

	if got := len(alice.C); got != 2 {
		t.Errorf("alice queued = %d, want 2", got)
	}
	if got := len(bob.C); got != 1 {
		t.Errorf("bob queued = %d, want 1", got)
	}
	ev := <-alice.C
	if ev.Seq != 1 {
		t.Errorf("first event seq = %d, want 1", ev.Seq)
	}
}

func TestPublish_FullBufferDoesNotBlock(t *testing.T) {
	h := NewHub(1, nil)
	sub := h.Subscribe("carol")
	defer h.Unsubscribe(sub)

	for i := int64(1); i <= 3; i++ {
		h.Publish([]domain.Event{{Seq: i, Recipients: []string{"carol"}}})
	}
	if got := len(sub.C); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(0, nil)
	sub := h.Subscribe("alice")
	if h.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.Count())
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done() should be closed")
	}

	h.Publish([]domain.Event{{Seq: 1, Recipients: []string{"alice"}}})
	if len(sub.C) != 0 {
		t.Error("unsubscribed channel should not receive")
	}
}
