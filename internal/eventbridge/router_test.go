package eventbridge

import (
	"testing"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := Event{EventID: "evt-1", ChainID: "alpha", Type: TypeTaskStarted}
	second := Event{EventID: "evt-2", ChainID: "alpha", Type: TypeTaskCompleted}
	router.Route(first)
	router.Route(second)
	sub := router.Subscribe("alpha")
	defer sub.Close()
	got1 := <-sub.Events
	if got1.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got1.EventID)
	}
	got2 := <-sub.Events
	if got2.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got2.EventID)
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("alpha")
	defer sub.Close()
	event := Event{EventID: "evt-1", ChainID: "alpha", Type: TypeTaskAttempt}
	router.Route(event)
	router.Route(event)
	select {
	case got := <-sub.Events:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterIsolatesChains(t *testing.T) {
	router := NewRouter()
	alpha := router.Subscribe("alpha")
	defer alpha.Close()
	beta := router.Subscribe("beta")
	defer beta.Close()
	router.Route(Event{EventID: "evt-1", ChainID: "beta", Type: TypeChainStatus})
	select {
	case got := <-alpha.Events:
		t.Fatalf("alpha received beta event %s", got.EventID)
	default:
	}
	if got := <-beta.Events; got.EventID != "evt-1" {
		t.Fatalf("expected beta event, got %s", got.EventID)
	}
}

func TestRouterDropsOldestPreferredEventOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	oldest := Event{EventID: "evt-1", ChainID: "alpha", Type: TypeChainProgress}
	critical := Event{EventID: "evt-2", ChainID: "alpha", Type: TypeChainStatus}
	router.Route(oldest)
	router.Route(critical)
	if got := <-sub.Events; got.EventID != critical.EventID {
		t.Fatalf("expected critical event to replace oldest, got %s", got.EventID)
	}
}

func TestRouterDropsIncomingWhenOldestCritical(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("alpha")
	defer sub.Close()
	oldest := Event{EventID: "evt-1", ChainID: "alpha", Type: TypeClarificationRequested}
	droppable := Event{EventID: "evt-2", ChainID: "alpha", Type: TypeChainProgress}
	router.Route(oldest)
	router.Route(droppable)
	if got := <-sub.Events; got.EventID != oldest.EventID {
		t.Fatalf("expected oldest critical event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestRouterBacklogKeepsCriticalEvents(t *testing.T) {
	router := NewRouter(RouterWithBacklogLimit(2))
	router.Route(Event{EventID: "evt-1", ChainID: "alpha", Type: TypeChainStatus})
	router.Route(Event{EventID: "evt-2", ChainID: "alpha", Type: TypeChainProgress})
	router.Route(Event{EventID: "evt-3", ChainID: "alpha", Type: TypeTaskCompleted})
	sub := router.Subscribe("alpha")
	defer sub.Close()
	if got := <-sub.Events; got.EventID != "evt-1" {
		t.Fatalf("expected critical event to survive backlog trim, got %s", got.EventID)
	}
	if got := <-sub.Events; got.EventID != "evt-3" {
		t.Fatalf("expected newest event after trim, got %s", got.EventID)
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("alpha")
	sub.Close()
	if _, ok := <-sub.Events; ok {
		t.Fatalf("expected closed channel after Close")
	}
	router.Route(Event{EventID: "evt-1", ChainID: "alpha", Type: TypeChainStatus})
}
