package registry

import "testing"

type fakeClient struct {
	id, name, typ string
}

func (f fakeClient) ID() string   { return f.id }
func (f fakeClient) Name() string { return f.name }
func (f fakeClient) Type() string { return f.typ }

func TestAddFindByID(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c1", name: "worker-a", typ: "consumer"})

	c, ok := r.FindByID("c1")
	if !ok || c.ID() != "c1" {
		t.Fatalf("expected to find c1")
	}
}

func TestFindByNameAndType(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c1", name: "worker", typ: "consumer"})
	r.Add(fakeClient{id: "c2", name: "worker", typ: "consumer"})
	r.Add(fakeClient{id: "c3", name: "other", typ: "producer"})

	byName := r.FindByName("worker")
	if len(byName) != 2 {
		t.Fatalf("expected 2 clients named worker, got %d", len(byName))
	}
	byType := r.FindByType("producer")
	if len(byType) != 1 {
		t.Fatalf("expected 1 producer, got %d", len(byType))
	}
}

func TestRemoveByIDTriggersListener(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c1", name: "worker", typ: "consumer"})

	removed := ""
	r.OnDisconnect(func(id string) { removed = id })

	r.RemoveByID("c1")
	if removed != "c1" {
		t.Fatalf("expected disconnect listener to fire with c1, got %q", removed)
	}
	if _, ok := r.FindByID("c1"); ok {
		t.Fatalf("expected c1 removed")
	}
	if len(r.FindByName("worker")) != 0 {
		t.Fatalf("expected name index cleaned up")
	}
}

// First-acquirer selection (e.g. cmd/hmqd's DeliverToSet picking element
// [0] of a "first only" scan) requires a stable, reproducible order, not
// Go's randomized map iteration order.
func TestFindByNameReturnsInsertionOrder(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c3", name: "worker", typ: "consumer"})
	r.Add(fakeClient{id: "c1", name: "worker", typ: "consumer"})
	r.Add(fakeClient{id: "c2", name: "worker", typ: "consumer"})

	for i := 0; i < 5; i++ {
		got := r.FindByName("worker")
		if len(got) != 3 || got[0].ID() != "c3" || got[1].ID() != "c1" || got[2].ID() != "c2" {
			t.Fatalf("expected insertion order [c3 c1 c2], got %v", ids(got))
		}
	}
}

func TestFindByTypeReturnsInsertionOrder(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c3", typ: "consumer"})
	r.Add(fakeClient{id: "c1", typ: "consumer"})
	r.Add(fakeClient{id: "c2", typ: "consumer"})

	for i := 0; i < 5; i++ {
		got := r.FindByType("consumer")
		if len(got) != 3 || got[0].ID() != "c3" || got[1].ID() != "c1" || got[2].ID() != "c2" {
			t.Fatalf("expected insertion order [c3 c1 c2], got %v", ids(got))
		}
	}
}

// Removing and re-adding a client must not resurrect its old position.
func TestFindByNameOrderSurvivesRemoveAndReAdd(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c1", name: "worker", typ: "consumer"})
	r.Add(fakeClient{id: "c2", name: "worker", typ: "consumer"})

	r.RemoveByID("c1")
	r.Add(fakeClient{id: "c1", name: "worker", typ: "consumer"})

	got := r.FindByName("worker")
	if len(got) != 2 || got[0].ID() != "c2" || got[1].ID() != "c1" {
		t.Fatalf("expected c1 to move to the back after remove+re-add, got %v", ids(got))
	}
}

func ids(clients []Client) []string {
	out := make([]string, len(clients))
	for i, c := range clients {
		out[i] = c.ID()
	}
	return out
}

func TestBroadcastPredicate(t *testing.T) {
	r := New()
	r.Add(fakeClient{id: "c1", typ: "consumer"})
	r.Add(fakeClient{id: "c2", typ: "producer"})

	var seen []string
	r.Broadcast(func(c Client) bool { return c.Type() == "consumer" }, func(c Client) {
		seen = append(seen, c.ID())
	})
	if len(seen) != 1 || seen[0] != "c1" {
		t.Fatalf("expected only c1 matched, got %v", seen)
	}
}
