package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rferraz/syncline/internal/model"
)

func TestGetSet(t *testing.T) {
	s := New()

	if _, ok := s.Get("missing"); ok {
		t.Error("Get(missing) should report absent")
	}

	s.Put(KeyProfile, model.Profile{ID: "u1"})
	p, ok := GetAs[model.Profile](s, KeyProfile)
	if !ok || p.ID != "u1" {
		t.Errorf("profile = %+v ok=%v, want u1", p, ok)
	}
}

func TestUpdateSeesCurrentValue(t *testing.T) {
	s := New()
	s.Put("k", 1)
	Update(s, "k", func(cur int) int { return cur + 41 })
	v, _ := GetAs[int](s, "k")
	if v != 42 {
		t.Errorf("value = %d, want 42", v)
	}
}

func TestUpdateAbsentKeyGetsZeroValue(t *testing.T) {
	s := New()
	Update(s, KeyConversations, func(cur []model.Conversation) []model.Conversation {
		if cur != nil {
			t.Errorf("expected nil current value, got %v", cur)
		}
		return append(cur, model.Conversation{ID: "c1"})
	})
	convs, _ := GetAs[[]model.Conversation](s, KeyConversations)
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
}

func TestFetchStates(t *testing.T) {
	s := New()
	if st := s.State("k"); st != StateIdle {
		t.Errorf("initial state = %s, want idle", st)
	}
	s.SetState("k", StateFetching)
	if s.State("k").Terminal() {
		t.Error("fetching should not be terminal")
	}
	s.SetState("k", StateSuccess)
	if !s.State("k").Terminal() {
		t.Error("success should be terminal")
	}
	s.SetState("k", StateError)
	if !s.State("k").Terminal() {
		t.Error("error should be terminal")
	}
}

func TestCompareAndSetState(t *testing.T) {
	s := New()

	// Absent keys count as idle.
	if !s.CompareAndSetState("k", StateIdle, StateFetching) {
		t.Fatal("idle -> fetching should win on a fresh key")
	}
	if st := s.State("k"); st != StateFetching {
		t.Errorf("state = %s, want fetching", st)
	}

	// A second claimant loses without touching the state.
	if s.CompareAndSetState("k", StateIdle, StateFetching) {
		t.Error("second idle -> fetching should lose")
	}
	if st := s.State("k"); st != StateFetching {
		t.Errorf("state = %s after losing swap, want fetching", st)
	}
}

func TestCompareAndSetStateRace(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CompareAndSetState("k", StateIdle, StateFetching) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("wins = %d, want exactly 1", wins.Load())
	}
}

func TestSubscribeNotifiedSynchronously(t *testing.T) {
	s := New()
	var seen []string
	unsub := s.Subscribe(func(key string) {
		seen = append(seen, key)
	})
	defer unsub()

	s.Put("a", 1)
	s.Put("b", 2)

	// Notification happens before Put returns, so no waiting is needed.
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("seen = %v, want [a b]", seen)
	}
}

func TestSubscriberReadsConsistentValue(t *testing.T) {
	s := New()
	unsub := s.Subscribe(func(key string) {
		// A subscriber reading during notification sees the new value,
		// never a mix of old and new.
		v, _ := GetAs[[]int](s, key)
		for _, x := range v {
			if x != v[0] {
				t.Errorf("torn read: %v", v)
			}
		}
	})
	defer unsub()

	s.Put("k", []int{1, 1, 1})
	s.Put("k", []int{2, 2, 2})
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := New()
	calls := 0
	unsub := s.Subscribe(func(string) { calls++ })
	s.Put("k", 1)
	unsub()
	s.Put("k", 2)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelete(t *testing.T) {
	s := New()
	s.Put("k", 1)
	s.SetState("k", StateSuccess)
	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Error("value should be gone after Delete")
	}
	if st := s.State("k"); st != StateIdle {
		t.Errorf("state after delete = %s, want idle", st)
	}
}

func TestKeyMessages(t *testing.T) {
	if got := KeyMessages("c1"); got != "messages/c1" {
		t.Errorf("KeyMessages(c1) = %q, want messages/c1", got)
	}
}
