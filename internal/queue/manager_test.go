package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/netstatus"
	"github.com/rferraz/syncline/internal/store"
	"go.uber.org/zap"
)

// fakeDispatcher records dispatched ops and answers from a scripted queue
// of errors (nil meaning success).
type fakeDispatcher struct {
	mu      sync.Mutex
	ops     []Op
	results []error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, op Op) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if len(f.results) == 0 {
		return "ok", nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	if err != nil {
		return nil, err
	}
	return "ok", nil
}

func (f *fakeDispatcher) dispatched() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.ops))
	copy(out, f.ops)
	return out
}

func onlineMachine(t *testing.T, b *bus.Bus) *netstatus.Machine {
	t.Helper()
	m := netstatus.NewMachine(b)
	if err := m.Transition(netstatus.Online); err != nil {
		t.Fatal(err)
	}
	return m
}

func fastOptions() Options {
	return Options{
		BackoffBase: 5 * time.Millisecond,
		QueryCap:    100 * time.Millisecond,
		MutationCap: 50 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestDispatchSuccessEmitsAck(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{}
	m := NewManager(nil, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())

	ackCh, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()

	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	select {
	case evt := <-ackCh:
		if evt.Kind != bus.KindSendAck {
			t.Fatalf("kind = %q, want message.ack", evt.Kind)
		}
		ack := evt.Payload.(Ack)
		if ack.Op.ID != "n1" || ack.Result != "ok" {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}

	waitFor(t, time.Second, func() bool { return m.Pending() == 0 })
}

func TestPerConversationFIFO(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{}
	m := NewManager(nil, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())
	m.Start(context.Background())
	defer m.Stop()

	for _, id := range []string{"a1", "a2", "a3"} {
		m.Enqueue(Op{ID: id, Kind: KindSendMessage, ConversationID: "c1"})
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.dispatched()) == 3 })

	ops := d.dispatched()
	for i, want := range []string{"a1", "a2", "a3"} {
		if ops[i].ID != want {
			t.Errorf("dispatch order[%d] = %s, want %s", i, ops[i].ID, want)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{results: []error{
		backend.Errf(backend.NetworkError, "flaky"),
		nil,
	}}
	m := NewManager(nil, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())

	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	var kinds []string
	deadline := time.After(3 * time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-deadline:
			t.Fatalf("timeout, saw %v", kinds)
		}
	}
	if kinds[0] != bus.KindSendRetry || kinds[1] != bus.KindSendAck {
		t.Errorf("kinds = %v, want [message.retry message.ack]", kinds)
	}
}

func TestTerminalErrorDropsImmediately(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{results: []error{
		backend.Errf(backend.ValidationError, "bad payload"),
	}}
	m := NewManager(nil, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())

	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSendFailed {
			t.Fatalf("kind = %q, want message.failed", evt.Kind)
		}
		fail := evt.Payload.(Failure)
		if fail.Err.Kind != backend.ValidationError {
			t.Errorf("error kind = %s", fail.Err.Kind)
		}
		if fail.Op.Attempt != 1 {
			t.Errorf("attempts = %d, want 1 (no retries)", fail.Op.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for failure")
	}
	if len(d.dispatched()) != 1 {
		t.Errorf("dispatch count = %d, want 1", len(d.dispatched()))
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{results: []error{
		backend.Errf(backend.NetworkError, "down"),
		backend.Errf(backend.NetworkError, "down"),
		backend.Errf(backend.NetworkError, "down"),
	}}
	m := NewManager(nil, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())

	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	var last string
	deadline := time.After(5 * time.Second)
	for last != bus.KindSendFailed {
		select {
		case evt := <-ch:
			last = evt.Kind
		case <-deadline:
			t.Fatalf("never saw message.failed, last = %q", last)
		}
	}
	// MaxAttempts is 3, so exactly three dispatches happened.
	if got := len(d.dispatched()); got != 3 {
		t.Errorf("dispatch count = %d, want 3", got)
	}
}

func TestUnknownErrorGetsSingleRetry(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{results: []error{
		backend.Errf(backend.UnknownError, "odd"),
		backend.Errf(backend.UnknownError, "odd"),
	}}
	m := NewManager(nil, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())

	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	var last string
	deadline := time.After(3 * time.Second)
	for last != bus.KindSendFailed {
		select {
		case evt := <-ch:
			last = evt.Kind
		case <-deadline:
			t.Fatalf("never saw message.failed, last = %q", last)
		}
	}
	if got := len(d.dispatched()); got != 2 {
		t.Errorf("dispatch count = %d, want 2 for unknown errors", got)
	}
}

func TestOfflineBuffersUntilOnline(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{}
	net := netstatus.NewMachine(b)
	if err := net.Transition(netstatus.Offline); err != nil {
		t.Fatal(err)
	}
	m := NewManager(nil, d, b, net, zap.NewNop(), fastOptions())
	m.Start(context.Background())
	defer m.Stop()

	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})
	m.Enqueue(Op{ID: "n2", Kind: KindSendMessage, ConversationID: "c2"})

	time.Sleep(50 * time.Millisecond)
	if got := len(d.dispatched()); got != 0 {
		t.Fatalf("dispatched %d ops while offline", got)
	}
	if m.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", m.Pending())
	}

	if err := net.Transition(netstatus.Online); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.dispatched()) == 2 })
}

func TestOnlineEdgeResetsPacingNotAttempts(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{results: []error{
		backend.Errf(backend.NetworkError, "down"),
	}}
	net := onlineMachine(t, b)
	opts := fastOptions()
	opts.BackoffBase = 10 * time.Second // long enough that only a pacing reset can run the retry
	m := NewManager(nil, d, b, net, zap.NewNop(), opts)

	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	var retry Retry
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSendRetry {
			t.Fatalf("kind = %q, want message.retry", evt.Kind)
		}
		retry = evt.Payload.(Retry)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for retry")
	}
	if retry.Op.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", retry.Op.Attempt)
	}

	// Bounce connectivity; the pending op becomes due immediately.
	if err := net.Transition(netstatus.Offline); err != nil {
		t.Fatal(err)
	}
	if err := net.Transition(netstatus.Online); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(d.dispatched()) == 2 })

	ops := d.dispatched()
	if ops[1].Attempt != 1 {
		t.Errorf("attempt after reconnect = %d, want 1 (budget preserved)", ops[1].Attempt)
	}
}

// Connectivity bouncing while an op's failure is being concluded must
// not corrupt its attempt counter: the lane entry is only written under
// the manager lock, so churn on the online edge and a retry conclusion
// serialize cleanly.
func TestReconnectChurnDuringRetries(t *testing.T) {
	b := bus.New()
	d := &fakeDispatcher{results: []error{
		backend.Errf(backend.NetworkError, "down"),
		backend.Errf(backend.NetworkError, "down"),
		backend.Errf(backend.NetworkError, "down"),
	}}
	net := onlineMachine(t, b)
	m := NewManager(nil, d, b, net, zap.NewNop(), fastOptions())

	ch, unsub := b.Subscribe("message.", 64)
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()
	m.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1"})

	bounced := make(chan struct{})
	go func() {
		defer close(bounced)
		for i := 0; i < 25; i++ {
			_ = net.Transition(netstatus.Offline)
			_ = net.Transition(netstatus.Online)
			time.Sleep(time.Millisecond)
		}
	}()

	var fail Failure
	deadline := time.After(5 * time.Second)
	for fail.Op.ID == "" {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindSendFailed {
				fail = evt.Payload.(Failure)
			}
		case <-deadline:
			t.Fatal("never saw message.failed under reconnect churn")
		}
	}
	<-bounced

	if fail.Op.Attempt != 3 {
		t.Errorf("attempts = %d, want 3", fail.Op.Attempt)
	}
	if got := len(d.dispatched()); got != 3 {
		t.Errorf("dispatch count = %d, want 3 (no lost or doubled attempts)", got)
	}
	if m.Pending() != 0 {
		t.Errorf("pending = %d, want 0", m.Pending())
	}
}

func TestLoadRestoresPersistedOps(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	d := &fakeDispatcher{}

	// First manager enqueues but never starts: ops stay in the outbox.
	m1 := NewManager(db, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())
	m1.Enqueue(Op{ID: "n1", Kind: KindSendMessage, ConversationID: "c1", Payload: []byte(`{"content":"hi"}`)})
	m1.Enqueue(Op{ID: "n2", Kind: KindMarkRead, ConversationID: "c1", Payload: []byte(`{}`)})

	// Second manager simulates a restart.
	m2 := NewManager(db, d, b, onlineMachine(t, b), zap.NewNop(), fastOptions())
	if err := m2.Load(); err != nil {
		t.Fatal(err)
	}
	if m2.Pending() != 2 {
		t.Fatalf("restored pending = %d, want 2", m2.Pending())
	}

	m2.Start(context.Background())
	defer m2.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(d.dispatched()) == 2 })

	ops := d.dispatched()
	if ops[0].ID != "n1" || ops[1].ID != "n2" {
		t.Errorf("replay order = [%s %s], want [n1 n2]", ops[0].ID, ops[1].ID)
	}
	if string(ops[0].Payload) != `{"content":"hi"}` {
		t.Errorf("payload = %s", ops[0].Payload)
	}
}
