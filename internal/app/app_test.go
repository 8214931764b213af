package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/engine"
	"github.com/rferraz/syncline/internal/gate"
	"github.com/rferraz/syncline/internal/merge"
	"github.com/rferraz/syncline/internal/model"
	"github.com/rferraz/syncline/internal/netstatus"
	"github.com/rferraz/syncline/internal/queue"
	"github.com/rferraz/syncline/internal/receipts"
	"github.com/rferraz/syncline/internal/unread"
	"go.uber.org/zap"
)

// fakeClient serves canned data and records calls.
type fakeClient struct {
	mu sync.Mutex

	profile    model.Profile
	convs      []model.Conversation
	groups     []model.GroupConversation
	msgs       map[string][]model.Message
	msgFetches int
	convsErr   error
	sends      []backend.SendRequest
	markedRead []string
}

func (f *fakeClient) FetchProfile(context.Context) (model.Profile, error) {
	return f.profile, nil
}

func (f *fakeClient) FetchConversations(context.Context) ([]model.Conversation, error) {
	if f.convsErr != nil {
		return nil, f.convsErr
	}
	return f.convs, nil
}

func (f *fakeClient) FetchGroups(context.Context) ([]model.GroupConversation, error) {
	return f.groups, nil
}

func (f *fakeClient) FetchMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	f.msgFetches++
	f.mu.Unlock()
	return f.msgs[conversationID], nil
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgFetches
}

func (f *fakeClient) SendMessage(_ context.Context, req backend.SendRequest) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	return model.Message{
		ID:             "srv:" + req.Nonce,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Nonce:          req.Nonce,
		Status:         model.StatusSent,
		CreatedAt:      time.Now().UnixMilli(),
	}, nil
}

func (f *fakeClient) MarkConversationRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, conversationID)
	return nil
}

func (f *fakeClient) Resync(context.Context, string) (backend.ResyncResult, error) {
	return backend.ResyncResult{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestBootstrapPopulatesAndGates(t *testing.T) {
	client := &fakeClient{
		profile: model.Profile{ID: "me"},
		convs:   []model.Conversation{{ID: "c1", UnreadCount: 1}},
		groups:  []model.GroupConversation{{ID: "g1"}},
	}
	s := cache.New()
	g := gate.New(s, nil, cache.KeyProfile, cache.KeyConversations, cache.KeyGroups)
	g.Start()
	defer g.Stop()

	boot := NewBootstrap(s, client, zap.NewNop())
	boot.Run(context.Background())

	waitFor(t, g.Ready)

	p, _ := cache.GetAs[model.Profile](s, cache.KeyProfile)
	if p.ID != "me" {
		t.Errorf("profile = %+v", p)
	}
	convs, _ := cache.GetAs[[]model.Conversation](s, cache.KeyConversations)
	if len(convs) != 1 {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestBootstrapErrorStillCompletesGate(t *testing.T) {
	client := &fakeClient{
		profile:  model.Profile{ID: "me"},
		convsErr: backend.Errf(backend.NetworkError, "down"),
	}
	s := cache.New()
	g := gate.New(s, nil, cache.KeyProfile, cache.KeyConversations, cache.KeyGroups)
	g.Start()
	defer g.Stop()

	NewBootstrap(s, client, zap.NewNop()).Run(context.Background())

	waitFor(t, g.Ready)
	if st := s.State(cache.KeyConversations); st != cache.StateError {
		t.Errorf("conversations state = %s, want error", st)
	}
}

func TestDispatcherRoutesSend(t *testing.T) {
	client := &fakeClient{}
	d := NewDispatcher(client)

	payload, _ := json.Marshal(backend.SendRequest{ConversationID: "c1", Content: "hi", Nonce: "n1"})
	result, err := d.Dispatch(context.Background(), queue.Op{
		ID: "n1", Kind: queue.KindSendMessage, ConversationID: "c1", Payload: payload,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	msg, ok := result.(model.Message)
	if !ok || msg.ID != "srv:n1" {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatcherRoutesMarkRead(t *testing.T) {
	client := &fakeClient{}
	d := NewDispatcher(client)

	if _, err := d.Dispatch(context.Background(), queue.Op{
		ID: "r1", Kind: queue.KindMarkRead, ConversationID: "c1", Payload: []byte(`{}`),
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(client.markedRead) != 1 || client.markedRead[0] != "c1" {
		t.Errorf("markedRead = %v", client.markedRead)
	}
}

func TestDispatcherUnknownKind(t *testing.T) {
	d := NewDispatcher(&fakeClient{})
	_, err := d.Dispatch(context.Background(), queue.Op{Kind: "mystery"})
	if err == nil {
		t.Fatal("unknown kind should fail")
	}
	if backend.Classify(err).Kind != backend.ValidationError {
		t.Errorf("kind = %s, want VALIDATION_ERROR", backend.Classify(err).Kind)
	}
}

// newFacade wires the full read surface against the fake client. The
// queue manager is created but never started; sends stay pending.
func newFacade(t *testing.T, client *fakeClient) (*Facade, *cache.Store) {
	t.Helper()
	b := bus.New()
	s := cache.New()
	s.Put(cache.KeyProfile, model.Profile{ID: "me"})
	s.Put(cache.KeyConversations, client.convs)
	s.Put(cache.KeyGroups, client.groups)
	s.SetState(cache.KeyConversations, cache.StateSuccess)
	s.SetState(cache.KeyGroups, cache.StateSuccess)
	s.SetState(cache.KeyProfile, cache.StateSuccess)

	g := gate.New(s, b)
	g.Start()
	t.Cleanup(g.Stop)

	q := queue.NewManager(nil, NewDispatcher(client), b, netstatus.NewMachine(b), zap.NewNop(), queue.Options{})
	e := engine.New(s, q, b, zap.NewNop())
	m := merge.New(s, client, nil, b, zap.NewNop())
	r := receipts.New(s, client, b, q, 5*time.Millisecond, time.Minute, zap.NewNop())
	u := unread.New(s, unread.SinkFunc(func(string) {}), zap.NewNop())

	return NewFacade(s, client, g, e, m, r, u, zap.NewNop()), s
}

func TestFacadeChatList(t *testing.T) {
	client := &fakeClient{
		convs:  []model.Conversation{{ID: "c1", UnreadCount: 3}},
		groups: []model.GroupConversation{{ID: "g1", UnreadCount: 2}},
	}
	f, _ := newFacade(t, client)

	if !f.AppReady() {
		t.Error("facade should be ready with all keys terminal")
	}
	convs, groups, loading := f.ChatList()
	if loading {
		t.Error("loading = true with terminal states")
	}
	if len(convs) != 1 || len(groups) != 1 {
		t.Errorf("lists = %v %v", convs, groups)
	}
	if f.UnreadTotal() != 5 {
		t.Errorf("UnreadTotal() = %d, want 5", f.UnreadTotal())
	}
}

func TestFacadeConversationLazyFetch(t *testing.T) {
	client := &fakeClient{
		convs: []model.Conversation{{ID: "c1"}},
		msgs: map[string][]model.Message{
			"c1": {{ID: "srv:1", ConversationID: "c1", CreatedAt: 100}},
		},
	}
	f, s := newFacade(t, client)

	_, _, loading := f.Conversation(context.Background(), "c1")
	if !loading {
		t.Error("first call should report loading")
	}

	waitFor(t, func() bool {
		return s.State(cache.KeyMessages("c1")).Terminal()
	})

	conv, msgs, loading := f.Conversation(context.Background(), "c1")
	if loading {
		t.Error("loading after fetch landed")
	}
	if conv.ID != "c1" {
		t.Errorf("conversation = %+v", conv)
	}
	if len(msgs) != 1 || msgs[0].ID != "srv:1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestFacadeConcurrentOpensFetchOnce(t *testing.T) {
	client := &fakeClient{
		convs: []model.Conversation{{ID: "c1"}},
		msgs: map[string][]model.Message{
			"c1": {{ID: "srv:1", ConversationID: "c1", CreatedAt: 100}},
		},
	}
	f, s := newFacade(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Conversation(context.Background(), "c1")
		}()
	}
	wg.Wait()

	waitFor(t, func() bool {
		return s.State(cache.KeyMessages("c1")).Terminal()
	})
	if got := client.fetchCount(); got != 1 {
		t.Errorf("fetches = %d, want exactly 1", got)
	}
}

func TestFacadeFetchPreservesOptimistic(t *testing.T) {
	client := &fakeClient{
		convs: []model.Conversation{{ID: "c1"}},
		msgs: map[string][]model.Message{
			"c1": {{ID: "srv:1", ConversationID: "c1", CreatedAt: 100}},
		},
	}
	f, s := newFacade(t, client)

	// Optimistic send lands before the first fetch completes.
	sent := f.SendMessage("c1", "pending")
	f.Conversation(context.Background(), "c1")

	waitFor(t, func() bool {
		return s.State(cache.KeyMessages("c1")).Terminal()
	})

	_, msgs, _ := f.Conversation(context.Background(), "c1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want fetched + optimistic", msgs)
	}
	var foundOptimistic bool
	for _, m := range msgs {
		if m.ID == sent.ID {
			foundOptimistic = true
		}
	}
	if !foundOptimistic {
		t.Error("optimistic entry clobbered by fetch")
	}
}

func TestFacadeOpenConversationMarksRead(t *testing.T) {
	client := &fakeClient{
		convs: []model.Conversation{{ID: "c1", UnreadCount: 4}},
	}
	f, s := newFacade(t, client)

	f.OpenConversation("c1")

	waitFor(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.markedRead) == 1
	})
	waitFor(t, func() bool {
		convs, _ := cache.GetAs[[]model.Conversation](s, cache.KeyConversations)
		return convs[0].UnreadCount == 0
	})
}

func TestFacadeCloseConversationCancelsPending(t *testing.T) {
	client := &fakeClient{
		convs: []model.Conversation{{ID: "c1", UnreadCount: 4}},
	}
	f, _ := newFacade(t, client)

	f.OpenConversation("c1")
	f.CloseConversation("c1")

	time.Sleep(30 * time.Millisecond)
	client.mu.Lock()
	n := len(client.markedRead)
	client.mu.Unlock()
	if n != 0 {
		t.Errorf("markedRead = %d, want 0 after immediate close", n)
	}
}

func TestFacadeSendReturnsOptimistic(t *testing.T) {
	client := &fakeClient{convs: []model.Conversation{{ID: "c1"}}}
	f, s := newFacade(t, client)

	msg := f.SendMessage("c1", "hello")
	if !msg.Optimistic || msg.Status != model.StatusQueued {
		t.Errorf("message = %+v", msg)
	}
	msgs, _ := cache.GetAs[[]model.Message](s, cache.KeyMessages("c1"))
	if len(msgs) != 1 {
		t.Errorf("cached = %+v", msgs)
	}
}
