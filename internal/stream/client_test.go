package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/backoff"
	"chatsync/internal/domain"
	"chatsync/internal/outbox"
)

type fakeSub struct {
	closed atomic.Int32
}

func (s *fakeSub) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeBackend struct {
	mu          sync.Mutex
	insertFails int           // fail this many InsertMessage calls before succeeding
	insertGate  chan struct{} // when set, InsertMessage blocks until it closes
	insertCalls int
	updateCalls int
	inserted    []domain.Message
	reactionErr error
	receiptErr  error
	listResult  []domain.Message
	event       func(domain.ChangeEvent)
	status      func(domain.FeedStatus, error)
	sub         *fakeSub
}

func (b *fakeBackend) OpenFeed(_ context.Context, _ []domain.ChangeFilter, status func(domain.FeedStatus, error), event func(domain.ChangeEvent)) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.event = event
	b.status = status
	b.sub = &fakeSub{}
	return b.sub, nil
}

func (b *fakeBackend) OpenRoster(context.Context, string, func(domain.FeedStatus, error)) (domain.Roster, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBackend) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	b.mu.Lock()
	b.insertCalls++
	gate := b.insertGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.insertFails > 0 {
		b.insertFails--
		return domain.Message{}, errors.New("insert refused")
	}
	canonical := msg
	canonical.ID = fmt.Sprintf("srv-%d", len(b.inserted)+1)
	b.inserted = append(b.inserted, canonical)
	return canonical, nil
}

func (b *fakeBackend) UpdateMessage(_ context.Context, id, body string) (domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCalls++
	return domain.Message{ID: id, Body: body}, nil
}

func (b *fakeBackend) SoftDeleteMessage(_ context.Context, id string) (domain.Message, error) {
	now := time.Now()
	return domain.Message{ID: id, DeletedAt: &now}, nil
}

func (b *fakeBackend) InsertReaction(context.Context, domain.ReactionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reactionErr
}

func (b *fakeBackend) DeleteReaction(context.Context, domain.ReactionEvent) error { return nil }

func (b *fakeBackend) InsertReadReceipt(context.Context, domain.ReadReceipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiptErr
}

func (b *fakeBackend) ListMessages(context.Context, string, time.Time, int) ([]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listResult, nil
}

func (b *fakeBackend) TouchLastSeen(context.Context, string, time.Time) error { return nil }

func (b *fakeBackend) emit(ev domain.ChangeEvent) {
	b.mu.Lock()
	fn := b.event
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type stubMonitor struct {
	mu         sync.Mutex
	online     bool
	foreground bool
	waiters    []chan struct{}
}

func newStubMonitor() *stubMonitor {
	return &stubMonitor{online: true, foreground: true}
}

func (m *stubMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *stubMonitor) Foreground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

func (m *stubMonitor) Notify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.waiters = append(m.waiters, ch)
	return ch
}

func (m *stubMonitor) set(online, foreground bool) {
	m.mu.Lock()
	m.online = online
	m.foreground = foreground
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()
	for _, ch := range waiters {
		ch <- struct{}{}
		close(ch)
	}
}

// recorder captures handler callbacks under a lock so tests can poll.
type recorder struct {
	mu       sync.Mutex
	news     []domain.Message
	updates  []string // "prevID->ID"
	deletes  []string
	connLog  []bool
	reactive []domain.ReactionEvent
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnNewMessage: func(m domain.Message) {
			r.mu.Lock()
			r.news = append(r.news, m)
			r.mu.Unlock()
		},
		OnMessageUpdated: func(prevID string, m domain.Message) {
			r.mu.Lock()
			r.updates = append(r.updates, prevID+"->"+m.ID)
			r.mu.Unlock()
		},
		OnMessageDeleted: func(id string) {
			r.mu.Lock()
			r.deletes = append(r.deletes, id)
			r.mu.Unlock()
		},
		OnReactionAdded: func(ev domain.ReactionEvent) {
			r.mu.Lock()
			r.reactive = append(r.reactive, ev)
			r.mu.Unlock()
		},
		OnConnectionChange: func(up bool) {
			r.mu.Lock()
			r.connLog = append(r.connLog, up)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (news, updates, deletes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.news {
		news = append(news, m.ID)
	}
	updates = append(updates, r.updates...)
	deletes = append(deletes, r.deletes...)
	return
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestClient(t *testing.T, backend *fakeBackend, mon *stubMonitor) (*Client, *outbox.Store) {
	t.Helper()
	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), nil)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := New(Config{
		Backend: backend,
		Queue:   store,
		Monitor: mon,
		UserID:  "me",
		Backoff: backoff.Policy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
	})
	t.Cleanup(c.Unsubscribe)
	return c, store
}

func messageEvent(typ domain.ChangeType, msg domain.Message) domain.ChangeEvent {
	raw, _ := json.Marshal(msg)
	return domain.ChangeEvent{Type: typ, Table: domain.TableMessages, New: raw}
}

func TestSendConfirmsAndEmptiesQueue(t *testing.T) {
	backend := &fakeBackend{}
	rec := &recorder{}
	c, store := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	msg, err := c.Send(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !msg.IsTemp() {
		t.Fatalf("send returned non-temporary id %q", msg.ID)
	}

	waitFor(t, func() bool {
		_, updates, _ := rec.snapshot()
		return len(updates) == 1
	})
	news, updates, _ := rec.snapshot()
	if len(news) != 1 || news[0] != msg.ID {
		t.Fatalf("optimistic callbacks = %v, want one with %s", news, msg.ID)
	}
	if want := msg.ID + "->srv-1"; updates[0] != want {
		t.Fatalf("update = %q, want %q", updates[0], want)
	}
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Fatalf("queue depth after confirm = %d, want 0", n)
	}
}

func TestOfflineSendDrainsOnReconnect(t *testing.T) {
	backend := &fakeBackend{}
	mon := newStubMonitor()
	mon.set(false, true)
	rec := &recorder{}
	c, store := newTestClient(t, backend, mon)

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe while offline: %v", err)
	}
	if c.State() != domain.StateError {
		t.Fatalf("state while offline = %v, want %v", c.State(), domain.StateError)
	}

	msg, err := c.Send(context.Background(), "queued while offline", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	news, updates, _ := rec.snapshot()
	if len(news) != 1 || len(updates) != 0 {
		t.Fatalf("offline send: news=%v updates=%v", news, updates)
	}
	if n, _ := store.Len(context.Background()); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	mon.set(true, true)
	waitFor(t, func() bool {
		_, updates, _ := rec.snapshot()
		return len(updates) == 1
	})
	_, updates, _ = rec.snapshot()
	if want := msg.ID + "->srv-1"; updates[0] != want {
		t.Fatalf("update = %q, want %q", updates[0], want)
	}
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Fatalf("queue depth after drain = %d, want 0", n)
	}
}

func TestSendDuringInFlightDrainStillFlushes(t *testing.T) {
	backend := &fakeBackend{}
	mon := newStubMonitor()
	rec := &recorder{}
	c, store := newTestClient(t, backend, mon)

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	// Stall the first insert so a drain pass is mid-flight, having
	// already read the queue, when the second send enqueues.
	gate := make(chan struct{})
	backend.mu.Lock()
	backend.insertGate = gate
	backend.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Send(context.Background(), "first", ""); err != nil {
			t.Errorf("first send: %v", err)
		}
	}()
	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.insertCalls >= 1
	})

	if _, err := c.Send(context.Background(), "second", ""); err != nil {
		t.Fatalf("second send: %v", err)
	}
	close(gate)
	wg.Wait()

	// The running pass must rerun and pick up the raced enqueue.
	waitFor(t, func() bool {
		_, updates, _ := rec.snapshot()
		return len(updates) == 2
	})
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Fatalf("queue depth after drain = %d, want 0", n)
	}
}

func TestSendDroppedAfterRetryCeiling(t *testing.T) {
	backend := &fakeBackend{insertFails: 100}
	rec := &recorder{}
	c, store := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	msg, err := c.Send(context.Background(), "doomed", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// Each drain pass makes one attempt; the entry is dropped once the
	// retry counter reaches the ceiling.
	c.Drain(context.Background())
	c.Drain(context.Background())

	waitFor(t, func() bool {
		_, _, deletes := rec.snapshot()
		return len(deletes) == 1
	})
	_, _, deletes := rec.snapshot()
	if deletes[0] != msg.ID {
		t.Fatalf("deleted id = %q, want %q", deletes[0], msg.ID)
	}
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Fatalf("queue depth after drop = %d, want 0", n)
	}

	// No further callbacks for the dropped entry.
	c.Drain(context.Background())
	_, _, deletes = rec.snapshot()
	if len(deletes) != 1 {
		t.Fatalf("deletes fired %d times, want exactly once", len(deletes))
	}
}

func TestDuplicateInsertEventDeduplicated(t *testing.T) {
	backend := &fakeBackend{}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	in := domain.Message{ID: "m1", ConversationID: "conv-1", SenderID: "them", Body: "hi", CreatedAt: time.Now()}
	backend.emit(messageEvent(domain.ChangeInsert, in))
	backend.emit(messageEvent(domain.ChangeInsert, in))

	news, _, _ := rec.snapshot()
	if len(news) != 1 || news[0] != "m1" {
		t.Fatalf("news = %v, want exactly one m1", news)
	}
}

func TestOwnInsertEchoWhilePendingIgnored(t *testing.T) {
	backend := &fakeBackend{insertFails: 100}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	if _, err := c.Send(context.Background(), "pending", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	echo := domain.Message{ID: "srv-9", ConversationID: "conv-1", SenderID: "me", Body: "pending", CreatedAt: time.Now()}
	backend.emit(messageEvent(domain.ChangeInsert, echo))

	news, _, _ := rec.snapshot()
	for _, id := range news {
		if id == "srv-9" {
			t.Fatal("own echo surfaced as a new message while a send is pending")
		}
	}
}

func TestUpdateForUnknownRowWhilePendingIgnored(t *testing.T) {
	backend := &fakeBackend{insertFails: 100}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	if _, err := c.Send(context.Background(), "pending", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	backend.emit(messageEvent(domain.ChangeUpdate,
		domain.Message{ID: "srv-9", ConversationID: "conv-1", SenderID: "me", Body: "pending"}))

	_, updates, _ := rec.snapshot()
	if len(updates) != 0 {
		t.Fatalf("updates = %v, want none", updates)
	}
}

func TestTombstoneUpdateFiresDeletion(t *testing.T) {
	backend := &fakeBackend{}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	backend.emit(messageEvent(domain.ChangeInsert,
		domain.Message{ID: "m1", ConversationID: "conv-1", SenderID: "them", Body: "hi"}))
	now := time.Now()
	backend.emit(messageEvent(domain.ChangeUpdate,
		domain.Message{ID: "m1", ConversationID: "conv-1", SenderID: "them", DeletedAt: &now}))

	_, updates, deletes := rec.snapshot()
	if len(deletes) != 1 || deletes[0] != "m1" {
		t.Fatalf("deletes = %v, want [m1]", deletes)
	}
	if len(updates) != 0 {
		t.Fatalf("tombstone also surfaced as update: %v", updates)
	}
}

func TestEditRejectsForeignAuthor(t *testing.T) {
	backend := &fakeBackend{}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	backend.emit(messageEvent(domain.ChangeInsert,
		domain.Message{ID: "m1", ConversationID: "conv-1", SenderID: "them", Body: "hi"}))

	if _, err := c.EditMessage(context.Background(), "m1", "nope"); !errors.Is(err, domain.ErrNotAuthor) {
		t.Fatalf("edit foreign message: err = %v, want ErrNotAuthor", err)
	}
	if err := c.DeleteMessage(context.Background(), "m1"); !errors.Is(err, domain.ErrNotAuthor) {
		t.Fatalf("delete foreign message: err = %v, want ErrNotAuthor", err)
	}
	backend.mu.Lock()
	calls := backend.updateCalls
	backend.mu.Unlock()
	if calls != 0 {
		t.Fatalf("backend update called %d times for a rejected edit", calls)
	}
}

func TestAddReactionDuplicateSwallowed(t *testing.T) {
	backend := &fakeBackend{reactionErr: &domain.BackendError{Code: domain.CodeUniqueViolation, Message: "duplicate"}}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.AddReaction(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("duplicate reaction surfaced: %v", err)
	}
}

func TestMarkReadDuplicateSwallowed(t *testing.T) {
	backend := &fakeBackend{receiptErr: &domain.BackendError{Code: domain.CodeUniqueViolation, Message: "duplicate"}}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.MarkRead(context.Background(), "m1"); err != nil {
		t.Fatalf("duplicate receipt surfaced: %v", err)
	}
}

func TestSubscribeResurfacesQueuedSends(t *testing.T) {
	backend := &fakeBackend{}
	rec := &recorder{}
	store, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), nil)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer store.Close()

	leftover := domain.Message{
		ID: domain.TempIDPrefix + "old", ConversationID: "conv-1",
		SenderID: "me", Body: "from last session", CreatedAt: time.Now(),
	}
	if err := store.Enqueue(context.Background(), domain.QueuedSend{
		TempID: leftover.ID, Payload: leftover, EnqueuedAt: leftover.CreatedAt,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c := New(Config{
		Backend: backend,
		Queue:   store,
		Monitor: newStubMonitor(),
		UserID:  "me",
		Backoff: backoff.Policy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
	})
	defer c.Unsubscribe()

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, func() bool {
		_, updates, _ := rec.snapshot()
		return len(updates) == 1
	})
	news, updates, _ := rec.snapshot()
	if len(news) != 1 || news[0] != leftover.ID {
		t.Fatalf("resurfaced = %v, want [%s]", news, leftover.ID)
	}
	if !strings.HasPrefix(updates[0], leftover.ID+"->") {
		t.Fatalf("update = %q, want confirmation for %s", updates[0], leftover.ID)
	}
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Fatalf("queue depth after redrain = %d, want 0", n)
	}
}

func TestLoadMoreRegistersForDedup(t *testing.T) {
	backend := &fakeBackend{listResult: []domain.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "them", Body: "old"},
	}}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	msgs, err := c.LoadMore(context.Background(), time.Now(), 50)
	if err != nil {
		t.Fatalf("load more: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("page size = %d, want 1", len(msgs))
	}

	backend.emit(messageEvent(domain.ChangeInsert,
		domain.Message{ID: "m1", ConversationID: "conv-1", SenderID: "them", Body: "old"}))
	news, _, _ := rec.snapshot()
	if len(news) != 0 {
		t.Fatalf("paged-in row resurfaced as new: %v", news)
	}
}

func TestFeedErrorTriggersResubscribe(t *testing.T) {
	backend := &fakeBackend{}
	rec := &recorder{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", rec.handlers()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	backend.mu.Lock()
	status := backend.status
	backend.mu.Unlock()
	status(domain.FeedError, errors.New("channel torn down"))

	waitFor(t, func() bool { return c.State() == domain.StateActive })
	rec.mu.Lock()
	log := append([]bool(nil), rec.connLog...)
	rec.mu.Unlock()
	if len(log) < 3 || !log[len(log)-1] {
		t.Fatalf("connection log = %v, want up, down, up", log)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newTestClient(t, backend, newStubMonitor())

	if err := c.Subscribe(context.Background(), "conv-1", Handlers{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return c.State() == domain.StateActive })

	c.Unsubscribe()
	c.Unsubscribe()

	backend.mu.Lock()
	closed := backend.sub.closed.Load()
	backend.mu.Unlock()
	if closed == 0 {
		t.Fatal("subscription not closed")
	}
	if got := c.State(); got != domain.StateIdle {
		t.Fatalf("state after unsubscribe = %v, want %v", got, domain.StateIdle)
	}
}
