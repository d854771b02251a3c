package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memRecords 是测试用的内存 RecordStore。
type memRecords struct {
	mu        sync.Mutex
	data      map[string][]Message
	failWrite bool
}

func newMemRecords() *memRecords {
	return &memRecords{data: make(map[string][]Message)}
}

func (r *memRecords) Load(ctx context.Context, sessionID string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneMessages(r.data[sessionID]), nil
}

func (r *memRecords) Append(ctx context.Context, sessionID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite {
		return errors.New("disk full")
	}
	r.data[sessionID] = append(r.data[sessionID], msg)
	return nil
}

func (r *memRecords) Replace(ctx context.Context, sessionID string, msgs []Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite {
		return errors.New("disk full")
	}
	r.data[sessionID] = cloneMessages(msgs)
	return nil
}

func (r *memRecords) Clear(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, sessionID)
	return nil
}

func TestStoreResolveReturnsSameInstance(t *testing.T) {
	store, err := NewStore(&fakeGenerator{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	first, err := store.Resolve(ctx, "carol")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := store.Resolve(ctx, "carol")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same conversation instance")
	}
	if ids := store.Sessions(); len(ids) != 1 || ids[0] != "carol" {
		t.Fatalf("unexpected sessions: %v", ids)
	}
}

func TestStoreSessionsAreIndependent(t *testing.T) {
	store, err := NewStore(&fakeGenerator{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	alice, _ := store.Resolve(ctx, "alice")
	bob, _ := store.Resolve(ctx, "bob")
	for i := 0; i < 3; i++ {
		if err := alice.Append(ctx, NewUserMessage(fmt.Sprintf("alice %d", i))); err != nil {
			t.Fatalf("alice append: %v", err)
		}
		if err := bob.Append(ctx, NewUserMessage(fmt.Sprintf("bob %d", i))); err != nil {
			t.Fatalf("bob append: %v", err)
		}
	}

	am := alice.Messages()
	bm := bob.Messages()
	if len(am) != 3 || len(bm) != 3 {
		t.Fatalf("expected 3 messages each, got alice=%d bob=%d", len(am), len(bm))
	}
	for i := 0; i < 3; i++ {
		if am[i].Content != fmt.Sprintf("alice %d", i) {
			t.Fatalf("alice[%d] = %q", i, am[i].Content)
		}
		if bm[i].Content != fmt.Sprintf("bob %d", i) {
			t.Fatalf("bob[%d] = %q", i, bm[i].Content)
		}
	}
}

func TestStoreConcurrentFirstAccess(t *testing.T) {
	store, err := NewStore(&fakeGenerator{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	const workers = 32
	results := make([]*Conversation, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := store.Resolve(ctx, fmt.Sprintf("s%d", i%4))
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			results[i] = conv
		}(i)
	}
	wg.Wait()

	for i := 4; i < workers; i++ {
		if results[i] != results[i%4] {
			t.Fatalf("worker %d got a different instance for s%d", i, i%4)
		}
	}
	if n := len(store.Sessions()); n != 4 {
		t.Fatalf("expected 4 sessions, got %d", n)
	}
}

func TestStoreConcurrentTurnsOnSameSession(t *testing.T) {
	store, err := NewStore(&fakeGenerator{}, WithLimits(100, 10))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := store.Resolve(ctx, "shared")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			conv.Lock()
			defer conv.Unlock()
			_ = conv.Append(ctx, NewUserMessage(fmt.Sprintf("q%d", i)))
			_ = conv.Append(ctx, NewAssistantMessage(fmt.Sprintf("a%d", i)))
		}(i)
	}
	wg.Wait()

	conv, _ := store.Get("shared")
	msgs := conv.Messages()
	if len(msgs) != 40 {
		t.Fatalf("expected 40 messages, got %d", len(msgs))
	}
	// 轮次串行：每条用户消息后紧跟对应的助手回复。
	for i := 0; i < len(msgs); i += 2 {
		q, a := msgs[i].Content, msgs[i+1].Content
		if q[1:] != a[1:] {
			t.Fatalf("turn interleaved at %d: %q / %q", i, q, a)
		}
	}
}

func TestStoreRejectsInvalidConfig(t *testing.T) {
	if _, err := NewStore(&fakeGenerator{}, WithLimits(4, 5)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewStore(nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for nil generator, got %v", err)
	}

	store, _ := NewStore(&fakeGenerator{})
	if _, err := store.Resolve(context.Background(), ""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for empty id, got %v", err)
	}
}

func TestStoreWithoutAutoCreate(t *testing.T) {
	records := newMemRecords()
	records.data["known"] = []Message{NewUserMessage("hello")}

	store, err := NewStore(&fakeGenerator{}, WithRecords(records), WithoutAutoCreate())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Resolve(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(store.Sessions()) != 0 {
		t.Fatalf("failed resolve must not leave an entry")
	}
	conv, err := store.Resolve(ctx, "known")
	if err != nil {
		t.Fatalf("resolve known: %v", err)
	}
	if conv.Len() != 1 {
		t.Fatalf("expected restored history, got %d", conv.Len())
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from Get, got %v", err)
	}
}

func TestStorePersistsAppendsAndCompaction(t *testing.T) {
	records := newMemRecords()
	store, err := NewStore(&fakeGenerator{reply: "short"}, WithRecords(records), WithLimits(4, 2))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	conv, _ := store.Resolve(ctx, "dave")
	for i := 0; i < 5; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	persisted, _ := records.Load(ctx, "dave")
	if len(persisted) != 3 || !persisted[0].IsSummary() {
		t.Fatalf("expected persisted compaction, got %#v", persisted)
	}

	// 新的 Store 从记录中恢复相同内容。
	reopened, _ := NewStore(&fakeGenerator{}, WithRecords(records), WithLimits(4, 2))
	restored, err := reopened.Resolve(ctx, "dave")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if restored.State() != StateCompacted || restored.Len() != 3 {
		t.Fatalf("unexpected restored state %s len %d", restored.State(), restored.Len())
	}
}

func TestPersistFailureDoesNotCommit(t *testing.T) {
	records := newMemRecords()
	store, _ := NewStore(&fakeGenerator{}, WithRecords(records))
	ctx := context.Background()

	conv, _ := store.Resolve(ctx, "erin")
	if err := conv.Append(ctx, NewUserMessage("kept")); err != nil {
		t.Fatalf("append: %v", err)
	}
	records.failWrite = true
	err := conv.Append(ctx, NewUserMessage("lost"))
	if err == nil || IsCommitted(err) {
		t.Fatalf("expected uncommitted error, got %v", err)
	}
	if conv.Len() != 1 {
		t.Fatalf("failed persist must not append, got %d", conv.Len())
	}
}

func TestStoreDelete(t *testing.T) {
	records := newMemRecords()
	store, _ := NewStore(&fakeGenerator{}, WithRecords(records))
	ctx := context.Background()

	conv, _ := store.Resolve(ctx, "frank")
	_ = conv.Append(ctx, NewUserMessage("hi"))
	if err := store.Delete(ctx, "frank"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(store.Sessions()) != 0 {
		t.Fatalf("session still listed after delete")
	}
	if got, _ := records.Load(ctx, "frank"); len(got) != 0 {
		t.Fatalf("records not cleared: %v", got)
	}
	fresh, _ := store.Resolve(ctx, "frank")
	if fresh == conv || fresh.Len() != 0 {
		t.Fatalf("expected a fresh empty conversation")
	}
}

func TestStoreLookupDoesNotCreate(t *testing.T) {
	records := newMemRecords()
	records.data["persisted"] = []Message{NewUserMessage("hello")}
	store, _ := NewStore(&fakeGenerator{}, WithRecords(records))
	ctx := context.Background()

	if _, err := store.Lookup(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ids := store.Sessions(); len(ids) != 0 {
		t.Fatalf("lookup created sessions: %v", ids)
	}

	conv, err := store.Lookup(ctx, "persisted")
	if err != nil {
		t.Fatalf("lookup persisted: %v", err)
	}
	if conv.Len() != 1 {
		t.Fatalf("expected restored history, got %d", conv.Len())
	}
	again, _ := store.Resolve(ctx, "persisted")
	if again != conv {
		t.Fatalf("lookup and resolve returned different instances")
	}

	if _, err := store.Lookup(ctx, ""); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStoreDeleteWaitsForRunningTurn(t *testing.T) {
	records := newMemRecords()
	store, _ := NewStore(&fakeGenerator{}, WithRecords(records))
	ctx := context.Background()

	conv, _ := store.Resolve(ctx, "gus")
	conv.Lock()
	if err := conv.Append(ctx, NewUserMessage("question")); err != nil {
		t.Fatalf("append: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- store.Delete(ctx, "gus") }()

	select {
	case err := <-done:
		t.Fatalf("delete returned during a running turn: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := conv.Append(ctx, NewAssistantMessage("answer")); err != nil {
		t.Fatalf("append reply: %v", err)
	}
	conv.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := records.Load(ctx, "gus"); len(got) != 0 {
		t.Fatalf("records survived delete: %v", got)
	}

	// 旧引用不能再写入同一 ID 的记录。
	if err := conv.Append(ctx, NewUserMessage("late")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on detached conversation, got %v", err)
	}
	if got, _ := records.Load(ctx, "gus"); len(got) != 0 {
		t.Fatalf("detached conversation wrote records: %v", got)
	}
	if len(store.Sessions()) != 0 {
		t.Fatalf("session still listed after delete")
	}
}
