package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeGenerator 记录每次调用并返回固定摘要或错误。
type fakeGenerator struct {
	mu       sync.Mutex
	calls    [][]Message
	reply    string
	err      error
	failNext bool
}

func (g *fakeGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, messages)
	if g.failNext {
		g.failNext = false
		return "", errors.New("rate limited")
	}
	if g.err != nil {
		return "", g.err
	}
	if g.reply != "" {
		return g.reply, nil
	}
	return fmt.Sprintf("summary #%d", len(g.calls)), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func newTestConversation(t *testing.T, maxMessages, keepRecent int, gen Generator) *Conversation {
	t.Helper()
	policy, err := NewSummaryPolicy(maxMessages, keepRecent, gen)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	conv, err := NewConversation("test", policy)
	if err != nil {
		t.Fatalf("new conversation: %v", err)
	}
	return conv
}

// alternating 生成第 i 条交替的用户/助手消息。
func alternating(i int) Message {
	if i%2 == 0 {
		return NewUserMessage(fmt.Sprintf("user %d", i))
	}
	return NewAssistantMessage(fmt.Sprintf("assistant %d", i))
}

func TestAppendCompactsAfterThreshold(t *testing.T) {
	gen := &fakeGenerator{reply: "alice likes go"}
	conv := newTestConversation(t, 8, 4, gen)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if conv.Len() != 8 {
		t.Fatalf("expected 8 messages before threshold, got %d", conv.Len())
	}
	if gen.callCount() != 0 {
		t.Fatalf("summarizer called before threshold")
	}

	if err := conv.Append(ctx, alternating(8)); err != nil {
		t.Fatalf("append 9th: %v", err)
	}

	msgs := conv.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages after compaction, got %d", len(msgs))
	}
	if !msgs[0].IsSummary() || msgs[0].SummaryText() != "alice likes go" {
		t.Fatalf("unexpected summary head: %#v", msgs[0])
	}
	for i, msg := range msgs[1:] {
		want := alternating(i + 5).Content
		if msg.Content != want {
			t.Fatalf("recent[%d] = %q, want %q", i, msg.Content, want)
		}
	}
	if conv.State() != StateCompacted {
		t.Fatalf("expected compacted state, got %s", conv.State())
	}
}

func TestCompactionRendersRolePrefixedTranscript(t *testing.T) {
	gen := &fakeGenerator{}
	conv := newTestConversation(t, 4, 2, gen)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if gen.callCount() != 1 {
		t.Fatalf("expected 1 summarize call, got %d", gen.callCount())
	}
	req := gen.calls[0]
	if len(req) != 2 || req[0].Role != RoleSystem || req[1].Role != RoleUser {
		t.Fatalf("unexpected summarize request shape: %#v", req)
	}
	want := "user: user 0\nassistant: assistant 1\nuser: user 2"
	if req[1].Content != want {
		t.Fatalf("transcript = %q, want %q", req[1].Content, want)
	}

	// 第二次压缩需要把已有摘要作为上下文带上。
	for i := 5; i < 8; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if gen.callCount() != 2 {
		t.Fatalf("expected 2 summarize calls, got %d", gen.callCount())
	}
	second := gen.calls[1][1].Content
	if !strings.HasPrefix(second, "Previous summary: summary #1") {
		t.Fatalf("prior summary not merged: %q", second)
	}
	if strings.Contains(second, SummaryPrefix) {
		t.Fatalf("summary marker leaked into transcript: %q", second)
	}
}

func TestCompactionBoundHoldsOverManyAppends(t *testing.T) {
	gen := &fakeGenerator{}
	conv := newTestConversation(t, 6, 3, gen)
	ctx := context.Background()

	var lastOrder int64
	for i := 0; i < 50; i++ {
		callsBefore := gen.callCount()
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		msgs := conv.Messages()
		if len(msgs) > 6 {
			t.Fatalf("append %d: %d messages exceeds max", i, len(msgs))
		}
		if gen.callCount() > callsBefore && len(msgs) > 3+1 {
			t.Fatalf("append %d: post-compaction bound violated: %d", i, len(msgs))
		}
		for j := 1; j < len(msgs); j++ {
			if msgs[j].Order <= msgs[j-1].Order {
				t.Fatalf("order not strictly increasing at %d: %d <= %d", j, msgs[j].Order, msgs[j-1].Order)
			}
		}
		tail := msgs[len(msgs)-1]
		if tail.Content != alternating(i).Content {
			t.Fatalf("tail = %q, want %q", tail.Content, alternating(i).Content)
		}
		if tail.Order <= lastOrder {
			t.Fatalf("tail order did not grow: %d <= %d", tail.Order, lastOrder)
		}
		lastOrder = tail.Order
	}
}

func TestCompactWhenUnderThresholdIsNoop(t *testing.T) {
	gen := &fakeGenerator{}
	conv := newTestConversation(t, 5, 2, gen)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	before := conv.Messages()
	if err := conv.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	after := conv.Messages()
	if len(before) != len(after) {
		t.Fatalf("compact changed length: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("compact changed message %d", i)
		}
	}
	if gen.callCount() != 0 {
		t.Fatalf("summarizer should not be called")
	}
}

func TestSingleMessageCompaction(t *testing.T) {
	gen := &fakeGenerator{}
	conv := newTestConversation(t, 4, 4, gen)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	msgs := conv.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected summary + 4 recent, got %d", len(msgs))
	}
	if !msgs[0].IsSummary() {
		t.Fatalf("expected summary head")
	}
	if got := gen.calls[0][1].Content; got != "user: user 0" {
		t.Fatalf("expected single summarized message, got %q", got)
	}
	if msgs[1].Content != "assistant 1" {
		t.Fatalf("recent tail starts at %q", msgs[1].Content)
	}
}

func TestSummarizerFailureKeepsTriggeringAppend(t *testing.T) {
	gen := &fakeGenerator{}
	conv := newTestConversation(t, 4, 2, gen)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := conv.Append(ctx, alternating(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	before := conv.Messages()

	gen.failNext = true
	trigger := alternating(4)
	err := conv.Append(ctx, trigger)
	if err == nil {
		t.Fatalf("expected compaction error")
	}
	var ce *CompactionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompactionError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService in chain: %v", err)
	}
	if !IsCommitted(err) {
		t.Fatalf("trigger append should be reported as committed")
	}

	after := conv.Messages()
	if len(after) != len(before)+1 {
		t.Fatalf("expected %d messages, got %d", len(before)+1, len(after))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("message %d changed after failed compaction", i)
		}
	}
	if after[len(after)-1].Content != trigger.Content {
		t.Fatalf("trigger message missing")
	}

	// 下一次追加时重新尝试压缩。
	if err := conv.Append(ctx, alternating(5)); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if got := conv.Len(); got != 3 {
		t.Fatalf("expected summary + 2 recent after retry, got %d", got)
	}
}

func TestCancelledSummarizationLeavesMessages(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, _ []Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	conv := newTestConversation(t, 2, 1, gen)

	ctx, cancel := context.WithCancel(context.Background())
	if err := conv.Append(ctx, alternating(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := conv.Append(ctx, alternating(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	cancel()
	err := conv.Append(ctx, alternating(2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if conv.Len() != 3 {
		t.Fatalf("expected 3 messages, got %d", conv.Len())
	}
}

func TestNewConversationRejectsBadConfig(t *testing.T) {
	gen := &fakeGenerator{}
	if _, err := NewSummaryPolicy(4, 5, gen); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for keep_recent > max, got %v", err)
	}
	if _, err := NewSummaryPolicy(0, 0, gen); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for max = 0, got %v", err)
	}
	if _, err := NewSummaryPolicy(4, -1, gen); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for negative keep_recent, got %v", err)
	}
	if _, err := NewConversation("", &SummaryPolicy{MaxMessages: 1, Generator: gen}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for empty session id, got %v", err)
	}
	bad := &SummaryPolicy{MaxMessages: 2, KeepRecent: 3, Generator: gen}
	if _, err := NewConversation("s", bad); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for invalid policy, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	conv := newTestConversation(t, 2, 1, &fakeGenerator{})
	ctx := context.Background()

	if conv.State() != StateEmpty {
		t.Fatalf("expected empty, got %s", conv.State())
	}
	_ = conv.Append(ctx, alternating(0))
	if conv.State() != StateNormal {
		t.Fatalf("expected normal, got %s", conv.State())
	}
	_ = conv.Append(ctx, alternating(1))
	_ = conv.Append(ctx, alternating(2))
	if conv.State() != StateCompacted {
		t.Fatalf("expected compacted, got %s", conv.State())
	}
	if conv.Summary() == "" {
		t.Fatalf("expected summary text")
	}
	if err := conv.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if conv.State() != StateEmpty {
		t.Fatalf("expected empty after clear, got %s", conv.State())
	}
}
