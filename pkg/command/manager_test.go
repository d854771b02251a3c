package command

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
)

type fakeSessions struct {
	logs map[string][]memory.Message
}

func (f *fakeSessions) History(ctx context.Context, sessionID string) ([]memory.Message, error) {
	return f.logs[sessionID], nil
}

func (f *fakeSessions) Summary(ctx context.Context, sessionID string) (string, error) {
	if msgs := f.logs[sessionID]; len(msgs) > 0 {
		return msgs[0].SummaryText(), nil
	}
	return "", nil
}

func (f *fakeSessions) Reset(ctx context.Context, sessionID string) error {
	delete(f.logs, sessionID)
	return nil
}

func (f *fakeSessions) Sessions(ctx context.Context) ([]string, error) {
	return []string{"alice", "bob"}, nil
}

func newTestManager() (*Manager, *fakeSessions) {
	svc := &fakeSessions{logs: map[string][]memory.Message{
		"alice": {
			memory.NewSummaryMessage("Alice introduced herself."),
			memory.NewUserMessage("What is my name?"),
			memory.NewAssistantMessage("Alice."),
		},
	}}
	return NewManager(NewSessionCommands(svc), NewMemoryStore()), svc
}

func TestParser(t *testing.T) {
	p := NewParser()
	cases := []struct {
		in      string
		command bool
		tokens  []string
		argRaw  string
	}{
		{"/history", true, []string{"history"}, ""},
		{"  /MODEL  gpt-4o  ", true, []string{"model", "gpt-4o"}, "gpt-4o"},
		{"hello /history", false, nil, ""},
		{"/", false, nil, ""},
		{"", false, nil, ""},
	}
	for _, tc := range cases {
		got := p.Parse(tc.in)
		if got.IsCommand != tc.command {
			t.Fatalf("Parse(%q).IsCommand = %v", tc.in, got.IsCommand)
		}
		if strings.Join(got.Tokens, ",") != strings.Join(tc.tokens, ",") || got.ArgumentRaw != tc.argRaw {
			t.Fatalf("Parse(%q) = %+v", tc.in, got)
		}
	}
}

func TestManagerHistoryAndSummary(t *testing.T) {
	mgr, _ := newTestManager()
	var out bytes.Buffer

	if err := mgr.Execute(context.Background(), "alice", "/history", &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "[summary] Alice introduced herself.") || !strings.Contains(out.String(), "user: What is my name?") {
		t.Fatalf("unexpected history output:\n%s", out.String())
	}

	out.Reset()
	if err := mgr.Execute(context.Background(), "alice", "/summary", &out); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if strings.TrimSpace(out.String()) != "Alice introduced herself." {
		t.Fatalf("unexpected summary output %q", out.String())
	}
}

func TestManagerClearAndSessions(t *testing.T) {
	mgr, svc := newTestManager()
	var out bytes.Buffer

	if err := mgr.Execute(context.Background(), "alice", "/clear", &out); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := svc.logs["alice"]; ok {
		t.Fatalf("session not reset")
	}

	out.Reset()
	_ = mgr.Execute(context.Background(), "bob", "/sessions", &out)
	if !strings.Contains(out.String(), "* bob") || !strings.Contains(out.String(), "  alice") {
		t.Fatalf("unexpected sessions output:\n%s", out.String())
	}
}

func TestManagerModelPersistsPerSession(t *testing.T) {
	mgr, _ := newTestManager()
	var out bytes.Buffer
	ctx := context.Background()

	if err := mgr.Execute(ctx, "alice", "/model gemini", &out); err != nil {
		t.Fatalf("model: %v", err)
	}
	if got := mgr.Values("alice")[ModelKey]; got != "gemini" {
		t.Fatalf("model not stored, got %q", got)
	}
	if got := mgr.Values("bob")[ModelKey]; got != "" {
		t.Fatalf("model leaked to another session: %q", got)
	}

	out.Reset()
	_ = mgr.Execute(ctx, "alice", "/model", &out)
	if strings.TrimSpace(out.String()) != "gemini" {
		t.Fatalf("unexpected model output %q", out.String())
	}

	_ = mgr.Execute(ctx, "alice", "/model default", &out)
	if got := mgr.Values("alice")[ModelKey]; got != "" {
		t.Fatalf("model not reset, got %q", got)
	}
}

func TestManagerErrors(t *testing.T) {
	mgr, _ := newTestManager()
	var out bytes.Buffer
	ctx := context.Background()

	if err := mgr.Execute(ctx, "alice", "just chatting", &out); !errors.Is(err, ErrNotCommand) {
		t.Fatalf("expected ErrNotCommand, got %v", err)
	}
	if err := mgr.Execute(ctx, "alice", "/bogus", &out); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
	if err := mgr.Execute(ctx, "alice", "/exit", &out); !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}
	if err := mgr.Execute(ctx, "alice", "/quit", &out); !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit for alias, got %v", err)
	}
	if err := mgr.Execute(ctx, "alice", "/history extra", &out); err == nil {
		t.Fatalf("expected argument validation error")
	}
}

func TestMemoryStoreMerge(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Save("a", ContextValues{"model": "gpt", "lang": "go"})
	_ = s.Save("a", ContextValues{"model": "gemini"})

	got, _ := s.Load("a")
	if got["model"] != "gemini" || got["lang"] != "go" {
		t.Fatalf("unexpected merge result %v", got)
	}
	got["model"] = "mutated"
	again, _ := s.Load("a")
	if again["model"] != "gemini" {
		t.Fatalf("Load must return a copy")
	}
}
