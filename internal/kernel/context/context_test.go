package context

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brokerhq/chatkernel/internal/kernel"
	"github.com/brokerhq/chatkernel/internal/store"
)

type fakeHistory struct {
	messages map[string][]kernel.HistoryMessage
}

func (f *fakeHistory) GetThreadMessages(ctx context.Context, threadID, userID string) ([]kernel.HistoryMessage, bool) {
	msgs, ok := f.messages[threadID]
	return msgs, ok
}

func newTestManager(t *testing.T) (*Manager, *fakeHistory) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	engine, err := store.NewEngine(path)
	if err != nil {
		t.Fatalf("store.NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	hist := &fakeHistory{messages: map[string][]kernel.HistoryMessage{}}
	mgr, err := New(context.Background(), engine, hist, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr, hist
}

func TestGetContextMissingThread(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, ok := mgr.GetContext(context.Background(), "t1", "alice", false)
	if ok {
		t.Fatal("GetContext on a never-created thread returned ok=true")
	}
}

func TestAddMessageThenGetContext(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "user", Content: "hi"}, ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	msgs, ok := mgr.GetContext(ctx, "t1", "alice", false)
	if !ok {
		t.Fatal("GetContext returned ok=false after AddMessage")
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("GetContext = %+v, want one message with content=hi", msgs)
	}
	if msgs[0].ID == "" {
		t.Fatal("AddMessage did not assign an id")
	}
}

func TestGetContextStripExtraClearsID(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "user", Content: "hi"}, ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	plain, ok := mgr.GetContext(ctx, "t1", "alice", false)
	if !ok || plain[0].ID == "" {
		t.Fatalf("GetContext(stripExtra=false) = %+v, %v, want the id present", plain, ok)
	}

	stripped, ok := mgr.GetContext(ctx, "t1", "alice", true)
	if !ok {
		t.Fatal("GetContext(stripExtra=true) returned ok=false")
	}
	if stripped[0].ID != "" {
		t.Fatalf("GetContext(stripExtra=true) = %+v, want id cleared", stripped)
	}
	if stripped[0].Content != "hi" {
		t.Fatalf("GetContext(stripExtra=true) = %+v, want content preserved", stripped)
	}
	if plain[0].ID == "" {
		t.Fatal("stripping a copy must not mutate the non-stripped result")
	}
}

func TestAddMessageIsTenantIsolated(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "user", Content: "alice's message"}, ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	_, ok := mgr.GetContext(ctx, "t1", "bob", false)
	if ok {
		t.Fatal("GetContext as a different tenant for the same thread id returned ok=true")
	}
}

func TestUpdateMessageSetsAndRemovesFields(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "assistant", Content: "thinking"}, "m1"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	reasoning := "because X"
	ok, err := mgr.UpdateMessage(ctx, "t1", "alice", "m1", map[string]any{"reasoning_content": reasoning})
	if err != nil || !ok {
		t.Fatalf("UpdateMessage set: ok=%v err=%v", ok, err)
	}
	msg, ok := mgr.GetMessage(ctx, "t1", "alice", "m1")
	if !ok || msg.ReasoningContent == nil || *msg.ReasoningContent != reasoning {
		t.Fatalf("GetMessage after set = %+v, want reasoning_content=%q", msg, reasoning)
	}

	ok, err = mgr.UpdateMessage(ctx, "t1", "alice", "m1", map[string]any{"reasoning_content": nil})
	if err != nil || !ok {
		t.Fatalf("UpdateMessage remove: ok=%v err=%v", ok, err)
	}
	msg, ok = mgr.GetMessage(ctx, "t1", "alice", "m1")
	if !ok || msg.ReasoningContent != nil {
		t.Fatalf("GetMessage after remove = %+v, want reasoning_content=nil", msg)
	}
}

func TestUpdateMessageUnknownIDReturnsFalse(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "user", Content: "hi"}, ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	ok, err := mgr.UpdateMessage(ctx, "t1", "alice", "does-not-exist", map[string]any{"content": "x"})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if ok {
		t.Fatal("UpdateMessage on an unknown id returned ok=true")
	}
}

func TestRemoveMessages(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "user", Content: "one"}, "m1"); err != nil {
		t.Fatalf("AddMessage m1: %v", err)
	}
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "assistant", Content: "two"}, "m2"); err != nil {
		t.Fatalf("AddMessage m2: %v", err)
	}

	changed, err := mgr.RemoveMessages(ctx, "t1", "alice", []string{"m1"})
	if err != nil || !changed {
		t.Fatalf("RemoveMessages: changed=%v err=%v", changed, err)
	}
	msgs, ok := mgr.GetContext(ctx, "t1", "alice", false)
	if !ok || len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("GetContext after RemoveMessages = %+v", msgs)
	}
}

func TestMutationCountIncrementsOnWrites(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.AddMessage(ctx, "t1", "alice", kernel.Message{Role: "user", Content: "a"}, "m1"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := mgr.UpdateMessage(ctx, "t1", "alice", "m1", map[string]any{"content": "b"}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	n, ok := mgr.GetMutationCount(ctx, "t1", "alice")
	if !ok || n < 2 {
		t.Fatalf("GetMutationCount = %d, %v, want >= 2 mutations recorded", n, ok)
	}
}

func TestRegenerateContextFiltersToUserAndAssistant(t *testing.T) {
	ctx := context.Background()
	mgr, hist := newTestManager(t)
	hist.messages["t1"] = []kernel.HistoryMessage{
		{Role: "user", Content: "question"},
		{Role: "tool", Content: "tool output, should be dropped"},
		{Role: "assistant", Content: "answer"},
	}
	if err := mgr.RegenerateContext(ctx, "t1", "alice"); err != nil {
		t.Fatalf("RegenerateContext: %v", err)
	}
	msgs, ok := mgr.GetContext(ctx, "t1", "alice", false)
	if !ok || len(msgs) != 2 {
		t.Fatalf("GetContext after RegenerateContext = %+v, want 2 messages", msgs)
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("GetContext after RegenerateContext = %+v, want [user, assistant]", msgs)
	}
}

func TestRegenerateContextUnknownThread(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	if err := mgr.RegenerateContext(ctx, "missing", "alice"); err == nil {
		t.Fatal("RegenerateContext on an unknown thread returned nil error")
	}
}
