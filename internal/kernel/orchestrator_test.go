package kernel_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brokerhq/chatkernel/internal/kernel"
	kctx "github.com/brokerhq/chatkernel/internal/kernel/context"
	"github.com/brokerhq/chatkernel/internal/kernel/plugins"
	"github.com/brokerhq/chatkernel/internal/kernel/thread"
	"github.com/brokerhq/chatkernel/internal/r2r"
	"github.com/brokerhq/chatkernel/internal/store"
)

// fakeModel replays one pre-scripted slice of kernel.ModelEvent per
// GenerateResponse call, advancing to the next slice each round, the way a
// real model plugin advances through tool-call rounds.
type fakeModel struct {
	rounds [][]kernel.ModelEvent
	calls  int
}

func (f *fakeModel) Priority() int                             { return 0 }
func (f *fakeModel) Shutdown(ctx context.Context) error         { return nil }
func (f *fakeModel) GenerateResponse(ctx context.Context, messages []kernel.Message, model string, systemPrompt *string, tools []kernel.ToolSchema) <-chan kernel.ModelEvent {
	var round []kernel.ModelEvent
	if f.calls < len(f.rounds) {
		round = f.rounds[f.calls]
	}
	f.calls++
	ch := make(chan kernel.ModelEvent, len(round))
	for _, ev := range round {
		ch <- ev
	}
	close(ch)
	return ch
}

// recordingFunction is a FunctionPlugin that appends its name to a shared
// slice on PreCall, yielding no updates and never touching the stream or
// filter hooks.
type recordingFunction struct {
	name     string
	priority int
	calls    *[]string
}

func (f *recordingFunction) Name() string                     { return f.name }
func (f *recordingFunction) Priority() int                     { return f.priority }
func (f *recordingFunction) Shutdown(ctx context.Context) error { return nil }
func (f *recordingFunction) PreCall(ctx context.Context, call *kernel.PreCallArgs) *kernel.UpdateStream {
	*f.calls = append(*f.calls, f.name)
	return nil
}
func (f *recordingFunction) FilterStream(ctx context.Context, call *kernel.FilterStreamArgs) *kernel.FilterStream {
	return nil
}
func (f *recordingFunction) PostCall(ctx context.Context, call *kernel.PostCallArgs) *kernel.UpdateStream {
	return nil
}

// droppingFilter is a FunctionPlugin whose FilterStream drops every thinking
// chunk it sees (resolves to a nil *ModelEvent) and leaves everything else
// untouched.
type droppingFilter struct{}

func (droppingFilter) Name() string                     { return "dropper" }
func (droppingFilter) Priority() int                    { return 0 }
func (droppingFilter) Shutdown(ctx context.Context) error { return nil }
func (droppingFilter) PreCall(ctx context.Context, call *kernel.PreCallArgs) *kernel.UpdateStream {
	return nil
}
func (droppingFilter) FilterStream(ctx context.Context, call *kernel.FilterStreamArgs) *kernel.FilterStream {
	if call.Chunk.Kind == kernel.EventThinkingTokens {
		return r2r.Done[string, *kernel.ModelEvent](nil, nil)
	}
	return r2r.Done[string, *kernel.ModelEvent](&call.Chunk, nil)
}
func (droppingFilter) PostCall(ctx context.Context, call *kernel.PostCallArgs) *kernel.UpdateStream {
	return nil
}

func setup(t *testing.T, model kernel.ModelPlugin, fns []kernel.FunctionPlugin, tools []kernel.ToolPlugin) (*kernel.Orchestrator, *thread.Manager, *kctx.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	engine, err := store.NewEngine(path)
	if err != nil {
		t.Fatalf("store.NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	tm, err := thread.New(context.Background(), engine)
	if err != nil {
		t.Fatalf("thread.New: %v", err)
	}
	cm, err := kctx.New(context.Background(), engine, tm, 64)
	if err != nil {
		t.Fatalf("context.New: %v", err)
	}
	sp := plugins.NewSystemPromptPlugin(0, nil)

	reg := kernel.NewRegistry(nil)
	reg.Register(kernel.RoleThread, tm)
	reg.Register(kernel.RoleContext, cm)
	reg.Register(kernel.RoleModel, model)
	reg.Register(kernel.RoleSystemPrompt, sp)
	for _, fn := range fns {
		reg.RegisterFunction(fn)
	}
	for _, tool := range tools {
		reg.RegisterTool(tool)
	}
	if err := reg.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	required := []kernel.Role{kernel.RoleThread, kernel.RoleContext, kernel.RoleModel, kernel.RoleSystemPrompt}
	if err := reg.Conform(required); err != nil {
		t.Fatalf("Conform: %v", err)
	}

	return kernel.NewOrchestrator(reg, nil), tm, cm
}

func collect(ch <-chan kernel.Event) []kernel.Event {
	var out []kernel.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestProcessMessageNoToolCalls(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{
			{Kind: kernel.EventMessageTokens, Content: "Hello"},
			{Kind: kernel.EventMessageTokens, Content: " world"},
			{Kind: kernel.EventStreamEnd},
		},
	}}
	orch, tm, cm := setup(t, model, nil, nil)

	events := collect(orch.ProcessMessage(context.Background(), "alice", "hi", nil, nil, nil))
	if len(events) < 3 {
		t.Fatalf("got %d events, want at least 3: %+v", len(events), events)
	}
	if events[0].Kind != kernel.EventKindThreadID || events[0].ThreadID == "" {
		t.Fatalf("events[0] = %+v, want a thread_id event with an id", events[0])
	}
	if last := events[len(events)-1]; last.Kind != kernel.EventKindStreamEnd {
		t.Fatalf("last event = %+v, want stream_end", last)
	}

	threadID := events[0].ThreadID
	msgs, ok := tm.GetThreadMessages(context.Background(), threadID, "alice")
	if !ok || len(msgs) < 2 {
		t.Fatalf("GetThreadMessages = %+v, %v, want at least a user and assistant entry", msgs, ok)
	}

	ctxMsgs, ok := cm.GetContext(context.Background(), threadID, "alice", false)
	if !ok || len(ctxMsgs) != 2 {
		t.Fatalf("GetContext = %+v, %v, want exactly 2 messages (user, assistant)", ctxMsgs, ok)
	}
	if ctxMsgs[1].Role != "assistant" || ctxMsgs[1].Content != "Hello world" {
		t.Fatalf("assistant context message = %+v, want content \"Hello world\"", ctxMsgs[1])
	}
}

func TestProcessMessageResumesExistingThread(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{{Kind: kernel.EventMessageTokens, Content: "first"}, {Kind: kernel.EventStreamEnd}},
		{{Kind: kernel.EventMessageTokens, Content: "second"}, {Kind: kernel.EventStreamEnd}},
	}}
	orch, _, cm := setup(t, model, nil, nil)

	first := collect(orch.ProcessMessage(context.Background(), "alice", "hi", nil, nil, nil))
	threadID := first[0].ThreadID

	second := collect(orch.ProcessMessage(context.Background(), "alice", "again", &threadID, nil, nil))
	if second[0].ThreadID != threadID {
		t.Fatalf("second turn thread_id = %s, want the same thread %s reused", second[0].ThreadID, threadID)
	}

	ctxMsgs, ok := cm.GetContext(context.Background(), threadID, "alice", false)
	if !ok || len(ctxMsgs) != 4 {
		t.Fatalf("GetContext after two turns = %+v, %v, want 4 messages", ctxMsgs, ok)
	}
}

func TestProcessMessageUnknownThreadIsRejected(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{{{Kind: kernel.EventStreamEnd}}}}
	orch, _, _ := setup(t, model, nil, nil)

	bogus := "does-not-exist"
	events := collect(orch.ProcessMessage(context.Background(), "alice", "hi", &bogus, nil, nil))
	if len(events) != 1 || events[0].Kind != kernel.EventKindError {
		t.Fatalf("events = %+v, want a single error event for an unknown thread id", events)
	}
}

func TestProcessMessageWithToolCallPurgesReasoningAfterCompletion(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{
			{Kind: kernel.EventThinkingTokens, Content: "let me check"},
			{Kind: kernel.EventToolCalls, ToolCalls: []kernel.ToolCall{
				{Index: 0, ID: "call-1", Function: kernel.FunctionCall{Name: "ping", Arguments: "{}"}},
			}},
			{Kind: kernel.EventStreamEnd},
		},
		{
			{Kind: kernel.EventMessageTokens, Content: "done"},
			{Kind: kernel.EventStreamEnd},
		},
	}}
	orch, _, cm := setup(t, model, nil, []kernel.ToolPlugin{plugins.PingTool{}})

	events := collect(orch.ProcessMessage(context.Background(), "alice", "check status", nil, nil, nil))
	threadID := events[0].ThreadID

	var sawToolUpdate, sawStreamEnd bool
	for _, ev := range events {
		switch ev.Kind {
		case kernel.EventKindToolUpdate:
			sawToolUpdate = true
		case kernel.EventKindStreamEnd:
			sawStreamEnd = true
		}
	}
	if !sawToolUpdate {
		t.Fatal("no tool_update events emitted for a tool-calling turn")
	}
	if !sawStreamEnd {
		t.Fatal("turn never reached stream_end")
	}

	ctxMsgs, ok := cm.GetContext(context.Background(), threadID, "alice", false)
	if !ok {
		t.Fatal("GetContext returned ok=false")
	}

	var foundToolCallAssistant bool
	for _, m := range ctxMsgs {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			foundToolCallAssistant = true
			if m.ReasoningContent != nil {
				t.Fatalf("assistant message with tool_calls still has reasoning_content = %q after completion, want it purged", *m.ReasoningContent)
			}
		}
	}
	if !foundToolCallAssistant {
		t.Fatal("no assistant message with tool_calls found in context")
	}
}

func TestProcessMessageUnknownToolNameReportsError(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{
			{Kind: kernel.EventToolCalls, ToolCalls: []kernel.ToolCall{
				{Index: 0, ID: "call-1", Function: kernel.FunctionCall{Name: "does_not_exist", Arguments: "{}"}},
			}},
			{Kind: kernel.EventStreamEnd},
		},
		{
			{Kind: kernel.EventMessageTokens, Content: "ok"},
			{Kind: kernel.EventStreamEnd},
		},
	}}
	orch, _, _ := setup(t, model, nil, nil)

	events := collect(orch.ProcessMessage(context.Background(), "alice", "hi", nil, nil, nil))
	var sawUnknownTool bool
	for _, ev := range events {
		if ev.Kind == kernel.EventKindToolUpdate && strings.Contains(ev.Content, "unknown tool") {
			sawUnknownTool = true
		}
	}
	if !sawUnknownTool {
		t.Fatalf("events = %+v, want a tool_update reporting the unknown tool", events)
	}
}

func TestProcessMessageAllInvalidToolCallsEndsTurnWithoutReloop(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{
			{Kind: kernel.EventToolCalls, ToolCalls: []kernel.ToolCall{
				{Index: 0, Function: kernel.FunctionCall{Name: "", Arguments: ""}},
			}},
			{Kind: kernel.EventStreamEnd},
		},
	}}
	orch, _, _ := setup(t, model, nil, nil)

	events := collect(orch.ProcessMessage(context.Background(), "alice", "hi", nil, nil, nil))

	if model.calls != 1 {
		t.Fatalf("model.calls = %d, want exactly 1 (no re-loop on an all-invalid tool-call round)", model.calls)
	}

	var sawMissingName, sawStreamEnd bool
	for _, ev := range events {
		if ev.Kind == kernel.EventKindToolUpdate && strings.Contains(ev.Content, "missing function name") {
			sawMissingName = true
		}
		if ev.Kind == kernel.EventKindStreamEnd {
			sawStreamEnd = true
		}
	}
	if !sawMissingName {
		t.Fatalf("events = %+v, want a tool_update reporting the missing function name", events)
	}
	if !sawStreamEnd {
		t.Fatal("turn never reached stream_end after an all-invalid tool-call round")
	}
	if last := events[len(events)-1]; last.Kind != kernel.EventKindStreamEnd {
		t.Fatalf("last event = %+v, want stream_end as the final event", last)
	}
}

func TestPreCallHooksRunInPriorityDescendingOrder(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{{Kind: kernel.EventMessageTokens, Content: "hi"}, {Kind: kernel.EventStreamEnd}},
	}}
	var calls []string
	low := &recordingFunction{name: "low", priority: 1, calls: &calls}
	high := &recordingFunction{name: "high", priority: 10, calls: &calls}
	orch, _, _ := setup(t, model, []kernel.FunctionPlugin{low, high}, nil)

	collect(orch.ProcessMessage(context.Background(), "alice", "hi", nil, nil, nil))

	if len(calls) < 2 || calls[0] != "high" || calls[1] != "low" {
		t.Fatalf("PreCall call order = %v, want [high low ...] (priority descending)", calls)
	}
}

func TestFilterStreamDropsChunksAndSuppressesThinkingEvents(t *testing.T) {
	model := &fakeModel{rounds: [][]kernel.ModelEvent{
		{
			{Kind: kernel.EventThinkingTokens, Content: "internal reasoning"},
			{Kind: kernel.EventMessageTokens, Content: "visible answer"},
			{Kind: kernel.EventStreamEnd},
		},
	}}
	orch, _, _ := setup(t, model, []kernel.FunctionPlugin{droppingFilter{}}, nil)

	events := collect(orch.ProcessMessage(context.Background(), "alice", "hi", nil, nil, nil))
	for _, ev := range events {
		if ev.Kind == kernel.EventKindThinkingTokens {
			t.Fatalf("thinking_tokens event %+v surfaced despite a filter_stream hook dropping it", ev)
		}
	}
	var sawMessage bool
	for _, ev := range events {
		if ev.Kind == kernel.EventKindMessageTokens && ev.Content == "visible answer" {
			sawMessage = true
		}
	}
	if !sawMessage {
		t.Fatalf("events = %+v, want the undropped message_tokens chunk to still surface", events)
	}
}
