package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brokerhq/chatkernel/internal/r2r"
)

type fakeAuthPlugin struct {
	priority int
	shutdown error
	shutdownCalled bool
}

func (f *fakeAuthPlugin) Priority() int { return f.priority }
func (f *fakeAuthPlugin) Shutdown(ctx context.Context) error {
	f.shutdownCalled = true
	return f.shutdown
}
func (f *fakeAuthPlugin) VerifyToken(ctx context.Context, token string) (string, bool) { return "", false }
func (f *fakeAuthPlugin) AuthenticateUser(ctx context.Context, username, password string) (string, bool) {
	return "", false
}
func (f *fakeAuthPlugin) CreateToken(ctx context.Context, user string) (string, error) { return "", nil }
func (f *fakeAuthPlugin) RequestAllowed(ctx context.Context, username, model string) bool { return true }

type fakeFunctionPlugin struct {
	name     string
	priority int
}

func (f *fakeFunctionPlugin) Name() string     { return f.name }
func (f *fakeFunctionPlugin) Priority() int     { return f.priority }
func (f *fakeFunctionPlugin) Shutdown(ctx context.Context) error { return nil }
func (f *fakeFunctionPlugin) PreCall(ctx context.Context, call *PreCallArgs) *UpdateStream {
	return r2r.Done[string, struct{}](struct{}{}, nil)
}
func (f *fakeFunctionPlugin) FilterStream(ctx context.Context, call *FilterStreamArgs) *FilterStream {
	chunk := call.Chunk
	return r2r.Done[string, *ModelEvent](&chunk, nil)
}
func (f *fakeFunctionPlugin) PostCall(ctx context.Context, call *PostCallArgs) *UpdateStream {
	return r2r.Done[string, struct{}](struct{}{}, nil)
}

type fakeTool struct {
	name string
}

func (t *fakeTool) Name() string       { return t.name }
func (t *fakeTool) Schema() ToolSchema { return ToolSchema{Name: t.name} }
func (t *fakeTool) Execute(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) *ToolStream {
	return r2r.Done[string, any]("ok", nil)
}

func TestResolvePicksHighestPriority(t *testing.T) {
	r := NewRegistry(nil)
	low := &fakeAuthPlugin{priority: 1}
	high := &fakeAuthPlugin{priority: 10}
	r.Register(RoleAuth, low)
	r.Register(RoleAuth, high)

	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := r.Active(RoleAuth); got != CorePlugin(high) {
		t.Fatalf("Active(RoleAuth) = %v, want the higher-priority plugin", got)
	}
}

func TestResolveTiebreaksByRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	first := &fakeAuthPlugin{priority: 5}
	second := &fakeAuthPlugin{priority: 5}
	r.Register(RoleAuth, first)
	r.Register(RoleAuth, second)

	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := r.Active(RoleAuth); got != CorePlugin(first) {
		t.Fatalf("Active(RoleAuth) = %v, want the first-registered plugin on a priority tie", got)
	}
}

func TestResolveFallback(t *testing.T) {
	r := NewRegistry(nil)
	fallback := &fakeAuthPlugin{priority: 0}
	if err := r.Resolve(map[Role]CorePlugin{RoleAuth: fallback}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := r.Active(RoleAuth); got != CorePlugin(fallback) {
		t.Fatalf("Active(RoleAuth) = %v, want the fallback plugin", got)
	}
}

func TestConformFailsWhenRoleUnresolved(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.Conform([]Role{RoleAuth}); err == nil {
		t.Fatal("Conform() = nil, want error for unresolved required role")
	}
}

func TestConformPassesWhenResolved(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(RoleAuth, &fakeAuthPlugin{priority: 1})
	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.Conform([]Role{RoleAuth}); err != nil {
		t.Fatalf("Conform() = %v, want nil", err)
	}
}

func TestFunctionsOrderedByPriorityDescending(t *testing.T) {
	r := NewRegistry(nil)
	low := &fakeFunctionPlugin{name: "low", priority: 1}
	high := &fakeFunctionPlugin{name: "high", priority: 10}
	mid := &fakeFunctionPlugin{name: "mid", priority: 5}
	r.RegisterFunction(low)
	r.RegisterFunction(high)
	r.RegisterFunction(mid)
	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	fns := r.Functions()
	want := []string{"high", "mid", "low"}
	for i, f := range fns {
		if f.Name() != want[i] {
			t.Fatalf("Functions()[%d] = %s, want %s", i, f.Name(), want[i])
		}
	}

	rev := r.FunctionsReversed()
	wantRev := []string{"low", "mid", "high"}
	for i, f := range rev {
		if f.Name() != wantRev[i] {
			t.Fatalf("FunctionsReversed()[%d] = %s, want %s", i, f.Name(), wantRev[i])
		}
	}
}

func TestRegisterToolSkipsDuplicateName(t *testing.T) {
	r := NewRegistry(nil)
	first := &fakeTool{name: "ping"}
	second := &fakeTool{name: "ping"}
	r.RegisterTool(first)
	r.RegisterTool(second)

	got, ok := r.Tool("ping")
	if !ok {
		t.Fatal("Tool(\"ping\") not found")
	}
	if got != ToolPlugin(first) {
		t.Fatal("Tool(\"ping\") returned the later duplicate registration, want the first")
	}
}

func TestToolSchemasPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterTool(&fakeTool{name: "b"})
	r.RegisterTool(&fakeTool{name: "a"})

	schemas := r.ToolSchemas()
	if len(schemas) != 2 || schemas[0].Name != "b" || schemas[1].Name != "a" {
		t.Fatalf("ToolSchemas() = %+v, want [b a] in registration order", schemas)
	}
}

func TestShutdownFansOutAndIsolatesErrors(t *testing.T) {
	r := NewRegistry(nil)
	ok := &fakeAuthPlugin{priority: 1}
	failing := &fakeAuthPlugin{priority: 2, shutdown: errors.New("shutdown failed")}
	r.Register(RoleAuth, ok)
	r.Register(RoleStore, failing)
	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	r.Shutdown(context.Background(), time.Second)

	if !ok.shutdownCalled {
		t.Error("healthy plugin's Shutdown was never called")
	}
	if !failing.shutdownCalled {
		t.Error("failing plugin's Shutdown was never called")
	}
	if len(r.EventLog().Snapshot()) == 0 {
		t.Error("EventLog() has no entries after a failing shutdown, want at least one")
	}
}

type blockingPlugin struct {
	release chan struct{}
}

func (b *blockingPlugin) Priority() int { return 0 }
func (b *blockingPlugin) Shutdown(ctx context.Context) error {
	<-b.release
	return nil
}

func TestShutdownTimesOutWithoutBlockingForever(t *testing.T) {
	r := NewRegistry(nil)
	blocker := &blockingPlugin{release: make(chan struct{})}
	defer close(blocker.release)
	r.Register(RoleStore, blocker)
	if err := r.Resolve(nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	done := make(chan struct{})
	go func() {
		r.Shutdown(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return within its timeout budget")
	}
}
