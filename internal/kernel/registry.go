package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brokerhq/chatkernel/internal/corelog"
	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// roleCandidate pairs a registered role plugin with its registration order,
// the Go equivalent of "file name ascending" in spec.md §4.2's tiebreak
// (static registration replaces runtime file discovery per SPEC_FULL.md's
// Design Notes adoption).
type roleCandidate struct {
	plugin CorePlugin
	order  int
}

// Registry is the plugin registry (spec.md §4.2): it holds at most one
// active plugin per Role, an ordered list of FunctionPlugins, and a set of
// ToolPlugins keyed by unique name.
type Registry struct {
	mu sync.RWMutex

	candidates map[Role][]roleCandidate
	active     map[Role]CorePlugin
	nextOrder  int

	functions []FunctionPlugin

	tools     map[string]ToolPlugin
	toolOrder []string // tool names in registration order, for ToolSchemas

	log *corelog.Logger
	ev  *corelog.EventLog
}

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry(log *corelog.Logger) *Registry {
	if log == nil {
		log = corelog.Default()
	}
	return &Registry{
		candidates: make(map[Role][]roleCandidate),
		active:     make(map[Role]CorePlugin),
		tools:      make(map[string]ToolPlugin),
		log:        log.With("registry"),
		ev:         corelog.NewEventLog(500),
	}
}

// Register offers plugin as a candidate for role. It does not become active
// until Resolve runs the priority/order tiebreak.
func (r *Registry) Register(role Role, plugin CorePlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[role] = append(r.candidates[role], roleCandidate{plugin: plugin, order: r.nextOrder})
	r.nextOrder++
}

// RegisterFunction appends a function (hook) plugin.
func (r *Registry) RegisterFunction(p FunctionPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions = append(r.functions, p)
}

// RegisterTool adds a tool plugin. A later call with an already-registered
// name is skipped with a warning, per spec.md §4.2: "the first
// loader-defined name wins and later duplicates are skipped."
func (r *Registry) RegisterTool(p ToolPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, exists := r.tools[name]; exists {
		r.log.Warnf("duplicate tool name %q, keeping first registration", name)
		return
	}
	r.tools[name] = p
	r.toolOrder = append(r.toolOrder, name)
}

// Resolve picks the active plugin for every role that has at least one
// candidate, by (priority descending, registration order ascending), and
// sorts function plugins by priority descending. fallback supplies a
// default implementation for any role with no registered candidate.
func (r *Registry) Resolve(fallback map[Role]CorePlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for role, cands := range r.candidates {
		sort.SliceStable(cands, func(i, j int) bool {
			pi, pj := cands[i].plugin.Priority(), cands[j].plugin.Priority()
			if pi != pj {
				return pi > pj
			}
			return cands[i].order < cands[j].order
		})
		if len(cands) > 1 && cands[0].plugin.Priority() == cands[1].plugin.Priority() {
			r.log.Infof("role %s: tie at priority %d resolved by registration order", role, cands[0].plugin.Priority())
		}
		r.active[role] = cands[0].plugin
	}
	for role, def := range fallback {
		if _, ok := r.active[role]; !ok {
			r.active[role] = def
		}
	}

	sort.SliceStable(r.functions, func(i, j int) bool {
		return r.functions[i].Priority() > r.functions[j].Priority()
	})
	return nil
}

// Active returns the resolved plugin for role, or nil if none was resolved.
func (r *Registry) Active(role Role) CorePlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[role]
}

// Functions returns the function plugins in pre_call order (priority
// descending).
func (r *Registry) Functions() []FunctionPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FunctionPlugin, len(r.functions))
	copy(out, r.functions)
	return out
}

// FunctionsReversed returns the function plugins in filter_stream/post_call
// order (priority ascending, i.e. reverse of Functions).
func (r *Registry) FunctionsReversed() []FunctionPlugin {
	fns := r.Functions()
	out := make([]FunctionPlugin, len(fns))
	for i, f := range fns {
		out[len(fns)-1-i] = f
	}
	return out
}

// Tool looks up a registered tool plugin by name.
func (r *Registry) Tool(name string) (ToolPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ToolSchemas aggregates the schema of every registered tool.
func (r *Registry) ToolSchemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		out = append(out, r.tools[name].Schema())
	}
	return out
}

// Shutdown invokes Shutdown on the active plugin of every resolved role and
// on every function plugin concurrently, bounded by timeout. Role candidates
// that lost resolution are not shut down, and tool plugins are not part of
// the fan-out (ToolPlugin has no Shutdown method). Errors and panics are
// logged individually and never abort the fan-out for other plugins
// (spec.md §4.2 "Shutdown").
func (r *Registry) Shutdown(ctx context.Context, timeout time.Duration) {
	r.mu.RLock()
	var shutters []func(context.Context) error
	var labels []string
	for role, p := range r.active {
		shutters = append(shutters, p.Shutdown)
		labels = append(labels, string(role))
	}
	for _, f := range r.functions {
		shutters = append(shutters, f.Shutdown)
		labels = append(labels, "function:"+f.Name())
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := range shutters {
		wg.Add(1)
		go func(fn func(context.Context) error, label string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("panic: %v", rec)
					r.log.Errorf("shutdown of %s panicked: %v", label, rec)
					r.ev.Record(corelog.Event{Source: label, Message: "shutdown panicked", Err: err})
				}
			}()
			if err := fn(ctx); err != nil {
				r.log.Errorf("shutdown of %s failed: %v", label, err)
				r.ev.Record(corelog.Event{Source: label, Message: "shutdown failed", Err: err})
			}
		}(shutters[i], labels[i])
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warnf("shutdown fan-out timed out after %s", timeout)
	}
}

// Conform verifies every role with a required entry in required has an
// active plugin. It does not check that the active plugin implements the
// role's interface (AuthPlugin, ModelPlugin, ...): Register accepts any
// CorePlugin for any role, so Conform only confirms resolution happened for
// every required role.
func (r *Registry) Conform(required []Role) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range required {
		if _, ok := r.active[role]; !ok {
			return kernelerr.New(kernelerr.Validation, "registry.Conform", fmt.Sprintf("no plugin active for required role %q", role))
		}
	}
	return nil
}

// EventLog exposes the registry's bounded trace of shutdown failures, for
// operator inspection or tests.
func (r *Registry) EventLog() *corelog.EventLog { return r.ev }
