package plugins

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/brokerhq/chatkernel/internal/kernel"
)

// SystemPromptPlugin is a static, in-memory prompt registry: an operator
// seeds it at startup (or via fsnotify-driven reload, SPEC_FULL.md §1.2),
// and it serves GetPrompt/ListPrompts/GetAllPrompts from a map guarded by a
// mutex rather than any backing store, since prompt text is operator
// configuration, not tenant data.
type SystemPromptPlugin struct {
	mu       sync.RWMutex
	prompts  map[string]kernel.PromptInfo
	priority int
}

// NewSystemPromptPlugin seeds the registry from an initial set.
func NewSystemPromptPlugin(priority int, seed map[string]kernel.PromptInfo) *SystemPromptPlugin {
	p := &SystemPromptPlugin{prompts: make(map[string]kernel.PromptInfo), priority: priority}
	for k, v := range seed {
		p.prompts[k] = v
	}
	return p
}

func (p *SystemPromptPlugin) Priority() int { return p.priority }

func (p *SystemPromptPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *SystemPromptPlugin) GetPrompt(ctx context.Context, key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.prompts[key]
	return info.Template, ok
}

func (p *SystemPromptPlugin) ListPrompts(ctx context.Context) map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.prompts))
	for k, v := range p.prompts {
		out[k] = v.Description
	}
	return out
}

func (p *SystemPromptPlugin) GetAllPrompts(ctx context.Context) map[string]kernel.PromptInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]kernel.PromptInfo, len(p.prompts))
	for k, v := range p.prompts {
		out[k] = v
	}
	return out
}

// Set replaces or adds one prompt; used by config reload.
func (p *SystemPromptPlugin) Set(key string, info kernel.PromptInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts[key] = info
}

// LoadPromptsFile reads a JSON file of {key: {template, description}} into
// a prompt map, the shape ReloadFromFile expects.
func LoadPromptsFile(path string) (map[string]kernel.PromptInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]kernel.PromptInfo
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ReloadFromFile replaces the entire prompt set from path, used as the
// callback of an fsnotify watch (store.Engine.WatchFile) over
// Config.SystemPromptsFile. A malformed file is ignored, keeping the
// previous set in place, since a reload is best-effort and must never take
// down a running turn.
func (p *SystemPromptPlugin) ReloadFromFile(path string) {
	prompts, err := LoadPromptsFile(path)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = prompts
}
