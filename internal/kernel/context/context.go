// Package context implements the default ContextPlugin: the mutable,
// per-thread sequence of messages sent to the model, backed by a dedicated
// cacheable store, distinct from the immutable Thread history
// (spec.md §4.4). It is grounded on the store engine's ThreadContext schema
// and on original_source/backend/core/default_context_manager.py's
// get/add/update/remove/overwrite/regenerate contract.
package context

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brokerhq/chatkernel/internal/kernel"
	"github.com/brokerhq/chatkernel/internal/kernelerr"
	"github.com/brokerhq/chatkernel/internal/store"
)

// StoreName is the dedicated store backing every thread's context, per
// spec.md §4.4 "Backing store".
const StoreName = "ThreadContext"

// HistorySource is the subset of the thread manager RegenerateContext needs:
// read-only access to a thread's immutable history.
type HistorySource interface {
	GetThreadMessages(ctx context.Context, threadID, userID string) ([]kernel.HistoryMessage, bool)
}

// Manager is the default ContextPlugin implementation.
type Manager struct {
	engine  *store.Engine
	history HistorySource

	cache *lru.Cache[string, []kernel.Message]

	mutMu     sync.Mutex
	mutations map[string]int // thread_id -> mutation count
}

// New creates the ThreadContext store (if absent) and returns a Manager.
// cacheSize bounds the read-through LRU of decoded context slices.
func New(ctx context.Context, engine *store.Engine, history HistorySource, cacheSize int) (*Manager, error) {
	schema := store.Schema{Fields: []store.FieldSpec{{Name: "context", Type: store.TypeJSON}}}
	if err := engine.CreateStoreIfNotExists(ctx, StoreName, schema, true); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[string, []kernel.Message](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{engine: engine, history: history, cache: c, mutations: make(map[string]int)}, nil
}

func (m *Manager) Priority() int { return 0 }

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

func cacheKey(threadID, userID string) string { return userID + "/" + threadID }

func (m *Manager) bumpMutation(threadID string) {
	m.mutMu.Lock()
	m.mutations[threadID]++
	m.mutMu.Unlock()
}

// GetMutationCount returns how many times this thread's context has been
// mutated since process start (SPEC_FULL.md §1.3 supplemented feature, so a
// background compressor can detect staleness and back off).
func (m *Manager) GetMutationCount(ctx context.Context, threadID, userID string) (int, bool) {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()
	n, ok := m.mutations[threadID]
	return n, ok
}

func (m *Manager) load(ctx context.Context, threadID, userID string) ([]kernel.Message, bool, error) {
	if msgs, ok := m.cache.Get(cacheKey(threadID, userID)); ok {
		return msgs, true, nil
	}
	rec, err := m.engine.Get(ctx, StoreName, userID, threadID, false)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	raw, ok := rec.Fields["context"]
	if !ok || raw == nil {
		return nil, false, nil
	}
	msgs, err := decodeMessages(raw)
	if err != nil {
		// corrupted entry: degraded mode, treat as missing rather than fail
		return nil, false, nil
	}
	m.cache.Add(cacheKey(threadID, userID), msgs)
	return msgs, true, nil
}

func decodeMessages(raw any) ([]kernel.Message, error) {
	var list []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if mp, ok := item.(map[string]any); ok {
				list = append(list, mp)
			}
		}
	case string:
		var decoded []map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, err
		}
		list = decoded
	default:
		return nil, kernelerr.New(kernelerr.Corruption, "context.decodeMessages", "unexpected context shape")
	}
	out := make([]kernel.Message, 0, len(list))
	for _, mp := range list {
		b, err := json.Marshal(mp)
		if err != nil {
			continue
		}
		var msg kernel.Message
		if err := json.Unmarshal(b, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Manager) persist(ctx context.Context, threadID, userID string, msgs []kernel.Message) error {
	existing, err := m.engine.Get(ctx, StoreName, userID, threadID, false)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := m.engine.Add(ctx, StoreName, userID, threadID, map[string]any{"context": msgs}); err != nil {
			return err
		}
	} else {
		if err := m.engine.Update(ctx, StoreName, userID, threadID, map[string]any{"context": msgs}); err != nil {
			return err
		}
	}
	cp := make([]kernel.Message, len(msgs))
	copy(cp, msgs)
	m.cache.Add(cacheKey(threadID, userID), cp)
	m.bumpMutation(threadID)
	return nil
}

// GetContext returns the context list. When stripExtra is set, each entry's
// "_id" field is cleared before the message is handed to the model, matching
// default_context_manager.py's strip_extra stripping keys that begin with
// "_" before sending context to the wire. Missing or corrupted entries
// return (nil, false).
func (m *Manager) GetContext(ctx context.Context, threadID, userID string, stripExtra bool) ([]kernel.Message, bool) {
	msgs, ok, err := m.load(ctx, threadID, userID)
	if err != nil || !ok {
		return nil, false
	}
	if !stripExtra {
		return msgs, true
	}
	out := make([]kernel.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].ID = ""
	}
	return out, true
}

// AddMessage assigns messageID (or a new UUID) as the entry's _id and
// appends it, creating the context if it did not exist.
func (m *Manager) AddMessage(ctx context.Context, threadID, userID string, msg kernel.Message, messageID string) error {
	if messageID == "" {
		messageID = newID()
	}
	msg.ID = messageID
	msgs, ok, err := m.load(ctx, threadID, userID)
	if err != nil {
		return err
	}
	if !ok {
		msgs = nil
	}
	msgs = append(msgs, msg)
	return m.persist(ctx, threadID, userID, msgs)
}

// GetMessage locates an entry by _id.
func (m *Manager) GetMessage(ctx context.Context, threadID, userID, messageID string) (kernel.Message, bool) {
	msgs, ok, err := m.load(ctx, threadID, userID)
	if err != nil || !ok {
		return kernel.Message{}, false
	}
	for _, msg := range msgs {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return kernel.Message{}, false
}

// UpdateMessage applies updates to the entry with messageID: a non-nil
// string value sets the field, a nil value removes it (resets the
// corresponding struct field). Only the keys "content", "role", "model",
// "reasoning_content" and "tool_call_id" are applied; any other key, and a
// non-string value for one of these keys, is ignored. Returns whether the
// target existed.
func (m *Manager) UpdateMessage(ctx context.Context, threadID, userID, messageID string, updates map[string]any) (bool, error) {
	msgs, ok, err := m.load(ctx, threadID, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	found := false
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		found = true
		applyUpdates(&msgs[i], updates)
		break
	}
	if !found {
		return false, nil
	}
	if err := m.persist(ctx, threadID, userID, msgs); err != nil {
		return false, err
	}
	return true, nil
}

func applyUpdates(msg *kernel.Message, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "content":
			if v == nil {
				msg.Content = ""
			} else if s, ok := v.(string); ok {
				msg.Content = s
			}
		case "role":
			if v == nil {
				msg.Role = ""
			} else if s, ok := v.(string); ok {
				msg.Role = s
			}
		case "model":
			if v == nil {
				msg.Model = ""
			} else if s, ok := v.(string); ok {
				msg.Model = s
			}
		case "reasoning_content":
			if v == nil {
				msg.ReasoningContent = nil
			} else if s, ok := v.(string); ok {
				msg.ReasoningContent = &s
			}
		case "tool_call_id":
			if v == nil {
				msg.ToolCallID = ""
			} else if s, ok := v.(string); ok {
				msg.ToolCallID = s
			}
		}
	}
}

// RemoveMessages drops every entry whose _id is in ids. Returns whether any
// change happened.
func (m *Manager) RemoveMessages(ctx context.Context, threadID, userID string, ids []string) (bool, error) {
	msgs, ok, err := m.load(ctx, threadID, userID)
	if err != nil || !ok {
		return false, err
	}
	toRemove := make(map[string]bool, len(ids))
	for _, id := range ids {
		toRemove[id] = true
	}
	out := msgs[:0:0]
	changed := false
	for _, msg := range msgs {
		if toRemove[msg.ID] {
			changed = true
			continue
		}
		out = append(out, msg)
	}
	if !changed {
		return false, nil
	}
	if err := m.persist(ctx, threadID, userID, out); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateContext overwrites the whole context, assigning a fresh _id to any
// entry that lacks one. Used for compression.
func (m *Manager) UpdateContext(ctx context.Context, threadID, userID string, messages []kernel.Message) error {
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = newID()
		}
	}
	return m.persist(ctx, threadID, userID, messages)
}

// RegenerateContext invalidates the current context and rebuilds a clean
// one from history, keeping only user and assistant messages and assigning
// fresh _ids.
func (m *Manager) RegenerateContext(ctx context.Context, threadID, userID string) error {
	hist, ok := m.history.GetThreadMessages(ctx, threadID, userID)
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "context.RegenerateContext", "thread not found: "+threadID)
	}
	var fresh []kernel.Message
	for _, h := range hist {
		if h.Role != "user" && h.Role != "assistant" {
			continue
		}
		fresh = append(fresh, kernel.Message{
			ID:      newID(),
			Role:    h.Role,
			Content: h.Content,
			Model:   h.Model,
		})
	}
	return m.persist(ctx, threadID, userID, fresh)
}

func newID() string {
	return uuid.NewString()
}
