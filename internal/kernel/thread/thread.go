// Package thread implements the default ThreadManagerPlugin: a thin wrapper
// over the store engine that materializes the Thread entity (spec.md §3,
// §4.6). It is grounded on internal/session/manager.go's session/message
// CRUD shape, reworked onto the generic store.Engine and the multi-tenant,
// append-only-history semantics spec.md requires instead of GoClode's
// single-session CLI model.
package thread

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brokerhq/chatkernel/internal/kernel"
	"github.com/brokerhq/chatkernel/internal/store"
)

// StoreName is the dedicated store backing every thread.
const StoreName = "ChatHistoryThreads"

const messagesField = "messages"

// historyItem is the JSON shape of one element of the messages collection.
type historyItem struct {
	Role      string `json:"role"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Model     string `json:"model,omitempty"`
	AuxID     string `json:"aux_id,omitempty"`
}

// Thread is the materialized entity spec.md §3 describes.
type Thread struct {
	ID           string
	Title        string
	Model        string
	SystemPrompt string
	User         string
	IsArchived   bool
}

// Manager is the default ThreadManagerPlugin.
type Manager struct {
	engine *store.Engine
}

// New creates the ChatHistoryThreads store (if absent) and returns a
// Manager.
func New(ctx context.Context, engine *store.Engine) (*Manager, error) {
	schema := store.Schema{Fields: []store.FieldSpec{
		{Name: "title", Type: store.TypeStr},
		{Name: "model", Type: store.TypeStr},
		{Name: "system_prompt", Type: store.TypeStr},
		{Name: "is_archived", Type: store.TypeBool},
		{Name: messagesField, Type: store.TypeJSONCollection},
	}}
	if err := engine.CreateStoreIfNotExists(ctx, StoreName, schema, false); err != nil {
		return nil, err
	}
	return &Manager{engine: engine}, nil
}

func (m *Manager) Priority() int { return 0 }

func (m *Manager) Shutdown(ctx context.Context) error { return nil }

// CreateThread creates a new thread owned by user and returns its id.
func (m *Manager) CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (string, error) {
	fields := map[string]any{
		"title":         title,
		"model":         model,
		"system_prompt": systemPrompt,
		"is_archived":   false,
	}
	id := uuid.NewString()
	if err := m.engine.Add(ctx, StoreName, userID, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

// GetThreads lists a user's threads, optionally filtered by a
// case-insensitive substring match on title.
func (m *Manager) GetThreads(ctx context.Context, userID, query string) ([]Thread, error) {
	recs, err := m.engine.Find(ctx, StoreName, userID, nil, store.FindOptions{OrderBy: "created_at", Ascending: false})
	if err != nil {
		return nil, err
	}
	var out []Thread
	q := strings.ToLower(query)
	for _, r := range recs {
		t := recordToThread(r)
		if query != "" && !strings.Contains(strings.ToLower(t.Title), q) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func recordToThread(r *store.Record) Thread {
	t := Thread{ID: r.ID, User: r.UserID}
	if v, ok := r.Fields["title"].(string); ok {
		t.Title = v
	}
	if v, ok := r.Fields["model"].(string); ok {
		t.Model = v
	}
	if v, ok := r.Fields["system_prompt"].(string); ok {
		t.SystemPrompt = v
	}
	if v, ok := r.Fields["is_archived"].(bool); ok {
		t.IsArchived = v
	}
	return t
}

// GetThreadMessages verifies ownership and returns the thread's full
// append-only history. ok is false on a missing thread or cross-tenant
// access attempt (spec.md §4.3 "verify existence and ownership").
func (m *Manager) GetThreadMessages(ctx context.Context, threadID, userID string) ([]kernel.HistoryMessage, bool) {
	items, err := m.engine.CollectionGet(ctx, StoreName, userID, threadID, messagesField, nil, 0)
	if err != nil {
		return nil, false
	}
	out := make([]kernel.HistoryMessage, 0, len(items))
	for _, it := range items {
		hi, ok := decodeHistoryItem(it.Item)
		if !ok {
			continue
		}
		out = append(out, kernel.HistoryMessage{
			Role: hi.Role, Type: hi.Type, Content: hi.Content,
			Timestamp: hi.Timestamp, Model: hi.Model, AuxID: hi.AuxID,
		})
	}
	return out, true
}

func decodeHistoryItem(v any) (historyItem, bool) {
	mp, ok := v.(map[string]any)
	if !ok {
		return historyItem{}, false
	}
	hi := historyItem{}
	if s, ok := mp["role"].(string); ok {
		hi.Role = s
	}
	if s, ok := mp["type"].(string); ok {
		hi.Type = s
	}
	if s, ok := mp["content"].(string); ok {
		hi.Content = s
	}
	if s, ok := mp["timestamp"].(string); ok {
		hi.Timestamp = s
	}
	if s, ok := mp["model"].(string); ok {
		hi.Model = s
	}
	if s, ok := mp["aux_id"].(string); ok {
		hi.AuxID = s
	}
	return hi, true
}

// AddMessage appends an immutable history entry. auxID carries a tool
// call_id (or similar) to correlate later tool_update events, surfaced back
// as call_id on read (spec.md §4.6).
func (m *Manager) AddMessage(ctx context.Context, threadID, userID, role, msgType, content, model, auxID string) error {
	item := historyItem{
		Role: role, Type: msgType, Content: content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Model:     model, AuxID: auxID,
	}
	_, err := m.engine.CollectionAppend(ctx, StoreName, userID, threadID, messagesField, item)
	return err
}

// UpdateThread updates mutable thread metadata (title). Model and
// system_prompt are fixed at creation per spec.md §3: "mutated only via
// title update or archive flag."
func (m *Manager) UpdateThread(ctx context.Context, threadID, userID, title string) error {
	return m.engine.Update(ctx, StoreName, userID, threadID, map[string]any{"title": title})
}

// ArchiveThread sets the soft-delete flag; it never removes the row or its
// history.
func (m *Manager) ArchiveThread(ctx context.Context, threadID, userID string) error {
	return m.engine.Update(ctx, StoreName, userID, threadID, map[string]any{"is_archived": true})
}

// SnippetRadius is how many bytes of message content SearchThreads includes
// on each side of the first match, per spec.md §4.6. The window is cut at
// byte offsets, so a multi-byte UTF-8 character at either edge can be split.
const SnippetRadius = 50

// SearchResult is one full-text search hit: the thread plus, if the match
// was found in a message rather than the title, a snippet around it.
type SearchResult struct {
	Thread  Thread
	Snippet string
}

// SearchThreads runs full-text search across thread titles and message
// content, building a snippet with ellipses around the first match when
// the hit is in a message.
func (m *Manager) SearchThreads(ctx context.Context, userID, query string) ([]SearchResult, error) {
	recs, err := m.engine.FullTextSearch(ctx, StoreName, userID, query, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(recs))
	lowerQ := strings.ToLower(query)
	for _, r := range recs {
		t := recordToThread(r)
		res := SearchResult{Thread: t}
		if !strings.Contains(strings.ToLower(t.Title), lowerQ) {
			msgs, _ := m.GetThreadMessages(ctx, r.ID, userID)
			for _, msg := range msgs {
				if idx := strings.Index(strings.ToLower(msg.Content), lowerQ); idx >= 0 {
					res.Snippet = snippet(msg.Content, idx, len(query))
					break
				}
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func snippet(content string, matchIdx, matchLen int) string {
	start := matchIdx - SnippetRadius
	prefix := ""
	if start < 0 {
		start = 0
	} else {
		prefix = "…"
	}
	end := matchIdx + matchLen + SnippetRadius
	suffix := ""
	if end >= len(content) {
		end = len(content)
	} else {
		suffix = "…"
	}
	return prefix + content[start:end] + suffix
}
