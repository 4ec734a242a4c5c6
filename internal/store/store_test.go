package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := NewEngine(path)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func notesSchema() Schema {
	return Schema{Fields: []FieldSpec{
		{Name: "title", Type: TypeStr},
		{Name: "body", Type: TypeStr},
		{Name: "pinned", Type: TypeBool},
		{Name: "revisions", Type: TypeJSONCollection},
	}}
}

func TestAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}

	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{
		"title": "hello", "body": "world", "pinned": true,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	rec, err := e.Get(ctx, "notes", "alice", "n1", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("Get returned nil for an existing record")
	}
	if rec.Fields["title"] != "hello" || rec.Fields["body"] != "world" {
		t.Fatalf("Fields = %+v, want title=hello body=world", rec.Fields)
	}
	if rec.Fields["pinned"] != true {
		t.Fatalf("Fields[pinned] = %v, want true", rec.Fields["pinned"])
	}
}

func TestAddDuplicateIDConflicts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "a"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "b"})
	if !kernelerr.Is(err, kernelerr.Conflict) {
		t.Fatalf("Add duplicate id: err = %v, want kernelerr.Conflict", err)
	}
}

func TestGetCrossTenantIsInvisible(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "secret"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := e.Get(ctx, "notes", "bob", "n1", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("Get as a different tenant returned a record: %+v, want nil", rec)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "old"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Update(ctx, "notes", "alice", "n1", map[string]any{"title": "new"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, err := e.Get(ctx, "notes", "alice", "n1", false)
	if err != nil || rec == nil {
		t.Fatalf("Get after Update: rec=%v err=%v", rec, err)
	}
	if rec.Fields["title"] != "new" {
		t.Fatalf("Fields[title] = %v, want new", rec.Fields["title"])
	}

	if err := e.Delete(ctx, "notes", "alice", "n1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec, err = e.Get(ctx, "notes", "alice", "n1", false)
	if err != nil {
		t.Fatalf("Get after Delete: %v", err)
	}
	if rec != nil {
		t.Fatal("Get after Delete returned a record, want nil")
	}
}

func TestUpdateCrossTenantNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "mine"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := e.Update(ctx, "notes", "bob", "n1", map[string]any{"title": "hijacked"})
	if !kernelerr.Is(err, kernelerr.NotFound) {
		t.Fatalf("cross-tenant Update: err = %v, want kernelerr.NotFound", err)
	}
}

func TestCollectionAppendAndGet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "t"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	idx0, err := e.CollectionAppend(ctx, "notes", "alice", "n1", "revisions", map[string]any{"text": "v0"})
	if err != nil {
		t.Fatalf("CollectionAppend: %v", err)
	}
	idx1, err := e.CollectionAppend(ctx, "notes", "alice", "n1", "revisions", map[string]any{"text": "v1"})
	if err != nil {
		t.Fatalf("CollectionAppend: %v", err)
	}
	if idx0 != 0 || idx1 != 1 {
		t.Fatalf("order indices = %d, %d, want 0, 1", idx0, idx1)
	}

	items, err := e.CollectionGet(ctx, "notes", "alice", "n1", "revisions", nil, 0)
	if err != nil {
		t.Fatalf("CollectionGet: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("CollectionGet returned %d items, want 2", len(items))
	}
	first, ok := items[0].Item.(map[string]any)
	if !ok || first["text"] != "v0" {
		t.Fatalf("items[0] = %+v, want text=v0", items[0].Item)
	}
}

func TestCollectionAppendRejectsForeignTenant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "t"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := e.CollectionAppend(ctx, "notes", "bob", "n1", "revisions", map[string]any{"text": "hijack"})
	if !kernelerr.Is(err, kernelerr.NotFound) {
		t.Fatalf("cross-tenant CollectionAppend: err = %v, want kernelerr.NotFound", err)
	}
}

func TestFullTextSearchFindsMatches(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "aardvark facts", "body": "long necked animal"}); err != nil {
		t.Fatalf("Add n1: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n2", map[string]any{"title": "banana bread", "body": "a tasty recipe"}); err != nil {
		t.Fatalf("Add n2: %v", err)
	}

	results, err := e.FullTextSearch(ctx, "notes", "alice", "aardvark", FindOptions{})
	if err != nil {
		t.Fatalf("FullTextSearch: %v", err)
	}
	if len(results) != 1 || results[0].ID != "n1" {
		t.Fatalf("FullTextSearch(aardvark) = %+v, want exactly [n1]", results)
	}
}

func TestFullTextSearchScopedToTenant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "unique-term-xyz"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	results, err := e.FullTextSearch(ctx, "notes", "bob", "unique-term-xyz", FindOptions{})
	if err != nil {
		t.Fatalf("FullTextSearch: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("FullTextSearch as a different tenant returned %d results, want 0", len(results))
	}
}

func TestCreateStoreIfNotExistsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	schema := notesSchema()
	if err := e.CreateStoreIfNotExists(ctx, "notes", schema, false); err != nil {
		t.Fatalf("first CreateStoreIfNotExists: %v", err)
	}
	if err := e.CreateStoreIfNotExists(ctx, "notes", schema, false); err != nil {
		t.Fatalf("second CreateStoreIfNotExists: %v", err)
	}
	// still usable after the no-op migration
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "still works"}); err != nil {
		t.Fatalf("Add after idempotent create: %v", err)
	}
}

func TestFindFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.CreateStoreIfNotExists(ctx, "notes", notesSchema(), false); err != nil {
		t.Fatalf("CreateStoreIfNotExists: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n1", map[string]any{"title": "alpha", "pinned": true}); err != nil {
		t.Fatalf("Add n1: %v", err)
	}
	if err := e.Add(ctx, "notes", "alice", "n2", map[string]any{"title": "beta", "pinned": false}); err != nil {
		t.Fatalf("Add n2: %v", err)
	}

	recs, err := e.Find(ctx, "notes", "alice", []Filter{{Field: "pinned", Value: true}}, FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "n1" {
		t.Fatalf("Find(pinned=true) = %+v, want exactly [n1]", recs)
	}

	recs, err = e.Find(ctx, "notes", "alice", nil, FindOptions{OrderBy: "title", Ascending: false})
	if err != nil {
		t.Fatalf("Find ordered: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "n2" || recs[1].ID != "n1" {
		t.Fatalf("Find(order_by=title desc) = %+v, want [n2 n1]", recs)
	}
}
