package store

import (
	"context"
	"fmt"

	"github.com/brokerhq/chatkernel/internal/corelog"
	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// ExportedRecord is one row of an Export snapshot: its own fields plus any
// json_collection items, preserved in order so Import can reconstruct them
// exactly (testable property 9's round-trip guarantee).
type ExportedRecord struct {
	ID          string
	UserID      string
	Fields      map[string]any
	Collections map[string][]any
}

// Export reads every record of storeName for userID, including collection
// items. It deliberately does not run inside a write transaction: per
// spec.md §4.1, "Export never runs in a transaction (not a strict
// snapshot)" — it is a best-effort read against the concurrently-writable
// store.
func (e *Engine) Export(ctx context.Context, storeName, userID string) ([]ExportedRecord, error) {
	op := "store.Export"
	recs, err := e.Find(ctx, storeName, userID, nil, FindOptions{})
	if err != nil {
		return nil, err
	}
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return nil, err
	}

	out := make([]ExportedRecord, 0, len(recs))
	for _, r := range recs {
		er := ExportedRecord{ID: r.ID, UserID: r.UserID, Fields: map[string]any{}, Collections: map[string][]any{}}
		for k, v := range r.Fields {
			er.Fields[k] = v
		}
		for _, f := range schema.collectionFields() {
			items, err := e.CollectionGet(ctx, storeName, userID, r.ID, f, nil, 0)
			if err != nil {
				return nil, kernelerr.Wrap(kernelerr.Validation, op, err)
			}
			vals := make([]any, len(items))
			for i, it := range items {
				vals[i] = it.Item
			}
			er.Collections[f] = vals
			delete(er.Fields, f)
		}
		out = append(out, er)
	}
	return out, nil
}

// Import writes a previously Exported snapshot into storeName, which must
// already exist with a compatible schema (checked first, outside any
// transaction). All records import as one transaction so a failure leaves
// no partial state; a duplicate id is downgraded to a logged warning and
// skipped rather than aborting the whole import.
func (e *Engine) Import(ctx context.Context, storeName string, records []ExportedRecord, log *corelog.Logger) error {
	op := "store.Import"
	if _, err := e.getSchema(ctx, storeName); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	if log == nil {
		log = corelog.Default()
	}

	return e.withWriteTx(ctx, op, func(tx *writeConn) error {
		schema, err := e.getSchema(ctx, storeName)
		if err != nil {
			return err
		}
		for _, r := range records {
			var exists int
			if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM "%s" WHERE id = ?`, storeName), r.ID).Scan(&exists); err != nil {
				return kernelerr.Wrap(kernelerr.Validation, op, err)
			}
			if exists > 0 {
				log.Warnf("import: skipping duplicate id %s in store %s", r.ID, storeName)
				continue
			}
			if err := importOne(ctx, tx, storeName, schema, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func importOne(ctx context.Context, tx *writeConn, storeName string, schema Schema, r ExportedRecord) error {
	op := "store.importOne"
	cols := []string{"id", "user_id"}
	vals := []any{r.ID, r.UserID}
	now := nowRFC3339()

	for _, f := range schema.Fields {
		if f.Type == TypeJSONCollection {
			meta := CollectionMeta{CollectionStore: collectionTableName(storeName, f.Name), Count: 0}
			b, _ := marshalMeta(meta)
			cols = append(cols, f.Name)
			vals = append(vals, b)
			continue
		}
		raw, ok := r.Fields[f.Name]
		if !ok {
			cols = append(cols, f.Name)
			vals = append(vals, nil)
			continue
		}
		sv, err := serializeValue(raw, f.Type, f.Name, storeName)
		if err != nil {
			return err
		}
		cols = append(cols, f.Name)
		vals = append(vals, sv)
	}
	cols = append(cols, "created_at", "updated_at")
	vals = append(vals, now, now)

	placeholders := make([]string, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf(`"%s"`, c)
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, storeName, joinComma(quoted), joinComma(placeholders))
	if _, err := tx.ExecContext(ctx, insertSQL, vals...); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}

	for field, items := range r.Collections {
		childTable := collectionTableName(storeName, field)
		for idx, item := range items {
			itemJSON, err := marshalAny(item)
			if err != nil {
				return kernelerr.Wrap(kernelerr.TypeMismatch, op, err)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO "%s" (id, parent_id, order_index, item_json, created_at) VALUES (?, ?, ?, ?, ?)`, childTable),
				newUUID(), r.ID, idx, itemJSON, now); err != nil {
				return kernelerr.Wrap(kernelerr.Validation, op, err)
			}
		}
		if len(items) > 0 {
			meta := CollectionMeta{CollectionStore: childTable, Count: len(items)}
			metaJSON, _ := marshalMeta(meta)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE "%s" SET "%s" = ? WHERE id = ?`, storeName, field), metaJSON, r.ID); err != nil {
				return kernelerr.Wrap(kernelerr.Validation, op, err)
			}
		}
	}
	return nil
}
