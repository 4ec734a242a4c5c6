package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

func marshalMeta(m CollectionMeta) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

// CollectionAppend appends item to the named json_collection field of an
// existing record, deriving the next contiguous order_index, inserting the
// child row, and updating the parent's metadata JSON, all in one
// transaction. Returns the assigned order_index.
func (e *Engine) CollectionAppend(ctx context.Context, storeName, userID, recordID, field string, item any) (int, error) {
	op := "store.CollectionAppend"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return 0, err
	}
	ft, ok := schema.FieldType(field)
	if !ok || ft != TypeJSONCollection {
		return 0, kernelerr.New(kernelerr.Validation, op, "not a json_collection field: "+field)
	}
	childTable := collectionTableName(storeName, field)

	itemJSON, err := json.Marshal(item)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.TypeMismatch, op, err)
	}

	var orderIndex int
	err = e.withWriteTx(ctx, op, func(tx *writeConn) error {
		var ownerCheck string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM "%s" WHERE id = ? AND user_id = ?`, storeName), recordID, userID).Scan(&ownerCheck)
		if err == sql.ErrNoRows {
			return kernelerr.New(kernelerr.NotFound, op, "record not found or not owned: "+recordID)
		}
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM "%s" WHERE parent_id = ?`, childTable), recordID).Scan(&count); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		orderIndex = count

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO "%s" (id, parent_id, order_index, item_json, created_at) VALUES (?, ?, ?, ?, ?)`, childTable),
			uuid.NewString(), recordID, orderIndex, string(itemJSON), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}

		meta := CollectionMeta{CollectionStore: childTable, Count: orderIndex + 1}
		metaJSON, err := marshalMeta(meta)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE "%s" SET "%s" = ?, updated_at = ? WHERE id = ?`, storeName, field),
			metaJSON, time.Now().UTC().Format(time.RFC3339Nano), recordID); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return orderIndex, nil
}

// CollectionGet returns the items of a json_collection field in order_index
// order, verifying tenant ownership first. Malformed items are skipped
// (Corruption is degraded-mode, not fatal).
func (e *Engine) CollectionGet(ctx context.Context, storeName, userID, recordID, field string, limit *int, offset int) ([]CollectionItem, error) {
	op := "store.CollectionGet"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return nil, err
	}
	ft, ok := schema.FieldType(field)
	if !ok || ft != TypeJSONCollection {
		return nil, kernelerr.New(kernelerr.Validation, op, "not a json_collection field: "+field)
	}
	childTable := collectionTableName(storeName, field)

	pagSQL, pagParams, err := buildPagination(limit, offset)
	if err != nil {
		return nil, err
	}

	var out []CollectionItem
	err = e.withRead(ctx, op, func(db *sql.DB) error {
		var ownerCheck string
		err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM "%s" WHERE id = ? AND user_id = ?`, storeName), recordID, userID).Scan(&ownerCheck)
		if err == sql.ErrNoRows {
			return kernelerr.New(kernelerr.NotFound, op, "record not found or not owned: "+recordID)
		}
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}

		q := fmt.Sprintf(`SELECT id, parent_id, order_index, item_json, created_at FROM "%s" WHERE parent_id = ? ORDER BY order_index ASC %s`, childTable, pagSQL)
		rows, err := db.QueryContext(ctx, q, append([]any{recordID}, pagParams...)...)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		defer rows.Close()
		for rows.Next() {
			var it CollectionItem
			var itemJSON, createdAt string
			if err := rows.Scan(&it.ID, &it.ParentID, &it.OrderIndex, &itemJSON, &createdAt); err != nil {
				return kernelerr.Wrap(kernelerr.Validation, op, err)
			}
			it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			var decoded any
			if err := json.Unmarshal([]byte(itemJSON), &decoded); err != nil {
				// skip malformed items rather than failing the whole read
				continue
			}
			it.Item = decoded
			out = append(out, it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
