package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brokerhq/chatkernel/internal/corelog"
	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// Add inserts a new record. id must not already exist for this store. The
// json_collection fields of fields are rejected; they begin life as the
// engine-generated metadata object and are only ever grown via
// CollectionAppend.
func (e *Engine) Add(ctx context.Context, storeName, userID, id string, fields map[string]any) error {
	op := "store.Add"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
	}

	return e.withWriteTx(ctx, op, func(tx *writeConn) error {
		var exists int
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM "%s" WHERE id = ?`, storeName), id).Scan(&exists); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		if exists > 0 {
			return kernelerr.New(kernelerr.Conflict, op, "id already exists: "+id)
		}

		cols := []string{"id", "user_id"}
		vals := []any{id, userID}
		now := time.Now().UTC().Format(time.RFC3339Nano)

		for _, f := range schema.Fields {
			if f.Type == TypeJSONCollection {
				if _, given := fields[f.Name]; given {
					return kernelerr.New(kernelerr.TypeMismatch, op, "json_collection fields cannot be set directly: "+f.Name)
				}
				meta := CollectionMeta{CollectionStore: collectionTableName(storeName, f.Name), Count: 0}
				b, _ := marshalMeta(meta)
				cols = append(cols, f.Name)
				vals = append(vals, b)
				continue
			}
			raw, givenOk := fields[f.Name]
			if !givenOk {
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

		placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = fmt.Sprintf(`"%s"`, c)
		}
		insertSQL := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, storeName, strings.Join(quoted, ", "), placeholders)
		if _, err := tx.ExecContext(ctx, insertSQL, vals...); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		return nil
	})
}

// Get returns the record with id, or nil if it does not exist or belongs to
// a different user. With loadCollections, each json_collection field's
// metadata value is replaced by the full ordered item list.
func (e *Engine) Get(ctx context.Context, storeName, userID, id string, loadCollections bool) (*Record, error) {
	op := "store.Get"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return nil, err
	}

	var rec *Record
	err = e.withRead(ctx, op, func(db *sql.DB) error {
		cols := append([]string{"id", "user_id", "created_at", "updated_at"}, fieldNames(schema)...)
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = fmt.Sprintf(`"%s"`, c)
		}
		row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM "%s" WHERE id = ? AND user_id = ?`, strings.Join(quoted, ", "), storeName), id, userID)
		r, err := scanRecord(row, schema)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if loadCollections {
		for _, f := range schema.collectionFields() {
			items, err := e.CollectionGet(ctx, storeName, userID, id, f, nil, 0)
			if err != nil {
				return nil, err
			}
			vals := make([]any, len(items))
			for i, it := range items {
				vals[i] = it.Item
			}
			rec.Fields[f] = vals
		}
	}
	return rec, nil
}

func fieldNames(schema Schema) []string {
	var out []string
	for _, f := range schema.Fields {
		out = append(out, f.Name)
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable, schema Schema) (*Record, error) {
	dest := make([]any, 4+len(schema.Fields))
	var id, userID, createdAt, updatedAt sql.NullString
	dest[0], dest[1], dest[2], dest[3] = &id, &userID, &createdAt, &updatedAt
	raw := make([]any, len(schema.Fields))
	for i := range schema.Fields {
		raw[i] = new(any)
		dest[4+i] = raw[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec := &Record{ID: id.String, UserID: userID.String, Fields: map[string]any{}}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	for i, f := range schema.Fields {
		v := *(raw[i].(*any))
		rec.Fields[f.Name] = deserializeValue(v, f.Type, func(msg string) {
			corelog.Default().Warnf("store: field %s of record %s: %s", f.Name, rec.ID, msg)
		})
	}
	return rec, nil
}

// Update modifies an existing record's fields. Unknown fields and
// json_collection fields are refused. user_id is applied to the predicate
// so a cross-tenant update affects zero rows.
func (e *Engine) Update(ctx context.Context, storeName, userID, id string, updates map[string]any) error {
	op := "store.Update"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return err
	}

	var setClauses []string
	var vals []any
	for name, raw := range updates {
		ft, ok := schema.FieldType(name)
		if !ok {
			return kernelerr.New(kernelerr.Validation, op, "unknown field: "+name)
		}
		if ft == TypeJSONCollection {
			return kernelerr.New(kernelerr.TypeMismatch, op, "cannot update json_collection field directly: "+name)
		}
		sv, err := serializeValue(raw, ft, name, storeName)
		if err != nil {
			return err
		}
		setClauses = append(setClauses, fmt.Sprintf(`"%s" = ?`, name))
		vals = append(vals, sv)
	}
	setClauses = append(setClauses, `updated_at = ?`)
	vals = append(vals, time.Now().UTC().Format(time.RFC3339Nano))
	vals = append(vals, id, userID)

	return e.withWriteTx(ctx, op, func(tx *writeConn) error {
		updateSQL := fmt.Sprintf(`UPDATE "%s" SET %s WHERE id = ? AND user_id = ?`, storeName, strings.Join(setClauses, ", "))
		res, err := tx.ExecContext(ctx, updateSQL, vals...)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return kernelerr.New(kernelerr.NotFound, op, "record not found: "+id)
		}
		return nil
	})
}

// Delete removes a record; FK cascade and FTS triggers clean up children
// and search index entries.
func (e *Engine) Delete(ctx context.Context, storeName, userID, id string) error {
	op := "store.Delete"
	return e.withWriteTx(ctx, op, func(tx *writeConn) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ? AND user_id = ?`, storeName), id, userID)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return kernelerr.New(kernelerr.NotFound, op, "record not found: "+id)
		}
		return nil
	})
}

// Find runs a filtered, paginated query, always scoped to userID.
func (e *Engine) Find(ctx context.Context, storeName, userID string, filters []Filter, opts FindOptions) ([]*Record, error) {
	op := "store.Find"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return nil, err
	}

	whereSQL, params, err := buildWhereClause(storeName, userID, schema, filters)
	if err != nil {
		return nil, err
	}

	orderSQL := ""
	if opts.OrderBy != "" {
		if err := validateFieldName(opts.OrderBy); err != nil {
			return nil, err
		}
		if _, ok := schema.FieldType(opts.OrderBy); !ok && opts.OrderBy != "created_at" && opts.OrderBy != "updated_at" && opts.OrderBy != "id" {
			return nil, kernelerr.New(kernelerr.Validation, op, "order_by field not in schema: "+opts.OrderBy)
		}
		dir := "ASC"
		if !opts.Ascending {
			dir = "DESC"
		}
		orderSQL = fmt.Sprintf(` ORDER BY "%s" %s`, opts.OrderBy, dir)
	}

	pagSQL, pagParams, err := buildPagination(opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	var out []*Record
	err = e.withRead(ctx, op, func(db *sql.DB) error {
		cols := append([]string{"id", "user_id", "created_at", "updated_at"}, fieldNames(schema)...)
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = fmt.Sprintf(`"%s"`, c)
		}
		q := fmt.Sprintf(`SELECT %s FROM "%s" %s%s %s`, strings.Join(quoted, ", "), storeName, whereSQL, orderSQL, pagSQL)
		rows, err := db.QueryContext(ctx, q, append(append([]any{}, params...), pagParams...)...)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows, schema)
			if err != nil {
				return kernelerr.Wrap(kernelerr.Validation, op, err)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// buildWhereClause mirrors query_builder.py's build_where_clause: validates
// fields against the schema, serializes filter values by declared type, and
// always includes the user_id predicate for tenancy isolation.
func buildWhereClause(storeName, userID string, schema Schema, filters []Filter) (string, []any, error) {
	op := "store.buildWhereClause"
	clauses := []string{"user_id = ?"}
	params := []any{userID}

	for _, f := range filters {
		ft, ok := schema.FieldType(f.Field)
		isMeta := f.Field == "id" || f.Field == "created_at" || f.Field == "updated_at"
		if !ok && !isMeta {
			return "", nil, kernelerr.New(kernelerr.Validation, op, "invalid filter field: "+f.Field)
		}
		if isMeta {
			ft = TypeStr
		}
		if err := validateFieldName(f.Field); err != nil {
			return "", nil, err
		}
		sv, err := serializeValue(f.Value, ft, f.Field, storeName)
		if err != nil {
			return "", nil, err
		}
		switch f.Op {
		case OpEq, "":
			clauses = append(clauses, fmt.Sprintf(`"%s" = ?`, f.Field))
		case OpLike:
			clauses = append(clauses, fmt.Sprintf(`"%s" LIKE ?`, f.Field))
		case OpGt:
			clauses = append(clauses, fmt.Sprintf(`"%s" > ?`, f.Field))
		case OpGte:
			clauses = append(clauses, fmt.Sprintf(`"%s" >= ?`, f.Field))
		case OpLt:
			clauses = append(clauses, fmt.Sprintf(`"%s" < ?`, f.Field))
		case OpLte:
			clauses = append(clauses, fmt.Sprintf(`"%s" <= ?`, f.Field))
		default:
			return "", nil, kernelerr.New(kernelerr.Validation, op, "unsupported operator: "+string(f.Op))
		}
		params = append(params, sv)
	}
	return "WHERE " + strings.Join(clauses, " AND "), params, nil
}

// buildPagination mirrors query_builder.py's build_pagination_clause.
func buildPagination(limit *int, offset int) (string, []any, error) {
	op := "store.buildPagination"
	var parts []string
	var params []any
	if limit != nil {
		if *limit < 0 {
			return "", nil, kernelerr.New(kernelerr.Validation, op, "limit must be non-negative")
		}
		parts = append(parts, "LIMIT ?")
		params = append(params, *limit)
	}
	if offset != 0 {
		if offset < 0 {
			return "", nil, kernelerr.New(kernelerr.Validation, op, "offset must be non-negative")
		}
		if limit == nil {
			// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
			parts = append(parts, "LIMIT -1")
		}
		parts = append(parts, "OFFSET ?")
		params = append(params, offset)
	}
	return strings.Join(parts, " "), params, nil
}
