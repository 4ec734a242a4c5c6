package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

type schemaRow struct {
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func schemaToJSON(s Schema) (string, error) {
	row := schemaRow{}
	for _, f := range s.Fields {
		row.Fields = append(row.Fields, fieldJSON{Name: f.Name, Type: f.Type.String()})
	}
	b, err := json.Marshal(row)
	return string(b), err
}

func schemaFromJSON(data string) (Schema, error) {
	var row schemaRow
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return Schema{}, err
	}
	var s Schema
	for _, f := range row.Fields {
		ft, ok := ParseFieldType(f.Type)
		if !ok {
			continue
		}
		s.Fields = append(s.Fields, FieldSpec{Name: f.Name, Type: ft})
	}
	return s, nil
}

// CreateStoreIfNotExists creates the main table, FTS virtual table, and
// triggers for a new store, or - if the store already exists - adds any
// fields present in schema but missing from storage (ALTER TABLE,
// additional child tables/triggers), leaving extra stored fields alone.
// Calling it twice with identical arguments is a no-op the second time
// (testable property 10).
func (e *Engine) CreateStoreIfNotExists(ctx context.Context, storeName string, schema Schema, cacheable bool) error {
	op := "store.CreateStoreIfNotExists"
	if err := validateStoreName(storeName); err != nil {
		return err
	}
	for _, f := range schema.Fields {
		if err := validateFieldName(f.Name); err != nil {
			return err
		}
	}
	if cacheable {
		hasVersion := false
		for _, f := range schema.Fields {
			if f.Name == "_version" {
				hasVersion = true
			}
		}
		if !hasVersion {
			schema.Fields = append(schema.Fields, FieldSpec{Name: "_version", Type: TypeStr})
		}
	}

	return e.withWriteTx(ctx, op, func(tx *writeConn) error {
		var existingJSON sql.NullString
		var existingCacheable sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT schema_json, cacheable FROM _stores WHERE name = ?`, storeName).Scan(&existingJSON, &existingCacheable)
		switch {
		case err == sql.ErrNoRows:
			return e.createStore(ctx, tx, storeName, schema, cacheable)
		case err != nil:
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		default:
			existing, err := schemaFromJSON(existingJSON.String)
			if err != nil {
				return kernelerr.Wrap(kernelerr.Corruption, op, err)
			}
			return e.migrateStore(ctx, tx, storeName, existing, schema)
		}
	})
}

func (e *Engine) createStore(ctx context.Context, tx *writeConn, storeName string, schema Schema, cacheable bool) error {
	op := "store.createStore"

	var cols []string
	var indexableCols []string
	for _, f := range schema.Fields {
		sqlType := "TEXT"
		switch f.Type {
		case TypeInt:
			sqlType = "INTEGER"
		case TypeFloat:
			sqlType = "REAL"
		case TypeBool:
			sqlType = "INTEGER"
		case TypeStr, TypeJSON, TypeJSONCollection:
			sqlType = "TEXT"
		}
		cols = append(cols, fmt.Sprintf(`"%s" %s`, f.Name, sqlType))
		if f.Type == TypeStr || f.Type == TypeJSON || f.Type == TypeJSONCollection {
			indexableCols = append(indexableCols, f.Name)
		}
	}

	createSQL := fmt.Sprintf(`CREATE TABLE "%s" (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		%s,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, storeName, strings.Join(append([]string{}, cols...), ",\n\t\t"))
	if len(cols) == 0 {
		createSQL = fmt.Sprintf(`CREATE TABLE "%s" (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, storeName)
	}
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX "idx_%s_user_id" ON "%s"(user_id)`, storeName, storeName)); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}

	if err := e.createFTS(ctx, tx, storeName, indexableCols); err != nil {
		return err
	}
	if err := e.createMainTriggers(ctx, tx, storeName, indexableCols); err != nil {
		return err
	}

	for _, f := range schema.collectionFields() {
		if err := e.createCollectionTable(ctx, tx, storeName, f); err != nil {
			return err
		}
	}

	schemaJSON, err := schemaToJSON(schema)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO _stores (name, schema_json, cacheable, created_at) VALUES (?, ?, ?, ?)`,
		storeName, schemaJSON, boolToInt(cacheable), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	return nil
}

func (e *Engine) migrateStore(ctx context.Context, tx *writeConn, storeName string, existing, desired Schema) error {
	op := "store.migrateStore"
	existingNames := map[string]bool{}
	for _, f := range existing.Fields {
		existingNames[f.Name] = true
	}

	var missing []FieldSpec
	for _, f := range desired.Fields {
		if !existingNames[f.Name] {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil // idempotent: nothing to add
	}

	var newIndexable []string
	merged := existing
	for _, f := range missing {
		sqlType := "TEXT"
		switch f.Type {
		case TypeInt, TypeBool:
			sqlType = "INTEGER"
		case TypeFloat:
			sqlType = "REAL"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s`, storeName, f.Name, sqlType)); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		if f.Type == TypeStr || f.Type == TypeJSON || f.Type == TypeJSONCollection {
			newIndexable = append(newIndexable, f.Name)
		}
		if f.Type == TypeJSONCollection {
			if err := e.createCollectionTable(ctx, tx, storeName, f.Name); err != nil {
				return err
			}
		}
		merged.Fields = append(merged.Fields, f)
	}

	if len(newIndexable) > 0 {
		// FTS5 tables can't gain columns after creation; recreate it over
		// the full merged column set and repopulate it from the main and
		// collection child tables.
		if err := e.rebuildFTS(ctx, tx, storeName, merged); err != nil {
			return err
		}
	}

	schemaJSON, err := schemaToJSON(merged)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _stores SET schema_json = ? WHERE name = ?`, schemaJSON, storeName); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}

	e.storesMu.Lock()
	e.stores[storeName] = merged
	e.storesMu.Unlock()

	return nil
}

func (e *Engine) rebuildFTS(ctx context.Context, tx *writeConn, storeName string, schema Schema) error {
	op := "store.rebuildFTS"
	var indexable []string
	for _, f := range schema.Fields {
		if f.Type == TypeStr || f.Type == TypeJSON || f.Type == TypeJSONCollection {
			indexable = append(indexable, f.Name)
		}
	}
	dropStatements := []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_insert"`, storeName),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_update"`, storeName),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS "fts_%s_delete"`, storeName),
		fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, ftsTableName(storeName)),
	}
	for _, s := range dropStatements {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
	}
	if err := e.createFTS(ctx, tx, storeName, indexable); err != nil {
		return err
	}
	if err := e.createMainTriggers(ctx, tx, storeName, indexable); err != nil {
		return err
	}
	cols := append([]string{"user_id", "id", "id"}, indexable...)
	_ = cols
	colList := "user_id, id AS parent_id, '' AS child_id"
	for _, c := range indexable {
		colList += fmt.Sprintf(`, "%s"`, c)
	}
	insertSQL := fmt.Sprintf(`INSERT INTO "%s" (user_id, parent_id, child_id%s) SELECT %s FROM "%s"`,
		ftsTableName(storeName), suffixCols(indexable), colList, storeName)
	if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	for _, f := range schema.collectionFields() {
		childSQL := fmt.Sprintf(`INSERT INTO "%s" (user_id, parent_id, child_id, "%s") SELECT p.user_id, c.parent_id, '%s_' || c.id, c.item_json FROM "%s" c JOIN "%s" p ON p.id = c.parent_id`,
			ftsTableName(storeName), f, f, collectionTableName(storeName, f), storeName)
		if _, err := tx.ExecContext(ctx, childSQL); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
	}
	return nil
}

func suffixCols(cols []string) string {
	var b strings.Builder
	for _, c := range cols {
		fmt.Fprintf(&b, `, "%s"`, c)
	}
	return b.String()
}

// createFTS creates the FTS5 virtual table over the given indexable
// columns, with tokenize='porter' as spec.md §6 prescribes.
func (e *Engine) createFTS(ctx context.Context, tx *writeConn, storeName string, indexable []string) error {
	op := "store.createFTS"
	cols := []string{"user_id UNINDEXED", "parent_id UNINDEXED", "child_id UNINDEXED"}
	cols = append(cols, indexable...)
	createSQL := fmt.Sprintf(`CREATE VIRTUAL TABLE "%s" USING fts5(%s, tokenize='porter')`,
		ftsTableName(storeName), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	return nil
}

// createMainTriggers installs the insert/update/delete triggers that keep
// the FTS table synchronized with the main table, as spec.md §4.1 requires:
// FTS is "never written by application code."
func (e *Engine) createMainTriggers(ctx context.Context, tx *writeConn, storeName string, indexable []string) error {
	op := "store.createMainTriggers"
	fts := ftsTableName(storeName)

	colNames := append([]string{"user_id", "parent_id", "child_id"}, indexable...)
	newVals := []string{"NEW.user_id", "NEW.id", "''"}
	for _, c := range indexable {
		newVals = append(newVals, fmt.Sprintf(`NEW."%s"`, c))
	}

	insertTrig := fmt.Sprintf(`CREATE TRIGGER "fts_%s_insert" AFTER INSERT ON "%s" BEGIN
		INSERT INTO "%s" (%s) VALUES (%s);
	END`, storeName, storeName, fts, strings.Join(colNames, ", "), strings.Join(newVals, ", "))

	deleteTrig := fmt.Sprintf(`CREATE TRIGGER "fts_%s_delete" AFTER DELETE ON "%s" BEGIN
		DELETE FROM "%s" WHERE parent_id = OLD.id AND child_id = '';
	END`, storeName, storeName, fts)

	updateTrig := fmt.Sprintf(`CREATE TRIGGER "fts_%s_update" AFTER UPDATE ON "%s" BEGIN
		DELETE FROM "%s" WHERE parent_id = OLD.id AND child_id = '';
		INSERT INTO "%s" (%s) VALUES (%s);
	END`, storeName, storeName, fts, fts, strings.Join(colNames, ", "), strings.Join(newVals, ", "))

	for _, s := range []string{insertTrig, deleteTrig, updateTrig} {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
	}
	return nil
}

// createCollectionTable creates the child table for one json_collection
// field, with FK cascade and a UNIQUE(parent_id, order_index) constraint,
// plus insert/delete triggers that mirror items into FTS using the
// synthetic child_id "<field>_<item_uuid>".
func (e *Engine) createCollectionTable(ctx context.Context, tx *writeConn, storeName, field string) error {
	op := "store.createCollectionTable"
	childTable := collectionTableName(storeName, field)
	fts := ftsTableName(storeName)

	createSQL := fmt.Sprintf(`CREATE TABLE "%s" (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL REFERENCES "%s"(id) ON DELETE CASCADE,
		order_index INTEGER NOT NULL,
		item_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(parent_id, order_index)
	)`, childTable, storeName)
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX "idx_%s_parent" ON "%s"(parent_id, order_index)`, childTable, childTable)); err != nil {
		return kernelerr.Wrap(kernelerr.Validation, op, err)
	}

	insertTrig := fmt.Sprintf(`CREATE TRIGGER "fts_%s_insert" AFTER INSERT ON "%s" BEGIN
		INSERT INTO "%s" (user_id, parent_id, child_id, "%s")
		SELECT p.user_id, NEW.parent_id, '%s_' || NEW.id, NEW.item_json FROM "%s" p WHERE p.id = NEW.parent_id;
	END`, childTable, childTable, fts, field, field, storeName)

	deleteTrig := fmt.Sprintf(`CREATE TRIGGER "fts_%s_delete" AFTER DELETE ON "%s" BEGIN
		DELETE FROM "%s" WHERE child_id = '%s_' || OLD.id;
	END`, childTable, childTable, fts, field)

	for _, s := range []string{insertTrig, deleteTrig} {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
	}
	return nil
}

// getSchema loads a store's schema, using the in-memory cache when present.
func (e *Engine) getSchema(ctx context.Context, storeName string) (Schema, error) {
	e.storesMu.RLock()
	if s, ok := e.stores[storeName]; ok {
		e.storesMu.RUnlock()
		return s, nil
	}
	e.storesMu.RUnlock()

	var schemaJSON string
	err := e.withRead(ctx, "store.getSchema", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT schema_json FROM _stores WHERE name = ?`, storeName).Scan(&schemaJSON)
	})
	if err == sql.ErrNoRows {
		return Schema{}, kernelerr.New(kernelerr.NotFound, "store.getSchema", "store does not exist: "+storeName)
	}
	if err != nil {
		return Schema{}, kernelerr.Wrap(kernelerr.Validation, "store.getSchema", err)
	}
	s, err := schemaFromJSON(schemaJSON)
	if err != nil {
		return Schema{}, kernelerr.Wrap(kernelerr.Corruption, "store.getSchema", err)
	}
	e.storesMu.Lock()
	e.stores[storeName] = s
	e.storesMu.Unlock()
	return s, nil
}
