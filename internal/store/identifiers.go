package store

import (
	"regexp"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// storeNamePattern and fieldNamePattern are the identifier grammars from
// spec.md §6: store names allow a hyphen, field names do not.
var (
	storeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
)

// validateStoreName rejects anything but the grammar in spec.md §6, before
// the name is ever interpolated into SQL.
func validateStoreName(name string) error {
	if !storeNamePattern.MatchString(name) {
		return kernelerr.New(kernelerr.Validation, "store.validateStoreName", "invalid store name: "+name)
	}
	return nil
}

// validateFieldName rejects anything but [A-Za-z0-9_]{1,64}, also used for
// order_by validation.
func validateFieldName(name string) error {
	if !fieldNamePattern.MatchString(name) {
		return kernelerr.New(kernelerr.Validation, "store.validateFieldName", "invalid field name: "+name)
	}
	return nil
}

// collectionTableName derives the child table name for a json_collection
// field, per spec.md §6's persisted layout: <store>_<field>.
func collectionTableName(storeName, field string) string {
	return storeName + "_" + field
}

// ftsTableName derives the FTS virtual table name for a store.
func ftsTableName(storeName string) string {
	return "fts_" + storeName
}
