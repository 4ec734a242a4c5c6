package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// FullTextSearch runs a two-step query against a store's FTS table: match
// on the given query (wrapped to match as a prefix) filtered by user_id to
// get distinct parent_ids ordered by rank, then fetch and deserialize the
// full parent rows.
func (e *Engine) FullTextSearch(ctx context.Context, storeName, userID, query string, opts FindOptions) ([]*Record, error) {
	op := "store.FullTextSearch"
	schema, err := e.getSchema(ctx, storeName)
	if err != nil {
		return nil, err
	}

	pagSQL, pagParams, err := buildPagination(opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	ftsQuery := strings.TrimSpace(query)
	if ftsQuery == "" {
		return nil, kernelerr.New(kernelerr.Validation, op, "empty search query")
	}
	ftsQuery = quoteFTSPrefix(ftsQuery)

	var ids []string
	err = e.withRead(ctx, op, func(db *sql.DB) error {
		q := fmt.Sprintf(`SELECT DISTINCT parent_id FROM "%s" WHERE "%s" MATCH ? AND user_id = ? ORDER BY rank %s`,
			ftsTableName(storeName), ftsTableName(storeName), pagSQL)
		rows, err := db.QueryContext(ctx, q, append([]any{ftsQuery, userID}, pagParams...)...)
		if err != nil {
			return kernelerr.Wrap(kernelerr.Validation, op, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return kernelerr.Wrap(kernelerr.Validation, op, err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	var out []*Record
	for _, id := range ids {
		rec, err := e.Get(ctx, storeName, userID, id, false)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	_ = schema
	return out, nil
}

// quoteFTSPrefix wraps each whitespace-separated term in double quotes with
// a trailing "*" so the query matches as a prefix, e.g. `hello world` ->
// `"hello"* "world"*`.
func quoteFTSPrefix(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		terms[i] = fmt.Sprintf(`"%s"*`, t)
	}
	return strings.Join(terms, " ")
}
