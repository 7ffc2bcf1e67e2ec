package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// quoteIdent quotes a table or index name for SQL
func quoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

// encodeDocument serializes a document for a data column
func encodeDocument(doc Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return raw, nil
}

// decodeDocument parses a data column. Numbers stay json.Number so they keep
// their exact form.
func decodeDocument(raw []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// scanDocuments reads every data column from rows
func scanDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// execAffecting runs a statement and maps zero affected rows to ErrNotFound
func execAffecting(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// indexColumns renders the key list of an index using expr to turn a path's
// segments into a column expression
func indexColumns(spec IndexSpec, expr func([]string) string) (string, error) {
	cols := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		segments, err := SplitPath(k.Field)
		if err != nil {
			return "", err
		}
		col := "(" + expr(segments) + ")"
		if k.Descending {
			col += " DESC"
		}
		cols = append(cols, col)
	}
	return strings.Join(cols, ", "), nil
}
