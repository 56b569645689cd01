package db

import (
	"context"
	"fmt"
	"time"

	"github.com/4xmen/chatsync/internal/metrics"
	"github.com/4xmen/chatsync/internal/remote"
)

// Documents persists local store documents in the documents table.
type Documents struct {
	db *DB
}

func (db *DB) Documents() *Documents {
	return &Documents{db: db}
}

func (d *Documents) LoadAll(ctx context.Context) ([]remote.Document, error) {
	defer observe("sqlite", "load", time.Now())

	rows, err := d.db.conn.QueryContext(ctx, `SELECT collection, doc_key, data FROM documents ORDER BY collection, doc_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []remote.Document
	for rows.Next() {
		var doc remote.Document
		var data string
		if err := rows.Scan(&doc.Collection, &doc.Key, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = []byte(data)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (d *Documents) SaveDocument(ctx context.Context, doc remote.Document) error {
	defer observe("sqlite", "save", time.Now())

	_, err := d.db.conn.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_key, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, doc_key) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, doc.Collection, doc.Key, string(doc.Data))
	if err != nil {
		return fmt.Errorf("failed to save document %s/%s: %w", doc.Collection, doc.Key, err)
	}
	return nil
}

func (d *Documents) DeleteDocument(ctx context.Context, collection, key string) error {
	defer observe("sqlite", "delete", time.Now())

	if _, err := d.db.conn.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND doc_key = ?`, collection, key); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, key, err)
	}
	return nil
}

// CountByCollection reports how many documents each collection holds.
func (d *Documents) CountByCollection(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.conn.QueryContext(ctx, `SELECT collection, COUNT(*) FROM documents GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var collection string
		var n int
		if err := rows.Scan(&collection, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[collection] = n
	}
	return counts, rows.Err()
}

func observe(backend, op string, start time.Time) {
	metrics.BackendLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
