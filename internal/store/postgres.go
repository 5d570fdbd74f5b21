package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, raw, content, updated_at
		FROM documents
		WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Title, &doc.Raw, &content, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	doc.Content = content
	return doc, nil
}

// SaveDocument inserts or replaces a document and returns the stored row.
func (s *PostgresStore) SaveDocument(ctx context.Context, doc Document) (Document, error) {
	content := []byte(doc.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, raw, content, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
			raw = EXCLUDED.raw,
			content = EXCLUDED.content,
			updated_at = NOW()
		RETURNING updated_at
	`, doc.ID, doc.Title, doc.Raw, content).Scan(&doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	doc.Content = content
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_at
		FROM documents
		ORDER BY updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]DocumentSummary, 0)
	for rows.Next() {
		var item DocumentSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
