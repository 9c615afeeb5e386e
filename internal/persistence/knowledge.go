package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KnowledgeRow is a stored knowledge record. Vector holds the encoded
// fixed-length vector; its layout is owned by the knowledge package.
type KnowledgeRow struct {
	Seq         int64             `json:"seq"`
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Content     string            `json:"content"`
	Keywords    []string          `json:"keywords"`
	Vector      []byte            `json:"-"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RelationRow is a typed, weighted edge between two records.
type RelationRow struct {
	SourceID     string  `json:"source_id"`
	TargetID     string  `json:"target_id"`
	RelationType string  `json:"relation_type"`
	Weight       float64 `json:"weight"`
}

// LinkRequest names an edge target by title and kind. It is resolved inside
// the write transaction; requests matching no record are dropped.
type LinkRequest struct {
	TargetTitle  string
	TargetKind   string
	RelationType string
	Weight       float64
}

// InsertKnowledge persists a record and the edges it implies as one unit.
// It returns the edges that resolved.
func (s *Store) InsertKnowledge(ctx context.Context, rec KnowledgeRow, links []LinkRequest) ([]RelationRow, error) {
	keywords, attrs, err := encodeKnowledgeMeta(rec)
	if err != nil {
		return nil, err
	}
	var resolved []RelationRow
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		resolved = resolved[:0]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_records (id, kind, title, description, content, keywords, vector, attrs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.Kind, rec.Title, rec.Description, rec.Content, keywords, rec.Vector, attrs,
			rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("insert knowledge %s: %w", rec.ID, err)
		}
		edges, err := linkTx(ctx, tx, rec.ID, links)
		if err != nil {
			return err
		}
		resolved = edges
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// UpdateKnowledge rewrites the mutable columns of a record. When links is
// non-nil the record's outgoing edges are replaced by the resolved links in
// the same transaction.
func (s *Store) UpdateKnowledge(ctx context.Context, rec KnowledgeRow, links []LinkRequest) ([]RelationRow, error) {
	keywords, attrs, err := encodeKnowledgeMeta(rec)
	if err != nil {
		return nil, err
	}
	var resolved []RelationRow
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		resolved = resolved[:0]
		res, err := tx.ExecContext(ctx, `
			UPDATE knowledge_records
			SET title = ?, description = ?, content = ?, keywords = ?, vector = ?, attrs = ?, updated_at = ?
			WHERE id = ?;
		`, rec.Title, rec.Description, rec.Content, keywords, rec.Vector, attrs, rec.UpdatedAt.UTC(), rec.ID)
		if err != nil {
			return fmt.Errorf("update knowledge %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("knowledge %s: %w", rec.ID, ErrNotFound)
		}
		if links == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_relations WHERE source_id = ?;`, rec.ID); err != nil {
			return fmt.Errorf("clear relations for %s: %w", rec.ID, err)
		}
		edges, err := linkTx(ctx, tx, rec.ID, links)
		if err != nil {
			return err
		}
		resolved = edges
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func encodeKnowledgeMeta(rec KnowledgeRow) (string, string, error) {
	kw := rec.Keywords
	if kw == nil {
		kw = []string{}
	}
	keywords, err := json.Marshal(kw)
	if err != nil {
		return "", "", fmt.Errorf("marshal keywords: %w", err)
	}
	at := rec.Attrs
	if at == nil {
		at = map[string]string{}
	}
	attrs, err := json.Marshal(at)
	if err != nil {
		return "", "", fmt.Errorf("marshal attrs: %w", err)
	}
	return string(keywords), string(attrs), nil
}

func linkTx(ctx context.Context, tx *sql.Tx, sourceID string, links []LinkRequest) ([]RelationRow, error) {
	var out []RelationRow
	for _, l := range links {
		if l.TargetTitle == "" {
			continue
		}
		var targetID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM knowledge_records WHERE kind = ? AND title = ? ORDER BY seq ASC LIMIT 1;
		`, l.TargetKind, l.TargetTitle).Scan(&targetID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s target %q: %w", l.RelationType, l.TargetTitle, err)
		}
		if targetID == sourceID {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO knowledge_relations (source_id, target_id, relation_type, weight)
			VALUES (?, ?, ?, ?);
		`, sourceID, targetID, l.RelationType, l.Weight); err != nil {
			return nil, fmt.Errorf("insert relation %s->%s: %w", sourceID, targetID, err)
		}
		out = append(out, RelationRow{SourceID: sourceID, TargetID: targetID, RelationType: l.RelationType, Weight: l.Weight})
	}
	return out, nil
}

const knowledgeColumns = `seq, id, kind, title, description, content, keywords, vector, attrs, created_at, updated_at`

func scanKnowledge(scan func(dest ...any) error) (KnowledgeRow, error) {
	var r KnowledgeRow
	var keywords, attrs string
	if err := scan(&r.Seq, &r.ID, &r.Kind, &r.Title, &r.Description, &r.Content, &keywords, &r.Vector, &attrs,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(keywords), &r.Keywords); err != nil {
		return r, fmt.Errorf("decode keywords for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(attrs), &r.Attrs); err != nil {
		return r, fmt.Errorf("decode attrs for %s: %w", r.ID, err)
	}
	return r, nil
}

// GetKnowledge loads one record.
func (s *Store) GetKnowledge(ctx context.Context, id string) (*KnowledgeRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_records WHERE id = ?;`, id)
	r, err := scanKnowledge(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge: %w", err)
	}
	return &r, nil
}

// ListKnowledgeByKind returns every record of a kind in insertion order.
func (s *Store) ListKnowledgeByKind(ctx context.Context, kind string) ([]KnowledgeRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_records WHERE kind = ? ORDER BY seq ASC;`, kind)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()
	var out []KnowledgeRow
	for rows.Next() {
		r, err := scanKnowledge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelations returns every edge touching id, outgoing first.
func (s *Store) ListRelations(ctx context.Context, id string) ([]RelationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, relation_type, weight FROM knowledge_relations
		WHERE source_id = ? OR target_id = ?
		ORDER BY CASE WHEN source_id = ? THEN 0 ELSE 1 END, created_at ASC, relation_type ASC;
	`, id, id, id)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()
	var out []RelationRow
	for rows.Next() {
		var r RelationRow
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelationType, &r.Weight); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountKnowledge returns the number of stored records.
func (s *Store) CountKnowledge(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_records;`).Scan(&n)
	return n, err
}
