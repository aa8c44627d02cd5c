package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher over the assembly_sections table. It is also where the
// current record set of each draft lives, so it knows what a reindex removed.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres there is no PgFTS at all.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks sections with plainto_tsquery and ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "s.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.DraftID != "" {
		where += " AND s.draft_id = $2"
		args = append(args, q.DraftID)
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM assembly_sections s WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.id, s.draft_id, s.section_id, s.heading,
			ts_headline('english', s.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM assembly_sections s
		WHERE %s
		ORDER BY ts_rank(s.fts, plainto_tsquery('english', $1)) DESC, s.position
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DraftID, &r.SectionID, &r.Heading, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// Replace makes records the complete set for a draft and returns the ids it dropped.
func (p *PgFTS) Replace(ctx context.Context, draftID string, records []SectionRecord) ([]string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	keep := make([]string, 0, len(records))
	for _, r := range records {
		keep = append(keep, r.ID)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assembly_sections (id, draft_id, section_id, position, heading, body, assembled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				section_id = EXCLUDED.section_id,
				position = EXCLUDED.position,
				heading = EXCLUDED.heading,
				body = EXCLUDED.body,
				assembled_at = EXCLUDED.assembled_at
		`, r.ID, r.DraftID, r.SectionID, r.Position, r.Heading, r.Text, time.Unix(r.AssembledAt, 0).UTC()); err != nil {
			return nil, fmt.Errorf("upsert section %s: %w", r.ID, err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM assembly_sections
		WHERE draft_id = $1 AND NOT (id = ANY($2))
		RETURNING id
	`, draftID, keep)
	if err != nil {
		return nil, fmt.Errorf("delete stale sections: %w", err)
	}
	removed := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan removed section: %w", err)
		}
		removed = append(removed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate removed sections: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}
	return removed, nil
}

// LoadAll returns every section record for a full reindex.
func (p *PgFTS) LoadAll(ctx context.Context) ([]SectionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, draft_id, section_id, position, heading, body, assembled_at
		FROM assembly_sections
		ORDER BY draft_id, position
	`)
	if err != nil {
		return nil, fmt.Errorf("load sections: %w", err)
	}
	defer rows.Close()

	records := make([]SectionRecord, 0)
	for rows.Next() {
		var r SectionRecord
		var assembledAt time.Time
		if err := rows.Scan(&r.ID, &r.DraftID, &r.SectionID, &r.Position, &r.Heading, &r.Text, &assembledAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		r.AssembledAt = assembledAt.Unix()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return records, nil
}
