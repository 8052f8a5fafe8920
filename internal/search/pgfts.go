package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches journal_entries with Postgres full-text search. The
// tsvector expression matches the journal_entries_fts_idx index.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Name() string { return "postgres" }

const pgftsQuery = `
	SELECT id,
		ts_headline('english', content, plainto_tsquery('english', $2),
			'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30,MinWords=10') AS snippet,
		created_at,
		count(*) OVER () AS total
	FROM journal_entries
	WHERE user_id = $1
		AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)
	ORDER BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC, created_at DESC
	LIMIT $3 OFFSET $4`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []Result{}, 0, nil
	}
	q = q.normalized()

	rows, err := p.db.QueryContext(ctx, pgftsQuery, q.UserID, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := []Result{}
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.EntryID, &r.Snippet, &r.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts rows: %w", err)
	}
	return results, total, nil
}
