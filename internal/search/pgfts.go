package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const cardsTSVector = "to_tsvector('english', c.body || ' ' || c.summary)"

const loadRecordsSQL = `
	SELECT c.id, c.body, c.summary, c.sender_id, u.display_name, coalesce(c.team_id, ''), c.status, c.importance
	FROM cards c
	JOIN users u ON u.id = c.sender_id
	WHERE c.status <> 'deleted'
`

// buildSearchSQL assembles the count and data queries for one search. The
// WHERE clause carries the same entitlement predicate the feed uses, so
// pagination totals only count cards the user may see.
func buildSearchSQL(q Query) (countSQL, dataSQL string, args []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args = []any{q.Text, q.UserID}
	argN := 3

	where := fmt.Sprintf(`%s @@ %s
		AND (c.sender_id = $2
			OR EXISTS (SELECT 1 FROM card_recipients cr WHERE cr.card_id = c.id AND cr.user_id = $2)
			OR (c.team_id IS NOT NULL AND EXISTS (
				SELECT 1 FROM team_members tm WHERE tm.team_id = c.team_id AND tm.user_id = $2)))`,
		cardsTSVector, tsQuery)

	if q.Status != "" {
		where += fmt.Sprintf(" AND c.status = $%d", argN)
		args = append(args, q.Status)
		argN++
	} else {
		where += " AND c.status <> 'deleted'"
	}

	countSQL = fmt.Sprintf(`SELECT count(*)
		FROM cards c
		JOIN users u ON u.id = c.sender_id
		WHERE %s`, where)

	dataSQL = fmt.Sprintf(`SELECT c.id, c.summary,
			ts_headline('english', c.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			c.sender_id, u.display_name, coalesce(c.team_id, ''), c.status, c.importance
		FROM cards c
		JOIN users u ON u.id = c.sender_id
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC, c.id DESC
		LIMIT %d OFFSET %d`,
		tsQuery, where, cardsTSVector, tsQuery, limit, offset)

	return countSQL, dataSQL, args
}

// Search runs plainto_tsquery over the card body and summary with
// ts_rank ordering and ts_headline snippets, scoped by the same
// entitlement predicate the feed uses.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	countSQL, dataSQL, args := buildSearchSQL(q)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Summary, &r.Snippet, &r.SenderID, &r.SenderName, &r.TeamID, &r.Status, &r.Importance); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every non-deleted card for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CardRecord, error) {
	rows, err := p.db.QueryContext(ctx, loadRecordsSQL)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	records := make([]CardRecord, 0)
	for rows.Next() {
		var rec CardRecord
		if err := rows.Scan(&rec.ID, &rec.Body, &rec.Summary, &rec.SenderID, &rec.SenderName, &rec.TeamID, &rec.Status, &rec.Importance); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}

	for i := range records {
		recipients, err := p.loadRecipients(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].RecipientIDs = recipients
	}
	return records, nil
}

func (p *PgFTS) loadRecipients(ctx context.Context, cardID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id FROM card_recipients WHERE card_id = $1`, cardID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
