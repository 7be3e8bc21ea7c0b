package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"petlify/api/internal/auth"
	"petlify/api/internal/store"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches message text with the 'simple' configuration, restricted
// to threads the participant has not hidden, best rank first.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]store.MessageHit, error) {
	hits := make([]store.MessageHit, 0)
	if strings.TrimSpace(q.Text) == "" || q.Participant == "" {
		return hits, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.sender_email,
			ts_headline('simple', COALESCE(m.text, ''), tsq, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			m.created_at
		FROM messages m
		JOIN threads t ON t.id = m.thread_id,
			plainto_tsquery('simple', $1) tsq
		WHERE to_tsvector('simple', COALESCE(m.text, '')) @@ tsq
			AND ((t.owner_email = $2 AND t.hidden_for_owner = FALSE)
				OR (t.partner_email = $2 AND t.hidden_for_partner = FALSE))
		ORDER BY ts_rank(to_tsvector('simple', COALESCE(m.text, '')), tsq) DESC, m.created_at DESC
		LIMIT $3
	`, q.Text, auth.NormalizeEmail(q.Participant), clampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h store.MessageHit
		if err := rows.Scan(&h.MessageID, &h.ThreadID, &h.SenderEmail, &h.Snippet, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgfts iterate: %w", err)
	}
	return hits, nil
}

// LoadAllRecords returns every message with its thread's participants for
// full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.thread_id, m.sender_email, COALESCE(m.text, ''), m.created_at,
			t.owner_email, t.partner_email
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE m.text IS NOT NULL
		ORDER BY m.created_at, m.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var (
			msg            store.Message
			owner, partner string
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.SenderEmail, &msg.Text, &msg.CreatedAt, &owner, &partner); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, recordOf(msg, []string{owner, partner}))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
