// Package search provides full-text search over chat messages. Meilisearch
// is used when configured and healthy; PostgreSQL full-text search is the
// fallback.
package search

import (
	"context"

	"petlify/api/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 50
)

// Query describes a search request. Participant restricts hits to threads
// the given email takes part in.
type Query struct {
	Text        string
	Participant string
	// ThreadIDs restricts hits to these threads when non-empty.
	ThreadIDs []string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []store.MessageHit `json:"results"`
	Total   int                `json:"total"`
	Query   string             `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]store.MessageHit, error)
	Healthy() bool
}

// Index is a searcher that also accepts writes.
type Index interface {
	Searcher
	IndexMessages(records []MessageRecord) error
	DeleteThread(threadID string) error
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	SenderEmail  string   `json:"senderEmail"`
	Text         string   `json:"text"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"` // unix milliseconds
}

func recordOf(msg store.Message, participants []string) MessageRecord {
	return MessageRecord{
		ID:           msg.ID,
		ThreadID:     msg.ThreadID,
		SenderEmail:  msg.SenderEmail,
		Text:         msg.Text,
		Participants: participants,
		CreatedAt:    msg.CreatedAt.UnixMilli(),
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
