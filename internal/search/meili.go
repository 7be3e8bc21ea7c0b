package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"petlify/api/internal/store"
)

const idxMessages = "petlify_messages"

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates a Meilisearch client and configures the message index.
// An unreachable server is not an error: the client reports unhealthy and
// the health loop picks it up once it recovers.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "meilisearch").Logger(),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMessages,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"participants", "threadId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]store.MessageHit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxMessages,
			Query:                 q.Text,
			Limit:                 int64(clampLimit(q.Limit)),
			Filter:                searchFilter(q),
			AttributesToHighlight: []string{"text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	hits := make([]store.MessageHit, 0)
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			hits = append(hits, hitToMessage(hit))
		}
	}
	return hits, nil
}

// searchFilter ANDs the participant and thread restrictions so the limit
// applies to hits the caller can actually see.
func searchFilter(q Query) []string {
	var filter []string
	if q.Participant != "" {
		filter = append(filter, fmt.Sprintf("participants = %q", q.Participant))
	}
	if len(q.ThreadIDs) > 0 {
		quoted := make([]string, len(q.ThreadIDs))
		for i, id := range q.ThreadIDs {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		filter = append(filter, fmt.Sprintf("threadId IN [%s]", strings.Join(quoted, ", ")))
	}
	return filter
}

func hitToMessage(hit meili.Hit) store.MessageHit {
	h := store.MessageHit{
		MessageID:   decodeString(hit, "id"),
		ThreadID:    decodeString(hit, "threadId"),
		SenderEmail: decodeString(hit, "senderEmail"),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
	}
	if raw, ok := hit["createdAt"]; ok {
		var millis int64
		if err := json.Unmarshal(raw, &millis); err == nil {
			h.CreatedAt = time.UnixMilli(millis).UTC()
		}
	}
	return h
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexMessages adds or replaces messages in the index.
func (m *Meili) IndexMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMessages).AddDocuments(records, nil)
	return err
}

// DeleteThread removes every message of a thread from the index.
func (m *Meili) DeleteThread(threadID string) error {
	_, err := m.client.Index(idxMessages).DeleteDocumentsByFilter(fmt.Sprintf("threadId = %q", threadID), nil)
	return err
}
