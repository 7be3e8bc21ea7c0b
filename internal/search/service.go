package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"petlify/api/internal/auth"
	"petlify/api/internal/chat"
	"petlify/api/internal/store"
)

const reindexBatch = 500

var _ chat.Indexer = (*Service)(nil)

// ThreadLister returns the threads a caller can currently see.
type ThreadLister interface {
	ListVisibleThreads(ctx context.Context, email string) ([]store.Thread, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	threads  ThreadLister
	loader   func(ctx context.Context) ([]MessageRecord, error)
	log      zerolog.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, pgfts *PgFTS, threads ThreadLister, log zerolog.Logger) *Service {
	s := &Service{
		index:   index,
		threads: threads,
		log:     log.With().Str("component", "search").Logger(),
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search returns message hits for caller. Hits outside the caller's visible
// threads are dropped whatever the backend returned.
func (s *Service) Search(ctx context.Context, caller auth.Identity, text string, limit int) (Response, error) {
	text = strings.TrimSpace(text)
	email := auth.NormalizeEmail(caller.Email)
	resp := Response{Results: []store.MessageHit{}, Query: text}
	if text == "" || email == "" {
		return resp, nil
	}

	visible, err := s.threads.ListVisibleThreads(ctx, email)
	if err != nil {
		return Response{}, fmt.Errorf("list visible threads: %w", err)
	}
	if len(visible) == 0 {
		return resp, nil
	}
	allowed := make(map[string]struct{}, len(visible))
	threadIDs := make([]string, 0, len(visible))
	for _, t := range visible {
		allowed[t.ID] = struct{}{}
		threadIDs = append(threadIDs, t.ID)
	}

	q := Query{Text: text, Participant: email, ThreadIDs: threadIDs, Limit: clampLimit(limit)}
	hits, err := s.query(ctx, q)
	if err != nil {
		return Response{}, err
	}

	for _, hit := range hits {
		if _, ok := allowed[hit.ThreadID]; !ok {
			continue
		}
		resp.Results = append(resp.Results, hit)
		if len(resp.Results) == q.Limit {
			break
		}
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

func (s *Service) query(ctx context.Context, q Query) ([]store.MessageHit, error) {
	if s.indexReady() {
		hits, err := s.index.Search(ctx, q)
		if err == nil {
			return hits, nil
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}
	if s.fallback == nil {
		return []store.MessageHit{}, nil
	}
	hits, err := s.fallback.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fallback search: %w", err)
	}
	return hits, nil
}

// IndexMessage indexes a message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(msg store.Message, participants []string) {
	if !s.indexReady() || strings.TrimSpace(msg.Text) == "" {
		return
	}
	record := recordOf(msg, participants)
	go func() {
		if err := s.index.IndexMessages([]MessageRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("message_id", record.ID).Msg("index message")
		}
	}()
}

// DeleteThread removes a purged thread's messages from the index
// (fire-and-forget).
func (s *Service) DeleteThread(threadID string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteThread(threadID); err != nil {
			s.log.Warn().Err(err).Str("thread_id", threadID).Msg("delete thread from index")
		}
	}()
}

// ReindexAllFromPG pushes every stored message into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexReady() || s.loader == nil {
		return
	}
	records, err := s.loader(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	for start := 0; start < len(records); start += reindexBatch {
		end := min(start+reindexBatch, len(records))
		if err := s.index.IndexMessages(records[start:end]); err != nil {
			s.log.Error().Err(err).Int("offset", start).Msg("reindex messages")
			return
		}
	}
	s.log.Info().Int("messages", len(records)).Msg("reindex complete")
}
