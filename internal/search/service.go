package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *zap.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTodo pushes a todo into Meilisearch, fire and forget.
func (s *Service) IndexTodo(rec TodoRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTodo(rec); err != nil {
			s.log.Warn("index todo", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// IndexComment pushes a comment into Meilisearch, fire and forget.
func (s *Service) IndexComment(rec CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(rec); err != nil {
			s.log.Warn("index comment", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteTodo removes a todo from the search index, fire and forget.
func (s *Service) DeleteTodo(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTodo(id); err != nil {
			s.log.Warn("delete todo from index", zap.String("id", id), zap.Error(err))
		}
	}()
}

// DeleteComment removes a comment from the search index, fire and forget.
func (s *Service) DeleteComment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.log.Warn("delete comment from index", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG loads every searchable row from Postgres and pushes it
// into Meilisearch. Run at startup when the engine is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	todos, comments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexTodos(todos); err != nil {
		s.log.Warn("reindex todos", zap.Error(err))
	}
	if err := s.meili.IndexComments(comments); err != nil {
		s.log.Warn("reindex comments", zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
