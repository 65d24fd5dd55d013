package search

import (
	"context"
	"log/slog"

	"intake/api/internal/workflow"
)

// backend is the primary index; Meili satisfies it.
type backend interface {
	Searcher
	IndexResponse(r ResponseRecord) error
	IndexResponses(r []ResponseRecord) error
	IndexDocument(d DocumentRecord) error
	IndexDocuments(d []DocumentRecord) error
	DeleteResponse(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  backend
	pgfts  *PgFTS
	logger *slog.Logger
	async  bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	s := newService(nil, pgfts, logger)
	if meili != nil {
		s.meili = meili
	}
	return s
}

func newService(primary backend, pgfts *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{meili: primary, pgfts: pgfts, logger: logger, async: true}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexResponse pushes a section's answers to Meilisearch (fire-and-forget).
func (s *Service) IndexResponse(resp workflow.FormResponse) {
	record := NewResponseRecord(resp)
	s.dispatch("index response", record.ID, func(b backend) error { return b.IndexResponse(record) })
}

// DeleteResponse removes a section's answers from the index (fire-and-forget).
func (s *Service) DeleteResponse(id string) {
	s.dispatch("delete response", id, func(b backend) error { return b.DeleteResponse(id) })
}

// IndexDocument indexes an uploaded document's extracted text (fire-and-forget).
func (s *Service) IndexDocument(doc DocumentRecord) {
	s.dispatch("index document", doc.ID, func(b backend) error { return b.IndexDocument(doc) })
}

func (s *Service) dispatch(op, id string, fn func(backend) error) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	run := func() {
		if err := fn(s.meili); err != nil {
			s.logger.Warn(""+op+" failed", "id", id, "error", err)
		}
	}
	if s.async {
		go run()
		return
	}
	run()
}

// ReindexAll pushes every response and document to Meilisearch.
func (s *Service) ReindexAll(responses []ResponseRecord, documents []DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if len(responses) > 0 {
		if err := s.meili.IndexResponses(responses); err != nil {
			s.logger.Error("reindex responses", "error", err)
		}
	}
	if len(documents) > 0 {
		if err := s.meili.IndexDocuments(documents); err != nil {
			s.logger.Error("reindex documents", "error", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	responses, documents, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	s.ReindexAll(responses, documents)
	s.logger.Info("reindexed", "responses", len(responses), "documents", len(documents))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
