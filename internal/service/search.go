package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/rank"
	"github.com/raphaelgruber/recall/internal/rerank"
	"github.com/raphaelgruber/recall/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("recall")

// Warnings attached to degraded responses.
const (
	WarnKeywordFallback = "semantic search unavailable, results come from keyword matching over recent activity"
	WarnRerankFallback  = "reranking unavailable, results are in similarity order"
	WarnEpisodesMissing = "episode candidates unavailable, results contain screenshots only"
	WarnFramesMissing   = "screenshot candidates unavailable, results contain episodes only"
)

const (
	warningSeparator     = "; "
	defaultEpisodeWindow = 50
	defaultFrameWindow   = 30
)

// SearchOptions configures retrieval.
type SearchOptions struct {
	// EpisodeWindow and FrameWindow bound the recency windows read per query.
	EpisodeWindow int
	FrameWindow   int

	EmbedTimeout time.Duration
	RepoTimeout  time.Duration

	// KeywordFallback enables the keyword tier when the query cannot be
	// embedded or no stored item has a vector.
	KeywordFallback bool

	// Location renders context timestamps. Nil means local time.
	Location *time.Location
}

// DefaultSearchOptions returns the settings used when none are configured.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		EpisodeWindow:   defaultEpisodeWindow,
		FrameWindow:     defaultFrameWindow,
		EmbedTimeout:    10 * time.Second,
		RepoTimeout:     5 * time.Second,
		KeywordFallback: true,
	}
}

// SearchService runs the retrieval pipeline: embed, fetch bounded candidates,
// rank, rerank, assemble.
type SearchService struct {
	repo     store.CandidateReader
	embedder embedding.Embedder
	reranker *rerank.Orchestrator
	opts     SearchOptions
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewSearchService creates a search service. embedder and reranker may be nil.
func NewSearchService(repo store.CandidateReader, embedder embedding.Embedder, reranker *rerank.Orchestrator, opts SearchOptions, logger *slog.Logger) *SearchService {
	if logger == nil {
		logger = slog.Default()
	}
	if reranker == nil {
		reranker = rerank.NewOrchestrator(nil)
	}
	return &SearchService{
		repo:     repo,
		embedder: embedder,
		reranker: reranker,
		opts:     opts,
		logger:   logger,
	}
}

// SetMetrics enables metrics collection.
func (s *SearchService) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// Search answers a query with ranked episodes followed by ranked frames,
// each list holding at most q.Limit results.
func (s *SearchService) Search(ctx context.Context, q models.Query) (*models.Response, error) {
	ctx, span := tracer.Start(ctx, "search")
	defer span.End()

	if err := q.Normalize(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("limit", q.Limit))

	vec, err := s.embedQuery(ctx, q.QueryText)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !s.opts.KeywordFallback {
			span.SetStatus(codes.Error, "embedding unavailable")
			return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
		}
		s.logger.Warn("query embedding failed, using keyword search", "error", err)
		s.inc(metrics.CounterKeywordFallback)
		return s.keywordSearch(ctx, q)
	}

	c, err := s.fetchCandidates(ctx, true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	// Nothing embedded yet (fresh store, indexer backlog): vectors cannot
	// answer, so the keyword tier does.
	if len(c.episodes) == 0 && len(c.frames) == 0 && s.opts.KeywordFallback {
		s.logger.Warn("no embedded candidates, using keyword search")
		s.inc(metrics.CounterKeywordFallback)
		return s.keywordSearch(ctx, q)
	}

	queryModel := s.embedder.Model()
	episodes := make([]models.Result, 0, len(c.episodes))
	for _, e := range c.episodes {
		episodes = append(episodes, models.EpisodeResult(e))
	}
	frames := make([]models.Result, 0, len(c.frames))
	for _, f := range c.frames {
		r := models.FrameResult(f)
		r.CrossModal = f.EmbeddingModel != nil && *f.EmbeddingModel != queryModel
		frames = append(frames, r)
	}

	episodes = rank.FilterMinScore(rank.Rank(vec, episodes), q.MinScore)
	frames = rank.FilterMinScore(rank.Rank(vec, frames), q.MinScore)

	warnings := c.warnings
	episodes, epErr := s.rerank(ctx, q.QueryText, episodes, q.Limit)
	frames, frErr := s.rerank(ctx, q.QueryText, frames, q.Limit)
	if epErr != nil || frErr != nil {
		warnings = append(warnings, WarnRerankFallback)
	}

	resp := s.respond(q, episodes, frames, warnings)
	resp.Context = AssembleContext(episodes, frames, q.Limit, q.Limit, s.opts.Location)
	span.SetAttributes(attribute.Int("results", resp.Count), attribute.Bool("degraded", resp.Degraded))
	return resp, nil
}

func (s *SearchService) rerank(ctx context.Context, query string, ranked []models.Result, limit int) ([]models.Result, error) {
	ctx, span := tracer.Start(ctx, "search.rerank")
	defer span.End()
	out, err := s.reranker.Rerank(ctx, query, ranked, limit)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (s *SearchService) respond(q models.Query, episodes, frames []models.Result, warnings []string) *models.Response {
	results := make([]models.Result, 0, len(episodes)+len(frames))
	for _, r := range episodes {
		results = append(results, r.Stripped())
	}
	for _, r := range frames {
		results = append(results, r.Stripped())
	}
	resp := &models.Response{
		QueryText: q.QueryText,
		Results:   results,
		Count:     len(results),
	}
	if len(warnings) > 0 {
		resp.Degraded = true
		resp.Warning = strings.Join(warnings, warningSeparator)
		s.inc(metrics.CounterDegraded)
	}
	return resp
}

func (s *SearchService) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, errors.New("no embedding provider configured")
	}
	ctx, span := tracer.Start(ctx, "search.embed")
	defer span.End()

	if s.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.EmbedTimeout)
		defer cancel()
	}

	start := time.Now()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		if s.metrics != nil {
			s.metrics.RecordError(metrics.OpEmbedding, time.Since(start))
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTiming(metrics.OpEmbedding, time.Since(start))
	}
	return vec, nil
}

type candidates struct {
	episodes []models.Episode
	frames   []models.Frame
	warnings []string
}

// fetchCandidates reads both recency windows concurrently. One failed read
// degrades the result; two fail the query.
func (s *SearchService) fetchCandidates(ctx context.Context, semantic bool) (candidates, error) {
	ctx, span := tracer.Start(ctx, "search.candidates")
	defer span.End()

	var c candidates
	var epErr, frErr error

	// errors are kept per window so one failure does not cancel the other read
	var g errgroup.Group
	if s.opts.EpisodeWindow > 0 {
		g.Go(func() error {
			c.episodes, epErr = readWindow(ctx, s, func(ctx context.Context) ([]models.Episode, error) {
				return s.repo.GetRecentEpisodes(ctx, models.RecentQuery{
					Limit:            s.opts.EpisodeWindow,
					RequireEmbedding: semantic,
					WithEmbedding:    semantic,
				})
			})
			return nil
		})
	}
	if s.opts.FrameWindow > 0 {
		g.Go(func() error {
			c.frames, frErr = readWindow(ctx, s, func(ctx context.Context) ([]models.Frame, error) {
				return s.repo.GetRecentFrames(ctx, models.RecentQuery{
					Limit:            s.opts.FrameWindow,
					RequireEmbedding: semantic,
					WithEmbedding:    semantic,
				})
			})
			return nil
		})
	}
	_ = g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return candidates{}, ctxErr
	}

	epFailed := s.opts.EpisodeWindow > 0 && epErr != nil
	frFailed := s.opts.FrameWindow > 0 && frErr != nil
	switch {
	case epFailed && frFailed, epFailed && s.opts.FrameWindow == 0, frFailed && s.opts.EpisodeWindow == 0:
		return candidates{}, fmt.Errorf("read candidates: %w", errors.Join(epErr, frErr))
	case epFailed:
		s.logger.Warn("episode candidates unavailable", "error", epErr)
		c.warnings = append(c.warnings, WarnEpisodesMissing)
	case frFailed:
		s.logger.Warn("frame candidates unavailable", "error", frErr)
		c.warnings = append(c.warnings, WarnFramesMissing)
	}

	span.SetAttributes(
		attribute.Int("episodes", len(c.episodes)),
		attribute.Int("frames", len(c.frames)),
	)
	return c, nil
}

func readWindow[T any](ctx context.Context, s *SearchService, read func(context.Context) ([]T, error)) ([]T, error) {
	if s.opts.RepoTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RepoTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := read(ctx)
	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordError(metrics.OpDBSearch, time.Since(start))
		} else {
			s.metrics.RecordTiming(metrics.OpDBSearch, time.Since(start))
		}
	}
	return out, err
}

func (s *SearchService) inc(name string) {
	if s.metrics != nil {
		s.metrics.Inc(name)
	}
}

// Context returns only the assembled context block for a query.
func (s *SearchService) Context(ctx context.Context, q models.Query) (string, *models.Response, error) {
	resp, err := s.Search(ctx, q)
	if err != nil {
		return "", nil, err
	}
	return resp.Context, resp, nil
}
