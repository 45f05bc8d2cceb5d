package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// IndexJob asks for the summary and vector of one episode or frame.
type IndexJob struct {
	Kind models.Kind `json:"kind"`
	ID   string      `json:"id"`
}

// IndexerOptions configures the indexer.
type IndexerOptions struct {
	Workers     int
	QueueSize   int
	Rate        float64 // provider calls per second, 0 means unlimited
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// IndexStats is a point-in-time view of the indexer.
type IndexStats struct {
	Queued  int   `json:"queued"`
	Pending int   `json:"pending"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
	Retries int64 `json:"retries"`
	Dropped int64 `json:"dropped"`
	Skipped int64 `json:"skipped"`
	Running bool  `json:"running"`
}

const maxSummaryTitles = 5

// Indexer attaches summaries and embeddings to stored episodes and frames.
// Jobs are delivered at least once and every write is an idempotent
// overwrite, so a job processed twice leaves the same state.
type Indexer struct {
	repo     store.Repository
	embedder embedding.Embedder
	opts     IndexerOptions
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Collector

	queue   chan IndexJob
	mu      sync.Mutex
	pending map[IndexJob]bool
	running atomic.Bool

	done, failed, retries, dropped, skipped atomic.Int64
}

// NewIndexer creates an indexer. embedder may be nil, in which case episodes
// still receive summaries.
func NewIndexer(repo store.Repository, embedder embedding.Embedder, opts IndexerOptions, logger *slog.Logger) *Indexer {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}

	return &Indexer{
		repo:     repo,
		embedder: embedder,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		queue:    make(chan IndexJob, opts.QueueSize),
		pending:  make(map[IndexJob]bool),
	}
}

// SetMetrics enables metrics collection.
func (ix *Indexer) SetMetrics(m *metrics.Collector) {
	ix.metrics = m
}

// Run processes queued jobs until ctx is cancelled. Jobs still queued at
// that point are picked up again by the next Backfill.
func (ix *Indexer) Run(ctx context.Context) error {
	if !ix.running.CompareAndSwap(false, true) {
		return errors.New("indexer already running")
	}
	defer ix.running.Store(false)

	ix.logger.Info("indexer started", "workers", ix.opts.Workers, "queue", ix.opts.QueueSize)
	g, ctx := errgroup.WithContext(ctx)
	for range ix.opts.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-ix.queue:
					ix.mu.Lock()
					delete(ix.pending, job)
					ix.mu.Unlock()
					_ = ix.Process(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	ix.logger.Info("indexer stopped")
	return err
}

// Enqueue schedules a job without blocking. It returns false when the job is
// already queued or the queue is full.
func (ix *Indexer) Enqueue(job IndexJob) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.pending[job] {
		return false
	}
	select {
	case ix.queue <- job:
		ix.pending[job] = true
		return true
	default:
		ix.dropped.Add(1)
		ix.logger.Warn("index queue full, job left for backfill", "kind", job.Kind, "id", job.ID)
		return false
	}
}

// EpisodeClosed schedules summary and embedding for a closed episode.
func (ix *Indexer) EpisodeClosed(ctx context.Context, episodeID string) {
	ix.Enqueue(IndexJob{Kind: models.KindEpisode, ID: episodeID})
}

// FrameAdded schedules an image embedding when the frame has an image.
func (ix *Indexer) FrameAdded(ctx context.Context, frame models.Frame) {
	if frame.ImageRef != nil && *frame.ImageRef != "" {
		ix.Enqueue(IndexJob{Kind: models.KindFrame, ID: frame.ID})
	}
}

// Process runs one job with retries. Permanent failures are not retried.
func (ix *Indexer) Process(ctx context.Context, job IndexJob) error {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= ix.opts.MaxAttempts; attempt++ {
		if err = ix.limiter.Wait(ctx); err != nil {
			return err
		}
		err = ix.processOnce(ctx, job)
		if err == nil {
			ix.done.Add(1)
			if ix.metrics != nil {
				ix.metrics.RecordTiming(metrics.OpIndex, time.Since(start))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanent(err) {
			ix.inc(metrics.CounterIndexPermanentKO)
			break
		}
		if attempt == ix.opts.MaxAttempts {
			break
		}

		ix.retries.Add(1)
		ix.inc(metrics.CounterIndexRetry)
		wait := ix.backoff(attempt)
		ix.logger.Warn("index job failed, retrying",
			"kind", job.Kind, "id", job.ID, "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	ix.failed.Add(1)
	if ix.metrics != nil {
		ix.metrics.RecordError(metrics.OpIndex, time.Since(start))
	}
	ix.logger.Error("index job failed", "kind", job.Kind, "id", job.ID, "error", err)
	return err
}

func (ix *Indexer) backoff(attempt int) time.Duration {
	d := ix.opts.BaseBackoff << (attempt - 1)
	if d <= 0 || d > ix.opts.MaxBackoff {
		return ix.opts.MaxBackoff
	}
	return d
}

func isPermanent(err error) bool {
	return embedding.IsPermanent(err) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrValidation)
}

// errSkip marks a job that has nothing to do.
var errSkip = errors.New("nothing to index")

func (ix *Indexer) processOnce(ctx context.Context, job IndexJob) error {
	var err error
	switch job.Kind {
	case models.KindEpisode:
		err = ix.indexEpisode(ctx, job.ID)
	case models.KindFrame:
		err = ix.indexFrame(ctx, job.ID)
	default:
		return fmt.Errorf("%w: unknown job kind %q", models.ErrValidation, job.Kind)
	}
	if errors.Is(err, errSkip) {
		ix.skipped.Add(1)
		ix.logger.Debug("index job skipped", "kind", job.Kind, "id", job.ID)
		return nil
	}
	return err
}

func (ix *Indexer) indexEpisode(ctx context.Context, id string) error {
	ep, err := ix.repo.GetEpisode(ctx, id)
	if err != nil {
		return err
	}
	if ep.Open {
		return errSkip
	}

	var titles []string
	if len(ep.FrameIDs) > 0 {
		frames, err := ix.repo.GetFrames(ctx, ep.FrameIDs)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if f.WindowTitle != nil && *f.WindowTitle != "" {
				titles = append(titles, *f.WindowTitle)
			}
		}
	}
	summary := EpisodeSummary(*ep, titles)

	if ix.embedder == nil {
		return ix.repo.SetEpisodeSummary(ctx, id, summary, nil, "")
	}
	vec, err := embedding.EmbedDocument(ctx, ix.embedder, summary)
	if err != nil {
		return err
	}
	if err := ix.repo.SetEpisodeSummary(ctx, id, summary, vec, ix.embedder.Model()); err != nil {
		return err
	}
	ix.logger.Info("episode indexed", "episode_id", id, "app", ep.AppName, "frames", ep.FrameCount)
	return nil
}

func (ix *Indexer) indexFrame(ctx context.Context, id string) error {
	if ix.embedder == nil {
		return errSkip
	}
	f, err := ix.repo.GetFrame(ctx, id)
	if err != nil {
		return err
	}
	if f.ImageRef == nil || *f.ImageRef == "" {
		return errSkip
	}
	vec, err := ix.embedder.EmbedImage(ctx, *f.ImageRef)
	if err != nil {
		return err
	}
	if err := ix.repo.SetFrameEmbedding(ctx, id, vec, embedding.ImageModelOf(ix.embedder)); err != nil {
		return err
	}
	ix.logger.Debug("frame indexed", "frame_id", id, "dimension", len(vec))
	return nil
}

// EpisodeSummary renders the text stored and embedded for an episode.
// Up to five distinct window titles are listed in first-seen order.
func EpisodeSummary(ep models.Episode, windowTitles []string) string {
	duration := "ongoing"
	if !ep.Open && ep.StartTS > 0 && ep.EndTS > 0 {
		duration = fmt.Sprintf("%.1f minutes", float64(ep.EndTS-ep.StartTS)/60000)
	}

	seen := map[string]bool{}
	var unique []string
	for _, t := range windowTitles {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		unique = append(unique, t)
		if len(unique) == maxSummaryTitles {
			break
		}
	}
	titles := "N/A"
	if len(unique) > 0 {
		titles = strings.Join(unique, ", ")
	}

	return fmt.Sprintf("Activity in %s for %s. Captured %d screenshots. Window titles: %s",
		ep.AppName, duration, ep.FrameCount, titles)
}

// BackfillResult summarizes a backfill run.
type BackfillResult struct {
	Episodes int `json:"episodes"`
	Frames   int `json:"frames"`
	Failed   int `json:"failed"`
}

// Backfill indexes up to limit closed episodes and up to limit frames that
// have no vector yet. onProgress, when set, is called after every job.
func (ix *Indexer) Backfill(ctx context.Context, limit int, onProgress func(done, total int)) (BackfillResult, error) {
	episodeIDs, err := ix.repo.EpisodesMissingEmbedding(ctx, limit)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("list episodes: %w", err)
	}
	var frameIDs []string
	if ix.embedder != nil {
		frameIDs, err = ix.repo.FramesMissingEmbedding(ctx, limit)
		if err != nil {
			return BackfillResult{}, fmt.Errorf("list frames: %w", err)
		}
	}

	jobs := make([]IndexJob, 0, len(episodeIDs)+len(frameIDs))
	for _, id := range episodeIDs {
		jobs = append(jobs, IndexJob{Kind: models.KindEpisode, ID: id})
	}
	for _, id := range frameIDs {
		jobs = append(jobs, IndexJob{Kind: models.KindFrame, ID: id})
	}
	ix.logger.Info("backfill started", "episodes", len(episodeIDs), "frames", len(frameIDs))

	var (
		mu     sync.Mutex
		result = BackfillResult{}
		done   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			err := ix.Process(gctx, job)
			if err != nil && gctx.Err() != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
			case job.Kind == models.KindEpisode:
				result.Episodes++
			default:
				result.Frames++
			}
			done++
			if onProgress != nil {
				onProgress(done, len(jobs))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	ix.logger.Info("backfill complete", "episodes", result.Episodes, "frames", result.Frames, "failed", result.Failed)
	return result, nil
}

// Stats returns the current counters.
func (ix *Indexer) Stats() IndexStats {
	ix.mu.Lock()
	pending := len(ix.pending)
	ix.mu.Unlock()
	return IndexStats{
		Queued:  len(ix.queue),
		Pending: pending,
		Done:    ix.done.Load(),
		Failed:  ix.failed.Load(),
		Retries: ix.retries.Load(),
		Dropped: ix.dropped.Load(),
		Skipped: ix.skipped.Load(),
		Running: ix.running.Load(),
	}
}

func (ix *Indexer) inc(name string) {
	if ix.metrics != nil {
		ix.metrics.Inc(name)
	}
}
