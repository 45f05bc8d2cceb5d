package rerank

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/raphaelgruber/recall/internal/models"
)

// Orchestrator defaults.
const (
	// DefaultMultiplier is the number of candidates sent per requested result.
	DefaultMultiplier = 2
	// DefaultCap bounds the candidates sent in one reranker call.
	DefaultCap = 20
	// DefaultTimeout bounds one reranker call.
	DefaultTimeout = 5 * time.Second
)

// Orchestrator reranks the head of a similarity-ordered list and falls back
// to that order when the reranker cannot be used.
type Orchestrator struct {
	reranker      Reranker
	multiplier    int
	maxCandidates int
	timeout       time.Duration
	location      *time.Location
	logger        *slog.Logger
	metrics       *metrics.Collector
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMultiplier sets how many candidates per requested result are sent.
func WithMultiplier(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.multiplier = n
		}
	}
}

// WithCap sets the absolute candidate limit.
func WithCap(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxCandidates = n
		}
	}
}

// WithTimeout bounds each reranker call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLocation sets the zone timestamps are rendered in for the reranker.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records rerank timings and fallbacks.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator. reranker may be nil, in which case
// every call returns the similarity order.
func NewOrchestrator(reranker Reranker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reranker:      reranker,
		multiplier:    DefaultMultiplier,
		maxCandidates: DefaultCap,
		timeout:       DefaultTimeout,
		location:      time.UTC,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enabled reports whether a reranker is configured.
func (o *Orchestrator) Enabled() bool {
	return o != nil && o.reranker != nil
}

// CandidateCount is the number of ranked results sent for a final limit.
func (o *Orchestrator) CandidateCount(finalLimit int) int {
	return min(finalLimit*o.multiplier, o.maxCandidates)
}

// Rerank reorders ranked and returns at most finalLimit results.
// The returned slice is always usable. A non-nil error wraps
// models.ErrRerankUnavailable and means the slice is the similarity order.
func (o *Orchestrator) Rerank(ctx context.Context, queryText string, ranked []models.Result, finalLimit int) ([]models.Result, error) {
	if finalLimit <= 0 || len(ranked) == 0 {
		return nil, nil
	}
	fallback := ranked[:min(len(ranked), finalLimit)]
	if !o.Enabled() || len(ranked) == 1 {
		return fallback, nil
	}

	candidates := ranked[:min(len(ranked), o.CandidateCount(finalLimit))]
	docs := make([]string, len(candidates))
	for i := range candidates {
		docs[i] = candidates[i].Document(o.location)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	scored, err := o.reranker.Rerank(callCtx, queryText, docs, finalLimit)
	if err == nil {
		err = validate(scored, len(candidates))
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordError(metrics.OpRerank, time.Since(start))
			o.metrics.Inc(metrics.CounterRerankFallback)
		}
		o.logger.Warn("rerank failed, using similarity order",
			"candidates", len(candidates), "error", err)
		return fallback, fmt.Errorf("%w: %v", models.ErrRerankUnavailable, err)
	}
	if o.metrics != nil {
		o.metrics.RecordTiming(metrics.OpRerank, time.Since(start))
	}

	// stable on equal scores keeps the similarity order
	slices.SortStableFunc(scored, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})

	out := make([]models.Result, 0, min(len(scored), finalLimit))
	for _, s := range scored[:min(len(scored), finalLimit)] {
		r := candidates[s.Index]
		score := s.Score
		r.RerankScore = &score
		r.Score = score
		out = append(out, r)
	}

	o.logger.Debug("reranked", "candidates", len(candidates), "returned", len(out))
	return out, nil
}

func validate(scored []Scored, n int) error {
	if len(scored) == 0 {
		return fmt.Errorf("empty rerank result for %d documents", n)
	}
	seen := make(map[int]bool, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= n {
			return fmt.Errorf("rerank index %d out of range [0,%d)", s.Index, n)
		}
		if seen[s.Index] {
			return fmt.Errorf("duplicate rerank index %d", s.Index)
		}
		seen[s.Index] = true
	}
	return nil
}
