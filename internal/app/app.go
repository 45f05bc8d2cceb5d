// Package app wires configuration into the repository, providers and
// services shared by the server, MCP and CLI entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/recall/internal/config"
	"github.com/raphaelgruber/recall/internal/db"
	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/raphaelgruber/recall/internal/llm"
	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/rerank"
	"github.com/raphaelgruber/recall/internal/service"
	"github.com/raphaelgruber/recall/internal/store"
)

// App holds every long-lived dependency.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Repo     store.Repository
	Embedder embedding.Embedder
	Reranker *rerank.Orchestrator
	Indexer  *service.Indexer
	Activity *service.ActivityService
	Search   *service.SearchService
	Jobs     *service.JobManager

	db *db.Client

	modelOnce sync.Once
	model     *llm.Model
	modelErr  error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is the runtime view served by the stats endpoints.
type Stats struct {
	Store         string             `json:"store"`
	EmbedModel    string             `json:"embed_model,omitempty"`
	ImageModel    string             `json:"image_model,omitempty"`
	RerankEnabled bool               `json:"rerank_enabled"`
	Sources       int                `json:"sources"`
	Indexer       service.IndexStats `json:"indexer"`
	Metrics       metrics.Snapshot   `json:"metrics"`
	Jobs          int                `json:"jobs"`
}

// New builds the application. Provider failures degrade features instead of
// failing startup: without an embedder queries use the keyword tier, and
// without a reranker results keep similarity order.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc := metrics.NewCollector()
	a := &App{Config: cfg, Logger: logger, Metrics: mc}

	switch cfg.Store {
	case config.StoreMemory:
		a.Repo = store.NewMemory()
	default:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,

			DialTimeout:   cfg.SurrealDBDialTimeout,
			MaxReconnects: cfg.SurrealDBMaxReconnects,
		}, logger, mc)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		a.db = client
		a.Repo = client
	}

	emb, err := NewEmbedder(cfg)
	if err != nil {
		logger.Warn("embedding provider unavailable, queries will use keyword matching",
			"provider", cfg.EmbedProvider, "error", err)
	} else {
		cached, err := embedding.NewCached(emb, cfg.EmbedCacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		cached.OnHit(func() { mc.Inc(metrics.CounterEmbedCacheHit) })
		a.Embedder = cached
		logger.Info("embedder initialized", "provider", cfg.EmbedProvider,
			"model", emb.Model(), "image_model", embedding.ImageModelOf(emb))
	}

	a.Reranker = rerank.NewOrchestrator(newReranker(cfg, logger),
		rerank.WithMultiplier(cfg.RerankMultiplier),
		rerank.WithCap(cfg.RerankCap),
		rerank.WithTimeout(cfg.RerankTimeout),
		rerank.WithLocation(cfg.Location),
		rerank.WithLogger(logger),
		rerank.WithMetrics(mc),
	)

	a.Indexer = service.NewIndexer(a.Repo, a.Embedder, service.IndexerOptions{
		Workers:     cfg.IndexWorkers,
		QueueSize:   cfg.IndexQueueSize,
		Rate:        cfg.IndexRate,
		MaxAttempts: cfg.IndexMaxAttempts,
	}, logger)
	a.Indexer.SetMetrics(mc)

	a.Activity = service.NewActivityService(a.Repo, a.Indexer, logger)
	a.Activity.Segmenter().SetMetrics(mc)

	a.Search = service.NewSearchService(a.Repo, a.Embedder, a.Reranker, service.SearchOptions{
		EpisodeWindow:   cfg.EpisodeWindow,
		FrameWindow:     cfg.FrameWindow,
		EmbedTimeout:    cfg.EmbedTimeout,
		RepoTimeout:     cfg.RepoTimeout,
		KeywordFallback: cfg.KeywordFallback,
		Location:        cfg.Location,
	}, logger)
	a.Search.SetMetrics(mc)

	a.Jobs = service.NewJobManager(a.Indexer, logger)
	return a, nil
}

// NewEmbedder creates the configured embedding provider.
func NewEmbedder(cfg config.Config) (embedding.Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOpenAI:
		return llm.NewEmbedder(cfg)
	case config.ProviderVoyage, config.ProviderOllama:
		return embedding.New(embedding.Config{
			Provider:          embedding.ProviderType(cfg.EmbedProvider),
			Model:             cfg.EmbedModel,
			ImageModel:        cfg.EmbedImageModel,
			ExpectedDimension: cfg.EmbedDimension,
			VoyageAPIKey:      cfg.VoyageAPIKey,
			VoyageBaseURL:     cfg.VoyageBaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.EmbedProvider)
	}
}

func newReranker(cfg config.Config, logger *slog.Logger) rerank.Reranker {
	if !cfg.RerankEnabled {
		return nil
	}
	r, err := rerank.NewVoyageReranker(cfg.VoyageAPIKey, cfg.VoyageBaseURL, cfg.RerankModel)
	if err != nil {
		logger.Warn("reranker unavailable, results keep similarity order", "error", err)
		return nil
	}
	return r
}

// Start restores open sources and runs the indexer until Close.
// Episodes closed or frames stored while no indexer ran are picked up by an
// initial backfill.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Activity.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore sources: %w", err)
	}
	if n > 0 {
		a.Logger.Info("restored open sources", "count", n)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Indexer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("indexer stopped", "error", err)
		}
	}()
	a.Jobs.StartBackfill(ctx, 0)
	return nil
}

// Ask answers a question from the assembled activity context.
func (a *App) Ask(ctx context.Context, q models.Query) (string, *models.Response, error) {
	a.modelOnce.Do(func() {
		a.model, a.modelErr = llm.NewModel(a.Config)
	})
	if a.modelErr != nil {
		return "", nil, fmt.Errorf("language model: %w", a.modelErr)
	}

	activityContext, resp, err := a.Search.Context(ctx, q)
	if err != nil {
		return "", nil, err
	}
	answer, err := a.model.AnswerFromActivity(ctx, q.QueryText, activityContext)
	if err != nil {
		return "", resp, err
	}
	return answer, resp, nil
}

// Stats returns a runtime snapshot.
func (a *App) Stats() Stats {
	s := Stats{
		Store:         a.Config.Store,
		RerankEnabled: a.Reranker.Enabled(),
		Sources:       len(a.Activity.Sources()),
		Indexer:       a.Indexer.Stats(),
		Metrics:       a.Metrics.Snapshot(),
		Jobs:          len(a.Jobs.ListJobs()),
	}
	if a.Embedder != nil {
		s.EmbedModel = a.Embedder.Model()
		s.ImageModel = embedding.ImageModelOf(a.Embedder)
	}
	return s
}

// WipeData deletes all stored episodes and frames. The memory store starts
// empty, so only SurrealDB has anything to delete. Use for testing only.
func (a *App) WipeData(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.WipeData(ctx)
}

// Close stops background work and closes the database.
func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Jobs.Wait()
	if a.db != nil {
		return a.db.Close(ctx)
	}
	return nil
}
