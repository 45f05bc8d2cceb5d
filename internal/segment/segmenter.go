// Package segment turns per-source activity events into episodes.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/store"
)

// UnknownApp is the app name recorded when the capture side could not tell.
const UnknownApp = "Unknown"

// Event is one capture observed for a source.
type Event struct {
	SourceID    string
	Timestamp   int64
	AppName     string
	FrameID     string
	WindowTitle *string
	ImageRef    *string
}

// Notifier is told about segmentation side effects after they are stored.
type Notifier interface {
	EpisodeClosed(ctx context.Context, episodeID string)
	FrameAdded(ctx context.Context, frame models.Frame)
}

// sourceState is the segmentation state of one source. It outlives
// CloseSource so that lastTS keeps bounding later events of the source.
type sourceState struct {
	mu        sync.Mutex
	episodeID string // empty while no episode is open
	appName   string
	lastTS    int64
	hasLast   bool // lastTS is a real floor
	loaded    bool // repository history consulted
}

// SourceSnapshot describes an active source.
type SourceSnapshot struct {
	SourceID  string `json:"source_id"`
	EpisodeID string `json:"episode_id"`
	AppName   string `json:"app_name"`
	LastTS    int64  `json:"last_ts"`
}

// Segmenter keeps one open episode per source. Events for the same source
// are serialized; different sources proceed in parallel.
type Segmenter struct {
	repo     store.SegmentWriter
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Collector
	newID    func() string

	mu      sync.Mutex
	sources map[string]*sourceState
}

// New creates a segmenter writing to repo. notifier may be nil.
func New(repo store.SegmentWriter, notifier Notifier, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		newID:    models.NewID,
		sources:  make(map[string]*sourceState),
	}
}

// SetMetrics enables timing collection.
func (s *Segmenter) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// state returns the state for sourceID, creating an empty one if needed.
func (s *Segmenter) state(sourceID string) *sourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sources[sourceID]
	if !ok {
		st = &sourceState{}
		s.sources[sourceID] = st
	}
	return st
}

// lock returns the locked state for sourceID.
func (s *Segmenter) lock(sourceID string) *sourceState {
	st := s.state(sourceID)
	st.mu.Lock()
	return st
}

// load seeds st from the source's stored history the first time the source
// is seen by this process. An episode left open is adopted.
func (s *Segmenter) load(ctx context.Context, sourceID string, st *sourceState) error {
	if st.loaded {
		return nil
	}
	ep, err := s.repo.LatestSourceEpisode(ctx, sourceID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load source history: %w", err)
	default:
		st.lastTS = ep.EndTS
		st.hasLast = true
		if ep.Open {
			st.episodeID = ep.ID
			st.appName = ep.AppName
		}
	}
	st.loaded = true
	return nil
}

func validate(ev Event) error {
	switch {
	case ev.SourceID == "":
		return fmt.Errorf("%w: source_id is required", models.ErrValidation)
	case ev.AppName == "":
		return fmt.Errorf("%w: app_name is required", models.ErrValidation)
	case ev.FrameID == "":
		return fmt.Errorf("%w: frame_id is required", models.ErrValidation)
	case ev.Timestamp < 0:
		return fmt.Errorf("%w: timestamp must be non-negative", models.ErrValidation)
	}
	return nil
}

// Observe records ev and returns the id of the episode that now owns the frame.
func (s *Segmenter) Observe(ctx context.Context, ev Event) (string, error) {
	if err := validate(ev); err != nil {
		return "", err
	}
	start := time.Now()

	st := s.lock(ev.SourceID)
	defer st.mu.Unlock()

	if err := s.load(ctx, ev.SourceID, st); err != nil {
		return "", err
	}
	if st.hasLast && ev.Timestamp < st.lastTS {
		s.logger.Warn("out of order event rejected",
			"source_id", ev.SourceID,
			"timestamp", ev.Timestamp,
			"last_ts", st.lastTS,
			"episode_id", st.episodeID)
		return "", fmt.Errorf("%w: source %s timestamp %d < %d",
			models.ErrOutOfOrder, ev.SourceID, ev.Timestamp, st.lastTS)
	}

	w := store.SegmentWrite{
		Frame: models.Frame{
			ID:          ev.FrameID,
			SourceID:    ev.SourceID,
			Timestamp:   ev.Timestamp,
			AppName:     ev.AppName,
			WindowTitle: ev.WindowTitle,
			ImageRef:    ev.ImageRef,
		},
	}

	var closedID string
	switch {
	case st.episodeID == "":
		w.EpisodeID = s.newID()
		w.Create = &models.NewEpisodeInput{ID: w.EpisodeID, SourceID: ev.SourceID, AppName: ev.AppName, StartTS: ev.Timestamp}
	case st.appName == ev.AppName:
		w.EpisodeID = st.episodeID
	default:
		closedID = st.episodeID
		w.CloseEpisodeID = st.episodeID
		w.CloseTS = st.lastTS
		w.EpisodeID = s.newID()
		w.Create = &models.NewEpisodeInput{ID: w.EpisodeID, SourceID: ev.SourceID, AppName: ev.AppName, StartTS: ev.Timestamp}
	}

	if _, err := s.repo.ApplySegment(ctx, w); err != nil {
		s.logger.Error("segment write failed",
			"source_id", ev.SourceID,
			"frame_id", ev.FrameID,
			"episode_id", w.EpisodeID,
			"error", err)
		return "", fmt.Errorf("apply segment: %w", err)
	}

	st.episodeID = w.EpisodeID
	st.appName = ev.AppName
	st.lastTS = ev.Timestamp
	st.hasLast = true

	if closedID != "" {
		s.logger.Info("episode closed", "source_id", ev.SourceID, "episode_id", closedID, "next_app", ev.AppName)
	}
	if w.Create != nil {
		s.logger.Info("episode opened", "source_id", ev.SourceID, "episode_id", w.EpisodeID, "app", ev.AppName)
	}
	if s.metrics != nil {
		s.metrics.RecordTiming(metrics.OpSegment, time.Since(start))
	}

	if s.notifier != nil {
		if closedID != "" {
			s.notifier.EpisodeClosed(ctx, closedID)
		}
		s.notifier.FrameAdded(ctx, w.Frame)
	}
	return w.EpisodeID, nil
}

// CloseSource freezes the open episode of sourceID. The source's last
// timestamp is kept, so a reconnect cannot go back in time. Closing a source
// without an open episode is a no-op and returns an empty id.
func (s *Segmenter) CloseSource(ctx context.Context, sourceID string) (string, error) {
	if sourceID == "" {
		return "", fmt.Errorf("%w: source_id is required", models.ErrValidation)
	}

	s.mu.Lock()
	st, ok := s.sources[sourceID]
	s.mu.Unlock()
	if !ok {
		return "", nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	closedID := st.episodeID
	if closedID == "" {
		return "", nil
	}
	if _, err := s.repo.CloseEpisode(ctx, closedID, st.lastTS); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return "", fmt.Errorf("close episode: %w", err)
		}
		s.logger.Warn("episode already closed", "source_id", sourceID, "episode_id", closedID)
	}
	st.episodeID = ""
	st.appName = ""

	s.logger.Info("source closed", "source_id", sourceID, "episode_id", closedID)
	if s.notifier != nil {
		s.notifier.EpisodeClosed(ctx, closedID)
	}
	return closedID, nil
}

// Restore rebuilds source state from episodes left open by a previous run.
// If a source has several open episodes, all but the latest are closed.
func (s *Segmenter) Restore(ctx context.Context) (int, error) {
	open, err := s.repo.OpenEpisodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("open episodes: %w", err)
	}

	latest := make(map[string]models.Episode)
	var stale []models.Episode
	for _, ep := range open {
		prev, ok := latest[ep.SourceID]
		switch {
		case !ok:
			latest[ep.SourceID] = ep
		case ep.StartTS >= prev.StartTS:
			stale = append(stale, prev)
			latest[ep.SourceID] = ep
		default:
			stale = append(stale, ep)
		}
	}
	for _, ep := range stale {
		if _, err := s.repo.CloseEpisode(ctx, ep.ID, ep.EndTS); err != nil {
			s.logger.Warn("failed to close stale episode", "episode_id", ep.ID, "error", err)
		}
	}

	restored := 0
	for sourceID, ep := range latest {
		if sourceID == "" {
			continue
		}
		st := s.lock(sourceID)
		if st.episodeID == "" {
			st.episodeID = ep.ID
			st.appName = ep.AppName
			if !st.hasLast || ep.EndTS > st.lastTS {
				st.lastTS = ep.EndTS
			}
			st.hasLast = true
			st.loaded = true
			restored++
		}
		st.mu.Unlock()
	}

	s.logger.Info("segmentation state restored", "sources", restored)
	return restored, nil
}

// Sources returns the active sources.
func (s *Segmenter) Sources() []SourceSnapshot {
	s.mu.Lock()
	states := make(map[string]*sourceState, len(s.sources))
	for id, st := range s.sources {
		states[id] = st
	}
	s.mu.Unlock()

	out := make([]SourceSnapshot, 0, len(states))
	for id, st := range states {
		st.mu.Lock()
		if st.episodeID != "" {
			out = append(out, SourceSnapshot{SourceID: id, EpisodeID: st.episodeID, AppName: st.appName, LastTS: st.lastTS})
		}
		st.mu.Unlock()
	}
	return out
}
