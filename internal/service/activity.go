package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/segment"
	"github.com/raphaelgruber/recall/internal/store"
)

// RecordInput is one capture reported by a tracked source.
type RecordInput struct {
	SourceID string `json:"source_id"`
	// Timestamp in Unix milliseconds. Nil means now.
	Timestamp   *int64  `json:"timestamp,omitempty"`
	AppName     string  `json:"app_name"`
	FrameID     string  `json:"frame_id,omitempty"`
	WindowTitle *string `json:"window_title,omitempty"`
	ImageRef    *string `json:"image_ref,omitempty"`
}

// RecordResult tells the source where its frame landed.
type RecordResult struct {
	FrameID   string `json:"frame_id"`
	EpisodeID string `json:"episode_id"`
}

// EpisodeDetail is an episode with its frames, without vectors.
type EpisodeDetail struct {
	Episode models.Episode `json:"episode"`
	Frames  []models.Frame `json:"frames"`
}

// ActivityService records activity and reads it back.
type ActivityService struct {
	repo      store.Repository
	segmenter *segment.Segmenter
	logger    *slog.Logger
	now       func() time.Time
}

// NewActivityService creates an activity service over repo. notifier, usually
// the Indexer, is told about closed episodes and new frames.
func NewActivityService(repo store.Repository, notifier segment.Notifier, logger *slog.Logger) *ActivityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityService{
		repo:      repo,
		segmenter: segment.New(repo, notifier, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Segmenter exposes the underlying segmenter.
func (s *ActivityService) Segmenter() *segment.Segmenter {
	return s.segmenter
}

// Restore reloads open episodes left by a previous run.
func (s *ActivityService) Restore(ctx context.Context) (int, error) {
	return s.segmenter.Restore(ctx)
}

// Record segments one capture. A missing app name is recorded as
// segment.UnknownApp and a missing frame id is generated.
func (s *ActivityService) Record(ctx context.Context, in RecordInput) (*RecordResult, error) {
	if in.SourceID == "" {
		return nil, fmt.Errorf("%w: source_id is required", models.ErrValidation)
	}
	ev := segment.Event{
		SourceID:    in.SourceID,
		AppName:     in.AppName,
		FrameID:     in.FrameID,
		WindowTitle: in.WindowTitle,
		ImageRef:    in.ImageRef,
	}
	if ev.AppName == "" {
		ev.AppName = segment.UnknownApp
	}
	if ev.FrameID == "" {
		ev.FrameID = models.NewID()
	}
	if in.Timestamp != nil {
		ev.Timestamp = *in.Timestamp
	} else {
		ev.Timestamp = s.now().UnixMilli()
	}

	episodeID, err := s.segmenter.Observe(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &RecordResult{FrameID: ev.FrameID, EpisodeID: episodeID}, nil
}

// CloseSource freezes the open episode of a disconnected source.
func (s *ActivityService) CloseSource(ctx context.Context, sourceID string) (string, error) {
	return s.segmenter.CloseSource(ctx, sourceID)
}

// Sources lists the sources with an open episode.
func (s *ActivityService) Sources() []segment.SourceSnapshot {
	return s.segmenter.Sources()
}

// GetEpisode returns an episode and its frames.
func (s *ActivityService) GetEpisode(ctx context.Context, id string) (*EpisodeDetail, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	ep, err := s.repo.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	frames, err := s.repo.GetFrames(ctx, ep.FrameIDs)
	if err != nil {
		return nil, fmt.Errorf("get frames: %w", err)
	}
	return &EpisodeDetail{Episode: ep.WithoutEmbedding(), Frames: frames}, nil
}

// GetFrame returns a frame without its vector.
func (s *ActivityService) GetFrame(ctx context.Context, id string) (*models.Frame, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	f, err := s.repo.GetFrame(ctx, id)
	if err != nil {
		return nil, err
	}
	out := f.WithoutEmbedding()
	return &out, nil
}

// Recent returns the latest episodes without vectors.
func (s *ActivityService) Recent(ctx context.Context, limit int) ([]models.Episode, error) {
	if limit <= 0 {
		limit = models.DefaultLimit
	}
	return s.repo.GetRecentEpisodes(ctx, models.RecentQuery{Limit: min(limit, models.MaxLimit)})
}
