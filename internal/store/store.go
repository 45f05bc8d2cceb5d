// Package store defines the document repository contract for episodes and
// frames, and an in-memory implementation of it.
package store

import (
	"context"

	"github.com/raphaelgruber/recall/internal/models"
)

// SegmentWrite is one atomic segmentation step: optionally close the
// previous episode, optionally create a new one, then append the frame.
// Either every part applies or none does.
type SegmentWrite struct {
	// CloseEpisodeID, when non-empty, is closed with its end frozen at CloseTS.
	CloseEpisodeID string
	CloseTS        int64

	// Create, when non-nil, is created open before the append.
	Create *models.NewEpisodeInput

	// EpisodeID receives the frame.
	EpisodeID string
	Frame     models.Frame
}

// SegmentWriter is the write side the segmenter needs.
type SegmentWriter interface {
	ApplySegment(ctx context.Context, w SegmentWrite) (*models.Episode, error)
	CloseEpisode(ctx context.Context, id string, endTS int64) (*models.Episode, error)
	OpenEpisodes(ctx context.Context) ([]models.Episode, error)
	// LatestSourceEpisode returns the episode of sourceID that ended last,
	// or models.ErrNotFound if the source has none.
	LatestSourceEpisode(ctx context.Context, sourceID string) (*models.Episode, error)
}

// CandidateReader serves the bounded recency windows used at query time.
type CandidateReader interface {
	// GetRecentEpisodes returns episodes sorted by start time descending.
	GetRecentEpisodes(ctx context.Context, q models.RecentQuery) ([]models.Episode, error)
	// GetRecentFrames returns frames sorted by capture time descending.
	GetRecentFrames(ctx context.Context, q models.RecentQuery) ([]models.Frame, error)
}

// Repository is the full document repository.
type Repository interface {
	SegmentWriter
	CandidateReader

	// CreateEpisode fails with models.ErrConflict if the id is taken.
	CreateEpisode(ctx context.Context, in models.NewEpisodeInput) (*models.Episode, error)
	UpsertEpisode(ctx context.Context, ep models.Episode) error
	AppendFrameToEpisode(ctx context.Context, episodeID string, frame models.Frame) (*models.Episode, error)

	GetEpisode(ctx context.Context, id string) (*models.Episode, error)
	GetFrame(ctx context.Context, id string) (*models.Frame, error)
	// GetFrames returns the frames found, in the order of ids, without vectors.
	GetFrames(ctx context.Context, ids []string) ([]models.Frame, error)
	Exists(ctx context.Context, id string) (bool, error)

	SetEpisodeSummary(ctx context.Context, id, summary string, embedding []float32, model string) error
	SetFrameEmbedding(ctx context.Context, id string, embedding []float32, model string) error

	// EpisodesMissingEmbedding returns ids of closed episodes without a vector.
	EpisodesMissingEmbedding(ctx context.Context, limit int) ([]string, error)
	// FramesMissingEmbedding returns ids of frames with an image but no vector.
	FramesMissingEmbedding(ctx context.Context, limit int) ([]string, error)
}
