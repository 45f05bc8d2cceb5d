package models

import (
	"fmt"
	"time"
)

// Episode is a maximal run of frames from one source sharing the same app name.
//
// EndTS tracks the last frame seen while the episode is open and is frozen
// when the episode closes. Open flips to false exactly once.
type Episode struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	AppName        string     `json:"app_name"`
	FrameIDs       []string   `json:"frame_ids"`
	FrameCount     int        `json:"frame_count"`
	StartTS        int64      `json:"start_ts"`
	EndTS          int64      `json:"end_ts"`
	Open           bool       `json:"open"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	Summary        *string    `json:"summary,omitempty"`
	Embedding      []float32  `json:"embedding,omitempty"`
	EmbeddingModel *string    `json:"embedding_model,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at,omitempty"`
}

// Validate checks the structural invariants every stored episode must hold.
func (e *Episode) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: episode id is empty", ErrValidation)
	}
	if e.AppName == "" {
		return fmt.Errorf("%w: episode %s has empty app name", ErrValidation, e.ID)
	}
	if e.FrameCount != len(e.FrameIDs) {
		return fmt.Errorf("%w: episode %s frame_count %d != %d frame ids",
			ErrValidation, e.ID, e.FrameCount, len(e.FrameIDs))
	}
	if e.EndTS < e.StartTS {
		return fmt.Errorf("%w: episode %s ends before it starts", ErrValidation, e.ID)
	}
	return nil
}

// Duration returns the covered time span.
func (e *Episode) Duration() time.Duration {
	return time.Duration(e.EndTS-e.StartTS) * time.Millisecond
}

// HasEmbedding reports whether a vector has been attached.
func (e *Episode) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// WithoutEmbedding returns a copy with the vector dropped.
func (e Episode) WithoutEmbedding() Episode {
	e.Embedding = nil
	return e
}

// NewEpisodeInput describes an episode to be created by the repository.
type NewEpisodeInput struct {
	ID       string
	SourceID string
	AppName  string
	StartTS  int64
}
