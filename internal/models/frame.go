package models

import (
	"fmt"
	"time"
)

// Frame is a single screen capture event. It belongs to exactly one episode
// and is immutable apart from its embedding.
type Frame struct {
	ID             string    `json:"id"`
	EpisodeID      string    `json:"episode_id"`
	SourceID       string    `json:"source_id"`
	Timestamp      int64     `json:"timestamp"`
	AppName        string    `json:"app_name"`
	WindowTitle    *string   `json:"window_title,omitempty"`
	ImageRef       *string   `json:"image_ref,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel *string   `json:"embedding_model,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Validate checks required fields.
func (f *Frame) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: frame id is empty", ErrValidation)
	}
	if f.AppName == "" {
		return fmt.Errorf("%w: frame %s has empty app name", ErrValidation, f.ID)
	}
	if f.Timestamp < 0 {
		return fmt.Errorf("%w: frame %s has negative timestamp", ErrValidation, f.ID)
	}
	return nil
}

// HasEmbedding reports whether a vector has been attached.
func (f *Frame) HasEmbedding() bool {
	return len(f.Embedding) > 0
}

// WithoutEmbedding returns a copy with the vector dropped.
func (f Frame) WithoutEmbedding() Frame {
	f.Embedding = nil
	return f
}
