package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind tags a query result as an episode or a frame.
type Kind string

const (
	KindEpisode Kind = "episode"
	KindFrame   Kind = "frame"
)

// TimeLayout renders activity timestamps for humans.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTS renders a millisecond timestamp in the given location.
func FormatTS(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(ts).In(loc).Format(TimeLayout)
}

// Result is one ranked hit. Exactly one of Episode or Frame is set,
// matching Kind.
type Result struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Score       float64  `json:"score"`
	Similarity  float64  `json:"similarity"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	// CrossModal marks a frame whose vector came from a different model
	// than the query vector.
	CrossModal bool     `json:"cross_modal,omitempty"`
	Episode    *Episode `json:"episode,omitempty"`
	Frame      *Frame   `json:"frame,omitempty"`
}

// EpisodeResult wraps an episode as an unscored result.
func EpisodeResult(e Episode) Result {
	return Result{ID: e.ID, Kind: KindEpisode, Timestamp: e.StartTS, Episode: &e}
}

// FrameResult wraps a frame as an unscored result.
func FrameResult(f Frame) Result {
	return Result{ID: f.ID, Kind: KindFrame, Timestamp: f.Timestamp, Frame: &f}
}

// Vector returns the stored embedding of the wrapped entity.
func (r *Result) Vector() []float32 {
	switch r.Kind {
	case KindEpisode:
		if r.Episode != nil {
			return r.Episode.Embedding
		}
	case KindFrame:
		if r.Frame != nil {
			return r.Frame.Embedding
		}
	}
	return nil
}

// AppName returns the grouping key of the wrapped entity.
func (r *Result) AppName() string {
	switch {
	case r.Episode != nil:
		return r.Episode.AppName
	case r.Frame != nil:
		return r.Frame.AppName
	}
	return ""
}

// Document builds the text a reranker scores for this result, with
// timestamps rendered in loc. Nil loc means UTC.
func (r *Result) Document(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	switch r.Kind {
	case KindEpisode:
		if r.Episode == nil {
			return ""
		}
		e := r.Episode
		doc := fmt.Sprintf("App: %s.", e.AppName)
		if e.Summary != nil && *e.Summary != "" {
			doc += " " + *e.Summary
		}
		if e.StartTS > 0 {
			doc += fmt.Sprintf(" Started: %s.", FormatTS(e.StartTS, loc))
		}
		return doc
	case KindFrame:
		if r.Frame == nil {
			return ""
		}
		f := r.Frame
		parts := []string{"App: " + f.AppName + "."}
		if f.WindowTitle != nil && *f.WindowTitle != "" {
			parts = append(parts, "Window: "+*f.WindowTitle+".")
		}
		if f.Timestamp > 0 {
			parts = append(parts, "Captured: "+FormatTS(f.Timestamp, loc)+".")
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// Stripped returns a copy without embedding vectors, for output.
func (r Result) Stripped() Result {
	if r.Episode != nil {
		e := r.Episode.WithoutEmbedding()
		r.Episode = &e
	}
	if r.Frame != nil {
		f := r.Frame.WithoutEmbedding()
		r.Frame = &f
	}
	return r
}
