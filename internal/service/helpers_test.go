package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns fixed vectors per text and a constant image vector.
type fakeEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
	imageErr error
	block    bool

	mu     sync.Mutex
	calls  int
	images int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return []float32{1, 0}, nil
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, ref string) ([]float32, error) {
	f.mu.Lock()
	f.images++
	f.mu.Unlock()
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return []float32{0, 1}, nil
}

func (f *fakeEmbedder) counts() (calls, images int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.images
}

func (f *fakeEmbedder) Model() string      { return "text-model" }
func (f *fakeEmbedder) ImageModel() string { return "image-model" }
func (f *fakeEmbedder) Dimension() int     { return 2 }

var _ embedding.Embedder = (*fakeEmbedder)(nil)

// unit returns a 2-d unit vector whose cosine with [1,0] is s.
func unit(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}
}

func seedEpisode(t *testing.T, repo *store.Memory, id, app string, start int64, vec []float32) {
	t.Helper()
	summary := "Activity in " + app
	require.NoError(t, repo.UpsertEpisode(context.Background(), models.Episode{
		ID:        id,
		SourceID:  "s1",
		AppName:   app,
		StartTS:   start,
		EndTS:     start + 60_000,
		Summary:   &summary,
		Embedding: vec,
	}))
}

func seedFrame(t *testing.T, repo *store.Memory, id, app, title string, ts int64, vec []float32, model string) {
	t.Helper()
	epID := "ep-" + id
	_, err := repo.ApplySegment(context.Background(), store.SegmentWrite{
		Create:    &models.NewEpisodeInput{ID: epID, SourceID: "f-" + id, AppName: app, StartTS: ts},
		EpisodeID: epID,
		Frame: models.Frame{
			ID:          id,
			Timestamp:   ts,
			AppName:     app,
			WindowTitle: &title,
			ImageRef:    models.Ptr("https://img.example/" + id + ".png"),
		},
	})
	require.NoError(t, err)
	if vec != nil {
		require.NoError(t, repo.SetFrameEmbedding(context.Background(), id, vec, model))
	}
}

// flakyReader fails the selected candidate windows.
type flakyReader struct {
	store.CandidateReader
	failEpisodes bool
	failFrames   bool
}

var errRead = errors.New("read failed")

func (f flakyReader) GetRecentEpisodes(ctx context.Context, q models.RecentQuery) ([]models.Episode, error) {
	if f.failEpisodes {
		return nil, errRead
	}
	return f.CandidateReader.GetRecentEpisodes(ctx, q)
}

func (f flakyReader) GetRecentFrames(ctx context.Context, q models.RecentQuery) ([]models.Frame, error) {
	if f.failFrames {
		return nil, errRead
	}
	return f.CandidateReader.GetRecentFrames(ctx, q)
}

func resultIDs(results []models.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}
