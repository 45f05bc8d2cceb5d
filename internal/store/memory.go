package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/recall/internal/models"
)

// Memory is an in-process Repository. It backs tests and the log-only mode
// used when no database is reachable.
type Memory struct {
	mu       sync.RWMutex
	episodes map[string]*models.Episode
	frames   map[string]*models.Frame
	now      func() time.Time
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		episodes: make(map[string]*models.Episode),
		frames:   make(map[string]*models.Frame),
		now:      time.Now,
	}
}

func cloneEpisode(e *models.Episode, withEmbedding bool) models.Episode {
	out := *e
	out.FrameIDs = slices.Clone(e.FrameIDs)
	if withEmbedding {
		out.Embedding = slices.Clone(e.Embedding)
	} else {
		out.Embedding = nil
	}
	return out
}

func cloneFrame(f *models.Frame, withEmbedding bool) models.Frame {
	out := *f
	if withEmbedding {
		out.Embedding = slices.Clone(f.Embedding)
	} else {
		out.Embedding = nil
	}
	return out
}

// CreateEpisode creates a new open episode.
func (m *Memory) CreateEpisode(ctx context.Context, in models.NewEpisodeInput) (*models.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, err := m.newEpisodeLocked(in)
	if err != nil {
		return nil, err
	}
	m.episodes[ep.ID] = ep
	out := cloneEpisode(ep, true)
	return &out, nil
}

func (m *Memory) newEpisodeLocked(in models.NewEpisodeInput) (*models.Episode, error) {
	if in.ID == "" || in.AppName == "" {
		return nil, fmt.Errorf("%w: episode needs id and app name", models.ErrValidation)
	}
	if _, ok := m.episodes[in.ID]; ok {
		return nil, fmt.Errorf("%w: episode %s already exists", models.ErrConflict, in.ID)
	}
	now := m.now()
	return &models.Episode{
		ID:        in.ID,
		SourceID:  in.SourceID,
		AppName:   in.AppName,
		FrameIDs:  []string{},
		StartTS:   in.StartTS,
		EndTS:     in.StartTS,
		Open:      true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpsertEpisode replaces or inserts an episode wholesale.
func (m *Memory) UpsertEpisode(ctx context.Context, ep models.Episode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneEpisode(&ep, true)
	stored.UpdatedAt = m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	m.episodes[ep.ID] = &stored
	return nil
}

// AppendFrameToEpisode stores the frame and extends the episode.
func (m *Memory) AppendFrameToEpisode(ctx context.Context, episodeID string, frame models.Frame) (*models.Episode, error) {
	return m.ApplySegment(ctx, SegmentWrite{EpisodeID: episodeID, Frame: frame})
}

// ApplySegment validates every part of the write before touching state.
func (m *Memory) ApplySegment(ctx context.Context, w SegmentWrite) (*models.Episode, error) {
	if err := w.Frame.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.frames[w.Frame.ID]; ok {
		return nil, fmt.Errorf("%w: frame %s already exists", models.ErrConflict, w.Frame.ID)
	}

	var closing *models.Episode
	if w.CloseEpisodeID != "" {
		ep, ok := m.episodes[w.CloseEpisodeID]
		if !ok {
			return nil, fmt.Errorf("%w: episode %s", models.ErrNotFound, w.CloseEpisodeID)
		}
		if !ep.Open {
			return nil, fmt.Errorf("%w: episode %s already closed", models.ErrConflict, ep.ID)
		}
		if w.CloseTS < ep.StartTS {
			return nil, fmt.Errorf("%w: close time precedes start of %s", models.ErrValidation, ep.ID)
		}
		closing = ep
	}

	var target *models.Episode
	if w.Create != nil {
		if w.Create.ID != w.EpisodeID {
			return nil, fmt.Errorf("%w: created episode %s is not the append target %s",
				models.ErrValidation, w.Create.ID, w.EpisodeID)
		}
		ep, err := m.newEpisodeLocked(*w.Create)
		if err != nil {
			return nil, err
		}
		target = ep
	} else {
		ep, ok := m.episodes[w.EpisodeID]
		if !ok {
			return nil, fmt.Errorf("%w: episode %s", models.ErrNotFound, w.EpisodeID)
		}
		if closing == ep {
			return nil, fmt.Errorf("%w: cannot append to the episode being closed", models.ErrValidation)
		}
		target = ep
	}
	if !target.Open {
		return nil, fmt.Errorf("%w: episode %s is closed", models.ErrConflict, target.ID)
	}
	if target.AppName != w.Frame.AppName {
		return nil, fmt.Errorf("%w: frame app %q does not match episode app %q",
			models.ErrValidation, w.Frame.AppName, target.AppName)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now()
	if closing != nil {
		closing.Open = false
		closing.EndTS = w.CloseTS
		closing.ClosedAt = &now
		closing.UpdatedAt = now
	}
	if w.Create != nil {
		m.episodes[target.ID] = target
	}

	frame := cloneFrame(&w.Frame, true)
	frame.EpisodeID = target.ID
	if frame.SourceID == "" {
		frame.SourceID = target.SourceID
	}
	frame.CreatedAt = now
	m.frames[frame.ID] = &frame

	target.FrameIDs = append(target.FrameIDs, frame.ID)
	target.FrameCount = len(target.FrameIDs)
	if frame.Timestamp > target.EndTS {
		target.EndTS = frame.Timestamp
	}
	target.UpdatedAt = now

	out := cloneEpisode(target, false)
	return &out, nil
}

// CloseEpisode freezes an open episode.
func (m *Memory) CloseEpisode(ctx context.Context, id string, endTS int64) (*models.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: episode %s", models.ErrNotFound, id)
	}
	if !ep.Open {
		return nil, fmt.Errorf("%w: episode %s already closed", models.ErrConflict, id)
	}
	if endTS < ep.StartTS {
		return nil, fmt.Errorf("%w: close time precedes start of %s", models.ErrValidation, id)
	}
	now := m.now()
	ep.Open = false
	ep.EndTS = endTS
	ep.ClosedAt = &now
	ep.UpdatedAt = now

	out := cloneEpisode(ep, false)
	return &out, nil
}

// OpenEpisodes returns every episode that has not been closed.
func (m *Memory) OpenEpisodes(ctx context.Context) ([]models.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Episode
	for _, ep := range m.episodes {
		if ep.Open {
			out = append(out, cloneEpisode(ep, false))
		}
	}
	slices.SortFunc(out, func(a, b models.Episode) int { return cmp.Compare(a.StartTS, b.StartTS) })
	return out, nil
}

// LatestSourceEpisode returns the episode of sourceID with the greatest end time.
func (m *Memory) LatestSourceEpisode(ctx context.Context, sourceID string) (*models.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Episode
	for _, ep := range m.episodes {
		if ep.SourceID != sourceID {
			continue
		}
		if latest == nil || ep.EndTS > latest.EndTS || (ep.EndTS == latest.EndTS && ep.StartTS > latest.StartTS) {
			latest = ep
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no episodes for source %s", models.ErrNotFound, sourceID)
	}
	out := cloneEpisode(latest, false)
	return &out, nil
}

// GetRecentEpisodes returns episodes by start time descending.
func (m *Memory) GetRecentEpisodes(ctx context.Context, q models.RecentQuery) ([]models.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Episode, 0, len(m.episodes))
	for _, ep := range m.episodes {
		if q.RequireEmbedding && !ep.HasEmbedding() {
			continue
		}
		out = append(out, cloneEpisode(ep, q.WithEmbedding))
	}
	slices.SortFunc(out, func(a, b models.Episode) int {
		if c := cmp.Compare(b.StartTS, a.StartTS); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetRecentFrames returns frames by capture time descending.
func (m *Memory) GetRecentFrames(ctx context.Context, q models.RecentQuery) ([]models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Frame, 0, len(m.frames))
	for _, f := range m.frames {
		if q.RequireEmbedding && !f.HasEmbedding() {
			continue
		}
		out = append(out, cloneFrame(f, q.WithEmbedding))
	}
	slices.SortFunc(out, func(a, b models.Frame) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetEpisode returns the episode with its vector.
func (m *Memory) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: episode %s", models.ErrNotFound, id)
	}
	out := cloneEpisode(ep, true)
	return &out, nil
}

// GetFrame returns the frame with its vector.
func (m *Memory) GetFrame(ctx context.Context, id string) (*models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.frames[id]
	if !ok {
		return nil, fmt.Errorf("%w: frame %s", models.ErrNotFound, id)
	}
	out := cloneFrame(f, true)
	return &out, nil
}

// GetFrames returns the frames found, in the order given.
func (m *Memory) GetFrames(ctx context.Context, ids []string) ([]models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Frame, 0, len(ids))
	for _, id := range ids {
		if f, ok := m.frames[id]; ok {
			out = append(out, cloneFrame(f, false))
		}
	}
	return out, nil
}

// Exists reports whether an episode or frame has this id.
func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.episodes[id]; ok {
		return true, nil
	}
	_, ok := m.frames[id]
	return ok, nil
}

// SetEpisodeSummary overwrites summary and vector.
func (m *Memory) SetEpisodeSummary(ctx context.Context, id, summary string, embedding []float32, model string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.episodes[id]
	if !ok {
		return fmt.Errorf("%w: episode %s", models.ErrNotFound, id)
	}
	ep.Summary = &summary
	ep.Embedding = slices.Clone(embedding)
	if model != "" {
		ep.EmbeddingModel = &model
	}
	ep.UpdatedAt = m.now()
	return nil
}

// SetFrameEmbedding overwrites the frame vector.
func (m *Memory) SetFrameEmbedding(ctx context.Context, id string, embedding []float32, model string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[id]
	if !ok {
		return fmt.Errorf("%w: frame %s", models.ErrNotFound, id)
	}
	f.Embedding = slices.Clone(embedding)
	if model != "" {
		f.EmbeddingModel = &model
	}
	return nil
}

// EpisodesMissingEmbedding lists closed episodes still lacking a vector,
// oldest first.
func (m *Memory) EpisodesMissingEmbedding(ctx context.Context, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var eps []*models.Episode
	for _, ep := range m.episodes {
		if !ep.Open && !ep.HasEmbedding() {
			eps = append(eps, ep)
		}
	}
	slices.SortFunc(eps, func(a, b *models.Episode) int { return cmp.Compare(a.StartTS, b.StartTS) })
	ids := make([]string, 0, len(eps))
	for _, ep := range eps {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, ep.ID)
	}
	return ids, nil
}

// FramesMissingEmbedding lists frames with an image reference but no vector,
// oldest first.
func (m *Memory) FramesMissingEmbedding(ctx context.Context, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var frames []*models.Frame
	for _, f := range m.frames {
		if f.ImageRef != nil && *f.ImageRef != "" && !f.HasEmbedding() {
			frames = append(frames, f)
		}
	}
	slices.SortFunc(frames, func(a, b *models.Frame) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	ids := make([]string, 0, len(frames))
	for _, f := range frames {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, f.ID)
	}
	return ids, nil
}
