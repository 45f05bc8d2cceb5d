package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/store"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

var _ store.Repository = (*Client)(nil)

// episodeRow is the stored shape of an episode.
type episodeRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	SourceID       string                 `json:"source_id"`
	AppName        string                 `json:"app_name"`
	FrameIDs       []string               `json:"frame_ids"`
	FrameCount     int                    `json:"frame_count"`
	StartTS        int64                  `json:"start_ts"`
	EndTS          int64                  `json:"end_ts"`
	Open           bool                   `json:"open"`
	ClosedAt       *time.Time             `json:"closed_at,omitempty"`
	Summary        *string                `json:"summary,omitempty"`
	Embedding      []float32              `json:"embedding,omitempty"`
	EmbeddingModel *string                `json:"embedding_model,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (r episodeRow) toModel() (models.Episode, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.Episode{}, err
	}
	frameIDs := r.FrameIDs
	if frameIDs == nil {
		frameIDs = []string{}
	}
	return models.Episode{
		ID:             id,
		SourceID:       r.SourceID,
		AppName:        r.AppName,
		FrameIDs:       frameIDs,
		FrameCount:     r.FrameCount,
		StartTS:        r.StartTS,
		EndTS:          r.EndTS,
		Open:           r.Open,
		ClosedAt:       r.ClosedAt,
		Summary:        r.Summary,
		Embedding:      r.Embedding,
		EmbeddingModel: r.EmbeddingModel,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// frameRow is the stored shape of a frame.
type frameRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	EpisodeID      string                 `json:"episode_id"`
	SourceID       string                 `json:"source_id"`
	Timestamp      int64                  `json:"timestamp"`
	AppName        string                 `json:"app_name"`
	WindowTitle    *string                `json:"window_title,omitempty"`
	ImageRef       *string                `json:"image_ref,omitempty"`
	Embedding      []float32              `json:"embedding,omitempty"`
	EmbeddingModel *string                `json:"embedding_model,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

func (r frameRow) toModel() (models.Frame, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.Frame{}, err
	}
	return models.Frame{
		ID:             id,
		EpisodeID:      r.EpisodeID,
		SourceID:       r.SourceID,
		Timestamp:      r.Timestamp,
		AppName:        r.AppName,
		WindowTitle:    r.WindowTitle,
		ImageRef:       r.ImageRef,
		Embedding:      r.Embedding,
		EmbeddingModel: r.EmbeddingModel,
		CreatedAt:      r.CreatedAt,
	}, nil
}

type idRow struct {
	ID surrealmodels.RecordID `json:"id"`
}

// lastResult returns the rows of the final statement of a multi-statement query.
func lastResult[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[len(*results)-1].Result
}

func episodes(rows []episodeRow) ([]models.Episode, error) {
	out := make([]models.Episode, 0, len(rows))
	for _, r := range rows {
		ep, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func frames(rows []frameRow) ([]models.Frame, error) {
	out := make([]models.Frame, 0, len(rows))
	for _, r := range rows {
		f, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// projection selects every field, leaving out vectors unless asked for.
func projection(withEmbedding bool) string {
	if withEmbedding {
		return "*"
	}
	return "* OMIT embedding"
}

func (c *Client) oneEpisode(ctx context.Context, sql string, vars map[string]any) (ep *models.Episode, err error) {
	results, err := surrealdb.Query[[]episodeRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	rows := lastResult(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: episode %v", models.ErrNotFound, vars["id"])
	}
	out, err := rows[0].toModel()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateEpisode creates a new open episode.
func (c *Client) CreateEpisode(ctx context.Context, in models.NewEpisodeInput) (ep *models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	if in.ID == "" || in.AppName == "" {
		return nil, fmt.Errorf("%w: episode needs id and app name", models.ErrValidation)
	}
	ep, err = c.oneEpisode(ctx, `
		CREATE type::record("episode", $id) SET
			source_id = $source_id,
			app_name = $app_name,
			frame_ids = [],
			frame_count = 0,
			start_ts = $start_ts,
			end_ts = $start_ts,
			open = true
		RETURN AFTER
	`, map[string]any{
		"id":        in.ID,
		"source_id": in.SourceID,
		"app_name":  in.AppName,
		"start_ts":  in.StartTS,
	})
	if err != nil {
		return nil, fmt.Errorf("create episode: %w", err)
	}
	return ep, nil
}

// UpsertEpisode replaces or inserts an episode wholesale.
func (c *Client) UpsertEpisode(ctx context.Context, ep models.Episode) (err error) {
	defer c.observe(time.Now(), &err)
	if err := ep.Validate(); err != nil {
		return err
	}
	created := ep.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	frameIDs := ep.FrameIDs
	if frameIDs == nil {
		frameIDs = []string{}
	}
	var embedding any
	if len(ep.Embedding) > 0 {
		embedding = ep.Embedding
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("episode", $id) CONTENT {
			source_id: $source_id,
			app_name: $app_name,
			frame_ids: $frame_ids,
			frame_count: $frame_count,
			start_ts: $start_ts,
			end_ts: $end_ts,
			open: $open,
			closed_at: $closed_at,
			summary: $summary,
			embedding: $embedding,
			embedding_model: $embedding_model,
			created_at: $created_at,
			updated_at: time::now()
		} RETURN NONE
	`, map[string]any{
		"id":              ep.ID,
		"source_id":       ep.SourceID,
		"app_name":        ep.AppName,
		"frame_ids":       frameIDs,
		"frame_count":     ep.FrameCount,
		"start_ts":        ep.StartTS,
		"end_ts":          ep.EndTS,
		"open":            ep.Open,
		"closed_at":       ep.ClosedAt,
		"summary":         ep.Summary,
		"embedding":       embedding,
		"embedding_model": ep.EmbeddingModel,
		"created_at":      created,
	})
	if err != nil {
		return fmt.Errorf("upsert episode: %w", wrapQueryError(err))
	}
	return nil
}

// AppendFrameToEpisode stores the frame and extends the episode.
func (c *Client) AppendFrameToEpisode(ctx context.Context, episodeID string, frame models.Frame) (*models.Episode, error) {
	return c.ApplySegment(ctx, store.SegmentWrite{EpisodeID: episodeID, Frame: frame})
}

// applySegmentSQL runs one segmentation step in a single transaction.
// THROW aborts the transaction, so a failed step leaves no partial write.
const applySegmentSQL = `
	BEGIN TRANSACTION;

	IF $close_id != "" {
		LET $prev = (SELECT open, start_ts FROM ONLY type::record("episode", $close_id));
		IF $prev = NONE { THROW "` + throwNotFound + ` episode " + $close_id };
		IF !$prev.open { THROW "` + throwConflict + ` episode " + $close_id + " already closed" };
		IF $close_ts < $prev.start_ts { THROW "` + throwInvalid + ` close time precedes episode start" };
		UPDATE type::record("episode", $close_id) SET
			open = false,
			end_ts = $close_ts,
			closed_at = time::now(),
			updated_at = time::now()
		RETURN NONE;
	};

	IF $create {
		CREATE type::record("episode", $episode_id) SET
			source_id = $create_source_id,
			app_name = $app_name,
			frame_ids = [],
			frame_count = 0,
			start_ts = $create_start_ts,
			end_ts = $create_start_ts,
			open = true
		RETURN NONE;
	};

	LET $target = (SELECT open, app_name, source_id FROM ONLY type::record("episode", $episode_id));
	IF $target = NONE { THROW "` + throwNotFound + ` episode " + $episode_id };
	IF !$target.open { THROW "` + throwConflict + ` episode " + $episode_id + " is closed" };
	IF $target.app_name != $app_name { THROW "` + throwInvalid + ` frame app does not match episode app" };

	CREATE type::record("frame", $frame_id) SET
		episode_id = $episode_id,
		source_id = $source_id OR $target.source_id,
		timestamp = $timestamp,
		app_name = $app_name,
		window_title = $window_title,
		image_ref = $image_ref
	RETURN NONE;

	UPDATE type::record("episode", $episode_id) SET
		frame_ids += $frame_id,
		frame_count += 1,
		end_ts = math::max([end_ts, $timestamp]),
		updated_at = time::now()
	RETURN NONE;

	COMMIT TRANSACTION;

	SELECT * OMIT embedding FROM type::record("episode", $episode_id);
`

// ApplySegment closes, creates and appends in one transaction.
func (c *Client) ApplySegment(ctx context.Context, w store.SegmentWrite) (ep *models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	if err := w.Frame.Validate(); err != nil {
		return nil, err
	}
	if w.EpisodeID == "" {
		return nil, fmt.Errorf("%w: segment write has no target episode", models.ErrValidation)
	}
	vars := map[string]any{
		"close_id":         w.CloseEpisodeID,
		"close_ts":         w.CloseTS,
		"create":           w.Create != nil,
		"create_source_id": "",
		"create_start_ts":  int64(0),
		"episode_id":       w.EpisodeID,
		"frame_id":         w.Frame.ID,
		"source_id":        w.Frame.SourceID,
		"timestamp":        w.Frame.Timestamp,
		"app_name":         w.Frame.AppName,
		"window_title":     w.Frame.WindowTitle,
		"image_ref":        w.Frame.ImageRef,
	}
	if w.Create != nil {
		if w.Create.ID != w.EpisodeID {
			return nil, fmt.Errorf("%w: created episode %s is not the append target %s",
				models.ErrValidation, w.Create.ID, w.EpisodeID)
		}
		if w.Create.AppName != w.Frame.AppName {
			return nil, fmt.Errorf("%w: frame app %q does not match episode app %q",
				models.ErrValidation, w.Frame.AppName, w.Create.AppName)
		}
		vars["create_source_id"] = w.Create.SourceID
		vars["create_start_ts"] = w.Create.StartTS
	} else if w.CloseEpisodeID != "" && w.CloseEpisodeID == w.EpisodeID {
		return nil, fmt.Errorf("%w: cannot append to the episode being closed", models.ErrValidation)
	}
	vars["id"] = w.EpisodeID

	ep, err = c.oneEpisode(ctx, applySegmentSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("apply segment: %w", err)
	}
	return ep, nil
}

// CloseEpisode freezes an open episode.
func (c *Client) CloseEpisode(ctx context.Context, id string, endTS int64) (ep *models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	ep, err = c.oneEpisode(ctx, `
		LET $prev = (SELECT open, start_ts FROM ONLY type::record("episode", $id));
		IF $prev = NONE { THROW "`+throwNotFound+` episode " + $id };
		IF !$prev.open { THROW "`+throwConflict+` episode " + $id + " already closed" };
		IF $end_ts < $prev.start_ts { THROW "`+throwInvalid+` close time precedes episode start" };
		UPDATE type::record("episode", $id) SET
			open = false,
			end_ts = $end_ts,
			closed_at = time::now(),
			updated_at = time::now()
		RETURN AFTER;
	`, map[string]any{"id": id, "end_ts": endTS})
	if err != nil {
		return nil, fmt.Errorf("close episode: %w", err)
	}
	ep.Embedding = nil
	return ep, nil
}

// OpenEpisodes returns every episode that has not been closed.
func (c *Client) OpenEpisodes(ctx context.Context) (eps []models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	results, err := surrealdb.Query[[]episodeRow](ctx, c.db, `
		SELECT * OMIT embedding FROM episode WHERE open = true ORDER BY start_ts
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("open episodes: %w", wrapQueryError(err))
	}
	return episodes(lastResult(results))
}

// LatestSourceEpisode returns the episode of sourceID that ended last.
func (c *Client) LatestSourceEpisode(ctx context.Context, sourceID string) (ep *models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	results, err := surrealdb.Query[[]episodeRow](ctx, c.db, `
		SELECT * OMIT embedding FROM episode WHERE source_id = $source
		ORDER BY end_ts DESC, start_ts DESC LIMIT 1
	`, map[string]any{"source": sourceID})
	if err != nil {
		return nil, fmt.Errorf("latest source episode: %w", wrapQueryError(err))
	}
	eps, err := episodes(lastResult(results))
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: no episodes for source %s", models.ErrNotFound, sourceID)
	}
	return &eps[0], nil
}

// GetRecentEpisodes returns episodes by start time descending.
func (c *Client) GetRecentEpisodes(ctx context.Context, q models.RecentQuery) (eps []models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	where := ""
	if q.RequireEmbedding {
		where = "WHERE embedding != NONE"
	}
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT $limit"
	}
	sql := fmt.Sprintf(`SELECT %s FROM episode %s ORDER BY start_ts DESC, id ASC %s`,
		projection(q.WithEmbedding), where, limit)

	results, err := surrealdb.Query[[]episodeRow](ctx, c.db, sql, map[string]any{"limit": q.Limit})
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", wrapQueryError(err))
	}
	return episodes(lastResult(results))
}

// GetRecentFrames returns frames by capture time descending.
func (c *Client) GetRecentFrames(ctx context.Context, q models.RecentQuery) (fs []models.Frame, err error) {
	defer c.observe(time.Now(), &err)
	where := ""
	if q.RequireEmbedding {
		where = "WHERE embedding != NONE"
	}
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT $limit"
	}
	sql := fmt.Sprintf(`SELECT %s FROM frame %s ORDER BY timestamp DESC, id ASC %s`,
		projection(q.WithEmbedding), where, limit)

	results, err := surrealdb.Query[[]frameRow](ctx, c.db, sql, map[string]any{"limit": q.Limit})
	if err != nil {
		return nil, fmt.Errorf("recent frames: %w", wrapQueryError(err))
	}
	return frames(lastResult(results))
}

// GetEpisode returns the episode with its vector.
func (c *Client) GetEpisode(ctx context.Context, id string) (ep *models.Episode, err error) {
	defer c.observe(time.Now(), &err)
	return c.oneEpisode(ctx, `SELECT * FROM type::record("episode", $id)`, map[string]any{"id": id})
}

// GetFrame returns the frame with its vector.
func (c *Client) GetFrame(ctx context.Context, id string) (f *models.Frame, err error) {
	defer c.observe(time.Now(), &err)
	results, err := surrealdb.Query[[]frameRow](ctx, c.db, `
		SELECT * FROM type::record("frame", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get frame: %w", wrapQueryError(err))
	}
	rows := lastResult(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: frame %s", models.ErrNotFound, id)
	}
	out, err := rows[0].toModel()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFrames returns the frames found, in the order given, without vectors.
func (c *Client) GetFrames(ctx context.Context, ids []string) (out []models.Frame, err error) {
	defer c.observe(time.Now(), &err)
	if len(ids) == 0 {
		return []models.Frame{}, nil
	}
	recordIDs := make([]surrealmodels.RecordID, len(ids))
	for i, id := range ids {
		recordIDs[i] = surrealmodels.NewRecordID("frame", id)
	}
	results, err := surrealdb.Query[[]frameRow](ctx, c.db, `
		SELECT * OMIT embedding FROM $ids
	`, map[string]any{"ids": recordIDs})
	if err != nil {
		return nil, fmt.Errorf("get frames: %w", wrapQueryError(err))
	}
	found, err := frames(lastResult(results))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Frame, len(found))
	for _, f := range found {
		byID[f.ID] = f
	}
	out = make([]models.Frame, 0, len(found))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// Exists reports whether an episode or frame has this id.
func (c *Client) Exists(ctx context.Context, id string) (ok bool, err error) {
	defer c.observe(time.Now(), &err)
	results, err := surrealdb.Query[[]struct{ C int }](ctx, c.db, `
		SELECT count() AS c FROM type::record("episode", $id);
		SELECT count() AS c FROM type::record("frame", $id);
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("check exists: %w", wrapQueryError(err))
	}
	if results == nil {
		return false, nil
	}
	for _, r := range *results {
		if len(r.Result) > 0 && r.Result[0].C > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SetEpisodeSummary overwrites summary and vector.
func (c *Client) SetEpisodeSummary(ctx context.Context, id, summary string, embedding []float32, model string) (err error) {
	defer c.observe(time.Now(), &err)
	var vec any
	if len(embedding) > 0 {
		vec = embedding
	}
	results, err := surrealdb.Query[[]idRow](ctx, c.db, `
		UPDATE type::record("episode", $id) SET
			summary = $summary,
			embedding = $embedding,
			embedding_model = $model ?? embedding_model,
			updated_at = time::now()
		RETURN id
	`, map[string]any{
		"id":        id,
		"summary":   summary,
		"embedding": vec,
		"model":     optional(model),
	})
	if err != nil {
		return fmt.Errorf("set episode summary: %w", wrapQueryError(err))
	}
	if len(lastResult(results)) == 0 {
		return fmt.Errorf("%w: episode %s", models.ErrNotFound, id)
	}
	return nil
}

// SetFrameEmbedding overwrites the frame vector.
func (c *Client) SetFrameEmbedding(ctx context.Context, id string, embedding []float32, model string) (err error) {
	defer c.observe(time.Now(), &err)
	var vec any
	if len(embedding) > 0 {
		vec = embedding
	}
	results, err := surrealdb.Query[[]idRow](ctx, c.db, `
		UPDATE type::record("frame", $id) SET
			embedding = $embedding,
			embedding_model = $model ?? embedding_model
		RETURN id
	`, map[string]any{
		"id":        id,
		"embedding": vec,
		"model":     optional(model),
	})
	if err != nil {
		return fmt.Errorf("set frame embedding: %w", wrapQueryError(err))
	}
	if len(lastResult(results)) == 0 {
		return fmt.Errorf("%w: frame %s", models.ErrNotFound, id)
	}
	return nil
}

// EpisodesMissingEmbedding lists closed episodes still lacking a vector,
// oldest first.
func (c *Client) EpisodesMissingEmbedding(ctx context.Context, limit int) (ids []string, err error) {
	defer c.observe(time.Now(), &err)
	return c.missing(ctx, `
		SELECT id, start_ts FROM episode
		WHERE open = false AND embedding = NONE
		ORDER BY start_ts
	`, limit)
}

// FramesMissingEmbedding lists frames with an image reference but no vector,
// oldest first.
func (c *Client) FramesMissingEmbedding(ctx context.Context, limit int) (ids []string, err error) {
	defer c.observe(time.Now(), &err)
	return c.missing(ctx, `
		SELECT id, timestamp FROM frame
		WHERE image_ref != NONE AND image_ref != "" AND embedding = NONE
		ORDER BY timestamp
	`, limit)
}

func (c *Client) missing(ctx context.Context, sql string, limit int) ([]string, error) {
	if limit > 0 {
		sql += " LIMIT $limit"
	}
	results, err := surrealdb.Query[[]idRow](ctx, c.db, sql, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", wrapQueryError(err))
	}
	rows := lastResult(results)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		id, err := models.RecordIDString(r.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
