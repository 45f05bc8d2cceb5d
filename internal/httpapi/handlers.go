package httpapi

import (
	"net/http"

	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
)

// ContextResponse is the body of POST /api/context.
type ContextResponse struct {
	QueryText string `json:"query_text"`
	Context   string `json:"context"`
	Count     int    `json:"count"`
	Degraded  bool   `json:"degraded"`
	Warning   string `json:"warning,omitempty"`
}

// AskResponse is the body of POST /api/ask.
type AskResponse struct {
	Answer   string           `json:"answer"`
	Response *models.Response `json:"response,omitempty"`
}

// CloseResponse is the body of POST /api/sources/{id}/close.
type CloseResponse struct {
	SourceID  string `json:"source_id"`
	EpisodeID string `json:"episode_id,omitempty"`
	Closed    bool   `json:"closed"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q models.Query
	if err := decode(w, r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Search.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Context = ""
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var q models.Query
	if err := decode(w, r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	text, resp, err := s.deps.Search.Context(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContextResponse{
		QueryText: resp.QueryText,
		Context:   text,
		Count:     resp.Count,
		Degraded:  resp.Degraded,
		Warning:   resp.Warning,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ask == nil {
		notImplemented(w, "ask")
		return
	}
	var q models.Query
	if err := decode(w, r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	answer, resp, err := s.deps.Ask(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp != nil {
		resp.Context = ""
	}
	writeJSON(w, http.StatusOK, AskResponse{Answer: answer, Response: resp})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var in service.RecordInput
	if err := decode(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Activity.Record(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Activity.Sources())
}

func (s *Server) handleCloseSource(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")
	episodeID, err := s.deps.Activity.CloseSource(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseResponse{
		SourceID:  sourceID,
		EpisodeID: episodeID,
		Closed:    episodeID != "",
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", models.DefaultLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	episodes, err := s.deps.Activity.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, episodes)
}

func (s *Server) handleEpisode(w http.ResponseWriter, r *http.Request) {
	detail, err := s.deps.Activity.GetEpisode(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.deps.Activity.GetFrame(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		notImplemented(w, "stats")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats())
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job := s.deps.Jobs.StartBackfill(s.base, limit)
	snap := job.Snapshot()
	writeJSON(w, http.StatusAccepted, &snap)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Jobs.ListJobs()
	out := make([]*service.Job, 0, len(jobs))
	for _, j := range jobs {
		snap := j.Snapshot()
		out = append(out, &snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job := s.deps.Jobs.GetJob(r.PathValue("id"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "job not found", Code: CodeNotFound})
		return
	}
	snap := job.Snapshot()
	writeJSON(w, http.StatusOK, &snap)
}
