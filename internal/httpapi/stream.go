package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
)

// Message types exchanged on /ws/activity.
const (
	// MsgActivity carries one capture from the source.
	MsgActivity = "activity"
	// MsgClose asks the server to close the source's open episode.
	MsgClose = "close"
	// MsgAck answers an activity message with where the frame landed.
	MsgAck = "ack"
	// MsgClosed answers a close message.
	MsgClosed = "closed"
	// MsgError answers a message that could not be applied.
	MsgError = "error"
)

// closeTimeout bounds the episode close run after a source disconnects.
const closeTimeout = 10 * time.Second

// StreamMessage is one websocket frame in either direction. ID is echoed
// back so sources can match replies to requests.
type StreamMessage struct {
	Type      string                `json:"type"`
	ID        string                `json:"id,omitempty"`
	Activity  *service.RecordInput  `json:"activity,omitempty"`
	Result    *service.RecordResult `json:"result,omitempty"`
	EpisodeID string                `json:"episode_id,omitempty"`
	Error     *ErrorBody            `json:"error,omitempty"`
}

// handleActivityStream keeps one source connected. Every activity message is
// segmented in arrival order, and the source's open episode is closed when
// the connection ends for any reason.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		s.writeError(w, r, fmt.Errorf("%w: source query parameter is required", models.ErrValidation))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "source_id", sourceID, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("source_id", sourceID)
	logger.Info("activity stream connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		episodeID, err := s.deps.Activity.CloseSource(closeCtx, sourceID)
		if err != nil {
			logger.Error("close source on disconnect failed", "error", err)
			return
		}
		logger.Info("activity stream disconnected", "closed_episode", episodeID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.ping(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("activity stream read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))

		reply := s.applyStreamMessage(ctx, sourceID, data)
		if err := conn.WriteJSON(reply); err != nil {
			logger.Warn("activity stream write failed", "error", err)
			return
		}
	}
}

func (s *Server) applyStreamMessage(ctx context.Context, sourceID string, data []byte) StreamMessage {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorMessage("", fmt.Errorf("%w: invalid message: %v", models.ErrValidation, err))
	}

	switch msg.Type {
	case MsgActivity:
		if msg.Activity == nil {
			return errorMessage(msg.ID, fmt.Errorf("%w: activity message without activity", models.ErrValidation))
		}
		in := *msg.Activity
		if in.SourceID != "" && in.SourceID != sourceID {
			return errorMessage(msg.ID, fmt.Errorf("%w: source_id %q does not match stream source %q",
				models.ErrValidation, in.SourceID, sourceID))
		}
		in.SourceID = sourceID
		res, err := s.deps.Activity.Record(ctx, in)
		if err != nil {
			return errorMessage(msg.ID, err)
		}
		return StreamMessage{Type: MsgAck, ID: msg.ID, Result: res}

	case MsgClose:
		episodeID, err := s.deps.Activity.CloseSource(ctx, sourceID)
		if err != nil {
			return errorMessage(msg.ID, err)
		}
		return StreamMessage{Type: MsgClosed, ID: msg.ID, EpisodeID: episodeID}

	default:
		return errorMessage(msg.ID, fmt.Errorf("%w: unknown message type %q", models.ErrValidation, msg.Type))
	}
}

func errorMessage(id string, err error) StreamMessage {
	_, code := classify(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return StreamMessage{Type: MsgError, ID: id, Error: &ErrorBody{Error: msg, Code: code}}
}

func (s *Server) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.pingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
