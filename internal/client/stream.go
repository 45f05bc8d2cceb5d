package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recall/internal/httpapi"
	"github.com/raphaelgruber/recall/internal/service"
)

// ErrStreamClosed is returned by Stream methods after Close or disconnect.
var ErrStreamClosed = errors.New("activity stream closed")

// Stream is a websocket connection that reports activity for one source.
// Disconnecting closes the source's open episode on the server.
// A background reader answers server pings and routes replies to callers
// by message id, so a Stream is safe for concurrent use.
type Stream struct {
	conn   *websocket.Conn
	source string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]chan httpapi.StreamMessage
	readErr error
	done    chan struct{}
	closed  atomic.Bool
}

// OpenStream connects an activity stream for sourceID.
func (c *Client) OpenStream(ctx context.Context, sourceID string) (*Stream, error) {
	if sourceID == "" {
		return nil, errors.New("source id is required")
	}
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws/activity")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u.RawQuery = url.Values{"source": {sourceID}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &Stream{
		conn:    conn,
		source:  sourceID,
		pending: make(map[string]chan httpapi.StreamMessage),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Source returns the stream's source id.
func (s *Stream) Source() string {
	return s.source
}

// Done is closed when the connection ends.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Send records one capture and waits for the server's acknowledgement.
// The source id of in is ignored.
func (s *Stream) Send(ctx context.Context, in service.RecordInput) (*service.RecordResult, error) {
	in.SourceID = ""
	reply, err := s.roundTrip(ctx, httpapi.StreamMessage{Type: httpapi.MsgActivity, Activity: &in})
	if err != nil {
		return nil, err
	}
	if reply.Result == nil {
		return nil, errors.New("ack without result")
	}
	return reply.Result, nil
}

// CloseEpisode closes the open episode without disconnecting and returns its id.
func (s *Stream) CloseEpisode(ctx context.Context) (string, error) {
	reply, err := s.roundTrip(ctx, httpapi.StreamMessage{Type: httpapi.MsgClose})
	if err != nil {
		return "", err
	}
	return reply.EpisodeID, nil
}

func (s *Stream) roundTrip(ctx context.Context, msg httpapi.StreamMessage) (httpapi.StreamMessage, error) {
	msg.ID = strconv.FormatInt(s.nextID.Add(1), 10)
	ch := make(chan httpapi.StreamMessage, 1)

	s.mu.Lock()
	if s.readErr != nil {
		s.mu.Unlock()
		return httpapi.StreamMessage{}, ErrStreamClosed
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		return httpapi.StreamMessage{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == httpapi.MsgError {
			code, text := httpapi.CodeInternal, "unknown error"
			if reply.Error != nil {
				code, text = reply.Error.Code, reply.Error.Error
			}
			return reply, &APIError{Code: code, Message: text}
		}
		return reply, nil
	case <-ctx.Done():
		return httpapi.StreamMessage{}, ctx.Err()
	case <-s.done:
		return httpapi.StreamMessage{}, ErrStreamClosed
	}
}

func (s *Stream) readLoop() {
	defer close(s.done)
	for {
		var reply httpapi.StreamMessage
		if err := s.conn.ReadJSON(&reply); err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		ch := s.pending[reply.ID]
		s.mu.Unlock()
		if ch != nil {
			ch <- reply
		}
	}
}

// Close ends the stream. The server closes the source's open episode.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}
