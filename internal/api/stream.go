package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is the shape of an inbound client->server frame. Only
// update_channels is accepted on the wire today (§6).
type clientFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// handleStream upgrades the request to a WebSocket first, then
// authenticates the subscriber id against the distribution fabric — an
// unknown or inactive id gets a FrameError frame over the now-open
// connection rather than a plain HTTP status, since the client already
// committed to the WebSocket handshake. Once connected, a writer
// goroutine drains the stream's outbound frames onto the connection,
// while the calling goroutine reads inbound update_channels frames
// until the connection closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriberId")
	if subscriberID == "" {
		s.errorResponse(w, http.StatusBadRequest, "subscriberId is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "subscriberId", subscriberID, "error", err)
		return
	}
	defer conn.Close()

	stream, err := s.fabric.Connect(subscriberID)
	if err != nil {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		conn.WriteJSON(distribution.Frame{Type: distribution.FrameError, Message: err.Error()})
		return
	}
	defer s.fabric.Disconnect(stream)

	done := make(chan struct{})
	go s.writeLoop(conn, stream, done)

	s.readLoop(conn, stream, done)
}

func (s *Server) writeLoop(conn *websocket.Conn, stream *distribution.Stream, done <-chan struct{}) {
	for {
		select {
		case frame, ok := <-stream.Send():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.Debug("stream write failed", "subscriberId", stream.SubscriberID, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, stream *distribution.Stream, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "update_channels" {
			continue
		}
		if err := s.fabric.Receive(stream, frame.Channels); err != nil {
			s.logger.Warn("update_channels failed", "subscriberId", stream.SubscriberID, "error", err)
		}
	}
}

// handleOpsEvents upgrades the request to a WebSocket and streams
// operational events (adapter ticks, publish rejections, subscriber
// connect/disconnect) to an operator console. Unlike handleStream this
// connection is read-only; inbound frames are ignored.
func (s *Server) handleOpsEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ops stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var ch <-chan events.Event = s.events.Subscribe(64)
	defer s.events.Unsubscribe(ch)

	for ev := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
