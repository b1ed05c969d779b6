package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetsync/internal/events"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 20 * time.Second
	wsWriteWait    = 5 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DeploymentEventsWSHandler handles GET /v1/deployments/events/ws?itineraryId=
// Without itineraryId the stream carries every deployment event.
func (s *Server) DeploymentEventsWSHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("itineraryId")
	if topic == "" {
		topic = events.All
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	// the read loop only handles control frames and notices the client leaving
	done := make(chan struct{})
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				_ = write(wsMessage{Type: "complete"})
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.Log.WithError(err).Warn("encode deployment event")
				continue
			}
			if err := write(wsMessage{Type: "next", Payload: payload}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
