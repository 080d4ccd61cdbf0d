package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"merchapi/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	SessionID string `json:"sessionId"`
}

// StatusWSHandler serves GET /v1/orders/status/ws. The protocol mirrors
// graphql-transport-ws framing: connection_init/connection_ack, subscribe with
// a sessionId payload, next frames carrying status events, complete when the
// order reaches a terminal state or the client unsubscribes. One connection
// can hold subscriptions for several sessions.
func (s *Server) StatusWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		sessionID string
		ch        chan model.StatusEvent
	}
	subs := map[string]sub{}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// gorilla allows only one concurrent writer: the read loop, the keepalive
	// ticker and the per-subscription fanout goroutines all share this.
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.SessionID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"sessionId required"}`)})
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			ch := s.Broker.Subscribe(pl.SessionID)
			subs[msg.ID] = sub{sessionID: pl.SessionID, ch: ch}

			// Snapshot first so the client starts from the current state.
			if order, err := s.Store.GetOrderBySession(r.Context(), pl.SessionID); err == nil {
				evt := model.StatusEvent{Status: order.Status, TrackingInfo: order.TrackingInfo, UpdatedAt: order.UpdatedAt.UTC()}
				payload, _ := json.Marshal(evt)
				_ = write(wsMessage{Type: "next", ID: msg.ID, Payload: payload})
				if order.Status.IsTerminal() {
					s.Broker.Unsubscribe(pl.SessionID, ch)
					delete(subs, msg.ID)
					_ = write(wsMessage{Type: "complete", ID: msg.ID})
					continue
				}
			}

			go func(id string, c chan model.StatusEvent) {
				for evt := range c {
					payload, _ := json.Marshal(evt)
					_ = write(wsMessage{Type: "next", ID: id, Payload: payload})
					if evt.Status.IsTerminal() {
						break
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.sessionID, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	for id, s0 := range subs {
		s.Broker.Unsubscribe(s0.sessionID, s0.ch)
		delete(subs, id)
	}
}
