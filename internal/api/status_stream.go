package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"merchapi/internal/model"
	"merchapi/internal/store"
)

// StatusStreamHandler serves GET /v1/orders/status/subscribe/{sessionId} as an
// SSE stream of status events for the order behind a checkout session. The
// current state is sent first, so late subscribers never miss the terminal
// event; when the order is already terminal the stream closes after that
// snapshot.
func (s *Server) StatusStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/v1/orders/status/subscribe/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing session id", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot read so no update can slip between them.
	ch := s.Broker.Subscribe(sessionID)
	defer s.Broker.Unsubscribe(sessionID, ch)

	order, err := s.Store.GetOrderBySession(r.Context(), sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Session may not have an order yet (payment still settling);
		// keep the stream open and wait for the webhook to publish.
	case err != nil:
		fmt.Fprintf(w, "event: error\n")
		fmt.Fprintf(w, "data: {\"error\":%q}\n\n", err.Error())
		flusher.Flush()
		return
	default:
		if done := sendStatus(w, flusher, model.StatusEvent{
			Status:       order.Status,
			TrackingInfo: order.TrackingInfo,
			UpdatedAt:    order.UpdatedAt.UTC(),
		}); done {
			return
		}
	}

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if done := sendStatus(w, flusher, evt); done {
				return
			}
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// sendStatus writes one status event and reports whether the stream should
// close because the order reached a terminal state.
func sendStatus(w http.ResponseWriter, flusher http.Flusher, evt model.StatusEvent) bool {
	b, _ := json.Marshal(evt)
	fmt.Fprintf(w, "event: status\n")
	fmt.Fprintf(w, "data: %s\n\n", string(b))
	flusher.Flush()
	return evt.Status.IsTerminal()
}
