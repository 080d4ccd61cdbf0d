// Package main runs a demo WebSocket client for order status events: it
// creates a checkout, subscribes by checkout session id, and prints status
// frames as webhooks land.
package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := "http://localhost:" + port

	// Create a checkout against the dev catalog
	body := []byte(`{
		"items":[{"productId":"tour-tee","variantId":"m","quantity":1}],
		"shippingAddress":{"firstName":"Demo","lastName":"Buyer","email":"demo@example.com","addressLine1":"1 Demo St","city":"Berlin","postCode":"10115","country":"DE"},
		"selectedRates":{"printful":"STANDARD"}
	}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "u_demo")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var co struct {
		OrderID   string `json:"orderId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&co); err != nil {
		log.Fatal(err)
	}
	if co.SessionID == "" {
		log.Fatal("no session id returned")
	}
	log.Printf("Order %s, session %s", co.OrderID, co.SessionID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/orders/status/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to status events for the session
	pl, _ := json.Marshal(map[string]any{"sessionId": co.SessionID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			if m.Type == "complete" {
				return
			}
		}
	}()

	// Keep listening while webhooks (or a simulator) drive the order
	select {
	case <-time.After(60 * time.Second):
	case <-done:
	}
}
