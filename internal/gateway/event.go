package gateway

import (
	"encoding/json"
	"time"
)

// Event is one inbound payload as delivered to the event layer.
type Event struct {
	Shard      int             `json:"shard"`
	ConnID     string          `json:"conn_id"`
	Op         Op              `json:"op"`
	Seq        int64           `json:"seq,omitempty"` // 0 when the payload carries none
	Type       string          `json:"type,omitempty"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// EventHandler receives a session's events one at a time in arrival order.
type EventHandler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Handlers fans events out to several handlers in order.
type Handlers []EventHandler

func (hs Handlers) HandleEvent(ev Event) {
	for _, h := range hs {
		h.HandleEvent(ev)
	}
}
