// Package feed defines the frames exchanged over the change-notification websocket.
//
// Every frame is a JSON object {"type": ..., "payload": ...}. Clients send
// subscribe and unsubscribe frames; the server answers with subscribed, change
// and error frames.
package feed

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/putto11262002/nexus/realtime"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeChange      = "change"
	TypeError       = "error"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into an event of type t.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// Subscribe opens a subscription. ID is chosen by the client and must be unique
// per connection.
type Subscribe struct {
	ID         string              `json:"id"`
	Collection realtime.Collection `json:"collection"`
	RoomID     string              `json:"room_id"`
}

type Unsubscribe struct {
	ID string `json:"id"`
}

// Subscribed acknowledges a Subscribe.
type Subscribed struct {
	ID string `json:"id"`
}

// Change is a committed row change delivered to a subscription.
type Change struct {
	Subscription string              `json:"subscription"`
	Collection   realtime.Collection `json:"collection"`
	Op           string              `json:"op"`
	RoomID       string              `json:"room_id"`
	New          json.RawMessage     `json:"new,omitempty"`
	Old          json.RawMessage     `json:"old,omitempty"`
}

// Error reports a rejected frame. ID is the subscription the frame referred to, if any.
type Error struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// Subscribable reports whether c can be subscribed to.
func Subscribable(c realtime.Collection) bool {
	return c == realtime.CollectionMessages || c == realtime.CollectionPresence
}
