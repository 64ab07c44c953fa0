package core

import (
	"encoding/json"
	"fmt"

	"github.com/putto11262002/nexus/realtime"
)

// Operation is the kind of row change carried by a Change.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Change describes a committed write to a subscribable collection.
type Change struct {
	Collection realtime.Collection `json:"collection"`
	Op         Operation           `json:"op"`
	RoomID     string              `json:"room_id"`
	New        json.RawMessage     `json:"new,omitempty"`
	Old        json.RawMessage     `json:"old,omitempty"`
}

func NewChange(collection realtime.Collection, op Operation, roomID string, newRow, oldRow any) (Change, error) {
	c := Change{Collection: collection, Op: op, RoomID: roomID}
	var err error
	if newRow != nil {
		if c.New, err = json.Marshal(newRow); err != nil {
			return c, fmt.Errorf("marshal new row: %w", err)
		}
	}
	if oldRow != nil {
		if c.Old, err = json.Marshal(oldRow); err != nil {
			return c, fmt.Errorf("marshal old row: %w", err)
		}
	}
	return c, nil
}

// ChangePublisher receives every change after it is committed.
// Publish must not block.
type ChangePublisher interface {
	Publish(Change)
}

type ChangePublisherFunc func(Change)

func (f ChangePublisherFunc) Publish(c Change) { f(c) }

type nopPublisher struct{}

func (nopPublisher) Publish(Change) {}

func publisherOrNop(p ChangePublisher) ChangePublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
