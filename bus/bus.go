////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package bus abstracts the publish/subscribe transport the engine consumes.
// Two channel kinds exist per conversation: a durable change channel carrying
// row inserts and updates from the persistence layer's change feed, and an
// ephemeral broadcast channel carrying fire-and-forget signals (typing,
// reaction sync).
//
// Delivery is at-least-once per channel with no ordering guarantee across
// channels. Ephemeral broadcasts have no delivery guarantee beyond best
// effort.
package bus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Op is the kind of row change carried on the durable change channel.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
)

// String returns a human-readable version of [Op]. This function adheres to
// the [fmt.Stringer] interface.
func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	default:
		return "invalid"
	}
}

// MarshalJSON adheres to the [json.Marshaler] interface.
func (op Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.String())
}

// UnmarshalJSON adheres to the [json.Unmarshaler] interface.
func (op *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "insert":
		*op = OpInsert
	case "update":
		*op = OpUpdate
	default:
		return errors.Errorf("invalid change op %q", s)
	}
	return nil
}

// ChangeEvent is one durable change notification. Row is the full message
// row, left opaque so the transport does not depend on the engine's types.
type ChangeEvent struct {
	Op  Op              `json:"op"`
	Row json.RawMessage `json:"row"`
}

// Broadcast event names carried on the ephemeral channel.
const (
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventReactionUpdate = "reaction_update"
)

// TypingPayload is the payload of a typing broadcast.
type TypingPayload struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// StopTypingPayload is the payload of a stop-typing broadcast.
type StopTypingPayload struct {
	UserID string `json:"user_id"`
}

// ReactionUpdatePayload is the payload of a reaction-sync broadcast. Peers
// re-fetch the named message's reaction set on receipt.
type ReactionUpdatePayload struct {
	MessageID string `json:"message_id"`
}

// ChangeHandler receives durable change events. It may be called multiple
// times for the same event.
type ChangeHandler func(ev ChangeEvent)

// BroadcastHandler receives ephemeral broadcasts by event name.
type BroadcastHandler func(event string, payload []byte)

// Subscription is an open channel subscription. Close releases it; events
// stop being delivered afterward.
type Subscription interface {
	Close() error
}

// Bus is the transport the engine publishes to and subscribes on. A single
// Bus multiplexes all conversations.
type Bus interface {
	// SubscribeChanges opens the durable change channel for one conversation.
	SubscribeChanges(conversationID string, h ChangeHandler) (Subscription, error)

	// SubscribeBroadcast opens the ephemeral broadcast channel for one
	// conversation.
	SubscribeBroadcast(conversationID string, h BroadcastHandler) (Subscription, error)

	// PublishChange emits a durable change event for a conversation. In
	// production the persistence layer's change feed is the publisher; the
	// engine only consumes.
	PublishChange(ctx context.Context, conversationID string, ev ChangeEvent) error

	// Broadcast emits a fire-and-forget event on a conversation's ephemeral
	// channel. The payload is marshaled to JSON.
	Broadcast(ctx context.Context, conversationID, event string, payload any) error
}
