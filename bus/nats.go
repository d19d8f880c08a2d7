////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Subject layout. Change events and broadcasts are separate subjects so a
// consumer can subscribe to either channel kind independently.
const (
	changeSubjectPrefix    = "chat.changes."
	broadcastSubjectPrefix = "chat.broadcast."
)

func changeSubject(conversationID string) string {
	return changeSubjectPrefix + conversationID
}

func broadcastSubject(conversationID string) string {
	return broadcastSubjectPrefix + conversationID
}

// broadcastEnvelope wraps an ephemeral broadcast with its event name so all
// events for a conversation share one subject.
type broadcastEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NATS is a Bus over a NATS connection. Core NATS gives best-effort delivery
// for the ephemeral broadcasts; the change subjects are expected to be fed by
// the persistence layer's change feed, which re-publishes until acknowledged,
// yielding at-least-once per channel.
type NATS struct {
	conn *nats.Conn
}

// ConnectNATS dials the NATS server at url and returns a Bus over the
// connection.
func ConnectNATS(url string) (*NATS, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			jww.WARN.Printf("Disconnected from NATS: %+v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			jww.INFO.Printf("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	return &NATS{conn: conn}, nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Close drains and closes the underlying connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Close() error {
	return s.sub.Unsubscribe()
}

// SubscribeChanges adheres to the [Bus] interface.
func (n *NATS) SubscribeChanges(conversationID string, h ChangeHandler) (
	Subscription, error) {
	sub, err := n.conn.Subscribe(changeSubject(conversationID),
		func(msg *nats.Msg) {
			var ev ChangeEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				jww.ERROR.Printf(
					"Failed to unmarshal change event on %s: %+v",
					msg.Subject, err)
				return
			}
			h(ev)
		})
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to change channel")
	}
	return &natsSub{sub: sub}, nil
}

// SubscribeBroadcast adheres to the [Bus] interface.
func (n *NATS) SubscribeBroadcast(conversationID string, h BroadcastHandler) (
	Subscription, error) {
	sub, err := n.conn.Subscribe(broadcastSubject(conversationID),
		func(msg *nats.Msg) {
			var env broadcastEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				jww.ERROR.Printf(
					"Failed to unmarshal broadcast on %s: %+v",
					msg.Subject, err)
				return
			}
			h(env.Event, env.Payload)
		})
	if err != nil {
		return nil, errors.Wrap(err,
			"failed to subscribe to broadcast channel")
	}
	return &natsSub{sub: sub}, nil
}

// PublishChange adheres to the [Bus] interface.
func (n *NATS) PublishChange(_ context.Context, conversationID string,
	ev ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.conn.Publish(changeSubject(conversationID), data)
}

// Broadcast adheres to the [Bus] interface.
func (n *NATS) Broadcast(_ context.Context, conversationID, event string,
	payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(broadcastEnvelope{Event: event, Payload: inner})
	if err != nil {
		return err
	}
	return n.conn.Publish(broadcastSubject(conversationID), data)
}
