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
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// Memory is an in-process Bus used by tests and single-process deployments.
// Events are delivered synchronously in the publisher's goroutine, preserving
// per-channel order; cross-channel ordering is still unspecified, matching
// the production transport's contract.
type Memory struct {
	changes    map[string]map[uint64]ChangeHandler
	broadcasts map[string]map[uint64]BroadcastHandler
	nextID     uint64

	mux sync.RWMutex
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		changes:    make(map[string]map[uint64]ChangeHandler),
		broadcasts: make(map[string]map[uint64]BroadcastHandler),
	}
}

type memorySub struct {
	close func()
	once  sync.Once
}

func (s *memorySub) Close() error {
	s.once.Do(s.close)
	return nil
}

// SubscribeChanges adheres to the [Bus] interface.
func (m *Memory) SubscribeChanges(conversationID string, h ChangeHandler) (
	Subscription, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	id := m.nextID
	m.nextID++
	if m.changes[conversationID] == nil {
		m.changes[conversationID] = make(map[uint64]ChangeHandler)
	}
	m.changes[conversationID][id] = h

	return &memorySub{close: func() {
		m.mux.Lock()
		defer m.mux.Unlock()
		delete(m.changes[conversationID], id)
	}}, nil
}

// SubscribeBroadcast adheres to the [Bus] interface.
func (m *Memory) SubscribeBroadcast(conversationID string, h BroadcastHandler) (
	Subscription, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	id := m.nextID
	m.nextID++
	if m.broadcasts[conversationID] == nil {
		m.broadcasts[conversationID] = make(map[uint64]BroadcastHandler)
	}
	m.broadcasts[conversationID][id] = h

	return &memorySub{close: func() {
		m.mux.Lock()
		defer m.mux.Unlock()
		delete(m.broadcasts[conversationID], id)
	}}, nil
}

// PublishChange adheres to the [Bus] interface.
func (m *Memory) PublishChange(_ context.Context, conversationID string,
	ev ChangeEvent) error {
	m.mux.RLock()
	handlers := make([]ChangeHandler, 0, len(m.changes[conversationID]))
	for _, h := range m.changes[conversationID] {
		handlers = append(handlers, h)
	}
	m.mux.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Broadcast adheres to the [Bus] interface.
func (m *Memory) Broadcast(_ context.Context, conversationID, event string,
	payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mux.RLock()
	handlers := make([]BroadcastHandler, 0, len(m.broadcasts[conversationID]))
	for _, h := range m.broadcasts[conversationID] {
		handlers = append(handlers, h)
	}
	m.mux.RUnlock()

	if len(handlers) == 0 {
		jww.DEBUG.Printf("No subscribers for broadcast %q on conversation %q",
			event, conversationID)
	}
	for _, h := range handlers {
		h(event, data)
	}
	return nil
}
