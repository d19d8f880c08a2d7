////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sync"

	"github.com/pkg/errors"
)

// tracked is one in-flight optimistic send.
type tracked struct {
	RequestID string `json:"requestID"`
	TempID    string `json:"tempID"`
	MessageID string `json:"messageID"`
}

// sendTracker tracks outbound messages between optimistic creation and
// confirmation. It also captures incoming change events and, in the event
// they were sent by this user, identifies them as echoes of previously sent
// messages rather than new arrivals.
//
// Pending sends are keyed by client request ID, so confirmation is a direct
// lookup even when several sends are in flight at once.
type sendTracker struct {
	pending     map[string]*tracked
	byMessageID map[string]*tracked

	mux sync.RWMutex
}

func newSendTracker() *sendTracker {
	return &sendTracker{
		pending:     make(map[string]*tracked),
		byMessageID: make(map[string]*tracked),
	}
}

// denotePendingSend registers an optimistic send before the persistence
// request is issued.
func (st *sendTracker) denotePendingSend(requestID, tempID string) error {
	st.mux.Lock()
	defer st.mux.Unlock()

	if _, exists := st.pending[requestID]; exists {
		return errors.Errorf(
			"request %q is already pending", requestID)
	}
	st.pending[requestID] = &tracked{RequestID: requestID, TempID: tempID}
	return nil
}

// sent records the durable message ID for a confirmed send and returns the
// temp ID it replaces.
func (st *sendTracker) sent(requestID, messageID string) (string, error) {
	st.mux.Lock()
	defer st.mux.Unlock()

	t, exists := st.pending[requestID]
	if !exists {
		return "", errors.New(
			"cannot handle send on an unprepared message")
	}
	if _, dup := st.byMessageID[messageID]; dup {
		return "", errors.New(
			"cannot handle send on a message which was already sent")
	}

	t.MessageID = messageID
	st.byMessageID[messageID] = t
	delete(st.pending, requestID)
	return t.TempID, nil
}

// failedSend drops a pending send whose persistence request failed and
// returns the temp ID so the caller can mark it failed in the store.
func (st *sendTracker) failedSend(requestID string) (string, error) {
	st.mux.Lock()
	defer st.mux.Unlock()

	t, exists := st.pending[requestID]
	if !exists {
		return "", errors.New(
			"cannot handle send failure on an unprepared message")
	}
	delete(st.pending, requestID)
	return t.TempID, nil
}

// checkIfSent is used when a change event is received to check whether the
// message was sent by this client and is therefore already represented in
// the store.
func (st *sendTracker) checkIfSent(messageID string) bool {
	st.mux.RLock()
	defer st.mux.RUnlock()
	_, exists := st.byMessageID[messageID]
	return exists
}

// stopTracking removes a delivered message from the tracker. Returns true if
// it was tracked.
func (st *sendTracker) stopTracking(messageID string) bool {
	st.mux.Lock()
	defer st.mux.Unlock()

	if _, exists := st.byMessageID[messageID]; !exists {
		return false
	}
	delete(st.byMessageID, messageID)
	return true
}

// reset drops all tracking state. Called on conversation deactivation.
func (st *sendTracker) reset() {
	st.mux.Lock()
	defer st.mux.Unlock()
	st.pending = make(map[string]*tracked)
	st.byMessageID = make(map[string]*tracked)
}
