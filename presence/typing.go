////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package presence

import (
	"encoding/json"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/bus"
)

// remoteTypingTimeout is how long a remote user stays in the typing set
// after their most recent typing signal. A repeat signal re-arms the timer;
// an explicit stop evicts immediately.
const remoteTypingTimeout = 4 * time.Second

// localTypingLinger is the trailing quiet period after the last keystroke
// before a stop-typing signal is broadcast on the local user's behalf.
const localTypingLinger = 3 * time.Second

// TypingUser is one remote user currently typing in the active conversation.
type TypingUser struct {
	UserID   string
	Username string
	LastSeen time.Time
}

// TypingIndicator tracks who is typing in a single conversation. Remote
// signals arrive over the ephemeral broadcast channel and are best effort:
// a lost stop-typing signal is healed by the eviction timer, and a signal for
// a conversation other than the bound one is ignored.
type TypingIndicator struct {
	mux            sync.Mutex
	conversationID string
	self           string
	publish        func(event string, payload interface{}) error

	remote map[string]*typingEntry

	localTyping bool
	localTimer  *time.Timer
	username    string

	// timeout and linger are fixed in production and shortened in tests.
	timeout time.Duration
	linger  time.Duration
}

type typingEntry struct {
	user  TypingUser
	timer *time.Timer
}

// NewTypingIndicator binds a typing indicator to one conversation. publish
// sends an event on the conversation's broadcast channel; failures are
// logged and swallowed, typing signals carry no delivery guarantee.
func NewTypingIndicator(conversationID, selfID, username string,
	publish func(event string, payload interface{}) error) *TypingIndicator {
	return &TypingIndicator{
		conversationID: conversationID,
		self:           selfID,
		username:       username,
		publish:        publish,
		remote:         make(map[string]*typingEntry),
		timeout:        remoteTypingTimeout,
		linger:         localTypingLinger,
	}
}

// HandleBroadcast processes a typing or stop-typing event received on the
// conversation's broadcast channel. Events from the local user are ignored.
func (ti *TypingIndicator) HandleBroadcast(event string, payload []byte) {
	switch event {
	case bus.EventTyping:
		var p bus.TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			jww.WARN.Printf("Failed to decode typing payload: %+v", err)
			return
		}
		ti.remoteTyping(p.UserID, p.Username)
	case bus.EventStopTyping:
		var p bus.StopTypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			jww.WARN.Printf("Failed to decode stop-typing payload: %+v", err)
			return
		}
		ti.remoteStopped(p.UserID)
	}
}

// remoteTyping records a typing signal from a remote user and (re)arms their
// eviction timer.
func (ti *TypingIndicator) remoteTyping(userID, username string) {
	if userID == ti.self {
		return
	}

	ti.mux.Lock()
	defer ti.mux.Unlock()

	if entry, ok := ti.remote[userID]; ok {
		entry.user.LastSeen = time.Now()
		entry.user.Username = username
		entry.timer.Reset(ti.timeout)
		return
	}

	entry := &typingEntry{
		user: TypingUser{
			UserID:   userID,
			Username: username,
			LastSeen: time.Now(),
		},
	}
	entry.timer = time.AfterFunc(ti.timeout, func() {
		ti.evict(userID, entry)
	})
	ti.remote[userID] = entry
}

// remoteStopped evicts a remote user immediately on an explicit stop signal.
func (ti *TypingIndicator) remoteStopped(userID string) {
	if userID == ti.self {
		return
	}
	ti.mux.Lock()
	defer ti.mux.Unlock()

	if entry, ok := ti.remote[userID]; ok {
		entry.timer.Stop()
		delete(ti.remote, userID)
	}
}

// evict removes a remote user whose eviction timer fired. The entry is
// compared by identity so a timer racing a fresh typing signal cannot evict
// the replacement entry.
func (ti *TypingIndicator) evict(userID string, entry *typingEntry) {
	ti.mux.Lock()
	defer ti.mux.Unlock()

	if current, ok := ti.remote[userID]; ok && current == entry {
		delete(ti.remote, userID)
	}
}

// Keystroke reports local typing activity. Every keystroke broadcasts a
// typing signal so that remote eviction timers keep re-arming while the user
// types, and re-arms the trailing timer that broadcasts stop-typing after the
// local user goes quiet.
func (ti *TypingIndicator) Keystroke() {
	ti.mux.Lock()
	defer ti.mux.Unlock()

	ti.localTyping = true
	ti.broadcastTyping()

	if ti.localTimer != nil {
		ti.localTimer.Reset(ti.linger)
	} else {
		ti.localTimer = time.AfterFunc(ti.linger, ti.localQuiet)
	}
}

// StopLocal broadcasts an immediate stop-typing signal, used when the local
// user sends their message or leaves the conversation.
func (ti *TypingIndicator) StopLocal() {
	ti.mux.Lock()
	defer ti.mux.Unlock()
	ti.stopLocalLocked()
}

func (ti *TypingIndicator) stopLocalLocked() {
	if ti.localTimer != nil {
		ti.localTimer.Stop()
		ti.localTimer = nil
	}
	if !ti.localTyping {
		return
	}
	ti.localTyping = false
	ti.broadcastStop()
}

// localQuiet fires when the trailing timer elapses without a keystroke.
func (ti *TypingIndicator) localQuiet() {
	ti.mux.Lock()
	defer ti.mux.Unlock()

	ti.localTimer = nil
	if ti.localTyping {
		ti.localTyping = false
		ti.broadcastStop()
	}
}

// broadcastTyping and broadcastStop are called with the lock held; the
// publish function must not call back into the indicator.
func (ti *TypingIndicator) broadcastTyping() {
	err := ti.publish(bus.EventTyping, bus.TypingPayload{
		UserID:    ti.self,
		Username:  ti.username,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		jww.WARN.Printf("Failed to broadcast typing signal: %+v", err)
	}
}

func (ti *TypingIndicator) broadcastStop() {
	err := ti.publish(bus.EventStopTyping, bus.StopTypingPayload{
		UserID: ti.self,
	})
	if err != nil {
		jww.WARN.Printf("Failed to broadcast stop-typing signal: %+v", err)
	}
}

// Typing returns the remote users currently typing, in no particular order.
func (ti *TypingIndicator) Typing() []TypingUser {
	ti.mux.Lock()
	defer ti.mux.Unlock()

	users := make([]TypingUser, 0, len(ti.remote))
	for _, entry := range ti.remote {
		users = append(users, entry.user)
	}
	return users
}

// Close stops all timers, clears the typing set, and broadcasts a final
// stop-typing signal if the local user was typing.
func (ti *TypingIndicator) Close() {
	ti.mux.Lock()
	defer ti.mux.Unlock()

	ti.stopLocalLocked()
	for userID, entry := range ti.remote {
		entry.timer.Stop()
		delete(ti.remote, userID)
	}
}
