////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// ConversationStore is the in-memory authoritative projection of the
// currently open conversation's message list. Exactly one conversation is
// held at a time; activating another conversation discards the state and
// re-fetches.
//
// Ordering is by position in the backing sequence. Insertion position is the
// source of truth once established; the list is never re-sorted by timestamp
// after insertion, except the initial load, which is stored chronologically
// ascending.
type ConversationStore struct {
	conversationID string
	generation     uint64

	messages []*Message
	index    map[string]int

	cursor  string
	hasMore bool
	loaded  bool

	mux sync.RWMutex
}

// NewConversationStore returns an empty store with no active conversation.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{index: make(map[string]int)}
}

// Activate makes conversationID the active conversation, discarding all
// state held for the previous one. It returns a generation token; a load
// started against this activation must present the token on completion and
// is discarded if the store has been activated again since.
func (cs *ConversationStore) Activate(conversationID string) uint64 {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	cs.conversationID = conversationID
	cs.generation++
	cs.messages = nil
	cs.index = make(map[string]int)
	cs.cursor = ""
	cs.hasMore = false
	cs.loaded = false
	return cs.generation
}

// Deactivate discards all state and leaves no conversation active.
func (cs *ConversationStore) Deactivate() {
	cs.Activate("")
}

// ConversationID returns the active conversation's ID, or "" when none is
// active.
func (cs *ConversationStore) ConversationID() string {
	cs.mux.RLock()
	defer cs.mux.RUnlock()
	return cs.conversationID
}

// Load replaces the message list with the fetched page. The page arrives
// newest-first from the persistence layer and is reversed to chronological
// order for display. A load whose generation token is stale (the store was
// activated again while the fetch was in flight) is discarded and Load
// returns false.
func (cs *ConversationStore) Load(generation uint64, page *MessagePage) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	if generation != cs.generation {
		jww.DEBUG.Printf("Discarding stale load for conversation %q "+
			"(generation %d, store at %d)",
			cs.conversationID, generation, cs.generation)
		return false
	}

	cs.messages = make([]*Message, 0, len(page.Items))
	cs.index = make(map[string]int, len(page.Items))
	for i := len(page.Items) - 1; i >= 0; i-- {
		msg := page.Items[i]
		if _, exists := cs.index[msg.ID]; exists {
			continue
		}
		cs.index[msg.ID] = len(cs.messages)
		cs.messages = append(cs.messages, msg)
	}

	cs.cursor = page.NextCursor
	cs.hasMore = page.HasMore
	cs.loaded = true
	return true
}

// LoadOlder prepends an older page to the list. Messages whose IDs are
// already present are skipped, making the merge idempotent against duplicate
// cursors. Stale generations are discarded as in [ConversationStore.Load].
func (cs *ConversationStore) LoadOlder(generation uint64, page *MessagePage) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	if generation != cs.generation {
		jww.DEBUG.Printf("Discarding stale LoadOlder for conversation %q",
			cs.conversationID)
		return false
	}

	older := make([]*Message, 0, len(page.Items))
	for i := len(page.Items) - 1; i >= 0; i-- {
		msg := page.Items[i]
		if _, exists := cs.index[msg.ID]; exists {
			continue
		}
		older = append(older, msg)
	}

	cs.messages = append(older, cs.messages...)
	cs.reindex()
	cs.cursor = page.NextCursor
	cs.hasMore = page.HasMore
	return true
}

// Append adds a message at the tail. It is a no-op returning false if a
// message with the same ID already exists or if the message belongs to a
// conversation that is no longer active.
func (cs *ConversationStore) Append(msg *Message) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	if msg.ConversationID != cs.conversationID || cs.conversationID == "" {
		return false
	}
	if _, exists := cs.index[msg.ID]; exists {
		return false
	}

	cs.index[msg.ID] = len(cs.messages)
	cs.messages = append(cs.messages, msg)
	return true
}

// ApplyUpdate merges the partial update into the message with the given ID.
// An update for an absent ID is a silent no-op returning false; an update
// event arriving before the initial page load completes is lost. This
// mirrors the behavior of the change stream consumer and is a known gap.
func (cs *ConversationStore) ApplyUpdate(id string, upd MessageUpdate) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	i, exists := cs.index[id]
	if !exists {
		jww.WARN.Printf(
			"Dropping update for message %q not present in the store", id)
		return false
	}

	msg := cs.messages[i].Clone()
	applyMessageUpdate(msg, upd)
	cs.messages[i] = msg
	return true
}

// ReplaceTemp atomically swaps the message carrying tempID for the confirmed
// message, preserving the original position so the list does not visually
// reorder. If the confirmed ID is already present elsewhere in the list, the
// temp message is removed instead, keeping IDs unique.
func (cs *ConversationStore) ReplaceTemp(tempID string, confirmed *Message) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	i, exists := cs.index[tempID]
	if !exists {
		return false
	}

	if _, dup := cs.index[confirmed.ID]; dup {
		cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
		cs.reindex()
		return true
	}

	delete(cs.index, tempID)
	cs.messages[i] = confirmed
	cs.index[confirmed.ID] = i
	return true
}

// Restore replaces the stored message carrying the snapshot's ID with the
// snapshot itself, returning the entry to a previously captured state. Used
// to roll back optimistic mutations whose persistence request failed.
func (cs *ConversationStore) Restore(snapshot *Message) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	i, exists := cs.index[snapshot.ID]
	if !exists {
		return false
	}
	cs.messages[i] = snapshot.Clone()
	return true
}

// Remove deletes the message with the given ID from the list.
func (cs *ConversationStore) Remove(id string) bool {
	cs.mux.Lock()
	defer cs.mux.Unlock()

	i, exists := cs.index[id]
	if !exists {
		return false
	}
	cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
	cs.reindex()
	return true
}

// Get returns a deep copy of the message with the given ID.
func (cs *ConversationStore) Get(id string) (*Message, bool) {
	cs.mux.RLock()
	defer cs.mux.RUnlock()

	i, exists := cs.index[id]
	if !exists {
		return nil, false
	}
	return cs.messages[i].Clone(), true
}

// Messages returns a copy of the message list in display order.
func (cs *ConversationStore) Messages() []*Message {
	cs.mux.RLock()
	defer cs.mux.RUnlock()

	out := make([]*Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// Len returns the number of messages held.
func (cs *ConversationStore) Len() int {
	cs.mux.RLock()
	defer cs.mux.RUnlock()
	return len(cs.messages)
}

// Cursor returns the pagination cursor and whether older history remains.
func (cs *ConversationStore) Cursor() (string, bool) {
	cs.mux.RLock()
	defer cs.mux.RUnlock()
	return cs.cursor, cs.hasMore
}

// Loaded reports whether the initial page load has completed.
func (cs *ConversationStore) Loaded() bool {
	cs.mux.RLock()
	defer cs.mux.RUnlock()
	return cs.loaded
}

// Generation returns the current activation generation token.
func (cs *ConversationStore) Generation() uint64 {
	cs.mux.RLock()
	defer cs.mux.RUnlock()
	return cs.generation
}

// reindex rebuilds the ID index after a structural change. Callers must hold
// the write lock.
func (cs *ConversationStore) reindex() {
	cs.index = make(map[string]int, len(cs.messages))
	for i, msg := range cs.messages {
		cs.index[msg.ID] = i
	}
}

// applyMessageUpdate merges non-nil fields of upd into msg.
func applyMessageUpdate(msg *Message, upd MessageUpdate) {
	if upd.Content != nil {
		msg.Content = *upd.Content
	}
	if upd.FileURL != nil {
		msg.FileURL = *upd.FileURL
	}
	if upd.FileName != nil {
		msg.FileName = *upd.FileName
	}
	if upd.FileSize != nil {
		msg.FileSize = *upd.FileSize
	}
	if upd.IsEdited != nil {
		msg.IsEdited = *upd.IsEdited
	}
	if upd.IsDeleted != nil {
		msg.IsDeleted = *upd.IsDeleted
	}
	if upd.UpdatedAt != nil {
		msg.UpdatedAt = *upd.UpdatedAt
	}
	if upd.Reactions != nil {
		msg.Reactions = make([]Reaction, len(*upd.Reactions))
		copy(msg.Reactions, *upd.Reactions)
	}
	if upd.Status != nil {
		msg.Status = *upd.Status
	}
}
