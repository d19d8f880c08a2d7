////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sort"
	"sync"
)

// ConversationList holds the user's conversations ordered by recency of their
// last message. Membership and settings mutations return the full updated
// conversation from the persistence layer, which is merged wholesale
// (replace, not patch); such changes are infrequent and full refresh is
// simpler and correct.
type ConversationList struct {
	items  []*ConversationWithDetails
	self   string
	loaded bool

	mux sync.RWMutex
}

// NewConversationList returns an empty, unloaded list ordered for the given
// user, whose personal pins float to the top.
func NewConversationList(selfID string) *ConversationList {
	return &ConversationList{self: selfID}
}

// lastActivity orders a conversation by its last message, falling back to
// creation time for conversations with no messages yet.
func lastActivity(c *ConversationWithDetails) int64 {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt.UnixNano()
	}
	return c.CreatedAt.UnixNano()
}

// sortByLatest re-sorts the backing slice: the local user's pinned
// conversations first, most recent activity first within each group. Callers
// must hold the write lock.
func (cl *ConversationList) sortByLatest() {
	pinned := func(c *ConversationWithDetails) bool {
		m := c.Member(cl.self)
		return m != nil && m.PinnedAt != nil
	}
	sort.SliceStable(cl.items, func(i, j int) bool {
		pi, pj := pinned(cl.items[i]), pinned(cl.items[j])
		if pi != pj {
			return pi
		}
		return lastActivity(cl.items[i]) > lastActivity(cl.items[j])
	})
}

// SetAll replaces the whole list and marks it loaded.
func (cl *ConversationList) SetAll(conversations []*ConversationWithDetails) {
	cl.mux.Lock()
	defer cl.mux.Unlock()
	cl.items = append([]*ConversationWithDetails{}, conversations...)
	cl.sortByLatest()
	cl.loaded = true
}

// Add inserts a conversation, or replaces it if already present.
func (cl *ConversationList) Add(conv *ConversationWithDetails) {
	cl.mux.Lock()
	defer cl.mux.Unlock()
	for i := range cl.items {
		if cl.items[i].ID == conv.ID {
			cl.items[i] = conv
			cl.sortByLatest()
			return
		}
	}
	cl.items = append(cl.items, conv)
	cl.sortByLatest()
}

// Replace merges an updated conversation wholesale. It is a no-op if the
// conversation is not present.
func (cl *ConversationList) Replace(conv *ConversationWithDetails) bool {
	cl.mux.Lock()
	defer cl.mux.Unlock()
	for i := range cl.items {
		if cl.items[i].ID == conv.ID {
			cl.items[i] = conv
			cl.sortByLatest()
			return true
		}
	}
	return false
}

// Remove deletes a conversation from the list.
func (cl *ConversationList) Remove(id string) bool {
	cl.mux.Lock()
	defer cl.mux.Unlock()
	for i := range cl.items {
		if cl.items[i].ID == id {
			cl.items = append(cl.items[:i], cl.items[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the conversation with the given ID.
func (cl *ConversationList) Get(id string) (*ConversationWithDetails, bool) {
	cl.mux.RLock()
	defer cl.mux.RUnlock()
	for i := range cl.items {
		if cl.items[i].ID == id {
			return cl.items[i], true
		}
	}
	return nil, false
}

// All returns the conversations in display order.
func (cl *ConversationList) All() []*ConversationWithDetails {
	cl.mux.RLock()
	defer cl.mux.RUnlock()
	out := make([]*ConversationWithDetails, len(cl.items))
	copy(out, cl.items)
	return out
}

// Loaded reports whether the initial conversation fetch has completed.
func (cl *ConversationList) Loaded() bool {
	cl.mux.RLock()
	defer cl.mux.RUnlock()
	return cl.loaded
}

// Touch records new message activity on a conversation: its last-message
// time is advanced and, when the message is from another user and the
// conversation is not the open one, the unread count is incremented.
func (cl *ConversationList) Touch(conversationID string, msg *Message,
	selfID, activeConversationID string) {
	cl.mux.Lock()
	defer cl.mux.Unlock()
	for i := range cl.items {
		if cl.items[i].ID != conversationID {
			continue
		}
		cl.items[i].LastMessage = msg
		if msg != nil && msg.CreatedAt.After(cl.items[i].LastMessageAt) {
			cl.items[i].LastMessageAt = msg.CreatedAt
		}
		if msg != nil && msg.SenderID != selfID &&
			conversationID != activeConversationID {
			cl.items[i].UnreadCount++
		}
		cl.sortByLatest()
		return
	}
}

// ResetUnread zeroes the unread count for a conversation, typically after a
// read receipt has been written.
func (cl *ConversationList) ResetUnread(conversationID string) {
	cl.mux.Lock()
	defer cl.mux.Unlock()
	for i := range cl.items {
		if cl.items[i].ID == conversationID {
			cl.items[i].UnreadCount = 0
			return
		}
	}
}

// TotalUnread returns the sum of unread counts across all conversations.
func (cl *ConversationList) TotalUnread() int {
	cl.mux.RLock()
	defer cl.mux.RUnlock()
	total := 0
	for i := range cl.items {
		total += cl.items[i].UnreadCount
	}
	return total
}

// UnreadCount computes the unread count for one user over a message set:
// messages created after the read receipt by other users. With no receipt at
// all, every message from others counts.
func UnreadCount(messages []*Message, receipt *ReadReceipt, userID string) int {
	count := 0
	for _, msg := range messages {
		if msg.SenderID == userID {
			continue
		}
		if receipt == nil || msg.CreatedAt.After(receipt.LastReadAt) {
			count++
		}
	}
	return count
}
