////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/presence"
)

// Session is one user's live connection to the engine. It owns the
// conversation list, the single open conversation's message store, and the
// bus subscriptions feeding both. At most one conversation is open at a time;
// opening a new one tears down the previous one's subscriptions first.
type Session struct {
	self     *Profile
	db       Persistence
	identity Identity
	bus      bus.Bus

	store      *ConversationStore
	convs      *ConversationList
	reconciler *Reconciler
	membership *Membership

	mux sync.Mutex

	// listSubs watches every listed conversation's change channel to keep
	// ordering and unread counts current while the conversation is not open.
	listSubs map[string]bus.Subscription

	// State of the open conversation; zero-valued when none is open.
	activeID     string
	changeSub    bus.Subscription
	broadcastSub bus.Subscription
	typing       *presence.TypingIndicator
}

// NewSession builds a session for the given user over the given transport.
// Call Start to load the conversation list before opening conversations.
func NewSession(self *Profile, db Persistence, identity Identity,
	b bus.Bus) *Session {
	store := NewConversationStore()
	convs := NewConversationList(self.ID)
	return &Session{
		self:       self,
		db:         db,
		identity:   identity,
		bus:        b,
		store:      store,
		convs:      convs,
		reconciler: NewReconciler(self, store, db, identity),
		membership: NewMembership(self, convs, db, identity),
		listSubs:   make(map[string]bus.Subscription),
	}
}

// Start loads the user's conversation list and begins watching each listed
// conversation for activity.
func (s *Session) Start(ctx context.Context) error {
	conversations, err := s.db.ListConversations(ctx, s.self.ID)
	if err != nil {
		return errors.Wrap(err, "failed to load conversations")
	}
	s.convs.SetAll(conversations)

	s.mux.Lock()
	defer s.mux.Unlock()
	for _, conv := range conversations {
		s.watchLocked(conv.ID)
	}
	return nil
}

// watchLocked subscribes to a conversation's change channel to keep the list
// entry current. Caller holds s.mux.
func (s *Session) watchLocked(conversationID string) {
	if _, ok := s.listSubs[conversationID]; ok {
		return
	}
	sub, err := s.bus.SubscribeChanges(conversationID,
		func(ev bus.ChangeEvent) { s.handleListChange(conversationID, ev) })
	if err != nil {
		jww.WARN.Printf("Failed to watch conversation %q: %+v",
			conversationID, err)
		return
	}
	s.listSubs[conversationID] = sub
}

// handleListChange advances a conversation's list entry when a message row
// arrives on its change channel. Inserts into conversations other than the
// open one raise the unread count.
func (s *Session) handleListChange(conversationID string, ev bus.ChangeEvent) {
	if ev.Op != bus.OpInsert {
		return
	}
	var msg Message
	if err := json.Unmarshal(ev.Row, &msg); err != nil {
		jww.WARN.Printf("Failed to decode change row for %q: %+v",
			conversationID, err)
		return
	}

	s.mux.Lock()
	activeID := s.activeID
	s.mux.Unlock()

	s.convs.Touch(conversationID, &msg, s.self.ID, activeID)
}

// busBroadcaster publishes reaction-sync signals on one conversation's
// ephemeral channel.
type busBroadcaster struct {
	bus            bus.Bus
	conversationID string
}

func (b *busBroadcaster) BroadcastReactionUpdate(ctx context.Context,
	messageID string) error {
	return b.bus.Broadcast(ctx, b.conversationID, bus.EventReactionUpdate,
		bus.ReactionUpdatePayload{MessageID: messageID})
}

// OpenConversation makes the given conversation the active one: the previous
// conversation (if any) is closed, the message store is bound to the new
// conversation, its latest page of history is loaded, both bus channels are
// subscribed, and the conversation is marked read.
//
// A load that completes after the conversation has been switched again is
// discarded; the later open wins.
func (s *Session) OpenConversation(ctx context.Context,
	conversationID string) error {
	s.CloseConversation()

	generation := s.store.Activate(conversationID)

	s.mux.Lock()
	s.activeID = conversationID
	s.watchLocked(conversationID)

	changeSub, err := s.bus.SubscribeChanges(conversationID,
		func(ev bus.ChangeEvent) {
			s.reconciler.HandleChange(context.Background(), ev)
		})
	if err != nil {
		s.mux.Unlock()
		return errors.Wrap(err, "failed to subscribe to changes")
	}
	s.changeSub = changeSub

	typing := presence.NewTypingIndicator(conversationID, s.self.ID,
		s.self.Username, func(event string, payload interface{}) error {
			return s.bus.Broadcast(context.Background(), conversationID,
				event, payload)
		})
	s.typing = typing

	broadcastSub, err := s.bus.SubscribeBroadcast(conversationID,
		func(event string, payload []byte) {
			s.handleBroadcast(typing, event, payload)
		})
	if err != nil {
		s.mux.Unlock()
		return errors.Wrap(err, "failed to subscribe to broadcasts")
	}
	s.broadcastSub = broadcastSub
	s.mux.Unlock()

	s.reconciler.SetBroadcaster(
		&busBroadcaster{bus: s.bus, conversationID: conversationID})

	page, err := s.db.ListMessages(ctx, conversationID, "", 0)
	if err != nil {
		return errors.Wrap(err, "failed to load messages")
	}
	if !s.store.Load(generation, page) {
		// The conversation was switched while the load was in flight.
		return nil
	}

	s.markRead(ctx, conversationID)
	return nil
}

// handleBroadcast routes an ephemeral broadcast for the open conversation.
func (s *Session) handleBroadcast(typing *presence.TypingIndicator,
	event string, payload []byte) {
	switch event {
	case bus.EventTyping, bus.EventStopTyping:
		typing.HandleBroadcast(event, payload)
	case bus.EventReactionUpdate:
		var p bus.ReactionUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			jww.WARN.Printf("Failed to decode reaction-sync payload: %+v", err)
			return
		}
		s.reconciler.HandleReactionSync(context.Background(), p.MessageID)
	}
}

// CloseConversation tears down the open conversation's subscriptions and
// clears the message store. It is a no-op when nothing is open.
func (s *Session) CloseConversation() {
	s.mux.Lock()
	changeSub, broadcastSub := s.changeSub, s.broadcastSub
	typing := s.typing
	s.changeSub, s.broadcastSub, s.typing = nil, nil, nil
	s.activeID = ""
	s.mux.Unlock()

	if typing != nil {
		typing.Close()
	}
	if changeSub != nil {
		if err := changeSub.Close(); err != nil {
			jww.WARN.Printf("Failed to close change subscription: %+v", err)
		}
	}
	if broadcastSub != nil {
		if err := broadcastSub.Close(); err != nil {
			jww.WARN.Printf("Failed to close broadcast subscription: %+v", err)
		}
	}

	s.reconciler.ClearBroadcaster()
	s.store.Deactivate()
}

// LoadOlderMessages fetches and prepends the next page of history for the
// open conversation. It is a no-op when there is no older history.
func (s *Session) LoadOlderMessages(ctx context.Context) error {
	conversationID := s.store.ConversationID()
	if conversationID == "" {
		return NoActiveConversationErr
	}
	cursor, hasMore := s.store.Cursor()
	if !hasMore {
		return nil
	}

	generation := s.store.Generation()
	page, err := s.db.ListMessages(ctx, conversationID, cursor, 0)
	if err != nil {
		return errors.Wrap(err, "failed to load older messages")
	}
	s.store.LoadOlder(generation, page)
	return nil
}

// Send sends a message in the open conversation, resolving the optional
// reply target from the store. Sending counts as going quiet, so the local
// typing signal is stopped first.
func (s *Session) Send(ctx context.Context, content string, mt MessageType,
	file *FileMeta, replyToID string) (*Message, error) {
	var replyTo *Message
	if replyToID != "" {
		if msg, ok := s.store.Get(replyToID); ok {
			replyTo = msg
		}
	}

	s.mux.Lock()
	typing := s.typing
	s.mux.Unlock()
	if typing != nil {
		typing.StopLocal()
	}

	msg, err := s.reconciler.Send(ctx, content, mt, file, replyTo)
	if err != nil {
		return msg, err
	}
	s.convs.Touch(msg.ConversationID, msg, s.self.ID, msg.ConversationID)
	return msg, nil
}

// EditMessage edits a confirmed message's content.
func (s *Session) EditMessage(ctx context.Context, messageID,
	content string) error {
	return s.reconciler.Edit(ctx, messageID, content)
}

// DeleteMessage soft-deletes a confirmed message.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	return s.reconciler.Delete(ctx, messageID)
}

// ToggleReaction toggles the local user's emoji reaction on a message.
func (s *Session) ToggleReaction(ctx context.Context, messageID,
	emoji string) error {
	return s.reconciler.ToggleReaction(ctx, messageID, emoji)
}

// ForwardMessage forwards a message to the named conversations and to each
// named user's private conversation, creating private conversations as
// needed. Failures are per target.
func (s *Session) ForwardMessage(ctx context.Context, messageID string,
	conversationIDs, userIDs []string) (*ForwardResult, error) {
	result, err := s.reconciler.Forward(ctx, messageID, conversationIDs,
		userIDs)
	if err != nil {
		return result, err
	}
	for _, msg := range result.Messages {
		s.refreshConversation(ctx, msg.ConversationID)
	}
	return result, nil
}

// refreshConversation fetches a conversation and merges it into the list,
// adding a watcher if it is new. Used after operations that may create
// conversations as a side effect.
func (s *Session) refreshConversation(ctx context.Context,
	conversationID string) {
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		jww.WARN.Printf("Failed to refresh conversation %q: %+v",
			conversationID, err)
		return
	}
	s.convs.Add(conv)
	s.mux.Lock()
	s.watchLocked(conversationID)
	s.mux.Unlock()
}

// StartConversation opens or creates a conversation. Private conversations
// are deduplicated: starting one with a user who already shares a private
// conversation returns the existing one.
func (s *Session) StartConversation(ctx context.Context,
	req CreateConversationRequest) (*ConversationWithDetails, error) {
	req.CreatedBy = s.self.ID
	conv, existing, err := s.db.CreateConversation(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	if !existing {
		jww.INFO.Printf("Created %s conversation %s", conv.Type, conv.ID)
	}
	s.convs.Add(conv)
	s.mux.Lock()
	s.watchLocked(conv.ID)
	s.mux.Unlock()
	return conv, nil
}

// Keystroke reports local typing activity in the open conversation.
func (s *Session) Keystroke() {
	s.mux.Lock()
	typing := s.typing
	s.mux.Unlock()
	if typing != nil {
		typing.Keystroke()
	}
}

// TypingUsers returns the remote users currently typing in the open
// conversation.
func (s *Session) TypingUsers() []presence.TypingUser {
	s.mux.Lock()
	typing := s.typing
	s.mux.Unlock()
	if typing == nil {
		return nil
	}
	return typing.Typing()
}

// MarkRead marks the open conversation read up to now.
func (s *Session) MarkRead(ctx context.Context) error {
	conversationID := s.store.ConversationID()
	if conversationID == "" {
		return NoActiveConversationErr
	}
	s.markRead(ctx, conversationID)
	return nil
}

// markRead records the read receipt and zeroes the local unread count. Read
// receipts are advisory; a failed write leaves the server count stale until
// the next successful one.
func (s *Session) markRead(ctx context.Context, conversationID string) {
	if err := s.db.MarkRead(ctx, conversationID, s.self.ID); err != nil {
		jww.WARN.Printf("Failed to mark %q read: %+v", conversationID, err)
	}
	s.convs.ResetUnread(conversationID)
}

// NewSearcher returns a debounced user search bound to the session's
// directory, for picking recipients when starting or forwarding.
func (s *Session) NewSearcher(
	deliver func(query string, results []*Profile)) *Searcher {
	return NewSearcher(s.identity, deliver)
}

// Store exposes the open conversation's message store.
func (s *Session) Store() *ConversationStore { return s.store }

// Conversations exposes the session's conversation list.
func (s *Session) Conversations() *ConversationList { return s.convs }

// Membership exposes the role-gated membership operations.
func (s *Session) Membership() *Membership { return s.membership }

// Close tears down the open conversation and every list watcher.
func (s *Session) Close() {
	s.CloseConversation()

	s.mux.Lock()
	subs := s.listSubs
	s.listSubs = make(map[string]bus.Subscription)
	s.mux.Unlock()

	for id, sub := range subs {
		if err := sub.Close(); err != nil {
			jww.WARN.Printf("Failed to close watcher for %q: %+v", id, err)
		}
	}
}
