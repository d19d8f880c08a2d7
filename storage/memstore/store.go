////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package memstore is an in-memory persistence layer. It backs tests and
// single-process deployments, and doubles as the reference semantics for the
// SQL-backed layer: message rows, conversation membership, reactions, and
// read receipts behave here exactly as they do against Postgres.
//
// Message inserts and updates are published on the change bus after the
// in-memory write commits, mirroring a database change feed.
package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/chat"
)

// defaultPageSize is the page length used when a caller passes no limit.
const defaultPageSize = 50

type conversationRecord struct {
	conv    chat.Conversation
	members map[string]*chat.ConversationMember
}

// Store is the in-memory persistence layer. All methods are safe for
// concurrent use.
type Store struct {
	mux sync.RWMutex
	bus bus.Bus

	profiles      map[string]*chat.Profile
	conversations map[string]*conversationRecord
	messages      map[string]*chat.Message

	// order holds each conversation's message IDs sorted oldest-first.
	order map[string][]string

	reactions map[string][]chat.Reaction

	// receipts is keyed by conversation ID then user ID.
	receipts map[string]map[string]*chat.ReadReceipt
}

// New builds an empty store publishing change events on the given bus. A nil
// bus disables change publishing.
func New(b bus.Bus) *Store {
	return &Store{
		bus:           b,
		profiles:      make(map[string]*chat.Profile),
		conversations: make(map[string]*conversationRecord),
		messages:      make(map[string]*chat.Message),
		order:         make(map[string][]string),
		reactions:     make(map[string][]chat.Reaction),
		receipts:      make(map[string]map[string]*chat.ReadReceipt),
	}
}

// AddProfile seeds a user profile. Intended for tests and bootstrap.
func (s *Store) AddProfile(p *chat.Profile) {
	s.mux.Lock()
	defer s.mux.Unlock()
	cp := *p
	s.profiles[p.ID] = &cp
}

// publish emits a change event for a message row. Failures are logged; the
// write has already committed and is not rolled back.
func (s *Store) publish(ctx context.Context, op bus.Op, msg *chat.Message) {
	if s.bus == nil {
		return
	}
	row, err := json.Marshal(msg)
	if err != nil {
		jww.ERROR.Printf("Failed to marshal change row: %+v", err)
		return
	}
	err = s.bus.PublishChange(ctx, msg.ConversationID,
		bus.ChangeEvent{Op: op, Row: row})
	if err != nil {
		jww.WARN.Printf("Failed to publish %s for message %s: %+v",
			op, msg.ID, err)
	}
}

// CreateMessage persists a message, assigns its durable ID, echoes the
// client request ID, and publishes an insert event.
func (s *Store) CreateMessage(ctx context.Context,
	req chat.CreateMessageRequest) (*chat.Message, error) {
	s.mux.Lock()

	rec, ok := s.conversations[req.ConversationID]
	if !ok || rec.conv.IsDeleted {
		s.mux.Unlock()
		return nil, chat.ConversationNotFoundErr
	}
	if _, ok := rec.members[req.SenderID]; !ok && req.Type != chat.System {
		s.mux.Unlock()
		return nil, chat.NotAMemberErr
	}

	now := time.Now()
	msg := &chat.Message{
		ID:              uuid.NewString(),
		ClientRequestID: req.ClientRequestID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		Type:            req.Type,
		ReplyTo:         req.ReplyTo,
		ForwardedFrom:   req.ForwardedFrom,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	msg.FileURL = req.FileURL
	msg.FileName = req.FileName
	msg.FileSize = req.FileSize
	if profile, ok := s.profiles[req.SenderID]; ok {
		sender := *profile
		msg.Sender = &sender
	}

	s.messages[msg.ID] = msg
	s.order[req.ConversationID] = append(s.order[req.ConversationID], msg.ID)
	rec.conv.LastMessageAt = now
	rec.conv.UpdatedAt = now

	out := msg.Clone()
	s.mux.Unlock()

	s.publish(ctx, bus.OpInsert, out)
	return out, nil
}

// GetMessage returns a message with its sender profile and reactions.
func (s *Store) GetMessage(ctx context.Context, id string) (
	*chat.Message, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, chat.MessageNotFoundErr
	}
	return s.hydrate(msg), nil
}

// hydrate clones a message and attaches its reaction set and one level of
// reply context. Caller holds at least the read lock.
func (s *Store) hydrate(msg *chat.Message) *chat.Message {
	out := msg.Clone()
	out.Reactions = append([]chat.Reaction(nil), s.reactions[msg.ID]...)
	if msg.ReplyTo != "" && out.ReplyMessage == nil {
		if parent, ok := s.messages[msg.ReplyTo]; ok {
			out.ReplyMessage = parent.Clone()
		}
	}
	return out
}

// UpdateMessage applies a partial update and publishes an update event.
func (s *Store) UpdateMessage(ctx context.Context, id string,
	upd chat.MessageUpdate) (*chat.Message, error) {
	s.mux.Lock()
	msg, ok := s.messages[id]
	if !ok {
		s.mux.Unlock()
		return nil, chat.MessageNotFoundErr
	}

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
	msg.UpdatedAt = time.Now()

	out := s.hydrate(msg)
	s.mux.Unlock()

	s.publish(ctx, bus.OpUpdate, out)
	return out, nil
}

// DeleteMessage soft-deletes a message: the row survives with its content
// cleared so reply references stay resolvable.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	deleted := true
	empty := ""
	var zero int64
	_, err := s.UpdateMessage(ctx, id, chat.MessageUpdate{
		Content:   &empty,
		FileURL:   &empty,
		FileName:  &empty,
		FileSize:  &zero,
		IsDeleted: &deleted,
	})
	return err
}

// ListMessages returns one page of a conversation's history, newest first.
// The cursor is the ID of the oldest message of the previous page; an empty
// cursor starts from the newest message.
func (s *Store) ListMessages(ctx context.Context, conversationID,
	cursor string, limit int) (*chat.MessagePage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	s.mux.RLock()
	defer s.mux.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, chat.ConversationNotFoundErr
	}

	order := s.order[conversationID]
	end := len(order)
	if cursor != "" {
		end = -1
		for i, id := range order {
			if id == cursor {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, errors.Errorf("unknown cursor %q", cursor)
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	page := &chat.MessagePage{HasMore: start > 0}
	for i := end - 1; i >= start; i-- {
		page.Items = append(page.Items, s.hydrate(s.messages[order[i]]))
	}
	if len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

// ToggleReaction adds the (user, emoji) pair to the message if absent and
// removes it if present.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID,
	emoji string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return chat.MessageNotFoundErr
	}

	set := s.reactions[messageID]
	for i := range set {
		if set[i].UserID == userID && set[i].Emoji == emoji {
			s.reactions[messageID] = append(set[:i], set[i+1:]...)
			return nil
		}
	}
	s.reactions[messageID] = append(set, chat.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now(),
	})
	return nil
}

// ListReactions returns a message's full reaction set.
func (s *Store) ListReactions(ctx context.Context, messageID string) (
	[]chat.Reaction, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if _, ok := s.messages[messageID]; !ok {
		return nil, chat.MessageNotFoundErr
	}
	return append([]chat.Reaction(nil), s.reactions[messageID]...), nil
}

// unreadCount counts messages visible as unread to the given user. Caller
// holds at least the read lock.
func (s *Store) unreadCount(conversationID, userID string) int {
	receipt := (*chat.ReadReceipt)(nil)
	if byUser, ok := s.receipts[conversationID]; ok {
		receipt = byUser[userID]
	}

	n := 0
	for _, id := range s.order[conversationID] {
		msg := s.messages[id]
		if msg.SenderID == userID {
			continue
		}
		if receipt == nil || msg.CreatedAt.After(receipt.LastReadAt) {
			n++
		}
	}
	return n
}

// MarkRead records that the user has read everything up to now.
func (s *Store) MarkRead(ctx context.Context, conversationID,
	userID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return chat.ConversationNotFoundErr
	}

	byUser, ok := s.receipts[conversationID]
	if !ok {
		byUser = make(map[string]*chat.ReadReceipt)
		s.receipts[conversationID] = byUser
	}

	receipt := &chat.ReadReceipt{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadAt:     time.Now(),
	}
	if order := s.order[conversationID]; len(order) > 0 {
		receipt.LastReadMessageID = order[len(order)-1]
	}
	byUser[userID] = receipt
	return nil
}
