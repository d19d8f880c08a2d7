////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/theabhipatel/setu-chat-app/chat"
	"github.com/theabhipatel/setu-chat-app/presence"
)

// CreateConversation creates a conversation. Private conversations are
// deduplicated on the unordered participant pair: creating one that already
// exists returns the existing conversation with existing set.
func (s *Store) CreateConversation(ctx context.Context,
	req chat.CreateConversationRequest) (*chat.ConversationWithDetails,
	bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, userID := range append([]string{req.CreatedBy}, req.MemberIDs...) {
		if _, ok := s.profiles[userID]; !ok {
			return nil, false, errors.Errorf("unknown user %q", userID)
		}
	}

	switch req.Type {
	case chat.Private:
		if len(req.MemberIDs) != 1 {
			return nil, false, errors.New(
				"a private conversation needs exactly one other member")
		}
		if req.MemberIDs[0] == req.CreatedBy {
			return nil, false, errors.New(
				"use a self conversation to message yourself")
		}
		if rec := s.findPrivate(req.CreatedBy, req.MemberIDs[0]); rec != nil {
			return s.details(rec, req.CreatedBy), true, nil
		}
	case chat.Self:
		if len(req.MemberIDs) != 0 {
			return nil, false, errors.New(
				"a self conversation has no other members")
		}
		if rec := s.findSelf(req.CreatedBy); rec != nil {
			return s.details(rec, req.CreatedBy), true, nil
		}
	case chat.Group:
		if req.Name == "" {
			return nil, false, errors.New("a group needs a name")
		}
	default:
		return nil, false, errors.Errorf("invalid conversation type %d",
			req.Type)
	}

	now := time.Now()
	rec := &conversationRecord{
		conv: chat.Conversation{
			ID:          uuid.NewString(),
			Type:        req.Type,
			Name:        req.Name,
			Description: req.Description,
			CreatedBy:   req.CreatedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		members: make(map[string]*chat.ConversationMember),
	}

	creatorRole := chat.Member
	if req.Type == chat.Group {
		creatorRole = chat.Owner
	}
	rec.members[req.CreatedBy] = &chat.ConversationMember{
		ConversationID: rec.conv.ID,
		UserID:         req.CreatedBy,
		Role:           creatorRole,
		JoinedAt:       now,
	}
	for _, userID := range req.MemberIDs {
		if userID == req.CreatedBy {
			continue
		}
		rec.members[userID] = &chat.ConversationMember{
			ConversationID: rec.conv.ID,
			UserID:         userID,
			Role:           chat.Member,
			JoinedAt:       now,
		}
	}

	s.conversations[rec.conv.ID] = rec
	return s.details(rec, req.CreatedBy), false, nil
}

// findPrivate returns the existing private conversation between the two
// users, or nil. Caller holds the lock.
func (s *Store) findPrivate(a, b string) *conversationRecord {
	for _, rec := range s.conversations {
		if rec.conv.Type != chat.Private || rec.conv.IsDeleted {
			continue
		}
		if len(rec.members) != 2 {
			continue
		}
		_, hasA := rec.members[a]
		_, hasB := rec.members[b]
		if hasA && hasB {
			return rec
		}
	}
	return nil
}

// findSelf returns the user's existing self conversation, or nil. Caller
// holds the lock.
func (s *Store) findSelf(userID string) *conversationRecord {
	for _, rec := range s.conversations {
		if rec.conv.Type != chat.Self || rec.conv.IsDeleted {
			continue
		}
		if _, ok := rec.members[userID]; ok && len(rec.members) == 1 {
			return rec
		}
	}
	return nil
}

// details assembles the conversation view for one requesting user: full
// membership with profiles, the most recent message, and the requester's
// unread count. Caller holds at least the read lock.
func (s *Store) details(rec *conversationRecord,
	forUser string) *chat.ConversationWithDetails {
	out := &chat.ConversationWithDetails{Conversation: rec.conv}

	for _, member := range rec.members {
		m := *member
		if profile, ok := s.profiles[member.UserID]; ok {
			p := *profile
			m.Profile = &p
		}
		out.Members = append(out.Members, m)
	}
	sort.Slice(out.Members, func(i, j int) bool {
		return out.Members[i].UserID < out.Members[j].UserID
	})

	if order := s.order[rec.conv.ID]; len(order) > 0 {
		out.LastMessage = s.hydrate(s.messages[order[len(order)-1]])
	}
	if forUser != "" {
		out.UnreadCount = s.unreadCount(rec.conv.ID, forUser)
	}
	return out
}

// GetConversation returns one conversation with details for the engine's
// local user view. The unread count is omitted because the requester is not
// known; ListConversations carries per-user counts.
func (s *Store) GetConversation(ctx context.Context, id string) (
	*chat.ConversationWithDetails, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	rec, ok := s.conversations[id]
	if !ok || rec.conv.IsDeleted {
		return nil, chat.ConversationNotFoundErr
	}
	return s.details(rec, ""), nil
}

// ListConversations returns every conversation the user belongs to, with
// per-user unread counts. Ordering is by most recent activity, newest first.
func (s *Store) ListConversations(ctx context.Context, userID string) (
	[]*chat.ConversationWithDetails, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*chat.ConversationWithDetails
	for _, rec := range s.conversations {
		if rec.conv.IsDeleted {
			continue
		}
		if _, ok := rec.members[userID]; !ok {
			continue
		}
		out = append(out, s.details(rec, userID))
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		at, bt := a.LastMessageAt, b.LastMessageAt
		if at.IsZero() {
			at = a.CreatedAt
		}
		if bt.IsZero() {
			bt = b.CreatedAt
		}
		return at.After(bt)
	})
	return out, nil
}

// AddMembers adds users to a conversation with the member role. Users who
// are already members are skipped.
func (s *Store) AddMembers(ctx context.Context, conversationID string,
	userIDs []string) (*chat.ConversationWithDetails, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok || rec.conv.IsDeleted {
		return nil, chat.ConversationNotFoundErr
	}

	now := time.Now()
	for _, userID := range userIDs {
		if _, ok := s.profiles[userID]; !ok {
			return nil, errors.Errorf("unknown user %q", userID)
		}
		if _, ok := rec.members[userID]; ok {
			continue
		}
		rec.members[userID] = &chat.ConversationMember{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           chat.Member,
			JoinedAt:       now,
		}
	}
	rec.conv.UpdatedAt = now
	return s.details(rec, ""), nil
}

// RemoveMember deletes a user's membership.
func (s *Store) RemoveMember(ctx context.Context, conversationID,
	userID string) (*chat.ConversationWithDetails, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok || rec.conv.IsDeleted {
		return nil, chat.ConversationNotFoundErr
	}
	if _, ok := rec.members[userID]; !ok {
		return nil, chat.NotAMemberErr
	}

	delete(rec.members, userID)
	rec.conv.UpdatedAt = time.Now()
	return s.details(rec, ""), nil
}

// ChangeRole sets a member's role.
func (s *Store) ChangeRole(ctx context.Context, conversationID, userID string,
	role chat.Role) (*chat.ConversationWithDetails, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok || rec.conv.IsDeleted {
		return nil, chat.ConversationNotFoundErr
	}
	member, ok := rec.members[userID]
	if !ok {
		return nil, chat.NotAMemberErr
	}

	member.Role = role
	rec.conv.UpdatedAt = time.Now()
	return s.details(rec, ""), nil
}

// UpdateConversation applies a partial settings update.
func (s *Store) UpdateConversation(ctx context.Context, id string,
	upd chat.ConversationUpdate) (*chat.ConversationWithDetails, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.conversations[id]
	if !ok || rec.conv.IsDeleted {
		return nil, chat.ConversationNotFoundErr
	}

	if upd.Name != nil {
		rec.conv.Name = *upd.Name
	}
	if upd.Description != nil {
		rec.conv.Description = *upd.Description
	}
	if upd.AvatarURL != nil {
		rec.conv.AvatarURL = *upd.AvatarURL
	}
	rec.conv.UpdatedAt = time.Now()
	return s.details(rec, ""), nil
}

// DeleteConversation soft-deletes a conversation; its rows stay in place but
// it disappears from listings and rejects new messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.conversations[id]
	if !ok || rec.conv.IsDeleted {
		return chat.ConversationNotFoundErr
	}
	rec.conv.IsDeleted = true
	rec.conv.UpdatedAt = time.Now()
	return nil
}

// TogglePin flips the user's personal pin; the returned time is nil when the
// toggle unpinned.
func (s *Store) TogglePin(ctx context.Context, conversationID,
	userID string) (*time.Time, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok || rec.conv.IsDeleted {
		return nil, chat.ConversationNotFoundErr
	}
	member, ok := rec.members[userID]
	if !ok {
		return nil, chat.NotAMemberErr
	}

	if member.PinnedAt != nil {
		member.PinnedAt = nil
		return nil, nil
	}
	now := time.Now()
	member.PinnedAt = &now
	return &now, nil
}

// GetProfile returns a user's profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (
	*chat.Profile, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, errors.Errorf("unknown user %q", userID)
	}
	p := *profile
	return &p, nil
}

// SearchUsers matches the query case-insensitively against usernames and
// full names.
func (s *Store) SearchUsers(ctx context.Context, query string) (
	[]*chat.Profile, error) {
	query = strings.ToLower(strings.TrimSpace(query))

	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*chat.Profile
	for _, profile := range s.profiles {
		haystack := strings.ToLower(profile.Username + " " +
			profile.FirstName + " " + profile.LastName)
		if strings.Contains(haystack, query) {
			p := *profile
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// SetStatus records a presence update, stamping the last-seen time.
func (s *Store) SetStatus(ctx context.Context, userID string,
	status presence.Status) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return errors.Errorf("unknown user %q", userID)
	}
	profile.IsOnline = status == presence.StatusOnline
	profile.LastSeen = time.Now()
	return nil
}
