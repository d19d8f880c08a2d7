////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/chat"
)

func seededStore(t *testing.T, b bus.Bus) *Store {
	t.Helper()
	s := New(b)
	s.AddProfile(&chat.Profile{ID: "alice", Username: "alice",
		FirstName: "Alice", LastName: "Archer"})
	s.AddProfile(&chat.Profile{ID: "bob", Username: "bob",
		FirstName: "Bob", LastName: "Baker"})
	s.AddProfile(&chat.Profile{ID: "carol", Username: "carol"})
	return s
}

func privateConv(t *testing.T, s *Store) string {
	t.Helper()
	conv, existing, err := s.CreateConversation(context.Background(),
		chat.CreateConversationRequest{
			Type:      chat.Private,
			CreatedBy: "alice",
			MemberIDs: []string{"bob"},
		})
	require.NoError(t, err)
	require.False(t, existing)
	return conv.ID
}

// Tests that private conversations deduplicate on the unordered pair.
func TestStore_CreateConversation_PrivateDedup(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()
	convID := privateConv(t, s)

	// The same pair from the other side returns the same conversation.
	conv, existing, err := s.CreateConversation(ctx,
		chat.CreateConversationRequest{
			Type:      chat.Private,
			CreatedBy: "bob",
			MemberIDs: []string{"alice"},
		})
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, convID, conv.ID)

	// A different pair is a different conversation.
	other, existing, err := s.CreateConversation(ctx,
		chat.CreateConversationRequest{
			Type:      chat.Private,
			CreatedBy: "alice",
			MemberIDs: []string{"carol"},
		})
	require.NoError(t, err)
	require.False(t, existing)
	require.NotEqual(t, convID, other.ID)
}

// Tests shape validation on conversation creation.
func TestStore_CreateConversation_Validation(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()

	_, _, err := s.CreateConversation(ctx, chat.CreateConversationRequest{
		Type:      chat.Private,
		CreatedBy: "alice",
		MemberIDs: []string{"bob", "carol"},
	})
	require.Error(t, err, "a private conversation takes exactly one other member")

	_, _, err = s.CreateConversation(ctx, chat.CreateConversationRequest{
		Type:      chat.Group,
		CreatedBy: "alice",
		MemberIDs: []string{"bob"},
	})
	require.Error(t, err, "a group needs a name")

	_, _, err = s.CreateConversation(ctx, chat.CreateConversationRequest{
		Type:      chat.Private,
		CreatedBy: "alice",
		MemberIDs: []string{"ghost"},
	})
	require.Error(t, err, "members must exist")
}

// Tests that the group creator becomes owner and added members are plain
// members.
func TestStore_CreateConversation_GroupRoles(t *testing.T) {
	s := seededStore(t, nil)
	conv, _, err := s.CreateConversation(context.Background(),
		chat.CreateConversationRequest{
			Type:      chat.Group,
			Name:      "the group",
			CreatedBy: "alice",
			MemberIDs: []string{"bob", "carol"},
		})
	require.NoError(t, err)

	role, ok := conv.RoleOf("alice")
	require.True(t, ok)
	require.Equal(t, chat.Owner, role)

	role, ok = conv.RoleOf("bob")
	require.True(t, ok)
	require.Equal(t, chat.Member, role)
}

// Tests newest-first pagination with the cursor walking backward through
// history.
func TestStore_ListMessages_Pagination(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()
	convID := privateConv(t, s)

	for i := 0; i < 12; i++ {
		_, err := s.CreateMessage(ctx, chat.CreateMessageRequest{
			ConversationID: convID,
			SenderID:       "alice",
			Content:        fmt.Sprintf("message %d", i),
			Type:           chat.Text,
		})
		require.NoError(t, err)
	}

	page, err := s.ListMessages(ctx, convID, "", 5)
	require.NoError(t, err)
	require.Len(t, page.Items, 5)
	require.True(t, page.HasMore)
	require.Equal(t, "message 11", page.Items[0].Content)
	require.Equal(t, "message 7", page.Items[4].Content)

	page, err = s.ListMessages(ctx, convID, page.NextCursor, 5)
	require.NoError(t, err)
	require.Len(t, page.Items, 5)
	require.True(t, page.HasMore)
	require.Equal(t, "message 6", page.Items[0].Content)

	page, err = s.ListMessages(ctx, convID, page.NextCursor, 5)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.False(t, page.HasMore)
	require.Equal(t, "message 0", page.Items[1].Content)
}

// Tests that message writes publish change events on the bus.
func TestStore_ChangeFeed(t *testing.T) {
	b := bus.NewMemory()
	s := seededStore(t, b)
	ctx := context.Background()
	convID := privateConv(t, s)

	var got []bus.ChangeEvent
	sub, err := b.SubscribeChanges(convID, func(ev bus.ChangeEvent) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	msg, err := s.CreateMessage(ctx, chat.CreateMessageRequest{
		ConversationID:  convID,
		SenderID:        "alice",
		ClientRequestID: "req-1",
		Content:         "hello",
		Type:            chat.Text,
	})
	require.NoError(t, err)
	require.Equal(t, "req-1", msg.ClientRequestID,
		"the client request ID must be echoed")

	require.NoError(t, s.DeleteMessage(ctx, msg.ID))

	require.Len(t, got, 2)
	require.Equal(t, bus.OpInsert, got[0].Op)
	require.Equal(t, bus.OpUpdate, got[1].Op)

	var row chat.Message
	require.NoError(t, json.Unmarshal(got[1].Row, &row))
	require.True(t, row.IsDeleted)
	require.Empty(t, row.Content)
}

// Tests the per-emoji toggle semantics.
func TestStore_ToggleReaction(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()
	convID := privateConv(t, s)

	msg, err := s.CreateMessage(ctx, chat.CreateMessageRequest{
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "react",
		Type:           chat.Text,
	})
	require.NoError(t, err)

	require.NoError(t, s.ToggleReaction(ctx, msg.ID, "bob", "👍"))
	require.NoError(t, s.ToggleReaction(ctx, msg.ID, "bob", "❤️"))
	require.NoError(t, s.ToggleReaction(ctx, msg.ID, "alice", "👍"))

	reactions, err := s.ListReactions(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 3)

	// Toggling again removes only bob's thumbs up.
	require.NoError(t, s.ToggleReaction(ctx, msg.ID, "bob", "👍"))
	reactions, err = s.ListReactions(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 2)
}

// Tests unread counts in listings: messages from others after the receipt,
// everything from others with no receipt, never one's own messages.
func TestStore_ListConversations_Unread(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()
	convID := privateConv(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(ctx, chat.CreateMessageRequest{
			ConversationID: convID,
			SenderID:       "alice",
			Content:        "from alice",
			Type:           chat.Text,
		})
		require.NoError(t, err)
	}

	listed, err := s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, 3, listed[0].UnreadCount,
		"with no receipt every message from others is unread")

	listed, err = s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 0, listed[0].UnreadCount,
		"own messages never count as unread")

	require.NoError(t, s.MarkRead(ctx, convID, "bob"))
	listed, err = s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, listed[0].UnreadCount)

	_, err = s.CreateMessage(ctx, chat.CreateMessageRequest{
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "after the receipt",
		Type:           chat.Text,
	})
	require.NoError(t, err)
	listed, err = s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, listed[0].UnreadCount)
}

// Tests that a soft-deleted conversation disappears from listings and
// rejects new messages.
func TestStore_DeleteConversation(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()
	convID := privateConv(t, s)

	require.NoError(t, s.DeleteConversation(ctx, convID))

	listed, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, listed)

	_, err = s.CreateMessage(ctx, chat.CreateMessageRequest{
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "too late",
		Type:           chat.Text,
	})
	require.ErrorIs(t, err, chat.ConversationNotFoundErr)
}

// Tests the pin toggle round trip.
func TestStore_TogglePin(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()
	convID := privateConv(t, s)

	pinnedAt, err := s.TogglePin(ctx, convID, "alice")
	require.NoError(t, err)
	require.NotNil(t, pinnedAt)

	pinnedAt, err = s.TogglePin(ctx, convID, "alice")
	require.NoError(t, err)
	require.Nil(t, pinnedAt)

	_, err = s.TogglePin(ctx, convID, "carol")
	require.ErrorIs(t, err, chat.NotAMemberErr)
}

// Tests user search over usernames and full names.
func TestStore_SearchUsers(t *testing.T) {
	s := seededStore(t, nil)
	ctx := context.Background()

	results, err := s.SearchUsers(ctx, "archer")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "alice", results[0].Username)

	results, err = s.SearchUsers(ctx, "BAKER")
	require.NoError(t, err)
	require.Len(t, results, 1, "full names match case-insensitively")
	require.Equal(t, "bob", results[0].Username)

	results, err = s.SearchUsers(ctx, "zzz")
	require.NoError(t, err)
	require.Empty(t, results)
}
