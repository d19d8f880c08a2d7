////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/chat"
	"github.com/theabhipatel/setu-chat-app/storage/memstore"
)

// testEnv wires two live sessions over a shared in-process bus and store,
// the way two clients share one backend.
type testEnv struct {
	bus   *bus.Memory
	db    *memstore.Store
	alice *chat.Session
	bob   *chat.Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.NewMemory()
	db := memstore.New(b)

	alice := &chat.Profile{ID: "alice-id", Username: "alice",
		FirstName: "Alice", LastName: "Archer"}
	bob := &chat.Profile{ID: "bob-id", Username: "bob",
		FirstName: "Bob", LastName: "Baker"}
	db.AddProfile(alice)
	db.AddProfile(bob)

	env := &testEnv{
		bus:   b,
		db:    db,
		alice: chat.NewSession(alice, db, db, b),
		bob:   chat.NewSession(bob, db, db, b),
	}
	t.Cleanup(env.alice.Close)
	t.Cleanup(env.bob.Close)
	return env
}

// startPrivate creates the alice/bob private conversation and starts both
// sessions over it.
func (env *testEnv) startPrivate(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, env.alice.Start(ctx))
	conv, err := env.alice.StartConversation(ctx,
		chat.CreateConversationRequest{
			Type:      chat.Private,
			MemberIDs: []string{"bob-id"},
		})
	require.NoError(t, err)

	require.NoError(t, env.bob.Start(ctx))
	return conv.ID
}

// Tests that a sent message is confirmed in place: exactly one copy in the
// store, carrying a durable ID, with the change-stream echo suppressed.
func TestSession_Send_Confirmation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))

	msg, err := env.alice.Send(ctx, "hello bob", chat.Text, nil, "")
	require.NoError(t, err)
	require.False(t, chat.IsTempID(msg.ID))
	require.NotEmpty(t, msg.ClientRequestID)
	require.Equal(t, chat.Sent, msg.Status)

	msgs := env.alice.Store().Messages()
	require.Len(t, msgs, 1, "the echo must not append a second copy")
	require.Equal(t, msg.ID, msgs[0].ID)
}

// Tests that a message sent by one user arrives in the other's open
// conversation with its sender profile resolved.
func TestSession_RemoteDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	require.NoError(t, env.bob.OpenConversation(ctx, convID))

	sent, err := env.alice.Send(ctx, "hello bob", chat.Text, nil, "")
	require.NoError(t, err)

	msgs := env.bob.Store().Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, sent.ID, msgs[0].ID)
	require.Equal(t, chat.Delivered, msgs[0].Status)
	require.NotNil(t, msgs[0].Sender)
	require.Equal(t, "alice", msgs[0].Sender.Username)

	// Bob has the conversation open, so nothing counts as unread.
	conv, ok := env.bob.Conversations().Get(convID)
	require.True(t, ok)
	require.Equal(t, 0, conv.UnreadCount)
}

// Tests that activity in a conversation that is not open raises its unread
// count and that opening it marks it read.
func TestSession_UnreadCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	_, err := env.alice.Send(ctx, "first", chat.Text, nil, "")
	require.NoError(t, err)
	_, err = env.alice.Send(ctx, "second", chat.Text, nil, "")
	require.NoError(t, err)

	conv, ok := env.bob.Conversations().Get(convID)
	require.True(t, ok)
	require.Equal(t, 2, conv.UnreadCount)
	require.Equal(t, 2, env.bob.Conversations().TotalUnread())

	require.NoError(t, env.bob.OpenConversation(ctx, convID))
	conv, _ = env.bob.Conversations().Get(convID)
	require.Equal(t, 0, conv.UnreadCount)
}

// Tests that edits and deletions propagate to the peer's store over the
// change stream.
func TestSession_EditAndDeletePropagate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	require.NoError(t, env.bob.OpenConversation(ctx, convID))

	sent, err := env.alice.Send(ctx, "tpyo", chat.Text, nil, "")
	require.NoError(t, err)

	require.NoError(t, env.alice.EditMessage(ctx, sent.ID, "typo"))
	got, ok := env.bob.Store().Get(sent.ID)
	require.True(t, ok)
	require.Equal(t, "typo", got.Content)
	require.True(t, got.IsEdited)

	require.NoError(t, env.alice.DeleteMessage(ctx, sent.ID))
	got, ok = env.bob.Store().Get(sent.ID)
	require.True(t, ok)
	require.True(t, got.IsDeleted)
	require.Empty(t, got.Content, "deletion must clear the content")
}

// Tests that a reaction toggle reaches the peer through the reaction-sync
// broadcast and that toggling again removes it.
func TestSession_ReactionSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	require.NoError(t, env.bob.OpenConversation(ctx, convID))

	sent, err := env.alice.Send(ctx, "react to me", chat.Text, nil, "")
	require.NoError(t, err)

	require.NoError(t, env.bob.ToggleReaction(ctx, sent.ID, "👍"))

	got, ok := env.alice.Store().Get(sent.ID)
	require.True(t, ok)
	require.True(t, got.HasReaction("bob-id", "👍"))

	require.NoError(t, env.bob.ToggleReaction(ctx, sent.ID, "👍"))
	got, _ = env.alice.Store().Get(sent.ID)
	require.False(t, got.HasReaction("bob-id", "👍"))
}

// Tests that a reaction that is not a single emoji is rejected before any
// state changes.
func TestSession_ReactionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	sent, err := env.alice.Send(ctx, "hi", chat.Text, nil, "")
	require.NoError(t, err)

	require.Error(t, env.alice.ToggleReaction(ctx, sent.ID, "not an emoji"))
	got, _ := env.alice.Store().Get(sent.ID)
	require.Empty(t, got.Reactions)
}

// Tests that typing signals reach the peer and that sending stops them.
func TestSession_Typing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	require.NoError(t, env.bob.OpenConversation(ctx, convID))

	env.alice.Keystroke()
	typing := env.bob.TypingUsers()
	require.Len(t, typing, 1)
	require.Equal(t, "alice-id", typing[0].UserID)

	// The local user never appears in their own typing set.
	require.Empty(t, env.alice.TypingUsers())

	_, err := env.alice.Send(ctx, "done typing", chat.Text, nil, "")
	require.NoError(t, err)
	require.Empty(t, env.bob.TypingUsers(),
		"sending must emit an immediate stop-typing signal")
}

// Tests that starting a private conversation with the same user twice
// returns the existing conversation.
func TestSession_PrivateDeduplication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	again, err := env.alice.StartConversation(ctx,
		chat.CreateConversationRequest{
			Type:      chat.Private,
			MemberIDs: []string{"bob-id"},
		})
	require.NoError(t, err)
	require.Equal(t, convID, again.ID)
}

// Tests that replying carries a one-level snapshot of the quoted message.
func TestSession_Reply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	require.NoError(t, env.bob.OpenConversation(ctx, convID))

	first, err := env.alice.Send(ctx, "original", chat.Text, nil, "")
	require.NoError(t, err)

	reply, err := env.bob.Send(ctx, "replying", chat.Text, nil, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, reply.ReplyTo)
	require.NotNil(t, reply.ReplyMessage)
	require.Equal(t, "original", reply.ReplyMessage.Content)
	require.Nil(t, reply.ReplyMessage.ReplyMessage,
		"reply snapshots resolve a single level only")

	// Alice sees the reply with its snapshot resolved remotely.
	got, ok := env.alice.Store().Get(reply.ID)
	require.True(t, ok)
	require.NotNil(t, got.ReplyMessage)
	require.Equal(t, "original", got.ReplyMessage.Content)
}

// Tests that paging loads older history behind the first page.
func TestSession_LoadOlderMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	for i := 0; i < 60; i++ {
		_, err := env.alice.Send(ctx, "filler", chat.Text, nil, "")
		require.NoError(t, err)
	}

	// Reopen to fetch a fresh first page.
	require.NoError(t, env.alice.OpenConversation(ctx, convID))
	require.Equal(t, 50, env.alice.Store().Len())
	_, hasMore := env.alice.Store().Cursor()
	require.True(t, hasMore)

	require.NoError(t, env.alice.LoadOlderMessages(ctx))
	require.Equal(t, 60, env.alice.Store().Len())
	_, hasMore = env.alice.Store().Cursor()
	require.False(t, hasMore)
}

// Tests that toggling a pin replaces the listed conversation with a fresh
// copy instead of mutating the one concurrent readers may hold.
func TestSession_TogglePin_ReplacesListedConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	convID := env.startPrivate(t)

	before, ok := env.alice.Conversations().Get(convID)
	require.True(t, ok)
	member := before.Member("alice-id")
	require.NotNil(t, member)
	require.Nil(t, member.PinnedAt)

	pinnedAt, err := env.alice.Membership().TogglePin(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, pinnedAt)

	require.Nil(t, member.PinnedAt,
		"a previously read conversation must not change under the reader")

	after, ok := env.alice.Conversations().Get(convID)
	require.True(t, ok)
	require.NotSame(t, before, after)
	require.NotNil(t, after.Member("alice-id").PinnedAt)

	// A second toggle clears the pin.
	pinnedAt, err = env.alice.Membership().TogglePin(ctx, convID)
	require.NoError(t, err)
	require.Nil(t, pinnedAt)
}
