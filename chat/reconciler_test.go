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

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/chat"
	"github.com/theabhipatel/setu-chat-app/storage/memstore"
)

// flakyDB wraps the in-memory store with switchable failures so rollback
// paths can be driven deterministically.
type flakyDB struct {
	*memstore.Store
	failCreate bool
	failUpdate bool
	failDelete bool
	failReact  bool
}

var errInjected = errors.New("injected persistence failure")

func (f *flakyDB) CreateMessage(ctx context.Context,
	req chat.CreateMessageRequest) (*chat.Message, error) {
	if f.failCreate {
		return nil, errInjected
	}
	return f.Store.CreateMessage(ctx, req)
}

func (f *flakyDB) UpdateMessage(ctx context.Context, id string,
	upd chat.MessageUpdate) (*chat.Message, error) {
	if f.failUpdate {
		return nil, errInjected
	}
	return f.Store.UpdateMessage(ctx, id, upd)
}

func (f *flakyDB) DeleteMessage(ctx context.Context, id string) error {
	if f.failDelete {
		return errInjected
	}
	return f.Store.DeleteMessage(ctx, id)
}

func (f *flakyDB) ToggleReaction(ctx context.Context, messageID, userID,
	emoji string) error {
	if f.failReact {
		return errInjected
	}
	return f.Store.ToggleReaction(ctx, messageID, userID, emoji)
}

// flakyEnv builds a session for alice over a flaky store with the alice/bob
// private conversation opened.
func flakyEnv(t *testing.T) (*chat.Session, *flakyDB, string) {
	t.Helper()
	b := bus.NewMemory()
	db := &flakyDB{Store: memstore.New(b)}

	alice := &chat.Profile{ID: "alice-id", Username: "alice"}
	db.AddProfile(alice)
	db.AddProfile(&chat.Profile{ID: "bob-id", Username: "bob"})
	db.AddProfile(&chat.Profile{ID: "carol-id", Username: "carol"})

	session := chat.NewSession(alice, db, db, b)
	t.Cleanup(session.Close)

	ctx := context.Background()
	require.NoError(t, session.Start(ctx))
	conv, err := session.StartConversation(ctx,
		chat.CreateConversationRequest{
			Type:      chat.Private,
			MemberIDs: []string{"bob-id"},
		})
	require.NoError(t, err)
	require.NoError(t, session.OpenConversation(ctx, conv.ID))
	return session, db, conv.ID
}

// Tests that a failed send marks the temp message failed and keeps it in
// place so the user can retry.
func TestReconciler_Send_FailureRetained(t *testing.T) {
	session, db, _ := flakyEnv(t)
	ctx := context.Background()

	db.failCreate = true
	_, err := session.Send(ctx, "will not make it", chat.Text, nil, "")
	require.Error(t, err)

	msgs := session.Store().Messages()
	require.Len(t, msgs, 1, "the failed message must be retained")
	require.True(t, chat.IsTempID(msgs[0].ID))
	require.Equal(t, chat.Failed, msgs[0].Status)
	require.Equal(t, "will not make it", msgs[0].Content)
}

// Tests that a failed edit rolls the message back to its pre-edit content.
func TestReconciler_Edit_Rollback(t *testing.T) {
	session, db, _ := flakyEnv(t)
	ctx := context.Background()

	sent, err := session.Send(ctx, "original", chat.Text, nil, "")
	require.NoError(t, err)

	db.failUpdate = true
	require.Error(t, session.EditMessage(ctx, sent.ID, "edited"))

	got, ok := session.Store().Get(sent.ID)
	require.True(t, ok)
	require.Equal(t, "original", got.Content)
	require.False(t, got.IsEdited)
}

// Tests that a failed delete restores the message.
func TestReconciler_Delete_Rollback(t *testing.T) {
	session, db, _ := flakyEnv(t)
	ctx := context.Background()

	sent, err := session.Send(ctx, "keep me", chat.Text, nil, "")
	require.NoError(t, err)

	db.failDelete = true
	require.Error(t, session.DeleteMessage(ctx, sent.ID))

	got, ok := session.Store().Get(sent.ID)
	require.True(t, ok)
	require.False(t, got.IsDeleted)
	require.Equal(t, "keep me", got.Content)
}

// Tests that a failed reaction toggle restores the prior reaction set.
func TestReconciler_ToggleReaction_Rollback(t *testing.T) {
	session, db, _ := flakyEnv(t)
	ctx := context.Background()

	sent, err := session.Send(ctx, "react", chat.Text, nil, "")
	require.NoError(t, err)

	db.failReact = true
	require.Error(t, session.ToggleReaction(ctx, sent.ID, "🎉"))

	got, ok := session.Store().Get(sent.ID)
	require.True(t, ok)
	require.Empty(t, got.Reactions)
}

// Tests that mutations of unconfirmed messages are rejected outright.
func TestReconciler_TempMessageGuards(t *testing.T) {
	session, db, _ := flakyEnv(t)
	ctx := context.Background()

	// Fail the send so a temp message stays in the store.
	db.failCreate = true
	_, err := session.Send(ctx, "pending", chat.Text, nil, "")
	require.Error(t, err)
	tempID := session.Store().Messages()[0].ID
	require.True(t, chat.IsTempID(tempID))

	require.ErrorIs(t, session.EditMessage(ctx, tempID, "no"),
		chat.MessageNotConfirmedErr)
	require.ErrorIs(t, session.DeleteMessage(ctx, tempID),
		chat.MessageNotConfirmedErr)
	require.ErrorIs(t, session.ToggleReaction(ctx, tempID, "👍"),
		chat.MessageNotConfirmedErr)
}

// Tests forwarding with independent per-target outcomes: one target
// succeeds while an unknown user fails, and the result reports both.
func TestReconciler_Forward_PartialFailure(t *testing.T) {
	session, _, _ := flakyEnv(t)
	ctx := context.Background()

	sent, err := session.Send(ctx, "pass it on", chat.Text, nil, "")
	require.NoError(t, err)

	result, err := session.ForwardMessage(ctx, sent.ID, nil,
		[]string{"carol-id", "ghost-id"})
	require.NoError(t, err, "partial failure must not fail the forward")
	require.Equal(t, 1, result.ForwardedCount)
	require.Len(t, result.Errors, 1)

	forwarded := result.Messages[0]
	require.Equal(t, sent.ID, forwarded.ForwardedFrom)
	require.Equal(t, "pass it on", forwarded.Content)
}

// Tests that forwarding to no targets at all is rejected, and that all
// targets failing surfaces an error.
func TestReconciler_Forward_NoTargets(t *testing.T) {
	session, _, _ := flakyEnv(t)
	ctx := context.Background()

	sent, err := session.Send(ctx, "unforwardable", chat.Text, nil, "")
	require.NoError(t, err)

	_, err = session.ForwardMessage(ctx, sent.ID, nil, nil)
	require.ErrorIs(t, err, chat.NoRecipientsErr)

	result, err := session.ForwardMessage(ctx, sent.ID, nil,
		[]string{"ghost-id"})
	require.Error(t, err, "all targets failing must surface an error")
	require.Equal(t, 0, result.ForwardedCount)
	require.Len(t, result.Errors, 1)
}

// Tests that forwarding into the open conversation shows up locally without
// waiting for a change event.
func TestReconciler_Forward_IntoOpenConversation(t *testing.T) {
	session, _, convID := flakyEnv(t)
	ctx := context.Background()

	sent, err := session.Send(ctx, "boomerang", chat.Text, nil, "")
	require.NoError(t, err)

	result, err := session.ForwardMessage(ctx, sent.ID,
		[]string{convID}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.ForwardedCount)

	got, ok := session.Store().Get(result.Messages[0].ID)
	require.True(t, ok)
	require.Equal(t, sent.ID, got.ForwardedFrom)
}
