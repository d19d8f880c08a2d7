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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/emoji"
)

// Reconciler decides, for every inbound event — a local optimistic action, a
// server confirmation, or a remote broadcast — how it mutates the
// [ConversationStore].
//
// Local mutations are applied optimistically before the persistence request
// resolves. On failure the store is rolled back to a snapshot captured before
// the optimistic write and the error is surfaced to the caller; nothing is
// retried automatically.
type Reconciler struct {
	self     *Profile
	store    *ConversationStore
	db       Persistence
	identity Identity

	tracker *sendTracker

	// broadcaster is the reaction-sync handle for the open conversation. It
	// is injected on activation and cleared on deactivation; nil means no
	// conversation is open and reaction-sync signals are skipped.
	broadcaster ReactionBroadcaster
	mux         sync.RWMutex
}

// NewReconciler builds a reconciler for the given local user over the store.
func NewReconciler(self *Profile, store *ConversationStore, db Persistence,
	identity Identity) *Reconciler {
	return &Reconciler{
		self:     self,
		store:    store,
		db:       db,
		identity: identity,
		tracker:  newSendTracker(),
	}
}

// SetBroadcaster injects the broadcast handle for the newly opened
// conversation.
func (r *Reconciler) SetBroadcaster(b ReactionBroadcaster) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.broadcaster = b
}

// ClearBroadcaster drops the broadcast handle on conversation deactivation
// and resets send tracking.
func (r *Reconciler) ClearBroadcaster() {
	r.mux.Lock()
	r.broadcaster = nil
	r.mux.Unlock()
	r.tracker.reset()
}

// Send creates a message optimistically and fires the persistence request.
// The temp message is visible in the store immediately; on confirmation it is
// replaced in place by the durable row, and on failure it is marked failed
// and retained so the user can retry.
func (r *Reconciler) Send(ctx context.Context, content string,
	mt MessageType, file *FileMeta, replyTo *Message) (*Message, error) {
	conversationID := r.store.ConversationID()
	if conversationID == "" {
		return nil, NoActiveConversationErr
	}

	now := time.Now()
	requestID := uuid.NewString()
	self := *r.self
	temp := &Message{
		ID:              NewTempID(),
		ClientRequestID: requestID,
		ConversationID:  conversationID,
		SenderID:        r.self.ID,
		Content:         content,
		Type:            mt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Sender:          &self,
		Status:          Unsent,
	}
	if file != nil {
		temp.FileURL = file.URL
		temp.FileName = file.Name
		temp.FileSize = file.Size
	}
	if replyTo != nil {
		temp.ReplyTo = replyTo.ID
		temp.ReplyMessage = replyTo.Clone()
		// Reply snapshots resolve a single level deep only.
		temp.ReplyMessage.ReplyMessage = nil
	}

	r.store.Append(temp)
	if err := r.tracker.denotePendingSend(requestID, temp.ID); err != nil {
		jww.ERROR.Printf("Failed to track pending send: %+v", err)
	}

	confirmed, err := r.db.CreateMessage(ctx, CreateMessageRequest{
		ConversationID:  conversationID,
		SenderID:        r.self.ID,
		ClientRequestID: requestID,
		Content:         content,
		Type:            mt,
		FileURL:         temp.FileURL,
		FileName:        temp.FileName,
		FileSize:        temp.FileSize,
		ReplyTo:         temp.ReplyTo,
	})
	if err != nil {
		if tempID, terr := r.tracker.failedSend(requestID); terr == nil {
			failed := Failed
			r.store.ApplyUpdate(tempID, MessageUpdate{Status: &failed})
		}
		return nil, errors.Wrap(err, "failed to send message")
	}

	tempID, err := r.tracker.sent(requestID, confirmed.ID)
	if err != nil {
		// The conversation was deactivated while the request was in flight;
		// there is no temp message left to replace.
		jww.DEBUG.Printf("Send confirmed after deactivation: %+v", err)
		return confirmed, nil
	}

	final := confirmed.Clone()
	final.Status = Sent
	if final.Sender == nil {
		sender := *r.self
		final.Sender = &sender
	}
	if final.ReplyMessage == nil && temp.ReplyMessage != nil {
		final.ReplyMessage = temp.ReplyMessage
	}
	r.store.ReplaceTemp(tempID, final)
	return final, nil
}

// Edit applies an optimistic content edit and fires the persistence request,
// rolling back to the pre-edit snapshot on failure.
func (r *Reconciler) Edit(ctx context.Context, messageID, content string) error {
	if IsTempID(messageID) {
		return MessageNotConfirmedErr
	}
	snapshot, ok := r.store.Get(messageID)
	if !ok {
		return MessageNotFoundErr
	}

	edited := true
	r.store.ApplyUpdate(messageID, MessageUpdate{
		Content:  &content,
		IsEdited: &edited,
	})

	if _, err := r.db.UpdateMessage(ctx, messageID, MessageUpdate{
		Content:  &content,
		IsEdited: &edited,
	}); err != nil {
		r.store.Restore(snapshot)
		return errors.Wrap(err, "failed to edit message")
	}
	return nil
}

// Delete applies an optimistic soft delete — the deleted flag is set and
// content/file metadata cleared, the entry remains — and fires the
// persistence request, rolling back on failure.
func (r *Reconciler) Delete(ctx context.Context, messageID string) error {
	if IsTempID(messageID) {
		return MessageNotConfirmedErr
	}
	snapshot, ok := r.store.Get(messageID)
	if !ok {
		return MessageNotFoundErr
	}

	deleted := true
	empty := ""
	var zero int64
	r.store.ApplyUpdate(messageID, MessageUpdate{
		IsDeleted: &deleted,
		Content:   &empty,
		FileURL:   &empty,
		FileName:  &empty,
		FileSize:  &zero,
	})

	if err := r.db.DeleteMessage(ctx, messageID); err != nil {
		r.store.Restore(snapshot)
		return errors.Wrap(err, "failed to delete message")
	}
	return nil
}

// ToggleReaction optimistically adds or removes the local user's (user,
// emoji) pair on the message and fires the persistence request. On success a
// reaction-sync signal is broadcast so connected peers re-fetch the reaction
// set; on failure the prior reaction set is restored.
func (r *Reconciler) ToggleReaction(ctx context.Context, messageID,
	reaction string) error {
	if IsTempID(messageID) {
		return MessageNotConfirmedErr
	}
	if err := emoji.ValidateReaction(reaction); err != nil {
		return err
	}
	snapshot, ok := r.store.Get(messageID)
	if !ok {
		return MessageNotFoundErr
	}

	var toggled []Reaction
	if snapshot.HasReaction(r.self.ID, reaction) {
		for _, re := range snapshot.Reactions {
			if re.UserID == r.self.ID && re.Emoji == reaction {
				continue
			}
			toggled = append(toggled, re)
		}
	} else {
		toggled = append(toggled, snapshot.Reactions...)
		toggled = append(toggled, Reaction{
			MessageID: messageID,
			UserID:    r.self.ID,
			Emoji:     reaction,
			CreatedAt: time.Now(),
		})
	}
	r.store.ApplyUpdate(messageID, MessageUpdate{Reactions: &toggled})

	if err := r.db.ToggleReaction(ctx, messageID, r.self.ID, reaction); err != nil {
		r.store.Restore(snapshot)
		return errors.Wrap(err, "failed to toggle reaction")
	}

	r.mux.RLock()
	broadcaster := r.broadcaster
	r.mux.RUnlock()
	if broadcaster != nil {
		// Best effort: a lost signal leaves peers stale until reload.
		if err := broadcaster.BroadcastReactionUpdate(ctx, messageID); err != nil {
			jww.WARN.Printf("Failed to broadcast reaction sync for %q: %+v",
				messageID, err)
		}
	}
	return nil
}

// ForwardError is one failed forward target.
type ForwardError struct {
	ConversationID string
	Err            error
}

// ForwardResult reports a forward's per-target outcome. Successes are not
// rolled back when other targets fail.
type ForwardResult struct {
	Messages       []*Message
	ForwardedCount int
	Errors         []ForwardError
}

// Forward re-sends an existing message to zero or more target conversations
// and users, independently per target. For each user a private conversation
// is found or created first. Partial failure is allowed; the result carries
// the success count and per-target errors. An error is returned only when
// nothing was forwarded.
func (r *Reconciler) Forward(ctx context.Context, messageID string,
	conversationIDs, userIDs []string) (*ForwardResult, error) {
	if IsTempID(messageID) {
		return nil, MessageNotConfirmedErr
	}
	if len(conversationIDs)+len(userIDs) == 0 {
		return nil, NoRecipientsErr
	}

	original, err := r.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch the original message")
	}

	result := &ForwardResult{}

	targets := append([]string{}, conversationIDs...)
	for _, userID := range userIDs {
		conv, _, err := r.db.CreateConversation(ctx, CreateConversationRequest{
			Type:      Private,
			CreatedBy: r.self.ID,
			MemberIDs: []string{userID},
		})
		if err != nil {
			result.Errors = append(result.Errors, ForwardError{Err: errors.Wrapf(
				err, "failed to open a private conversation with %q", userID)})
			continue
		}
		targets = append(targets, conv.ID)
	}

	active := r.store.ConversationID()
	for _, target := range targets {
		msg, err := r.db.CreateMessage(ctx, CreateMessageRequest{
			ConversationID: target,
			SenderID:       r.self.ID,
			Content:        original.Content,
			Type:           original.Type,
			FileURL:        original.FileURL,
			FileName:       original.FileName,
			FileSize:       original.FileSize,
			ForwardedFrom:  original.ID,
		})
		if err != nil {
			result.Errors = append(result.Errors,
				ForwardError{ConversationID: target, Err: err})
			continue
		}
		result.Messages = append(result.Messages, msg)

		// Self-echo suppression drops our own change event, so a forward
		// into the open conversation is appended directly.
		if target == active {
			local := msg.Clone()
			local.Status = Sent
			if local.Sender == nil {
				sender := *r.self
				local.Sender = &sender
			}
			r.store.Append(local)
		}
	}

	result.ForwardedCount = len(result.Messages)
	if result.ForwardedCount == 0 && len(result.Errors) > 0 {
		return result, errors.New("failed to forward message to any target")
	}
	return result, nil
}

// HandleChange merges one durable change event into the store.
func (r *Reconciler) HandleChange(ctx context.Context, ev bus.ChangeEvent) {
	var row Message
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		jww.ERROR.Printf("Failed to unmarshal change event row: %+v", err)
		return
	}

	switch ev.Op {
	case bus.OpInsert:
		r.handleRemoteInsert(ctx, &row)
	case bus.OpUpdate:
		r.handleRemoteUpdate(&row)
	default:
		jww.WARN.Printf("Dropping change event with unknown op %d", ev.Op)
	}
}

// handleRemoteInsert merges a row insert. Inserts by the local user are
// echoes of writes already represented by our own optimistic or confirmed
// copy and are never appended a second time.
func (r *Reconciler) handleRemoteInsert(ctx context.Context, row *Message) {
	if row.ConversationID != r.store.ConversationID() {
		return
	}

	if row.SenderID == r.self.ID {
		if r.tracker.checkIfSent(row.ID) {
			delivered := Delivered
			r.store.ApplyUpdate(row.ID, MessageUpdate{Status: &delivered})
			r.tracker.stopTracking(row.ID)
		}
		return
	}

	sender, err := r.identity.GetProfile(ctx, row.SenderID)
	if err != nil {
		jww.WARN.Printf("Dropping insert %q: failed to resolve sender %q: %+v",
			row.ID, row.SenderID, err)
		return
	}

	msg := row.Clone()
	msg.Sender = sender
	msg.Status = Delivered
	if msg.ReplyTo != "" && msg.ReplyMessage == nil {
		msg.ReplyMessage = r.resolveReply(ctx, msg.ReplyTo)
	}

	// The lookups above are asynchronous boundaries; Append discards the
	// message itself if the conversation was closed or switched meanwhile.
	r.store.Append(msg)
}

// resolveReply fetches the single-level snapshot of a replied-to message.
// Returns nil when the message cannot be resolved; the reply indicator is
// simply omitted in that case.
func (r *Reconciler) resolveReply(ctx context.Context, replyTo string) *Message {
	reply, err := r.db.GetMessage(ctx, replyTo)
	if err != nil {
		jww.WARN.Printf("Failed to resolve reply snapshot %q: %+v",
			replyTo, err)
		return nil
	}
	if reply.Sender == nil {
		if sender, err := r.identity.GetProfile(ctx, reply.SenderID); err == nil {
			reply.Sender = sender
		}
	}
	reply.ReplyMessage = nil
	return reply
}

// handleRemoteUpdate merges a row update into the stored message. An update
// for a message not yet present (arrived before the initial page load
// completed) is dropped; the store logs it as a known gap.
func (r *Reconciler) handleRemoteUpdate(row *Message) {
	if row.ConversationID != r.store.ConversationID() {
		return
	}
	r.store.ApplyUpdate(row.ID, MessageUpdate{
		Content:   &row.Content,
		FileURL:   &row.FileURL,
		FileName:  &row.FileName,
		FileSize:  &row.FileSize,
		IsEdited:  &row.IsEdited,
		IsDeleted: &row.IsDeleted,
		UpdatedAt: &row.UpdatedAt,
	})
}

// HandleReactionSync re-fetches a message's reaction set in response to a
// reaction-sync broadcast from a peer.
func (r *Reconciler) HandleReactionSync(ctx context.Context, messageID string) {
	reactions, err := r.db.ListReactions(ctx, messageID)
	if err != nil {
		jww.WARN.Printf("Failed to re-fetch reactions for %q: %+v",
			messageID, err)
		return
	}
	r.store.ApplyUpdate(messageID, MessageUpdate{Reactions: &reactions})
}
