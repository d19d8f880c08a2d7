////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"time"
)

// CreateMessageRequest carries the fields of a new message. ClientRequestID
// is generated by the engine at optimistic-creation time; the persistence
// layer must echo it back on the created message so the confirmation can be
// correlated to the pending temp message by key.
type CreateMessageRequest struct {
	ConversationID  string      `json:"conversation_id"`
	SenderID        string      `json:"sender_id"`
	ClientRequestID string      `json:"client_request_id,omitempty"`
	Content         string      `json:"content,omitempty"`
	Type            MessageType `json:"message_type"`
	FileURL         string      `json:"file_url,omitempty"`
	FileName        string      `json:"file_name,omitempty"`
	FileSize        int64       `json:"file_size,omitempty"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	ForwardedFrom   string      `json:"forwarded_from,omitempty"`
}

// CreateConversationRequest carries the fields of a new conversation. For
// private conversations, MemberIDs holds exactly the one other participant.
type CreateConversationRequest struct {
	Type        ConversationType `json:"type"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	CreatedBy   string           `json:"created_by"`
	MemberIDs   []string         `json:"member_ids"`
}

// Persistence is the engine's view of the external persistence layer. Every
// method is an asynchronous I/O boundary; other events may interleave before
// a call resolves, and the callers reconcile accordingly.
type Persistence interface {
	// CreateMessage persists a new message and returns it with its durable
	// ID, echoing the request's ClientRequestID.
	CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error)

	// GetMessage returns a single message by durable ID, without resolving
	// its reply snapshot.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// UpdateMessage applies a partial update and returns the updated row.
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) (*Message, error)

	// DeleteMessage soft-deletes a message: content and file metadata are
	// cleared, the row remains.
	DeleteMessage(ctx context.Context, id string) error

	// ListMessages returns one page of a conversation's history ordered
	// newest-first. An empty cursor requests the most recent page.
	ListMessages(ctx context.Context, conversationID, cursor string,
		limit int) (*MessagePage, error)

	// ToggleReaction adds the (user, emoji) pair to the message's reaction
	// set if absent, or removes it if present.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) error

	// ListReactions returns the message's current reaction set.
	ListReactions(ctx context.Context, messageID string) ([]Reaction, error)

	// GetConversation returns a conversation with members and profiles.
	GetConversation(ctx context.Context, id string) (*ConversationWithDetails, error)

	// ListConversations returns the user's conversations, each annotated with
	// its last message and the user's unread count.
	ListConversations(ctx context.Context, userID string) ([]*ConversationWithDetails, error)

	// CreateConversation creates a conversation. For private conversations an
	// existing conversation with the same two members is reused; the second
	// return reports whether an existing conversation was returned.
	CreateConversation(ctx context.Context, req CreateConversationRequest) (
		*ConversationWithDetails, bool, error)

	// AddMembers adds users to a group with the member role and returns the
	// updated conversation.
	AddMembers(ctx context.Context, conversationID string, userIDs []string) (
		*ConversationWithDetails, error)

	// RemoveMember removes one user from a conversation and returns the
	// updated conversation.
	RemoveMember(ctx context.Context, conversationID, userID string) (
		*ConversationWithDetails, error)

	// ChangeRole sets a member's role and returns the updated conversation.
	ChangeRole(ctx context.Context, conversationID, userID string, role Role) (
		*ConversationWithDetails, error)

	// UpdateConversation applies a partial settings update and returns the
	// updated conversation.
	UpdateConversation(ctx context.Context, conversationID string,
		upd ConversationUpdate) (*ConversationWithDetails, error)

	// DeleteConversation soft-deletes a conversation.
	DeleteConversation(ctx context.Context, conversationID string) error

	// TogglePin flips the per-member pin annotation and returns the new
	// pinned-at time, or nil when the conversation was unpinned.
	TogglePin(ctx context.Context, conversationID, userID string) (*time.Time, error)

	// MarkRead records the user's read receipt for a conversation, stamped
	// with the persistence layer's write time.
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Identity is the engine's view of the external identity store.
type Identity interface {
	// GetProfile returns the profile snapshot for a user.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// SearchUsers returns profiles matching the query.
	SearchUsers(ctx context.Context, query string) ([]*Profile, error)
}

// ReactionBroadcaster publishes a reaction-sync signal on the open
// conversation's ephemeral broadcast channel. The reaction set is not carried
// on the durable change stream, so peers re-fetch it when signaled; the
// signal is lossy and a missed one leaves the peer stale until the next full
// reload.
//
// The handle is injected on conversation activation and cleared on
// deactivation, making the channel's lifetime explicit.
type ReactionBroadcaster interface {
	BroadcastReactionUpdate(ctx context.Context, messageID string) error
}
