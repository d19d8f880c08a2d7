////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// tempIDPrefix marks a client-generated placeholder ID for a message that has
// not been confirmed by the persistence layer. Temp IDs are never reused as
// durable IDs; confirmation replaces the message rather than mutating its ID.
const tempIDPrefix = "temp-"

// NewTempID generates a fresh temporary message ID.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether the given message ID is an unconfirmed placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// MessageType describes the kind of content a message carries.
type MessageType uint8

const (
	Text MessageType = iota + 1
	Image
	File
	System
)

// String returns a human-readable version of [MessageType], used for
// debugging and logging. This function adheres to the [fmt.Stringer]
// interface.
func (mt MessageType) String() string {
	switch mt {
	case Text:
		return "text"
	case Image:
		return "image"
	case File:
		return "file"
	case System:
		return "system"
	default:
		return "invalid"
	}
}

// ParseMessageType returns the [MessageType] for its wire name.
func ParseMessageType(s string) (MessageType, error) {
	switch s {
	case "text":
		return Text, nil
	case "image":
		return Image, nil
	case "file":
		return File, nil
	case "system":
		return System, nil
	default:
		return 0, errors.Errorf("invalid message type %q", s)
	}
}

// MarshalJSON adheres to the [json.Marshaler] interface.
func (mt MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(mt.String())
}

// UnmarshalJSON adheres to the [json.Unmarshaler] interface.
func (mt *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*mt = parsed
	return nil
}

// ConversationType describes the shape of a conversation. Private
// conversations have exactly two members, self conversations exactly one (the
// creator), and groups one or more with exactly one owner.
type ConversationType uint8

const (
	Private ConversationType = iota + 1
	Group
	Self
)

// String returns a human-readable version of [ConversationType]. This
// function adheres to the [fmt.Stringer] interface.
func (ct ConversationType) String() string {
	switch ct {
	case Private:
		return "private"
	case Group:
		return "group"
	case Self:
		return "self"
	default:
		return "invalid"
	}
}

// ParseConversationType returns the [ConversationType] for its wire name.
func ParseConversationType(s string) (ConversationType, error) {
	switch s {
	case "private":
		return Private, nil
	case "group":
		return Group, nil
	case "self":
		return Self, nil
	default:
		return 0, errors.Errorf("invalid conversation type %q", s)
	}
}

// MarshalJSON adheres to the [json.Marshaler] interface.
func (ct ConversationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(ct.String())
}

// UnmarshalJSON adheres to the [json.Unmarshaler] interface.
func (ct *ConversationType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseConversationType(s)
	if err != nil {
		return err
	}
	*ct = parsed
	return nil
}

// Profile is a denormalized snapshot of a user's identity, attached to
// messages and members for display.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayName returns the profile's full name, falling back to the username.
func (p *Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Username
	}
	return name
}

// Reaction is a single (user, emoji) pair attached to a message. The engine
// treats reactions as a per-emoji toggle for each user.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"reaction"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single entry in a conversation's message list.
//
// ID is either a durable ID assigned by the persistence layer or a temporary
// client-generated ID (see [NewTempID]). ClientRequestID is generated at
// optimistic-creation time and echoed back by the persistence layer so that
// confirmations can be correlated to the pending message by key rather than
// by heuristic.
type Message struct {
	ID              string      `json:"id"`
	ClientRequestID string      `json:"client_request_id,omitempty"`
	ConversationID  string      `json:"conversation_id"`
	SenderID        string      `json:"sender_id"`
	Content         string      `json:"content,omitempty"`
	Type            MessageType `json:"message_type"`
	FileURL         string      `json:"file_url,omitempty"`
	FileName        string      `json:"file_name,omitempty"`
	FileSize        int64       `json:"file_size,omitempty"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	ForwardedFrom   string      `json:"forwarded_from,omitempty"`
	IsEdited        bool        `json:"is_edited"`
	IsDeleted       bool        `json:"is_deleted"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	Reactions []Reaction `json:"reactions,omitempty"`

	// Denormalized snapshots. ReplyMessage is resolved a single level deep;
	// its own ReplyMessage is always nil.
	Sender       *Profile `json:"sender,omitempty"`
	ReplyMessage *Message `json:"reply_message,omitempty"`

	// Status is engine-local delivery state; it is never sent on the wire.
	Status SentStatus `json:"-"`
}

// IsTemp reports whether the message has not yet been confirmed by the
// persistence layer.
func (m *Message) IsTemp() bool {
	return IsTempID(m.ID)
}

// Clone returns a deep copy of the message, including its reaction set and
// denormalized snapshots.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		copy(c.Reactions, m.Reactions)
	}
	if m.Sender != nil {
		sender := *m.Sender
		c.Sender = &sender
	}
	if m.ReplyMessage != nil {
		c.ReplyMessage = m.ReplyMessage.Clone()
	}
	return &c
}

// HasReaction reports whether the given user has toggled the given emoji on
// this message.
func (m *Message) HasReaction(userID, emoji string) bool {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID && m.Reactions[i].Emoji == emoji {
			return true
		}
	}
	return false
}

// MessageUpdate is a partial mutation of a message. Nil fields are left
// unchanged.
type MessageUpdate struct {
	Content   *string
	FileURL   *string
	FileName  *string
	FileSize  *int64
	IsEdited  *bool
	IsDeleted *bool
	UpdatedAt *time.Time

	// Reactions, when non-nil, replaces the message's entire reaction set.
	Reactions *[]Reaction

	// Status, when non-nil, updates the engine-local delivery state.
	Status *SentStatus
}

// MessagePage is one page of a conversation's history, ordered newest-first
// as returned by the persistence layer.
type MessagePage struct {
	Items      []*Message `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// Conversation is a private, group, or self conversation.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	Description   string           `json:"description,omitempty"`
	AvatarURL     string           `json:"avatar_url,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	IsDeleted     bool             `json:"is_deleted"`
	LastMessageAt time.Time        `json:"last_message_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ConversationMember is one user's membership in a conversation. PinnedAt is
// a personal annotation; pinning a conversation is per member, not a
// conversation-wide property.
type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	PinnedAt       *time.Time `json:"pinned_at,omitempty"`

	Profile *Profile `json:"profile,omitempty"`
}

// ConversationWithDetails is a conversation annotated with its membership,
// most recent message, and the requesting user's unread count.
type ConversationWithDetails struct {
	Conversation
	Members     []ConversationMember `json:"members"`
	LastMessage *Message             `json:"last_message,omitempty"`
	UnreadCount int                  `json:"unread_count"`
}

// RoleOf returns the role the given user holds in the conversation, or false
// if they are not a member.
func (c *ConversationWithDetails) RoleOf(userID string) (Role, bool) {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return c.Members[i].Role, true
		}
	}
	return 0, false
}

// Member returns the membership entry for the given user, or nil.
func (c *ConversationWithDetails) Member(userID string) *ConversationMember {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// ConversationUpdate is a partial mutation of a group conversation's
// settings. Nil fields are left unchanged.
type ConversationUpdate struct {
	Name        *string
	Description *string
	AvatarURL   *string
}

// ReadReceipt records how far a user has read in a conversation. Messages
// created after LastReadAt by other users count as unread; with no receipt at
// all, every message from others is unread.
type ReadReceipt struct {
	ConversationID    string    `json:"conversation_id"`
	UserID            string    `json:"user_id"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty"`
	LastReadAt        time.Time `json:"last_read_at"`
}

// FileMeta is the file attachment metadata for image and file messages.
type FileMeta struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}
