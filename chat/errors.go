////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import "github.com/pkg/errors"

var (
	// MessageNotConfirmedErr is returned when an edit, delete, or reaction is
	// attempted against a message whose ID still carries the temporary
	// marker. The target is not yet confirmed to exist server-side, so no
	// network call is made.
	MessageNotConfirmedErr = errors.New(
		"the message has not been confirmed by the server yet")

	// MessageNotFoundErr is returned when the target message is not present
	// in the conversation store.
	MessageNotFoundErr = errors.New("the message cannot be found")

	// ConversationNotFoundErr is returned when the conversation is not
	// present in the conversation list.
	ConversationNotFoundErr = errors.New("the conversation cannot be found")

	// NotAMemberErr is returned when the acting user holds no role in the
	// conversation.
	NotAMemberErr = errors.New("the user is not a member of the conversation")

	// PermissionDeniedErr is returned when the acting user's role does not
	// meet the level required for the operation. Authorization is checked
	// before any optimistic mutation, so no partial state change occurs.
	PermissionDeniedErr = errors.New(
		"the user's role does not permit this operation")

	// OwnerCannotLeaveErr is returned when the group owner attempts to leave.
	// The owner must transfer ownership or delete the group instead.
	OwnerCannotLeaveErr = errors.New(
		"the owner cannot leave the group; transfer ownership or delete it")

	// CannotChangeOwnRoleErr is returned when the owner attempts to change
	// their own role.
	CannotChangeOwnRoleErr = errors.New("cannot change your own role")

	// NoActiveConversationErr is returned when an operation requires an open
	// conversation and none is active.
	NoActiveConversationErr = errors.New("no conversation is active")

	// NoRecipientsErr is returned when a forward names no target
	// conversations or users.
	NoRecipientsErr = errors.New("at least one recipient is required")
)
