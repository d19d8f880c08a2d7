////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Membership performs role-gated mutations of a conversation's membership
// and settings. Authorization runs before any mutation, so a denial leaves no
// partial state. Every successful mutation returns the full updated
// conversation, which is merged wholesale into the conversation list.
type Membership struct {
	self     *Profile
	convs    *ConversationList
	db       Persistence
	identity Identity
}

// NewMembership builds the membership resolver for the local user.
func NewMembership(self *Profile, convs *ConversationList, db Persistence,
	identity Identity) *Membership {
	return &Membership{self: self, convs: convs, db: db, identity: identity}
}

// roleIn resolves the local user's role in a conversation, consulting the
// in-memory list first and falling back to a fetch.
func (m *Membership) roleIn(ctx context.Context, conversationID string) (
	*ConversationWithDetails, Role, error) {
	conv, ok := m.convs.Get(conversationID)
	if !ok {
		fetched, err := m.db.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to fetch conversation")
		}
		conv = fetched
	}
	role, isMember := conv.RoleOf(m.self.ID)
	if !isMember {
		return conv, 0, NotAMemberErr
	}
	return conv, role, nil
}

// UpdateSettings edits a group's name, description, or avatar. Requires
// admin or owner. System messages describing the visible changes are posted
// to the conversation.
func (m *Membership) UpdateSettings(ctx context.Context, conversationID string,
	upd ConversationUpdate) (*ConversationWithDetails, error) {
	conv, role, err := m.roleIn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeSettingsUpdate(role); err != nil {
		return nil, err
	}

	var notices []string
	if upd.Name != nil && *upd.Name != conv.Name {
		notices = append(notices,
			fmt.Sprintf("changed the group name to %q", *upd.Name))
	}
	if upd.AvatarURL != nil && *upd.AvatarURL != conv.AvatarURL {
		if *upd.AvatarURL != "" {
			notices = append(notices, "changed the group photo")
		} else {
			notices = append(notices, "removed the group photo")
		}
	}

	updated, err := m.db.UpdateConversation(ctx, conversationID, upd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update group settings")
	}

	for _, notice := range notices {
		m.postSystemMessage(ctx, conversationID, notice)
	}

	m.convs.Replace(updated)
	return updated, nil
}

// AddMembers adds users to a group with the member role. Requires admin or
// owner.
func (m *Membership) AddMembers(ctx context.Context, conversationID string,
	userIDs []string) (*ConversationWithDetails, error) {
	_, role, err := m.roleIn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeAddMembers(role); err != nil {
		return nil, err
	}

	updated, err := m.db.AddMembers(ctx, conversationID, userIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to add members")
	}

	m.postSystemMessage(ctx, conversationID,
		fmt.Sprintf("added %d member(s) to the group", len(userIDs)))

	m.convs.Replace(updated)
	return updated, nil
}

// RemoveMember removes another user from a group. The owner can remove
// anyone; admins can remove plain members only.
func (m *Membership) RemoveMember(ctx context.Context, conversationID,
	userID string) (*ConversationWithDetails, error) {
	conv, role, err := m.roleIn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	targetRole, isMember := conv.RoleOf(userID)
	if !isMember {
		return nil, NotAMemberErr
	}
	if userID == m.self.ID {
		return nil, errors.New("use Leave to remove yourself")
	}
	if err := AuthorizeRemoveMember(role, targetRole); err != nil {
		return nil, err
	}

	updated, err := m.db.RemoveMember(ctx, conversationID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to remove member")
	}

	m.postSystemMessage(ctx, conversationID,
		"removed a member from the group")

	m.convs.Replace(updated)
	return updated, nil
}

// Leave removes the local user from a group. The owner cannot leave; they
// must transfer ownership or delete the group.
func (m *Membership) Leave(ctx context.Context, conversationID string) error {
	_, role, err := m.roleIn(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := AuthorizeLeave(role); err != nil {
		return err
	}

	m.postSystemMessage(ctx, conversationID, "left the group")

	if _, err := m.db.RemoveMember(ctx, conversationID, m.self.ID); err != nil {
		return errors.Wrap(err, "failed to leave the group")
	}

	m.convs.Remove(conversationID)
	return nil
}

// ChangeRole promotes a member to admin or demotes an admin back to member.
// Owner only, never targeting themselves.
func (m *Membership) ChangeRole(ctx context.Context, conversationID,
	userID string, newRole Role) (*ConversationWithDetails, error) {
	conv, role, err := m.roleIn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeRoleChange(role, userID == m.self.ID, newRole); err != nil {
		return nil, err
	}
	targetRole, isMember := conv.RoleOf(userID)
	if !isMember {
		return nil, NotAMemberErr
	}
	if targetRole == newRole {
		return nil, errors.Errorf("user is already a %s", newRole)
	}

	updated, err := m.db.ChangeRole(ctx, conversationID, userID, newRole)
	if err != nil {
		return nil, errors.Wrap(err, "failed to change role")
	}

	targetName := m.displayName(ctx, userID)
	if newRole == Admin {
		m.postSystemMessage(ctx, conversationID,
			fmt.Sprintf("made %s an admin", targetName))
	} else {
		m.postSystemMessage(ctx, conversationID,
			fmt.Sprintf("removed %s as admin", targetName))
	}

	m.convs.Replace(updated)
	return updated, nil
}

// DeleteGroup soft-deletes a group. Owner only. The deletion notice is posted
// before the conversation is marked deleted.
func (m *Membership) DeleteGroup(ctx context.Context, conversationID string) error {
	_, role, err := m.roleIn(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := AuthorizeGroupDelete(role); err != nil {
		return err
	}

	m.postSystemMessage(ctx, conversationID, "deleted this group")

	if err := m.db.DeleteConversation(ctx, conversationID); err != nil {
		return errors.Wrap(err, "failed to delete the group")
	}

	m.convs.Remove(conversationID)
	return nil
}

// TogglePin flips the local user's personal pin on a conversation.
func (m *Membership) TogglePin(ctx context.Context, conversationID string) (
	*time.Time, error) {
	if _, _, err := m.roleIn(ctx, conversationID); err != nil {
		return nil, err
	}

	pinnedAt, err := m.db.TogglePin(ctx, conversationID, m.self.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to toggle pin")
	}

	// Re-fetch rather than mutate the list's copy in place, so readers only
	// ever observe the conversation before or after the pin change.
	updated, err := m.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to refresh conversation")
	}
	m.convs.Replace(updated)
	return pinnedAt, nil
}

// postSystemMessage posts a system message attributed to the local user.
// System messages are informational; a failure is logged and otherwise
// ignored so it never blocks the mutation that triggered it.
func (m *Membership) postSystemMessage(ctx context.Context,
	conversationID, content string) {
	_, err := m.db.CreateMessage(ctx, CreateMessageRequest{
		ConversationID: conversationID,
		SenderID:       m.self.ID,
		Content:        content,
		Type:           System,
	})
	if err != nil {
		jww.WARN.Printf("Failed to post system message to %q: %+v",
			conversationID, err)
	}
}

// displayName resolves a user's display name, falling back to a placeholder
// when the profile cannot be fetched.
func (m *Membership) displayName(ctx context.Context, userID string) string {
	profile, err := m.identity.GetProfile(ctx, userID)
	if err != nil {
		return "Unknown User"
	}
	return profile.DisplayName()
}
