////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/chat"
	"github.com/theabhipatel/setu-chat-app/presence"
)

// CreateConversation creates a conversation with its initial membership in
// one transaction. Private conversations are deduplicated on the participant
// pair; an existing match is returned with existing set.
func (s *Store) CreateConversation(ctx context.Context,
	req chat.CreateConversationRequest) (*chat.ConversationWithDetails,
	bool, error) {
	switch req.Type {
	case chat.Private:
		if len(req.MemberIDs) != 1 {
			return nil, false, errors.New(
				"a private conversation needs exactly one other member")
		}
		var existingID string
		err := s.pool.QueryRow(ctx, `
			SELECT c.id FROM conversations c
			JOIN conversation_members a
				ON a.conversation_id = c.id AND a.user_id = $1
			JOIN conversation_members b
				ON b.conversation_id = c.id AND b.user_id = $2
			WHERE c.type = 'private' AND NOT c.is_deleted
			LIMIT 1`, req.CreatedBy, req.MemberIDs[0]).Scan(&existingID)
		if err == nil {
			conv, err := s.getConversation(ctx, existingID, req.CreatedBy)
			return conv, true, err
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errors.Wrap(err,
				"failed to look up existing private conversation")
		}
	case chat.Self:
		var existingID string
		err := s.pool.QueryRow(ctx, `
			SELECT c.id FROM conversations c
			JOIN conversation_members m
				ON m.conversation_id = c.id AND m.user_id = $1
			WHERE c.type = 'self' AND NOT c.is_deleted
			LIMIT 1`, req.CreatedBy).Scan(&existingID)
		if err == nil {
			conv, err := s.getConversation(ctx, existingID, req.CreatedBy)
			return conv, true, err
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errors.Wrap(err,
				"failed to look up existing self conversation")
		}
	case chat.Group:
		if req.Name == "" {
			return nil, false, errors.New("a group needs a name")
		}
	default:
		return nil, false, errors.Errorf("invalid conversation type %d",
			req.Type)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil &&
			!errors.Is(err, pgx.ErrTxClosed) {
			jww.WARN.Printf("Failed to roll back: %+v", err)
		}
	}()

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (type, name, description, created_by)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		req.Type.String(), req.Name, req.Description,
		req.CreatedBy).Scan(&id)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert conversation")
	}

	creatorRole := chat.Member
	if req.Type == chat.Group {
		creatorRole = chat.Owner
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, role)
		VALUES ($1, $2, $3)`, id, req.CreatedBy, creatorRole.String())
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert creator")
	}
	for _, userID := range req.MemberIDs {
		if userID == req.CreatedBy {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, 'member')
			ON CONFLICT (conversation_id, user_id) DO NOTHING`, id, userID)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to insert member")
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit conversation")
	}

	conv, err := s.getConversation(ctx, id, req.CreatedBy)
	return conv, false, err
}

// getConversation assembles one conversation's full view for a user. An
// empty forUser skips the unread count.
func (s *Store) getConversation(ctx context.Context, id, forUser string) (
	*chat.ConversationWithDetails, error) {
	out := &chat.ConversationWithDetails{}
	var convType string
	var lastMessageAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, name, description, avatar_url,
			COALESCE(created_by::text, ''), is_deleted, last_message_at,
			created_at, updated_at
		FROM conversations WHERE id = $1 AND NOT is_deleted`, id).Scan(
		&out.ID, &convType, &out.Name, &out.Description, &out.AvatarURL,
		&out.CreatedBy, &out.IsDeleted, &lastMessageAt, &out.CreatedAt,
		&out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.ConversationNotFoundErr
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to fetch conversation")
	}
	if out.Type, err = chat.ParseConversationType(convType); err != nil {
		return nil, err
	}
	if lastMessageAt != nil {
		out.LastMessageAt = *lastMessageAt
	}

	rows, err := s.pool.Query(ctx, `
		SELECT m.conversation_id, m.user_id, m.role, m.joined_at, m.pinned_at,
			p.id, p.username, p.first_name, p.last_name, p.avatar_url,
			p.is_online, p.last_seen
		FROM conversation_members m JOIN profiles p ON p.id = m.user_id
		WHERE m.conversation_id = $1
		ORDER BY m.user_id`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch members")
	}
	defer rows.Close()

	for rows.Next() {
		var member chat.ConversationMember
		var profile chat.Profile
		var role string
		err = rows.Scan(&member.ConversationID, &member.UserID, &role,
			&member.JoinedAt, &member.PinnedAt,
			&profile.ID, &profile.Username, &profile.FirstName,
			&profile.LastName, &profile.AvatarURL, &profile.IsOnline,
			&profile.LastSeen)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan member")
		}
		if member.Role, err = chat.ParseRole(role); err != nil {
			return nil, err
		}
		member.Profile = &profile
		out.Members = append(out.Members, member)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read members")
	}

	var lastID string
	err = s.pool.QueryRow(ctx, `
		SELECT id FROM messages WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT 1`, id).Scan(&lastID)
	if err == nil {
		if out.LastMessage, err = s.GetMessage(ctx, lastID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to fetch last message")
	}

	if forUser != "" {
		err = s.pool.QueryRow(ctx, `
			SELECT count(*) FROM messages m
			WHERE m.conversation_id = $1 AND m.sender_id <> $2
			  AND m.created_at > COALESCE(
				(SELECT last_read_at FROM read_receipts
				 WHERE conversation_id = $1 AND user_id = $2),
				'epoch')`, id, forUser).Scan(&out.UnreadCount)
		if err != nil {
			return nil, errors.Wrap(err, "failed to count unread messages")
		}
	}
	return out, nil
}

// GetConversation returns one conversation with membership and its most
// recent message.
func (s *Store) GetConversation(ctx context.Context, id string) (
	*chat.ConversationWithDetails, error) {
	return s.getConversation(ctx, id, "")
}

// ListConversations returns every conversation the user belongs to, newest
// activity first, with per-user unread counts.
func (s *Store) ListConversations(ctx context.Context, userID string) (
	[]*chat.ConversationWithDetails, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1 AND NOT c.is_deleted
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan conversation ID")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read conversations")
	}

	out := make([]*chat.ConversationWithDetails, 0, len(ids))
	for _, id := range ids {
		conv, err := s.getConversation(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// AddMembers inserts memberships with the member role, skipping users who
// are already members.
func (s *Store) AddMembers(ctx context.Context, conversationID string,
	userIDs []string) (*chat.ConversationWithDetails, error) {
	for _, userID := range userIDs {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, 'member')
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conversationID, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to add member %q", userID)
		}
	}
	return s.getConversation(ctx, conversationID, "")
}

// RemoveMember deletes a user's membership.
func (s *Store) RemoveMember(ctx context.Context, conversationID,
	userID string) (*chat.ConversationWithDetails, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to remove member")
	}
	if tag.RowsAffected() == 0 {
		return nil, chat.NotAMemberErr
	}
	return s.getConversation(ctx, conversationID, "")
}

// ChangeRole sets a member's role.
func (s *Store) ChangeRole(ctx context.Context, conversationID, userID string,
	role chat.Role) (*chat.ConversationWithDetails, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_members SET role = $3
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, role.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to change role")
	}
	if tag.RowsAffected() == 0 {
		return nil, chat.NotAMemberErr
	}
	return s.getConversation(ctx, conversationID, "")
}

// UpdateConversation applies a partial settings update.
func (s *Store) UpdateConversation(ctx context.Context, id string,
	upd chat.ConversationUpdate) (*chat.ConversationWithDetails, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			name        = COALESCE($2, name),
			description = COALESCE($3, description),
			avatar_url  = COALESCE($4, avatar_url),
			updated_at  = now()
		WHERE id = $1 AND NOT is_deleted`,
		id, upd.Name, upd.Description, upd.AvatarURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}
	return s.getConversation(ctx, id, "")
}

// DeleteConversation soft-deletes a conversation.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET is_deleted = TRUE, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	if tag.RowsAffected() == 0 {
		return chat.ConversationNotFoundErr
	}
	return nil
}

// TogglePin flips the user's personal pin; the returned time is nil when the
// toggle unpinned.
func (s *Store) TogglePin(ctx context.Context, conversationID,
	userID string) (*time.Time, error) {
	var pinnedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE conversation_members
		SET pinned_at = CASE WHEN pinned_at IS NULL THEN now() END
		WHERE conversation_id = $1 AND user_id = $2
		RETURNING pinned_at`, conversationID, userID).Scan(&pinnedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.NotAMemberErr
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to toggle pin")
	}
	return pinnedAt, nil
}

// GetProfile returns a user's profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (
	*chat.Profile, error) {
	var p chat.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, first_name, last_name, avatar_url, is_online,
			last_seen
		FROM profiles WHERE id = $1`, userID).Scan(
		&p.ID, &p.Username, &p.FirstName, &p.LastName, &p.AvatarURL,
		&p.IsOnline, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Errorf("unknown user %q", userID)
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to fetch profile")
	}
	return &p, nil
}

// SearchUsers matches the query case-insensitively against usernames and
// full names.
func (s *Store) SearchUsers(ctx context.Context, query string) (
	[]*chat.Profile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, first_name, last_name, avatar_url, is_online,
			last_seen
		FROM profiles
		WHERE username ILIKE '%' || $1 || '%'
		   OR (first_name || ' ' || last_name) ILIKE '%' || $1 || '%'
		ORDER BY username
		LIMIT 20`, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search users")
	}
	defer rows.Close()

	var out []*chat.Profile
	for rows.Next() {
		var p chat.Profile
		err = rows.Scan(&p.ID, &p.Username, &p.FirstName, &p.LastName,
			&p.AvatarURL, &p.IsOnline, &p.LastSeen)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan profile")
		}
		out = append(out, &p)
	}
	return out, errors.Wrap(rows.Err(), "failed to read profiles")
}

// SetStatus records a presence update on the user's profile row.
func (s *Store) SetStatus(ctx context.Context, userID string,
	status presence.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE profiles SET is_online = $2, last_seen = now()
		WHERE id = $1`, userID, status == presence.StatusOnline)
	return errors.Wrap(err, "failed to write presence status")
}
