////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package postgres is the production persistence layer. It stores profiles,
// conversations, membership, messages, reactions, and read receipts in
// Postgres and publishes message inserts and updates on the change bus after
// each write commits, standing in for a database change feed.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/chat"
)

// defaultPageSize is the page length used when a caller passes no limit.
const defaultPageSize = 50

// Store is the Postgres persistence layer.
type Store struct {
	pool *pgxpool.Pool
	bus  bus.Bus
}

// Connect opens a connection pool and verifies it with a ping. A nil bus
// disables change publishing.
func Connect(ctx context.Context, dsn string, b bus.Bus) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres DSN")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres pool")
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	jww.INFO.Printf("Connected to postgres at %s", cfg.ConnConfig.Host)
	return &Store{pool: pool, bus: b}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// schema is applied idempotently on startup.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    username    TEXT NOT NULL UNIQUE,
    first_name  TEXT NOT NULL DEFAULT '',
    last_name   TEXT NOT NULL DEFAULT '',
    avatar_url  TEXT NOT NULL DEFAULT '',
    is_online   BOOLEAN NOT NULL DEFAULT FALSE,
    last_seen   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    type            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    avatar_url      TEXT NOT NULL DEFAULT '',
    created_by      UUID REFERENCES profiles(id),
    is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
    last_message_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_members (
    conversation_id UUID NOT NULL REFERENCES conversations(id),
    user_id         UUID NOT NULL REFERENCES profiles(id),
    role            TEXT NOT NULL DEFAULT 'member',
    joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    pinned_at       TIMESTAMPTZ,
    PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    client_request_id TEXT NOT NULL DEFAULT '',
    conversation_id   UUID NOT NULL REFERENCES conversations(id),
    sender_id         UUID NOT NULL REFERENCES profiles(id),
    content           TEXT NOT NULL DEFAULT '',
    message_type      TEXT NOT NULL DEFAULT 'text',
    file_url          TEXT NOT NULL DEFAULT '',
    file_name         TEXT NOT NULL DEFAULT '',
    file_size         BIGINT NOT NULL DEFAULT 0,
    reply_to          UUID REFERENCES messages(id),
    forwarded_from    UUID,
    is_edited         BOOLEAN NOT NULL DEFAULT FALSE,
    is_deleted        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_conversation_created
    ON messages (conversation_id, created_at DESC);

CREATE TABLE IF NOT EXISTS message_reactions (
    message_id UUID NOT NULL REFERENCES messages(id),
    user_id    UUID NOT NULL REFERENCES profiles(id),
    reaction   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, user_id, reaction)
);

CREATE TABLE IF NOT EXISTS read_receipts (
    conversation_id      UUID NOT NULL REFERENCES conversations(id),
    user_id              UUID NOT NULL REFERENCES profiles(id),
    last_read_message_id UUID,
    last_read_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, user_id)
);
`

// Migrate applies the schema idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

// publish emits a change event for a committed message row.
func (s *Store) publish(ctx context.Context, op bus.Op, msg *chat.Message) {
	if s.bus == nil {
		return
	}
	row, err := json.Marshal(msg)
	if err != nil {
		jww.ERROR.Printf("Failed to marshal change row: %+v", err)
		return
	}
	err = s.bus.PublishChange(ctx, msg.ConversationID,
		bus.ChangeEvent{Op: op, Row: row})
	if err != nil {
		jww.WARN.Printf("Failed to publish %s for message %s: %+v",
			op, msg.ID, err)
	}
}

const messageColumns = `m.id, m.client_request_id, m.conversation_id,
	m.sender_id, m.content, m.message_type, m.file_url, m.file_name,
	m.file_size, COALESCE(m.reply_to::text, ''),
	COALESCE(m.forwarded_from::text, ''), m.is_edited, m.is_deleted,
	m.created_at, m.updated_at,
	p.id, p.username, p.first_name, p.last_name, p.avatar_url, p.is_online,
	p.last_seen`

// scanMessage reads one message row with its joined sender profile. Enum
// columns are stored as text and parsed on the way out.
func scanMessage(row pgx.Row) (*chat.Message, error) {
	var msg chat.Message
	var sender chat.Profile
	var messageType string
	err := row.Scan(&msg.ID, &msg.ClientRequestID, &msg.ConversationID,
		&msg.SenderID, &msg.Content, &messageType, &msg.FileURL,
		&msg.FileName, &msg.FileSize, &msg.ReplyTo, &msg.ForwardedFrom,
		&msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt,
		&sender.ID, &sender.Username, &sender.FirstName, &sender.LastName,
		&sender.AvatarURL, &sender.IsOnline, &sender.LastSeen)
	if err != nil {
		return nil, err
	}
	if msg.Type, err = chat.ParseMessageType(messageType); err != nil {
		return nil, err
	}
	msg.Sender = &sender
	return &msg, nil
}

// CreateMessage inserts a message, echoing the client request ID, and
// publishes the insert on the change bus.
func (s *Store) CreateMessage(ctx context.Context,
	req chat.CreateMessageRequest) (*chat.Message, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (client_request_id, conversation_id, sender_id,
			content, message_type, file_url, file_name, file_size, reply_to,
			forwarded_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid,
			NULLIF($10, '')::uuid)
		RETURNING id`,
		req.ClientRequestID, req.ConversationID, req.SenderID, req.Content,
		req.Type.String(), req.FileURL, req.FileName, req.FileSize,
		req.ReplyTo, req.ForwardedFrom).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert message")
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET last_message_at = now(), updated_at = now()
		WHERE id = $1`, req.ConversationID)
	if err != nil {
		jww.WARN.Printf("Failed to bump conversation %q activity: %+v",
			req.ConversationID, err)
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, bus.OpInsert, msg)
	return msg, nil
}

// GetMessage returns a message with its sender, reactions, and one level of
// reply context.
func (s *Store) GetMessage(ctx context.Context, id string) (
	*chat.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN profiles p ON p.id = m.sender_id
		WHERE m.id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, chat.MessageNotFoundErr
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to fetch message")
	}

	if err = s.attachReactions(ctx, []*chat.Message{msg}); err != nil {
		return nil, err
	}
	if msg.ReplyTo != "" {
		parentRow := s.pool.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages m JOIN profiles p ON p.id = m.sender_id
			WHERE m.id = $1`, msg.ReplyTo)
		parent, err := scanMessage(parentRow)
		if err == nil {
			msg.ReplyMessage = parent
		} else if !errors.Is(err, pgx.ErrNoRows) {
			jww.WARN.Printf("Failed to fetch reply parent %q: %+v",
				msg.ReplyTo, err)
		}
	}
	return msg, nil
}

// attachReactions loads the reaction sets for a batch of messages.
func (s *Store) attachReactions(ctx context.Context,
	msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*chat.Message, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
		byID[msg.ID] = msg
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id, reaction, created_at
		FROM message_reactions WHERE message_id = ANY($1)
		ORDER BY created_at`, ids)
	if err != nil {
		return errors.Wrap(err, "failed to fetch reactions")
	}
	defer rows.Close()

	for rows.Next() {
		var r chat.Reaction
		if err = rows.Scan(&r.MessageID, &r.UserID, &r.Emoji,
			&r.CreatedAt); err != nil {
			return errors.Wrap(err, "failed to scan reaction")
		}
		byID[r.MessageID].Reactions = append(byID[r.MessageID].Reactions, r)
	}
	return errors.Wrap(rows.Err(), "failed to read reactions")
}

// UpdateMessage applies a partial update and publishes the updated row.
func (s *Store) UpdateMessage(ctx context.Context, id string,
	upd chat.MessageUpdate) (*chat.Message, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			content    = COALESCE($2, content),
			file_url   = COALESCE($3, file_url),
			file_name  = COALESCE($4, file_name),
			file_size  = COALESCE($5, file_size),
			is_edited  = COALESCE($6, is_edited),
			is_deleted = COALESCE($7, is_deleted),
			updated_at = now()
		WHERE id = $1`,
		id, upd.Content, upd.FileURL, upd.FileName, upd.FileSize,
		upd.IsEdited, upd.IsDeleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update message")
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, bus.OpUpdate, msg)
	return msg, nil
}

// DeleteMessage soft-deletes a message, clearing its content and attachment
// so reply references stay resolvable.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	deleted := true
	empty := ""
	var zero int64
	_, err := s.UpdateMessage(ctx, id, chat.MessageUpdate{
		Content:   &empty,
		FileURL:   &empty,
		FileName:  &empty,
		FileSize:  &zero,
		IsDeleted: &deleted,
	})
	return err
}

// ListMessages returns one page of history, newest first. The cursor is the
// ID of the oldest message of the previous page.
func (s *Store) ListMessages(ctx context.Context, conversationID,
	cursor string, limit int) (*chat.MessagePage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN profiles p ON p.id = m.sender_id
		WHERE m.conversation_id = $1
		  AND ($2 = '' OR m.created_at < (
				SELECT created_at FROM messages WHERE id = $2::uuid))
		ORDER BY m.created_at DESC
		LIMIT $3`, conversationID, cursor, limit+1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	page := &chat.MessagePage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		page.Items = append(page.Items, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read messages")
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
	}
	if len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	if err = s.attachReactions(ctx, page.Items); err != nil {
		return nil, err
	}
	return page, nil
}

// ToggleReaction removes the (user, emoji) pair if present, else inserts it.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID,
	emoji string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND reaction = $3`,
		messageID, userID, emoji)
	if err != nil {
		return errors.Wrap(err, "failed to toggle reaction")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO message_reactions (message_id, user_id, reaction)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, reaction) DO NOTHING`,
		messageID, userID, emoji)
	return errors.Wrap(err, "failed to add reaction")
}

// ListReactions returns a message's full reaction set.
func (s *Store) ListReactions(ctx context.Context, messageID string) (
	[]chat.Reaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id, reaction, created_at
		FROM message_reactions WHERE message_id = $1
		ORDER BY created_at`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reactions")
	}
	defer rows.Close()

	var out []chat.Reaction
	for rows.Next() {
		var r chat.Reaction
		if err = rows.Scan(&r.MessageID, &r.UserID, &r.Emoji,
			&r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan reaction")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to read reactions")
}

// MarkRead upserts the user's read receipt, advancing it to now.
func (s *Store) MarkRead(ctx context.Context, conversationID,
	userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO read_receipts (conversation_id, user_id,
			last_read_message_id, last_read_at)
		VALUES ($1, $2,
			(SELECT id FROM messages WHERE conversation_id = $1
				ORDER BY created_at DESC LIMIT 1),
			now())
		ON CONFLICT (conversation_id, user_id) DO UPDATE
			SET last_read_message_id = EXCLUDED.last_read_message_id,
				last_read_at = EXCLUDED.last_read_at`,
		conversationID, userID)
	return errors.Wrap(err, "failed to mark conversation read")
}
