// Package postgres implements the store contract on PostgreSQL via
// database/sql. The realtime core holds the interface; this adapter owns
// every SQL statement.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/permissions"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
)

type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection before handing
// the adapter out.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UserByID(ctx context.Context, id string) (*store.User, error) {
	const query = `
		SELECT id, username, COALESCE(display_name, username), COALESCE(avatar_url, ''),
		       token_version, COALESCE(saved_status, ''), COALESCE(saved_custom_status, '')
		FROM users WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	const query = `
		SELECT id, username, COALESCE(display_name, username), COALESCE(avatar_url, ''),
		       token_version, COALESCE(saved_status, ''), COALESCE(saved_custom_status, '')
		FROM users WHERE username = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *Store) scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL,
		&u.TokenVersion, &u.SavedStatus, &u.SavedCustomStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID, status, customStatus string) error {
	const query = `UPDATE users SET saved_status = $2, saved_custom_status = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, userID, status, customStatus)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MembershipFor(ctx context.Context, userID, communityID string) (*store.Membership, error) {
	const query = `
		SELECT id, user_id, community_id, banned, timeout_until
		FROM memberships WHERE user_id = $1 AND community_id = $2`
	var m store.Membership
	var timeoutUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, query, userID, communityID).
		Scan(&m.ID, &m.UserID, &m.CommunityID, &m.Banned, &timeoutUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan membership: %w", err)
	}
	if timeoutUntil.Valid {
		m.TimeoutUntil = &timeoutUntil.Time
	}
	return &m, nil
}

func (s *Store) ChannelByID(ctx context.Context, id string) (*store.Channel, error) {
	const query = `SELECT id, community_id, kind, name FROM channels WHERE id = $1`
	var c store.Channel
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.CommunityID, &c.Kind, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &c, nil
}

func (s *Store) RolesForMembership(ctx context.Context, membershipID string) ([]permissions.RoleGrant, error) {
	const query = `
		SELECT r.id, r.position, r.permissions
		FROM membership_roles mr
		JOIN roles r ON r.id = mr.role_id
		WHERE mr.membership_id = $1
		ORDER BY r.position`
	rows, err := s.db.QueryContext(ctx, query, membershipID)
	if err != nil {
		return nil, fmt.Errorf("query membership roles: %w", err)
	}
	defer rows.Close()

	var grants []permissions.RoleGrant
	for rows.Next() {
		var g permissions.RoleGrant
		var raw []byte
		if err := rows.Scan(&g.RoleID, &g.Position, &raw); err != nil {
			return nil, fmt.Errorf("scan role grant: %w", err)
		}
		if err := json.Unmarshal(raw, &g.Permissions); err != nil {
			return nil, fmt.Errorf("decode role permissions %s: %w", g.RoleID, err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) ChannelOverrides(ctx context.Context, channelID string, roleIDs []string) ([]permissions.ChannelOverride, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT role_id, send_messages, manage_messages, pin_messages
		FROM channel_overrides
		WHERE channel_id = $1 AND role_id = ANY($2)`
	rows, err := s.db.QueryContext(ctx, query, channelID, pq.Array(roleIDs))
	if err != nil {
		return nil, fmt.Errorf("query channel overrides: %w", err)
	}
	defer rows.Close()

	var overrides []permissions.ChannelOverride
	for rows.Next() {
		var o permissions.ChannelOverride
		if err := rows.Scan(&o.RoleID, &o.SendMessages, &o.ManageMessages, &o.PinMessages); err != nil {
			return nil, fmt.Errorf("scan channel override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, msg *store.Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	const query = `
		INSERT INTO messages (id, channel_id, author_id, content, reply_to_id, attachments, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, msg.ReplyToID, attachments, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) MessageByID(ctx context.Context, id string) (*store.Message, error) {
	const query = `
		SELECT id, channel_id, author_id, content, COALESCE(reply_to_id, ''),
		       attachments, reply_count, pinned, created_at, edited_at
		FROM messages WHERE id = $1`
	var m store.Message
	var attachments []byte
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.ReplyToID,
		&attachments, &m.ReplyCount, &m.Pinned, &m.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return &m, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	const query = `UPDATE messages SET content = $2, edited_at = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, content)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *Store) SetMessagePinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned = $2 WHERE id = $1`, id, pinned)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Reply counters mutate in SQL so concurrent replies never lose updates.

func (s *Store) IncrementReplyCount(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET reply_count = reply_count + 1 WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("increment reply count: %w", err)
	}
	return nil
}

func (s *Store) DecrementReplyCount(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET reply_count = GREATEST(reply_count - 1, 0) WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("decrement reply count: %w", err)
	}
	return nil
}

// AddReaction relies on the (message_id, user_id, emoji) primary key:
// a duplicate insert conflicts, affects zero rows, and reports unchanged.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	const query = `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add reaction result: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	const query = `DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`
	res, err := s.db.ExecContext(ctx, query, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction result: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertNotification(ctx context.Context, n *store.Notification) error {
	const query = `
		INSERT INTO notifications (id, user_id, kind, message_id, channel_id, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.Kind, n.MessageID, n.ChannelID, n.ActorID, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) DeleteNotificationsForMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message notifications: %w", err)
	}
	return nil
}
