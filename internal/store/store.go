// Package store defines the query/command contract the realtime core
// consumes. The relational schema behind it is owned elsewhere; the core
// only depends on these interfaces.
package store

import (
	"context"
	"errors"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/permissions"
)

var ErrNotFound = errors.New("not found")

// Store is the full contract. The postgres adapter implements it; tests
// substitute fakes.
type Store interface {
	// Identity
	UserByID(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUserStatus(ctx context.Context, userID, status, customStatus string) error

	// Memberships and channels
	MembershipFor(ctx context.Context, userID, communityID string) (*Membership, error)
	ChannelByID(ctx context.Context, id string) (*Channel, error)

	// Permission rows consumed by the resolver.
	permissions.Source

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	MessageByID(ctx context.Context, id string) (*Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	SetMessagePinned(ctx context.Context, id string, pinned bool) error

	// Reply counters are atomic on the store side; the core never
	// read-modify-writes them.
	IncrementReplyCount(ctx context.Context, messageID string) error
	DecrementReplyCount(ctx context.Context, messageID string) error

	// Reactions. AddReaction reports false when the (message, user, emoji)
	// row already existed; duplicate adds are idempotent successes.
	AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)

	// Notifications
	InsertNotification(ctx context.Context, n *Notification) error
	DeleteNotificationsForMessage(ctx context.Context, messageID string) error
}
