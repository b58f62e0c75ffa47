package store

import "time"

// User is the persisted account snapshot the realtime layer reads at
// handshake time. TokenVersion is bumped on credential revocation; a token
// minted before the bump no longer resolves.
type User struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	DisplayName       string `json:"display_name"`
	AvatarURL         string `json:"avatar_url,omitempty"`
	TokenVersion      int    `json:"-"`
	SavedStatus       string `json:"-"`
	SavedCustomStatus string `json:"-"`
}

// Membership is a user's relationship to one community.
type Membership struct {
	ID           string
	UserID       string
	CommunityID  string
	Banned       bool
	TimeoutUntil *time.Time
}

// TimedOut reports whether the membership is under an active timeout.
func (m *Membership) TimedOut(now time.Time) bool {
	return m.TimeoutUntil != nil && m.TimeoutUntil.After(now)
}

type ChannelKind string

const (
	ChannelText         ChannelKind = "text"
	ChannelVoice        ChannelKind = "voice"
	ChannelAnnouncement ChannelKind = "announcement"
)

type Channel struct {
	ID          string
	CommunityID string
	Kind        ChannelKind
	Name        string
}

type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is a persisted chat message, enriched with author display fields
// before it is broadcast.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	AuthorID    string       `json:"author_id"`
	Content     string       `json:"content"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyCount  int          `json:"reply_count"`
	Pinned      bool         `json:"pinned"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`

	// Author display info, attached at broadcast time.
	AuthorDisplayName string `json:"author_display_name,omitempty"`
	AuthorAvatarURL   string `json:"author_avatar_url,omitempty"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}
