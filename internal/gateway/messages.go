package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/tidwall/gjson"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/permissions"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
)

// channelContext resolves the channel, the sender's membership in its
// community, and the channel-scoped effective permissions. Validation and
// authorization failures come back as rejections before anything was
// persisted.
func (g *Gateway) channelContext(ctx context.Context, s *hub.Session, channelID string) (*store.Channel, *store.Membership, permissions.Flags, error) {
	channel, err := g.store.ChannelByID(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, permissions.Flags{}, rejection(ReasonNotFound)
	}
	if err != nil {
		return nil, nil, permissions.Flags{}, fmt.Errorf("load channel: %w", err)
	}

	membership, err := g.store.MembershipFor(ctx, s.UserID, channel.CommunityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, permissions.Flags{}, rejection(ReasonNotAuthorized)
	}
	if err != nil {
		return nil, nil, permissions.Flags{}, fmt.Errorf("load membership: %w", err)
	}
	if membership.Banned {
		return nil, nil, permissions.Flags{}, rejection(ReasonNotAuthorized)
	}
	if membership.TimedOut(time.Now()) {
		return nil, nil, permissions.Flags{}, rejection(ReasonTimedOut)
	}

	flags, err := g.resolver.Effective(ctx, membership.ID, channelID)
	if err != nil {
		return nil, nil, permissions.Flags{}, fmt.Errorf("resolve permissions: %w", err)
	}
	return channel, membership, flags, nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	var req struct {
		ChannelID   string             `json:"channel_id"`
		Content     string             `json:"content"`
		ReplyToID   string             `json:"reply_to_id"`
		Attachments []store.Attachment `json:"attachments"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ChannelID == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		g.fail(s, ref, ReasonTooLong)
		return
	}
	content = stripTags(content)

	channel, _, flags, err := g.channelContext(ctx, s, req.ChannelID)
	if err != nil {
		g.failOrLog(s, ref, err, "failed to send message")
		return
	}
	if !flags.SendMessages {
		g.fail(s, ref, ReasonNotAuthorized)
		return
	}
	if channel.Kind == store.ChannelVoice {
		g.fail(s, ref, ReasonReadOnly)
		return
	}
	if channel.Kind == store.ChannelAnnouncement && !flags.ManageMessages {
		g.fail(s, ref, ReasonReadOnly)
		return
	}

	msg := &store.Message{
		ID:          ksuid.New().String(),
		ChannelID:   channel.ID,
		AuthorID:    s.UserID,
		Content:     content,
		ReplyToID:   req.ReplyToID,
		Attachments: req.Attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.store.InsertMessage(ctx, msg); err != nil {
		g.logger.Error("failed to persist message", slog.Any("error", err))
		g.fail(s, ref, "failed to send message")
		return
	}
	if msg.ReplyToID != "" {
		// The parent row is already gone in rare delete races; count drift
		// there is acceptable, losing the reply is not.
		if err := g.store.IncrementReplyCount(ctx, msg.ReplyToID); err != nil {
			g.logger.Error("failed to increment reply count",
				slog.String("parentID", msg.ReplyToID),
				slog.Any("error", err),
			)
		}
	}

	msg.AuthorDisplayName = s.DisplayName
	msg.AuthorAvatarURL = s.AvatarURL

	g.broadcastRoom(channel.ID, EvtNewMessage, msg, uuid.Nil)

	// Enrichment runs out of band of the response.
	g.spawn("mention_notifications", func(ctx context.Context) error {
		return g.notifyMentions(ctx, s, msg)
	})
	g.spawn("link_preview", func(ctx context.Context) error {
		return g.enrichLinkPreview(ctx, msg)
	})

	g.respond(s, ref, Result{OK: true, Message: msg})
}

func (g *Gateway) handleEditMessage(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	var req struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		g.fail(s, ref, ReasonTooLong)
		return
	}
	content = stripTags(content)

	msg, err := g.store.MessageByID(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		g.fail(s, ref, ReasonNotFound)
		return
	}
	if err != nil {
		g.logger.Error("failed to load message", slog.Any("error", err))
		g.fail(s, ref, "failed to edit message")
		return
	}
	if msg.AuthorID != s.UserID {
		g.fail(s, ref, ReasonNotAuthorized)
		return
	}

	if err := g.store.UpdateMessageContent(ctx, msg.ID, content); err != nil {
		g.logger.Error("failed to update message", slog.Any("error", err))
		g.fail(s, ref, "failed to edit message")
		return
	}

	editedAt := time.Now().UTC()
	g.broadcastRoom(msg.ChannelID, EvtMessageUpdated, messageEditedEvent{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Content:   content,
		EditedAt:  editedAt.Format(time.RFC3339),
	}, uuid.Nil)
	g.respond(s, ref, Result{OK: true})
}

// handleDeleteMessage covers author deletion only; moderator deletion is a
// separate privileged path outside the realtime layer.
func (g *Gateway) handleDeleteMessage(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	messageID := gjson.GetBytes(payload, "message_id").String()
	if messageID == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	msg, err := g.store.MessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		g.fail(s, ref, ReasonNotFound)
		return
	}
	if err != nil {
		g.logger.Error("failed to load message", slog.Any("error", err))
		g.fail(s, ref, "failed to delete message")
		return
	}
	if msg.AuthorID != s.UserID {
		g.fail(s, ref, ReasonNotAuthorized)
		return
	}

	if err := g.store.DeleteMessage(ctx, msg.ID); err != nil {
		g.logger.Error("failed to delete message", slog.Any("error", err))
		g.fail(s, ref, "failed to delete message")
		return
	}
	if msg.ReplyToID != "" {
		if err := g.store.DecrementReplyCount(ctx, msg.ReplyToID); err != nil {
			g.logger.Error("failed to decrement reply count", slog.Any("error", err))
		}
	}
	if err := g.store.DeleteNotificationsForMessage(ctx, msg.ID); err != nil {
		g.logger.Error("failed to delete message notifications", slog.Any("error", err))
	}

	g.broadcastRoom(msg.ChannelID, EvtMessageDeleted, messageRefEvent{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
	}, uuid.Nil)
	g.respond(s, ref, Result{OK: true})
}

func (g *Gateway) handleAddReaction(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	g.handleReaction(ctx, s, ref, payload, true)
}

func (g *Gateway) handleRemoveReaction(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	g.handleReaction(ctx, s, ref, payload, false)
}

func (g *Gateway) handleReaction(ctx context.Context, s *hub.Session, ref string, payload []byte, add bool) {
	var req struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" || req.Emoji == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	msg, err := g.store.MessageByID(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		g.fail(s, ref, ReasonNotFound)
		return
	}
	if err != nil {
		g.logger.Error("failed to load message", slog.Any("error", err))
		g.fail(s, ref, "failed to update reaction")
		return
	}

	var changed bool
	if add {
		changed, err = g.store.AddReaction(ctx, msg.ID, s.UserID, req.Emoji)
	} else {
		changed, err = g.store.RemoveReaction(ctx, msg.ID, s.UserID, req.Emoji)
	}
	if err != nil {
		g.logger.Error("failed to update reaction", slog.Any("error", err))
		g.fail(s, ref, "failed to update reaction")
		return
	}

	// A duplicate add (or redundant remove) is an idempotent success with
	// no broadcast.
	if changed {
		event := EvtReactionAdded
		if !add {
			event = EvtReactionRemoved
		}
		g.broadcastRoom(msg.ChannelID, event, reactionEvent{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			Emoji:     req.Emoji,
			UserID:    s.UserID,
		}, uuid.Nil)
	}
	g.respond(s, ref, Result{OK: true})
}

func (g *Gateway) handlePinMessage(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	messageID := gjson.GetBytes(payload, "message_id").String()
	if messageID == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	msg, err := g.store.MessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		g.fail(s, ref, ReasonNotFound)
		return
	}
	if err != nil {
		g.logger.Error("failed to load message", slog.Any("error", err))
		g.fail(s, ref, "failed to pin message")
		return
	}

	_, _, flags, err := g.channelContext(ctx, s, msg.ChannelID)
	if err != nil {
		g.failOrLog(s, ref, err, "failed to pin message")
		return
	}
	if !flags.PinMessages {
		g.fail(s, ref, ReasonNotAuthorized)
		return
	}

	if err := g.store.SetMessagePinned(ctx, msg.ID, true); err != nil {
		g.logger.Error("failed to pin message", slog.Any("error", err))
		g.fail(s, ref, "failed to pin message")
		return
	}

	g.broadcastRoom(msg.ChannelID, EvtMessagePinned, messagePinnedEvent{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		PinnedBy:  s.UserID,
	}, uuid.Nil)
	g.respond(s, ref, Result{OK: true})
}

// handleTyping broadcasts a transient typing event to the room, sender
// excluded, and unconditionally schedules the matching stop 3 seconds
// later. Repeated stops are idempotent for the UI; the one-shot fires even
// when the room emptied in the meantime.
func (g *Gateway) handleTyping(s *hub.Session, payload []byte) {
	channelID := gjson.GetBytes(payload, "channel_id").String()
	if channelID == "" {
		return
	}

	ev := typingEvent{ChannelID: channelID, UserID: s.UserID, DisplayName: s.DisplayName}
	g.broadcastRoom(channelID, EvtTyping, ev, s.ID)

	stop := typingEvent{ChannelID: channelID, UserID: s.UserID}
	time.AfterFunc(g.typingExpiry, func() {
		g.broadcastRoom(channelID, EvtStopTyping, stop, s.ID)
	})
}

// failOrLog sends a rejection reason to the caller, or the generic
// fallback for upstream failures, which are additionally logged.
func (g *Gateway) failOrLog(s *hub.Session, ref string, err error, fallback string) {
	var r rejection
	if !errors.As(err, &r) {
		g.logger.Error("command failed", slog.Any("error", err))
	}
	g.fail(s, ref, reasonOf(err, fallback))
}

// notifyMentions creates a notification per distinct valid @mention and
// pushes it live to the mentioned user's connected sessions.
func (g *Gateway) notifyMentions(ctx context.Context, s *hub.Session, msg *store.Message) error {
	for _, username := range extractMentions(msg.Content, maxMentions) {
		user, err := g.store.UserByUsername(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve mention %q: %w", username, err)
		}
		if user.ID == s.UserID {
			continue
		}

		n := &store.Notification{
			ID:        ksuid.New().String(),
			UserID:    user.ID,
			Kind:      "mention",
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			ActorID:   s.UserID,
			CreatedAt: time.Now().UTC(),
		}
		if err := g.store.InsertNotification(ctx, n); err != nil {
			return fmt.Errorf("insert mention notification: %w", err)
		}
		g.sendToUser(user.ID, EvtNotification, n)
	}
	return nil
}

// enrichLinkPreview fetches a preview for the message's first URL and
// emits an update event when it is ready.
func (g *Gateway) enrichLinkPreview(ctx context.Context, msg *store.Message) error {
	if g.previewer == nil {
		return nil
	}
	urls := extractURLs(msg.Content)
	if len(urls) == 0 {
		return nil
	}

	preview, err := g.previewer.Fetch(ctx, urls[0])
	if err != nil {
		return fmt.Errorf("fetch link preview: %w", err)
	}
	if preview == nil {
		return nil
	}
	g.broadcastRoom(msg.ChannelID, EvtMessageUpdated, linkPreviewEvent{
		MessageID:   msg.ID,
		ChannelID:   msg.ChannelID,
		LinkPreview: preview,
	}, uuid.Nil)
	return nil
}
