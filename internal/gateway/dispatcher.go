package gateway

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
)

// HandleFrame routes one client frame to its command handler. Frames from
// a single connection arrive here in receipt order; frames from different
// connections interleave arbitrarily.
func (g *Gateway) HandleFrame(ctx context.Context, s *hub.Session, raw []byte) {
	event := gjson.GetBytes(raw, "event").String()
	if event == "" {
		g.logger.Warn("received frame without event", slog.String("userID", s.UserID))
		return
	}
	ref := gjson.GetBytes(raw, "ref").String()
	payload := []byte(gjson.GetBytes(raw, "payload").Raw)

	ctx, span := g.tracer.Start(ctx, "ws.command", trace.WithAttributes(
		attribute.String("command", event),
		attribute.String("user.id", s.UserID),
	))
	defer span.End()

	switch event {
	case CmdJoinChannel:
		g.handleJoinChannel(s, payload)
	case CmdLeaveChannel:
		g.handleLeaveChannel(s, payload)
	case CmdSendMessage:
		g.handleSendMessage(ctx, s, ref, payload)
	case CmdEditMessage:
		g.handleEditMessage(ctx, s, ref, payload)
	case CmdDeleteMessage:
		g.handleDeleteMessage(ctx, s, ref, payload)
	case CmdAddReaction:
		g.handleAddReaction(ctx, s, ref, payload)
	case CmdRemoveReaction:
		g.handleRemoveReaction(ctx, s, ref, payload)
	case CmdPinMessage:
		g.handlePinMessage(ctx, s, ref, payload)
	case CmdTyping:
		g.handleTyping(s, payload)
	case CmdSetStatus:
		g.handleSetStatus(ctx, s, ref, payload)
	case CmdGetOnlineUsers:
		g.handleGetOnlineUsers(s, ref)
	case CmdVoiceJoin:
		g.handleVoiceJoin(s, ref, payload)
	case CmdVoiceLeave:
		g.handleVoiceLeave(s, ref)
	case CmdVoiceState:
		g.handleVoiceState(s, ref, payload)
	case CmdGetVoiceStates:
		g.handleGetVoiceStates(s, ref)
	case CmdVoiceOffer:
		g.relaySignal(s, EvtVoiceOffer, payload)
	case CmdVoiceAnswer:
		g.relaySignal(s, EvtVoiceAnswer, payload)
	case CmdVoiceICE:
		g.relaySignal(s, EvtVoiceICE, payload)
	default:
		g.logger.Warn("received unknown command",
			slog.String("command", event),
			slog.String("userID", s.UserID),
		)
		if ref != "" {
			g.fail(s, ref, ReasonUnknown)
		}
	}
}

// handleJoinChannel subscribes the session to a channel room. Join is a
// pure subscription; permissions are enforced on every mutating command
// instead.
func (g *Gateway) handleJoinChannel(s *hub.Session, payload []byte) {
	channelID := gjson.GetBytes(payload, "channel_id").String()
	if channelID == "" {
		return
	}
	g.hub.JoinRoom(s, channelID)
}

func (g *Gateway) handleLeaveChannel(s *hub.Session, payload []byte) {
	channelID := gjson.GetBytes(payload, "channel_id").String()
	if channelID == "" {
		return
	}
	g.hub.LeaveRoom(s, channelID)
}
