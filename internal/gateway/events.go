package gateway

import (
	"encoding/json"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/presence"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/voice"
)

// ClientFrame is the envelope for every client->server command. Ref, when
// present, is echoed back on the response frame so the client can correlate
// request and response.
type ClientFrame struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is the envelope for every server->client frame, both command
// responses and broadcasts.
type ServerFrame struct {
	Event   string `json:"event"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Client->server commands.
const (
	CmdJoinChannel    = "join_channel"
	CmdLeaveChannel   = "leave_channel"
	CmdSendMessage    = "send_message"
	CmdEditMessage    = "edit_message"
	CmdDeleteMessage  = "delete_message"
	CmdAddReaction    = "add_reaction"
	CmdRemoveReaction = "remove_reaction"
	CmdPinMessage     = "pin_message"
	CmdTyping         = "typing"
	CmdSetStatus      = "set_status"
	CmdGetOnlineUsers = "get_online_users"
	CmdVoiceJoin      = "voice_join"
	CmdVoiceLeave     = "voice_leave"
	CmdVoiceState     = "voice_state_update"
	CmdGetVoiceStates = "get_voice_states"
	CmdVoiceOffer     = "voice_offer"
	CmdVoiceAnswer    = "voice_answer"
	CmdVoiceICE       = "voice_ice_candidate"
)

// Server->client events.
const (
	EvtResponse         = "response"
	EvtNewMessage       = "new_message"
	EvtMessageUpdated   = "message_updated"
	EvtMessageDeleted   = "message_deleted"
	EvtMessagePinned    = "message_pinned"
	EvtTyping           = "typing"
	EvtStopTyping       = "stop_typing"
	EvtReactionAdded    = "reaction_added"
	EvtReactionRemoved  = "reaction_removed"
	EvtPresenceUpdate   = "presence_update"
	EvtStatusChanged    = "status_changed"
	EvtNotification     = "notification"
	EvtVoiceUserJoined  = "voice_user_joined"
	EvtVoiceUserLeft    = "voice_user_left"
	EvtVoiceStateUpdate = "voice_state_update"
	EvtVoiceOffer       = "voice_offer"
	EvtVoiceAnswer      = "voice_answer"
	EvtVoiceICE         = "voice_ice_candidate"
)

// User-facing rejection reasons. Upstream failures are flattened to the
// per-command generic "failed to ..." string; internals never leak.
const (
	ReasonInvalidInput  = "invalid input"
	ReasonTooLong       = "message too long"
	ReasonNotAuthorized = "not authorized"
	ReasonTimedOut      = "timed out"
	ReasonReadOnly      = "read-only channel"
	ReasonNotFound      = "not found"
	ReasonNotInVoice    = "not in a voice room"
	ReasonUnknown       = "unknown command"
)

// Result is the structured payload of a command response.
type Result struct {
	OK           bool                `json:"ok"`
	Reason       string              `json:"reason,omitempty"`
	Message      *store.Message      `json:"message,omitempty"`
	Participants []voice.Participant `json:"participants,omitempty"`
	Users        []presence.Entry    `json:"users,omitempty"`
	Rooms        []voice.RoomState   `json:"rooms,omitempty"`
}

type presenceEvent struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

type typingEvent struct {
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type messageRefEvent struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

type messageEditedEvent struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	EditedAt  string `json:"edited_at"`
}

type messagePinnedEvent struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	PinnedBy  string `json:"pinned_by"`
}

type reactionEvent struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
}

type linkPreviewEvent struct {
	MessageID   string       `json:"message_id"`
	ChannelID   string       `json:"channel_id"`
	LinkPreview *LinkPreview `json:"link_preview"`
}

type voiceRoomEvent struct {
	RoomID      string             `json:"room_id"`
	UserID      string             `json:"user_id"`
	Participant *voice.Participant `json:"participant,omitempty"`
}

type signalEvent struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}
