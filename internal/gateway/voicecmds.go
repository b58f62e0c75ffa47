package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/voice"
)

// handleVoiceJoin puts the user in the requested voice room, moving them
// out of any room they already occupy. The response carries the room's
// pre-existing participants so the client can initiate signaling offers
// toward each; occupancy changes broadcast globally so every sidebar can
// show them without subscribing to the room.
func (g *Gateway) handleVoiceJoin(s *hub.Session, ref string, payload []byte) {
	roomID := gjson.GetBytes(payload, "room_id").String()
	if roomID == "" {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	participant := voice.Participant{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		AvatarURL:   s.AvatarURL,
	}
	existing, previousRoom := g.voice.Join(roomID, participant)

	if previousRoom != "" {
		g.broadcastAll(EvtVoiceUserLeft, voiceRoomEvent{RoomID: previousRoom, UserID: s.UserID})
	}
	g.broadcastAll(EvtVoiceUserJoined, voiceRoomEvent{
		RoomID:      roomID,
		UserID:      s.UserID,
		Participant: &participant,
	})

	g.respond(s, ref, Result{OK: true, Participants: existing})
}

func (g *Gateway) handleVoiceLeave(s *hub.Session, ref string) {
	if roomID, left := g.voice.Leave(s.UserID); left {
		g.broadcastAll(EvtVoiceUserLeft, voiceRoomEvent{RoomID: roomID, UserID: s.UserID})
	}
	g.respond(s, ref, Result{OK: true})
}

func (g *Gateway) handleVoiceState(s *hub.Session, ref string, payload []byte) {
	var req struct {
		IsMuted    bool `json:"is_muted"`
		IsDeafened bool `json:"is_deafened"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	participant, roomID, err := g.voice.UpdateState(s.UserID, req.IsMuted, req.IsDeafened)
	if errors.Is(err, voice.ErrNotInRoom) {
		g.fail(s, ref, ReasonNotInVoice)
		return
	}

	g.broadcastAll(EvtVoiceStateUpdate, voiceRoomEvent{
		RoomID:      roomID,
		UserID:      s.UserID,
		Participant: &participant,
	})
	g.respond(s, ref, Result{OK: true})
}

func (g *Gateway) handleGetVoiceStates(s *hub.Session, ref string) {
	g.respond(s, ref, Result{OK: true, Rooms: g.voice.States()})
}

// relaySignal forwards a peer negotiation message to every live session of
// the target user; the sender does not know which device is in the room.
// Delivery is best-effort and unacknowledged: a target with no live
// sessions silently drops the message. Membership correctness is the join
// protocol's job, not the relay's.
func (g *Gateway) relaySignal(s *hub.Session, event string, payload []byte) {
	var req struct {
		To      string          `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.To == "" {
		g.logger.Debug("dropping malformed signaling message", slog.String("userID", s.UserID))
		return
	}
	g.sendToUser(req.To, event, signalEvent{From: s.UserID, Payload: req.Payload})
}
