package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/presence"
)

// handleSetStatus persists the new status, updates the live registry, and
// announces the change globally. Invisible is stored faithfully but
// broadcast as offline with the custom status withheld.
func (g *Gateway) handleSetStatus(ctx context.Context, s *hub.Session, ref string, payload []byte) {
	var req struct {
		Status       string `json:"status"`
		CustomStatus string `json:"custom_status"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || !presence.ValidStatus(req.Status) {
		g.fail(s, ref, ReasonInvalidInput)
		return
	}

	if err := g.store.UpdateUserStatus(ctx, s.UserID, req.Status, req.CustomStatus); err != nil {
		g.logger.Error("failed to persist status", slog.Any("error", err))
		g.fail(s, ref, "failed to update status")
		return
	}

	g.presence.SetStatus(s.UserID, req.Status, req.CustomStatus)
	entry, _ := g.presence.Get(s.UserID)
	g.broadcastAll(EvtStatusChanged, publicPresence(entry))

	g.respond(s, ref, Result{OK: true})
}

func (g *Gateway) handleGetOnlineUsers(s *hub.Session, ref string) {
	g.respond(s, ref, Result{OK: true, Users: g.presence.Snapshot()})
}
