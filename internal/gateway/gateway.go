// Package gateway implements the realtime command protocol: per-session
// dispatch, the message fan-out rules, voice signaling, and presence
// propagation. Every mutating command re-checks permissions here even
// though read access was already gated on the request path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/permissions"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/presence"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/voice"
)

// typingExpiry is the fixed delay after which a matching stop_typing is
// broadcast. It is a one-shot auto-expiry, not a debounce.
const typingExpiry = 3 * time.Second

// backgroundTimeout bounds fire-and-forget work spawned by commands.
const backgroundTimeout = 10 * time.Second

// LinkPreview is the enrichment attached to a message once its first URL
// has been fetched out of band.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// LinkPreviewer is the external collaborator that fetches previews. A nil
// previewer disables enrichment.
type LinkPreviewer interface {
	Fetch(ctx context.Context, url string) (*LinkPreview, error)
}

type Gateway struct {
	logger   *slog.Logger
	hub      *hub.Hub
	presence *presence.Registry
	voice    *voice.Registry
	resolver *permissions.Resolver
	store    store.Store

	previewer LinkPreviewer
	tracer    trace.Tracer

	typingExpiry time.Duration
	bg           sync.WaitGroup
}

func New(logger *slog.Logger, h *hub.Hub, pr *presence.Registry, vr *voice.Registry, resolver *permissions.Resolver, st store.Store, previewer LinkPreviewer) *Gateway {
	return &Gateway{
		logger:       logger.With(slog.String("component", "gateway")),
		hub:          h,
		presence:     pr,
		voice:        vr,
		resolver:     resolver,
		store:        st,
		previewer:    previewer,
		tracer:       otel.Tracer("gateway"),
		typingExpiry: typingExpiry,
	}
}

// Hub exposes the connection index for the upgrade path's connection
// limiter.
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// Store exposes the backing store for the upgrade path's user lookup.
func (g *Gateway) Store() store.Store {
	return g.store
}

// StartSession activates an authenticated connection: the session joins
// the hub and the user's presence is created (or refreshed) and announced
// globally.
func (g *Gateway) StartSession(connID uuid.UUID, conn hub.Sender, user *store.User) *hub.Session {
	s := hub.NewSession(connID, user.ID, conn)
	s.Username = user.Username
	s.DisplayName = user.DisplayName
	s.AvatarURL = user.AvatarURL
	s.SavedStatus = user.SavedStatus
	s.SavedCustomStatus = user.SavedCustomStatus

	g.hub.Register(s)
	g.presence.SetOnline(user.ID, user.SavedStatus, user.SavedCustomStatus)

	entry, _ := g.presence.Get(user.ID)
	g.broadcastAll(EvtPresenceUpdate, publicPresence(entry))

	g.logger.Info("session active",
		slog.String("sessionID", s.ID.String()),
		slog.String("userID", user.ID),
	)
	return s
}

// CloseSession runs the disconnect cleanup: voice departure first, then
// presence removal if this was the user's last live connection. The order
// matters; voice occupancy must be released before the user can appear
// offline.
func (g *Gateway) CloseSession(s *hub.Session) {
	if roomID, left := g.voice.Leave(s.UserID); left {
		g.broadcastAll(EvtVoiceUserLeft, voiceRoomEvent{RoomID: roomID, UserID: s.UserID})
	}

	userID, remaining := g.hub.Deregister(s.ID)
	if userID == "" {
		return
	}
	if remaining == 0 {
		if g.presence.Remove(userID) {
			g.broadcastAll(EvtPresenceUpdate, presenceEvent{UserID: userID, Status: presence.StatusOffline})
		}
	}

	g.logger.Info("session closed",
		slog.String("sessionID", s.ID.String()),
		slog.String("userID", userID),
		slog.Int("remaining", remaining),
	)
}

// Drain blocks until all spawned background work has finished. Used on
// shutdown and by tests.
func (g *Gateway) Drain() {
	g.bg.Wait()
}

// spawn runs fire-and-forget work on its own context. Failures are logged,
// never surfaced into the originating command's result: the caller already
// received its response.
func (g *Gateway) spawn(name string, fn func(ctx context.Context) error) {
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			g.logger.Error("background task failed",
				slog.String("task", name),
				slog.Any("error", err),
			)
		}
	}()
}

// rejection is a user-facing command failure carrying its reason string.
type rejection string

func (r rejection) Error() string { return string(r) }

func reasonOf(err error, fallback string) string {
	var r rejection
	if errors.As(err, &r) {
		return string(r)
	}
	return fallback
}

// --- frame plumbing ---

func (g *Gateway) marshal(event, ref string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(ServerFrame{Event: event, Ref: ref, Payload: payload})
	if err != nil {
		g.logger.Error("failed to marshal server frame", slog.String("event", event), slog.Any("error", err))
		return nil, false
	}
	return raw, true
}

func (g *Gateway) respond(s *hub.Session, ref string, result Result) {
	if raw, ok := g.marshal(EvtResponse, ref, result); ok {
		s.Conn.Send(raw)
	}
}

func (g *Gateway) fail(s *hub.Session, ref, reason string) {
	g.respond(s, ref, Result{OK: false, Reason: reason})
}

func (g *Gateway) broadcastRoom(roomID, event string, payload any, exclude uuid.UUID) {
	if raw, ok := g.marshal(event, "", payload); ok {
		g.hub.BroadcastRoom(roomID, raw, exclude)
	}
}

func (g *Gateway) broadcastAll(event string, payload any) {
	if raw, ok := g.marshal(event, "", payload); ok {
		g.hub.BroadcastAll(raw)
	}
}

func (g *Gateway) sendToUser(userID, event string, payload any) int {
	raw, ok := g.marshal(event, "", payload)
	if !ok {
		return 0
	}
	return g.hub.SendToUser(userID, raw)
}

func publicPresence(e presence.Entry) presenceEvent {
	out := presenceEvent{UserID: e.UserID, Status: presence.PublicStatus(e.Status)}
	if e.Status != presence.StatusInvisible {
		out.CustomStatus = e.CustomStatus
	}
	return out
}
