package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/hub"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/permissions"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/presence"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/store"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/voice"
)

// recorder captures frames sent to one session. Background tasks write
// concurrently, so access is locked.
type recorder struct {
	mu     sync.Mutex
	frames []recvFrame
	closed bool
}

type recvFrame struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

func (r *recorder) Send(message []byte) {
	var f recvFrame
	if err := json.Unmarshal(message, &f); err != nil {
		panic("recorder received unparseable frame: " + err.Error())
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) Close(err error) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) (recvFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Event == event {
			return r.frames[i], true
		}
	}
	return recvFrame{}, false
}

func (r *recorder) response(t *testing.T, ref string) Result {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Event == EvtResponse && r.frames[i].Ref == ref {
			var res Result
			if err := json.Unmarshal(r.frames[i].Payload, &res); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			return res
		}
	}
	t.Fatalf("no response with ref %q recorded", ref)
	return Result{}
}

// fakeStore is an in-memory Store. All methods lock; background tasks run
// concurrently with test assertions.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]*store.User
	byUsername    map[string]*store.User
	memberships   map[string]*store.Membership
	channels      map[string]*store.Channel
	roles         map[string][]permissions.RoleGrant
	overrides     map[string][]permissions.ChannelOverride
	messages      map[string]*store.Message
	notifications []*store.Notification
	reactions     map[string]map[string]struct{}
	statusWrites  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]*store.User),
		byUsername:  make(map[string]*store.User),
		memberships: make(map[string]*store.Membership),
		channels:    make(map[string]*store.Channel),
		roles:       make(map[string][]permissions.RoleGrant),
		overrides:   make(map[string][]permissions.ChannelOverride),
		messages:    make(map[string]*store.Message),
		reactions:   make(map[string]map[string]struct{}),
	}
}

func (f *fakeStore) addUser(u *store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	f.byUsername[u.Username] = u
}

func (f *fakeStore) addMember(userID, communityID string, m *store.Membership, grants ...permissions.RoleGrant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[userID+"/"+communityID] = m
	f.roles[m.ID] = grants
}

func (f *fakeStore) UserByID(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UserByUsername(_ context.Context, username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UpdateUserStatus(_ context.Context, userID, status, customStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWrites++
	if u, ok := f.users[userID]; ok {
		u.SavedStatus = status
		u.SavedCustomStatus = customStatus
	}
	return nil
}

func (f *fakeStore) MembershipFor(_ context.Context, userID, communityID string) (*store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[userID+"/"+communityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) ChannelByID(_ context.Context, id string) (*store.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) RolesForMembership(_ context.Context, membershipID string) ([]permissions.RoleGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[membershipID], nil
}

func (f *fakeStore) ChannelOverrides(_ context.Context, channelID string, _ []string) ([]permissions.ChannelOverride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrides[channelID], nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *msg
	f.messages[msg.ID] = &stored
	return nil
}

func (f *fakeStore) MessageByID(_ context.Context, id string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) UpdateMessageContent(_ context.Context, id, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Content = content
	now := time.Now().UTC()
	m.EditedAt = &now
	return nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) SetMessagePinned(_ context.Context, id string, pinned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Pinned = pinned
	return nil
}

func (f *fakeStore) IncrementReplyCount(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok {
		m.ReplyCount++
	}
	return nil
}

func (f *fakeStore) DecrementReplyCount(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok && m.ReplyCount > 0 {
		m.ReplyCount--
	}
	return nil
}

func (f *fakeStore) AddReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.reactions[messageID]
	if !ok {
		set = make(map[string]struct{})
		f.reactions[messageID] = set
	}
	key := userID + "/" + emoji
	if _, exists := set[key]; exists {
		return false, nil
	}
	set[key] = struct{}{}
	return true, nil
}

func (f *fakeStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.reactions[messageID]
	if !ok {
		return false, nil
	}
	key := userID + "/" + emoji
	if _, exists := set[key]; !exists {
		return false, nil
	}
	delete(set, key)
	return true, nil
}

func (f *fakeStore) InsertNotification(_ context.Context, n *store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) DeleteNotificationsForMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.notifications[:0]
	for _, n := range f.notifications {
		if n.MessageID != messageID {
			kept = append(kept, n)
		}
	}
	f.notifications = kept
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestGateway(t *testing.T) (*Gateway, *fakeStore) {
	t.Helper()
	logger := discardLogger()
	st := newFakeStore()
	g := New(
		logger,
		hub.New(logger),
		presence.NewRegistry(logger),
		voice.NewRegistry(logger),
		permissions.NewResolver(st, logger),
		st,
		nil,
	)
	return g, st
}

func connect(g *Gateway, user *store.User) (*hub.Session, *recorder) {
	rec := &recorder{}
	s := g.StartSession(uuid.New(), rec, user)
	return s, rec
}

func frame(t *testing.T, event, ref string, payload any) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	b, err := json.Marshal(ClientFrame{Event: event, Ref: ref, Payload: raw})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

var memberFlags = permissions.Flags{SendMessages: true}

// seedChannel creates a text channel plus a member user who can send.
func seedChannel(st *fakeStore, channelID string, kind store.ChannelKind, userID string, flags permissions.Flags) *store.User {
	u := &store.User{ID: userID, Username: userID, DisplayName: "The " + userID}
	st.addUser(u)
	st.mu.Lock()
	st.channels[channelID] = &store.Channel{ID: channelID, CommunityID: "c1", Kind: kind}
	st.mu.Unlock()
	st.addMember(userID, "c1", &store.Membership{ID: "m-" + userID, UserID: userID, CommunityID: "c1"},
		permissions.RoleGrant{RoleID: "r-member", Position: 5, Permissions: flags})
	return u
}

func TestSendMessageBroadcastsToChannel(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	sb, rb := connect(g, bob)
	g.hub.JoinRoom(sa, "ch1")
	g.hub.JoinRoom(sb, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1",
		"content":    "  hello <b>world</b>  ",
	}))
	g.Drain()

	res := ra.response(t, "r1")
	if !res.OK {
		t.Fatalf("expected ok response, got reason %q", res.Reason)
	}
	if res.Message == nil || res.Message.Content != "hello world" {
		t.Fatalf("expected sanitized trimmed content, got %+v", res.Message)
	}
	if res.Message.AuthorDisplayName != "The alice" {
		t.Errorf("expected author enrichment, got %q", res.Message.AuthorDisplayName)
	}

	f, ok := rb.last(EvtNewMessage)
	if !ok {
		t.Fatal("expected new_message broadcast to other member")
	}
	var got store.Message
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if got.Content != "hello world" || got.AuthorID != "alice" {
		t.Errorf("unexpected broadcast message %+v", got)
	}
	if ra.count(EvtNewMessage) != 1 {
		t.Errorf("sender should also receive the room broadcast once, got %d", ra.count(EvtNewMessage))
	}
}

func TestSendMessageRejections(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "text", store.ChannelText, "alice", memberFlags)
	st.mu.Lock()
	st.channels["voice"] = &store.Channel{ID: "voice", CommunityID: "c1", Kind: store.ChannelVoice}
	st.channels["ann"] = &store.Channel{ID: "ann", CommunityID: "c1", Kind: store.ChannelAnnouncement}
	st.mu.Unlock()

	muted := seedChannel(st, "text", store.ChannelText, "muted", permissions.Flags{})

	until := time.Now().Add(time.Hour)
	timedOut := &store.User{ID: "slow", Username: "slow"}
	st.addUser(timedOut)
	st.addMember("slow", "c1", &store.Membership{ID: "m-slow", UserID: "slow", CommunityID: "c1", TimeoutUntil: &until},
		permissions.RoleGrant{RoleID: "r", Position: 5, Permissions: memberFlags})

	banned := &store.User{ID: "out", Username: "out"}
	st.addUser(banned)
	st.addMember("out", "c1", &store.Membership{ID: "m-out", UserID: "out", CommunityID: "c1", Banned: true},
		permissions.RoleGrant{RoleID: "r", Position: 5, Permissions: memberFlags})

	sa, ra := connect(g, alice)
	sm, rm := connect(g, muted)
	ss, rs := connect(g, timedOut)
	so, ro := connect(g, banned)

	cases := []struct {
		name    string
		session *hub.Session
		rec     *recorder
		payload map[string]any
		reason  string
	}{
		{"empty content", sa, ra, map[string]any{"channel_id": "text", "content": "   "}, ReasonInvalidInput},
		{"missing channel", sa, ra, map[string]any{"content": "hi"}, ReasonInvalidInput},
		{"over length", sa, ra, map[string]any{"channel_id": "text", "content": strings.Repeat("é", maxMessageLength+1)}, ReasonTooLong},
		{"unknown channel", sa, ra, map[string]any{"channel_id": "nope", "content": "hi"}, ReasonNotFound},
		{"voice channel", sa, ra, map[string]any{"channel_id": "voice", "content": "hi"}, ReasonReadOnly},
		{"announcement without manage", sa, ra, map[string]any{"channel_id": "ann", "content": "hi"}, ReasonReadOnly},
		{"no send permission", sm, rm, map[string]any{"channel_id": "text", "content": "hi"}, ReasonNotAuthorized},
		{"timed out member", ss, rs, map[string]any{"channel_id": "text", "content": "hi"}, ReasonTimedOut},
		{"banned member", so, ro, map[string]any{"channel_id": "text", "content": "hi"}, ReasonNotAuthorized},
	}
	for i, tc := range cases {
		ref := fmt.Sprintf("ref-%d", i)
		g.HandleFrame(context.Background(), tc.session, frame(t, CmdSendMessage, ref, tc.payload))
		res := tc.rec.response(t, ref)
		if res.OK || res.Reason != tc.reason {
			t.Errorf("%s: got ok=%v reason=%q, want reason %q", tc.name, res.OK, res.Reason, tc.reason)
		}
	}

	st.mu.Lock()
	stored := len(st.messages)
	st.mu.Unlock()
	if stored != 0 {
		t.Errorf("rejected sends must not persist, found %d messages", stored)
	}
}

func TestExactLengthMessageAccepted(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	sa, ra := connect(g, alice)

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1",
		"content":    strings.Repeat("é", maxMessageLength),
	}))
	g.Drain()
	if res := ra.response(t, "r1"); !res.OK {
		t.Fatalf("message at the limit should pass, got %q", res.Reason)
	}
}

func TestChannelOverrideDenyBlocksSend(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	st.mu.Lock()
	st.overrides["ch1"] = []permissions.ChannelOverride{
		{RoleID: "r-member", SendMessages: permissions.Deny},
	}
	st.mu.Unlock()

	sa, ra := connect(g, alice)
	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1", "content": "hi",
	}))
	if res := ra.response(t, "r1"); res.OK || res.Reason != ReasonNotAuthorized {
		t.Fatalf("deny override must block, got ok=%v reason=%q", res.OK, res.Reason)
	}
}

func TestMentionNotificationDelivered(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, _ := connect(g, alice)
	_, rb := connect(g, bob)

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1",
		"content":    "ping @bob and @alice and @ghost",
	}))
	g.Drain()

	f, ok := rb.last(EvtNotification)
	if !ok {
		t.Fatal("expected live notification for @bob")
	}
	var n store.Notification
	if err := json.Unmarshal(f.Payload, &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.UserID != "bob" || n.Kind != "mention" || n.ActorID != "alice" {
		t.Errorf("unexpected notification %+v", n)
	}

	st.mu.Lock()
	total := len(st.notifications)
	st.mu.Unlock()
	if total != 1 {
		t.Errorf("self-mentions and unknown users must not notify, got %d notifications", total)
	}
}

func TestEditMessageAuthorOnly(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	sb, rb := connect(g, bob)
	g.hub.JoinRoom(sb, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1", "content": "original",
	}))
	g.Drain()
	msgID := ra.response(t, "r1").Message.ID

	g.HandleFrame(context.Background(), sb, frame(t, CmdEditMessage, "r2", map[string]any{
		"message_id": msgID, "content": "hijacked",
	}))
	if res := rb.response(t, "r2"); res.OK || res.Reason != ReasonNotAuthorized {
		t.Fatalf("non-author edit must be rejected, got ok=%v reason=%q", res.OK, res.Reason)
	}

	g.HandleFrame(context.Background(), sa, frame(t, CmdEditMessage, "r3", map[string]any{
		"message_id": msgID, "content": "fixed <i>typo</i>",
	}))
	if res := ra.response(t, "r3"); !res.OK {
		t.Fatalf("author edit failed: %q", res.Reason)
	}

	f, ok := rb.last(EvtMessageUpdated)
	if !ok {
		t.Fatal("expected message_updated broadcast")
	}
	var ev messageEditedEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Content != "fixed typo" || ev.EditedAt == "" {
		t.Errorf("unexpected edit event %+v", ev)
	}
}

func TestDeleteMessageCleansUp(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	sb, rb := connect(g, bob)
	g.hub.JoinRoom(sb, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1", "content": "parent",
	}))
	g.Drain()
	parentID := ra.response(t, "r1").Message.ID

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r2", map[string]any{
		"channel_id": "ch1", "content": "reply mentioning @bob", "reply_to_id": parentID,
	}))
	g.Drain()
	replyID := ra.response(t, "r2").Message.ID

	st.mu.Lock()
	count := st.messages[parentID].ReplyCount
	st.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected reply count 1, got %d", count)
	}

	g.HandleFrame(context.Background(), sb, frame(t, CmdDeleteMessage, "r3", map[string]any{"message_id": replyID}))
	if res := rb.response(t, "r3"); res.OK || res.Reason != ReasonNotAuthorized {
		t.Fatalf("non-author delete must be rejected, got ok=%v reason=%q", res.OK, res.Reason)
	}

	g.HandleFrame(context.Background(), sa, frame(t, CmdDeleteMessage, "r4", map[string]any{"message_id": replyID}))
	if res := ra.response(t, "r4"); !res.OK {
		t.Fatalf("author delete failed: %q", res.Reason)
	}

	if _, ok := rb.last(EvtMessageDeleted); !ok {
		t.Error("expected message_deleted broadcast")
	}
	st.mu.Lock()
	_, stillThere := st.messages[replyID]
	parentCount := st.messages[parentID].ReplyCount
	remainingNotifs := len(st.notifications)
	st.mu.Unlock()
	if stillThere {
		t.Error("message should be gone")
	}
	if parentCount != 0 {
		t.Errorf("reply count should be decremented, got %d", parentCount)
	}
	if remainingNotifs != 0 {
		t.Errorf("notifications for the deleted message should be gone, got %d", remainingNotifs)
	}
}

func TestReactionIdempotent(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	sb, rb := connect(g, bob)
	g.hub.JoinRoom(sb, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1", "content": "react to me",
	}))
	g.Drain()
	msgID := ra.response(t, "r1").Message.ID

	add := map[string]any{"message_id": msgID, "emoji": "🎉"}
	g.HandleFrame(context.Background(), sa, frame(t, CmdAddReaction, "r2", add))
	g.HandleFrame(context.Background(), sa, frame(t, CmdAddReaction, "r3", add))

	if res := ra.response(t, "r3"); !res.OK {
		t.Fatalf("duplicate add must still succeed, got %q", res.Reason)
	}
	if n := rb.count(EvtReactionAdded); n != 1 {
		t.Errorf("duplicate add must not re-broadcast, got %d reaction_added events", n)
	}

	g.HandleFrame(context.Background(), sa, frame(t, CmdRemoveReaction, "r4", add))
	g.HandleFrame(context.Background(), sa, frame(t, CmdRemoveReaction, "r5", add))
	if res := ra.response(t, "r5"); !res.OK {
		t.Fatalf("redundant remove must still succeed, got %q", res.Reason)
	}
	if n := rb.count(EvtReactionRemoved); n != 1 {
		t.Errorf("redundant remove must not re-broadcast, got %d reaction_removed events", n)
	}
}

func TestPinMessageRequiresPermission(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	mod := seedChannel(st, "ch1", store.ChannelText, "mod", permissions.Flags{SendMessages: true, PinMessages: true})

	sa, ra := connect(g, alice)
	sm, rm := connect(g, mod)
	g.hub.JoinRoom(sa, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1", "content": "pin me",
	}))
	g.Drain()
	msgID := ra.response(t, "r1").Message.ID

	g.HandleFrame(context.Background(), sa, frame(t, CmdPinMessage, "r2", map[string]any{"message_id": msgID}))
	if res := ra.response(t, "r2"); res.OK || res.Reason != ReasonNotAuthorized {
		t.Fatalf("pin without permission must be rejected, got ok=%v reason=%q", res.OK, res.Reason)
	}

	g.HandleFrame(context.Background(), sm, frame(t, CmdPinMessage, "r3", map[string]any{"message_id": msgID}))
	if res := rm.response(t, "r3"); !res.OK {
		t.Fatalf("moderator pin failed: %q", res.Reason)
	}
	f, ok := ra.last(EvtMessagePinned)
	if !ok {
		t.Fatal("expected message_pinned broadcast")
	}
	var ev messagePinnedEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.PinnedBy != "mod" {
		t.Errorf("expected pinned_by mod, got %q", ev.PinnedBy)
	}
}

func TestTypingExcludesSenderAndAutoStops(t *testing.T) {
	g, st := newTestGateway(t)
	g.typingExpiry = 10 * time.Millisecond
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	sb, rb := connect(g, bob)
	g.hub.JoinRoom(sa, "ch1")
	g.hub.JoinRoom(sb, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdTyping, "", map[string]any{"channel_id": "ch1"}))

	if rb.count(EvtTyping) != 1 {
		t.Fatalf("expected typing event at bob, got %d", rb.count(EvtTyping))
	}
	if ra.count(EvtTyping) != 0 {
		t.Errorf("typing must not echo to the sender")
	}

	deadline := time.Now().Add(2 * time.Second)
	for rb.count(EvtStopTyping) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stop_typing never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSetStatusInvisibleReadsAsOffline(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, _ := connect(g, alice)
	sb, rb := connect(g, bob)

	g.HandleFrame(context.Background(), sa, frame(t, CmdSetStatus, "r1", map[string]any{
		"status": "invisible", "custom_status": "secret",
	}))

	f, ok := rb.last(EvtStatusChanged)
	if !ok {
		t.Fatal("expected status_changed broadcast")
	}
	var ev presenceEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Status != presence.StatusOffline {
		t.Errorf("invisible must broadcast as offline, got %q", ev.Status)
	}
	if ev.CustomStatus != "" {
		t.Errorf("custom status must be withheld while invisible, got %q", ev.CustomStatus)
	}

	g.HandleFrame(context.Background(), sb, frame(t, CmdGetOnlineUsers, "r2", nil))
	res := rb.response(t, "r2")
	for _, u := range res.Users {
		if u.UserID == "alice" {
			t.Errorf("invisible user must be absent from the online list")
		}
	}

	st.mu.Lock()
	saved := st.users["alice"].SavedStatus
	st.mu.Unlock()
	if saved != presence.StatusInvisible {
		t.Errorf("true status must be persisted, got %q", saved)
	}
}

func TestSetStatusRejectsUnknownValue(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	sa, ra := connect(g, alice)

	g.HandleFrame(context.Background(), sa, frame(t, CmdSetStatus, "r1", map[string]any{"status": "offline"}))
	if res := ra.response(t, "r1"); res.OK || res.Reason != ReasonInvalidInput {
		t.Fatalf("offline is not settable, got ok=%v reason=%q", res.OK, res.Reason)
	}
	st.mu.Lock()
	writes := st.statusWrites
	st.mu.Unlock()
	if writes != 0 {
		t.Errorf("rejected status must not hit the store, got %d writes", writes)
	}
}

func TestMultiDevicePresenceLifecycle(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	s1, _ := connect(g, alice)
	s2, _ := connect(g, alice)
	_, rb := connect(g, bob)

	offlineCount := func() int {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		n := 0
		for _, f := range rb.frames {
			if f.Event != EvtPresenceUpdate {
				continue
			}
			var ev presenceEvent
			if json.Unmarshal(f.Payload, &ev) == nil && ev.UserID == "alice" && ev.Status == presence.StatusOffline {
				n++
			}
		}
		return n
	}

	g.CloseSession(s1)
	if n := offlineCount(); n != 0 {
		t.Fatalf("first device closing must not announce offline, got %d", n)
	}

	g.CloseSession(s2)
	if n := offlineCount(); n != 1 {
		t.Fatalf("last device closing must announce offline exactly once, got %d", n)
	}

	// A second close of an already-gone session stays silent.
	g.CloseSession(s2)
	if n := offlineCount(); n != 1 {
		t.Fatalf("duplicate close must be a no-op, got %d offline events", n)
	}
}

func TestVoiceJoinMoveAndLeave(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	sb, rb := connect(g, bob)

	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceJoin, "r1", map[string]any{"room_id": "v1"}))
	if res := ra.response(t, "r1"); !res.OK || len(res.Participants) != 0 {
		t.Fatalf("first joiner should see an empty room, got %+v", res)
	}

	g.HandleFrame(context.Background(), sb, frame(t, CmdVoiceJoin, "r2", map[string]any{"room_id": "v1"}))
	res := rb.response(t, "r2")
	if !res.OK || len(res.Participants) != 1 || res.Participants[0].UserID != "alice" {
		t.Fatalf("second joiner should see alice, got %+v", res)
	}
	if ra.count(EvtVoiceUserJoined) < 2 {
		t.Errorf("voice joins must broadcast globally, alice saw %d", ra.count(EvtVoiceUserJoined))
	}

	// Joining another room implies leaving the first.
	g.HandleFrame(context.Background(), sb, frame(t, CmdVoiceJoin, "r3", map[string]any{"room_id": "v2"}))
	f, ok := ra.last(EvtVoiceUserLeft)
	if !ok {
		t.Fatal("expected voice_user_left for the implicit move")
	}
	var ev voiceRoomEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.RoomID != "v1" || ev.UserID != "bob" {
		t.Errorf("expected bob leaving v1, got %+v", ev)
	}

	g.HandleFrame(context.Background(), sa, frame(t, CmdGetVoiceStates, "r4", nil))
	states := ra.response(t, "r4")
	if len(states.Rooms) != 2 {
		t.Fatalf("expected two occupied rooms, got %+v", states.Rooms)
	}

	g.HandleFrame(context.Background(), sb, frame(t, CmdVoiceLeave, "r5", nil))
	if res := rb.response(t, "r5"); !res.OK {
		t.Fatalf("voice leave failed: %q", res.Reason)
	}
	g.HandleFrame(context.Background(), sa, frame(t, CmdGetVoiceStates, "r6", nil))
	states = ra.response(t, "r6")
	if len(states.Rooms) != 1 || states.Rooms[0].RoomID != "v1" {
		t.Fatalf("emptied room must disappear, got %+v", states.Rooms)
	}
}

func TestVoiceStateUpdate(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	_, rb := connect(g, bob)

	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceState, "r1", map[string]any{"is_muted": true}))
	if res := ra.response(t, "r1"); res.OK || res.Reason != ReasonNotInVoice {
		t.Fatalf("state update outside a room must fail, got ok=%v reason=%q", res.OK, res.Reason)
	}

	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceJoin, "r2", map[string]any{"room_id": "v1"}))
	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceState, "r3", map[string]any{"is_muted": true, "is_deafened": true}))
	if res := ra.response(t, "r3"); !res.OK {
		t.Fatalf("state update failed: %q", res.Reason)
	}

	f, ok := rb.last(EvtVoiceStateUpdate)
	if !ok {
		t.Fatal("expected voice_state_update broadcast")
	}
	var ev voiceRoomEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Participant == nil || !ev.Participant.IsMuted || !ev.Participant.IsDeafened {
		t.Errorf("unexpected participant state %+v", ev.Participant)
	}
}

func TestVoiceLeftOnDisconnect(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, _ := connect(g, alice)
	_, rb := connect(g, bob)

	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceJoin, "r1", map[string]any{"room_id": "v1"}))
	g.CloseSession(sa)

	f, ok := rb.last(EvtVoiceUserLeft)
	if !ok {
		t.Fatal("disconnect must release voice occupancy")
	}
	var ev voiceRoomEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.UserID != "alice" || ev.RoomID != "v1" {
		t.Errorf("unexpected departure %+v", ev)
	}
	if _, occupied := g.voice.Occupied("alice"); occupied {
		t.Error("registry must not keep a disconnected user")
	}
}

func TestSignalingRelayReachesAllSessions(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, ra := connect(g, alice)
	_, rb1 := connect(g, bob)
	_, rb2 := connect(g, bob)

	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceOffer, "", map[string]any{
		"to":      "bob",
		"payload": map[string]any{"sdp": "v=0 offer"},
	}))

	for _, rec := range []*recorder{rb1, rb2} {
		f, ok := rec.last(EvtVoiceOffer)
		if !ok {
			t.Fatal("offer must reach every session of the target user")
		}
		var ev signalEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			t.Fatalf("unmarshal signal: %v", err)
		}
		if ev.From != "alice" {
			t.Errorf("expected from alice, got %q", ev.From)
		}
		if !strings.Contains(string(ev.Payload), "offer") {
			t.Errorf("payload must pass through opaque, got %s", ev.Payload)
		}
	}
	if ra.count(EvtVoiceOffer) != 0 {
		t.Errorf("sender must not receive their own relayed offer")
	}

	// A target with no sessions is a silent drop, never an error frame.
	g.HandleFrame(context.Background(), sa, frame(t, CmdVoiceICE, "", map[string]any{
		"to": "ghost", "payload": map[string]any{"candidate": "c"},
	}))
	if ra.count(EvtResponse) != 0 {
		t.Errorf("signaling must not produce responses")
	}
}

func TestUnknownCommand(t *testing.T) {
	g, st := newTestGateway(t)
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	sa, ra := connect(g, alice)

	g.HandleFrame(context.Background(), sa, frame(t, "warp_drive", "r1", nil))
	if res := ra.response(t, "r1"); res.OK || res.Reason != ReasonUnknown {
		t.Fatalf("unknown command must be rejected, got ok=%v reason=%q", res.OK, res.Reason)
	}

	// Without a ref there is nothing to respond to.
	before := ra.count(EvtResponse)
	g.HandleFrame(context.Background(), sa, frame(t, "warp_drive", "", nil))
	if ra.count(EvtResponse) != before {
		t.Error("ref-less unknown command must stay silent")
	}
}

type staticPreviewer struct {
	preview *LinkPreview
}

func (p *staticPreviewer) Fetch(_ context.Context, url string) (*LinkPreview, error) {
	pv := *p.preview
	pv.URL = url
	return &pv, nil
}

func TestLinkPreviewEnrichment(t *testing.T) {
	g, st := newTestGateway(t)
	g.previewer = &staticPreviewer{preview: &LinkPreview{Title: "Example"}}
	alice := seedChannel(st, "ch1", store.ChannelText, "alice", memberFlags)
	bob := seedChannel(st, "ch1", store.ChannelText, "bob", memberFlags)

	sa, _ := connect(g, alice)
	sb, rb := connect(g, bob)
	g.hub.JoinRoom(sb, "ch1")

	g.HandleFrame(context.Background(), sa, frame(t, CmdSendMessage, "r1", map[string]any{
		"channel_id": "ch1", "content": "look at https://example.com/x",
	}))
	g.Drain()

	f, ok := rb.last(EvtMessageUpdated)
	if !ok {
		t.Fatal("expected enrichment broadcast")
	}
	var ev linkPreviewEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.LinkPreview == nil || ev.LinkPreview.URL != "https://example.com/x" || ev.LinkPreview.Title != "Example" {
		t.Errorf("unexpected preview %+v", ev.LinkPreview)
	}
}
