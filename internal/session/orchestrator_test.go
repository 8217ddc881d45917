package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/watch"
)

const testPassphrase = "sesame"

type sentEvent struct {
	scope  string // "all", "others", or "conn"
	connID string
	event  Outbound
}

// recordingBroadcaster captures every outbound event. The ephemeral timer
// fires on its own goroutine, so access is guarded.
type recordingBroadcaster struct {
	mu           sync.Mutex
	sent         []sentEvent
	disconnected []string
}

func (b *recordingBroadcaster) ToAll(event Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEvent{scope: "all", event: event})
}

func (b *recordingBroadcaster) ToOthers(connID string, event Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEvent{scope: "others", connID: connID, event: event})
}

func (b *recordingBroadcaster) ToConn(connID string, event Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEvent{scope: "conn", connID: connID, event: event})
}

func (b *recordingBroadcaster) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = append(b.disconnected, connID)
}

func (b *recordingBroadcaster) events() []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentEvent(nil), b.sent...)
}

func (b *recordingBroadcaster) eventsOfType(eventType string) []sentEvent {
	var out []sentEvent
	for _, sent := range b.events() {
		if sent.event.Type == eventType {
			out = append(out, sent)
		}
	}
	return out
}

func (b *recordingBroadcaster) waitForType(t *testing.T, eventType string, count int) []sentEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if matched := b.eventsOfType(eventType); len(matched) >= count {
			return matched
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events", count, eventType)
	return nil
}

func (b *recordingBroadcaster) disconnects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.disconnected...)
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
	b.disconnected = nil
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type sequentialIDGenerator struct {
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("msg-%d", g.next), nil
}

type testEnv struct {
	orch  *Orchestrator
	out   *recordingBroadcaster
	clock *manualClock
	mod   *moderation.State
	log   *chat.Log
	reg   *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:parlor_session_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Record{}, &profile.Profile{},
		&moderation.NameBan{}, &moderation.AddressBan{}, &moderation.Setting{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{current: time.Date(2026, time.August, 1, 18, 0, 0, 0, time.UTC)}

	log, err := chat.NewLog(chat.LogConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDGenerator{},
		Retention:  150,
	})
	if err != nil {
		t.Fatalf("failed to build log: %v", err)
	}
	profiles, err := profile.NewStore(profile.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build profile store: %v", err)
	}
	mod, err := moderation.NewState(moderation.StateConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build moderation state: %v", err)
	}

	out := &recordingBroadcaster{}
	reg := registry.NewRegistry(mod)

	orch, err := NewOrchestrator(Config{
		Log:             log,
		Profiles:        profiles,
		Moderation:      mod,
		Registry:        reg,
		Party:           watch.NewClock(clock.Now),
		Broadcaster:     out,
		Clock:           clock.Now,
		AdminPassphrase: testPassphrase,
		EphemeralTTL:    25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}

	return &testEnv{orch: orch, out: out, clock: clock, mod: mod, log: log, reg: reg}
}

func mustPayload(t *testing.T, value interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return raw
}

func (env *testEnv) join(t *testing.T, connID, addr, name string) {
	t.Helper()
	env.orch.HandleConnect(connID, addr)
	env.orch.HandleEvent(connID, Event{
		Type:    EventJoin,
		Payload: mustPayload(t, joinPayload{Name: name}),
	})
}

func (env *testEnv) sendText(t *testing.T, connID, body string) {
	t.Helper()
	env.orch.HandleEvent(connID, Event{
		Type: EventChatMessage,
		Payload: mustPayload(t, chatMessagePayload{
			Kind:    "text",
			Content: mustPayload(t, chat.TextContent{Body: body}),
		}),
	})
}

func (env *testEnv) grantAdmin(t *testing.T, connID string) {
	t.Helper()
	env.orch.HandleEvent(connID, Event{
		Type:    EventAdminAuth,
		Payload: mustPayload(t, adminAuthPayload{Passphrase: testPassphrase}),
	})
	session, ok := env.reg.Lookup(connID)
	if !ok || !session.Admin {
		t.Fatalf("expected admin bit on %s", connID)
	}
}

func (env *testEnv) adminAction(t *testing.T, connID string, payload adminActionPayload) {
	t.Helper()
	env.orch.HandleEvent(connID, Event{
		Type:    EventAdminAction,
		Payload: mustPayload(t, payload),
	})
}

func toastTexts(events []sentEvent) []string {
	out := make([]string, 0, len(events))
	for _, sent := range events {
		if payload, ok := sent.event.Payload.(toastPayload); ok {
			out = append(out, payload.Text)
		}
	}
	return out
}

func containsText(texts []string, substring string) bool {
	for _, text := range texts {
		if strings.Contains(text, substring) {
			return true
		}
	}
	return false
}

func TestJoinDeliversLoginHistoryAndPresence(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")

	logins := env.out.eventsOfType(EventLoginSuccess)
	if len(logins) != 1 || logins[0].connID != "conn-1" {
		t.Fatalf("expected one login_success to conn-1, got %+v", logins)
	}
	prof, ok := logins[0].event.Payload.(*profile.Profile)
	if !ok || prof.Name != "alice" || !prof.Online {
		t.Fatalf("unexpected login payload: %+v", logins[0].event.Payload)
	}

	histories := env.out.eventsOfType(EventHistory)
	if len(histories) != 1 || histories[0].connID != "conn-1" {
		t.Fatalf("expected history to conn-1, got %+v", histories)
	}

	if len(env.out.eventsOfType(EventPresenceCount)) == 0 {
		t.Fatalf("expected presence broadcasts")
	}
}

func TestJoinAnnouncesToOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()
	env.join(t, "conn-2", "198.51.100.2", "bob")

	var joinToast *sentEvent
	for _, sent := range env.out.eventsOfType(EventToast) {
		payload, ok := sent.event.Payload.(toastPayload)
		if ok && strings.Contains(payload.Text, "bob entered the room") {
			copied := sent
			joinToast = &copied
		}
	}
	if joinToast == nil {
		t.Fatalf("expected join toast")
	}
	if joinToast.scope != "others" || joinToast.connID != "conn-2" {
		t.Fatalf("join toast must exclude the joiner, got %+v", joinToast)
	}
}

func TestBannedAddressIsRefusedAtConnect(t *testing.T) {
	env := newTestEnv(t)
	env.mod.BanAddress("203.0.113.7")

	env.orch.HandleConnect("conn-1", "203.0.113.7")

	if len(env.out.eventsOfType(EventLoginFail)) != 1 {
		t.Fatalf("expected login_fail for banned address")
	}
	if disconnects := env.out.disconnects(); len(disconnects) != 1 || disconnects[0] != "conn-1" {
		t.Fatalf("expected forced disconnect, got %v", disconnects)
	}
	if _, ok := env.reg.Lookup("conn-1"); ok {
		t.Fatalf("banned connection must not be registered")
	}
}

func TestBannedNameIsRefusedAtJoin(t *testing.T) {
	env := newTestEnv(t)
	env.mod.BanName(chat.Identity("troll"))

	env.join(t, "conn-1", "198.51.100.1", "troll")

	if len(env.out.eventsOfType(EventLoginFail)) != 1 {
		t.Fatalf("expected login_fail for banned name")
	}
	if len(env.out.eventsOfType(EventLoginSuccess)) != 0 {
		t.Fatalf("banned name must not log in")
	}
}

func TestChatMessageIsBroadcastAndRetained(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.sendText(t, "conn-1", "hello room")

	received := env.out.eventsOfType(EventMessageReceive)
	if len(received) != 1 || received[0].scope != "all" {
		t.Fatalf("expected one broadcast message, got %+v", received)
	}
	payload, ok := received[0].event.Payload.(messagePayload)
	if !ok || payload.Author != chat.Identity("alice") {
		t.Fatalf("unexpected message payload: %+v", received[0].event.Payload)
	}
	if payload.Content.(chat.TextContent).Body != "hello room" {
		t.Fatalf("unexpected body: %+v", payload.Content)
	}
	if env.log.Len() != 1 {
		t.Fatalf("expected message retained in the log, got %d", env.log.Len())
	}
}

func TestChatMessageIsSanitized(t *testing.T) {
	env := newTestEnv(t)
	env.orch.sanitize = func(text string) string { return strings.ReplaceAll(text, "bad", "***") }
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.sendText(t, "conn-1", "a bad word")

	received := env.out.eventsOfType(EventMessageReceive)
	if len(received) != 1 {
		t.Fatalf("expected one broadcast message")
	}
	body := received[0].event.Payload.(messagePayload).Content.(chat.TextContent).Body
	if body != "a *** word" {
		t.Fatalf("expected sanitized body, got %q", body)
	}
}

func TestSlowModeReportsTheRemainingWait(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.mod.SetSlowMode(2 * time.Second)

	env.sendText(t, "conn-1", "first")
	env.out.reset()

	env.clock.Advance(500 * time.Millisecond)
	env.sendText(t, "conn-1", "too soon")

	if len(env.out.eventsOfType(EventMessageReceive)) != 0 {
		t.Fatalf("slow-mode limited message must not broadcast")
	}
	texts := toastTexts(env.out.eventsOfType(EventToast))
	if !containsText(texts, "Slow mode: wait 1.5s") {
		t.Fatalf("expected remaining-wait toast, got %v", texts)
	}
}

func TestFloodBurstMutesUntilAdminUnmute(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "mod")
	env.grantAdmin(t, "conn-2")

	env.sendText(t, "conn-1", "message 0")
	for i := 1; i <= 5; i++ {
		env.clock.Advance(50 * time.Millisecond)
		env.sendText(t, "conn-1", fmt.Sprintf("message %d", i))
	}

	if !env.mod.IsMuted(chat.Identity("alice")) {
		t.Fatalf("expected flood burst to mute alice")
	}
	texts := toastTexts(env.out.eventsOfType(EventToast))
	if !containsText(texts, "muted for flooding") {
		t.Fatalf("expected flood-mute toast, got %v", texts)
	}

	env.out.reset()
	env.clock.Advance(time.Minute)
	env.sendText(t, "conn-1", "still muted?")
	if len(env.out.eventsOfType(EventMessageReceive)) != 0 {
		t.Fatalf("muted sender must not broadcast")
	}
	if !containsText(toastTexts(env.out.eventsOfType(EventToast)), "You are muted") {
		t.Fatalf("expected muted notice")
	}

	env.adminAction(t, "conn-2", adminActionPayload{Action: ActionUnmute, Target: "alice"})
	env.out.reset()
	env.clock.Advance(time.Minute)
	env.sendText(t, "conn-1", "free again")
	if len(env.out.eventsOfType(EventMessageReceive)) != 1 {
		t.Fatalf("expected broadcast after unmute")
	}
}

func TestFreezeBlocksNonAdmins(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "mod")
	env.grantAdmin(t, "conn-2")
	env.adminAction(t, "conn-2", adminActionPayload{Action: ActionFreeze})
	env.out.reset()

	env.clock.Advance(time.Second)
	env.sendText(t, "conn-1", "anyone there?")
	if len(env.out.eventsOfType(EventMessageReceive)) != 0 {
		t.Fatalf("frozen room must drop non-admin messages")
	}

	env.clock.Advance(time.Second)
	env.sendText(t, "conn-2", "admins still speak")
	if len(env.out.eventsOfType(EventMessageReceive)) != 1 {
		t.Fatalf("admins must bypass the freeze")
	}
}

func TestFreezeDoesNotConsumeTheSlowModeWindow(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.mod.SetSlowMode(2 * time.Second)

	env.sendText(t, "conn-1", "first")
	env.mod.Freeze()

	// Dropped by the freeze gate; the attempt must not count as a post.
	env.clock.Advance(3 * time.Second)
	env.out.reset()
	env.sendText(t, "conn-1", "into the ice")
	if len(env.out.eventsOfType(EventMessageReceive)) != 0 {
		t.Fatalf("frozen room must drop the message")
	}

	env.mod.Thaw()
	env.clock.Advance(500 * time.Millisecond)
	env.out.reset()
	env.sendText(t, "conn-1", "after the thaw")
	if len(env.out.eventsOfType(EventMessageReceive)) != 1 {
		t.Fatalf("the dropped attempt must not restart the slow-mode window")
	}
}

func TestWhisperReachesSenderAndTargetOnly(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "bob")
	env.join(t, "conn-3", "198.51.100.3", "carol")
	env.out.reset()

	env.sendText(t, "conn-1", "/w bob secret plans")

	received := env.out.eventsOfType(EventMessageReceive)
	if len(received) != 2 {
		t.Fatalf("expected exactly sender and target copies, got %d", len(received))
	}
	recipients := map[string]bool{}
	for _, sent := range received {
		if sent.scope != "conn" {
			t.Fatalf("whisper must be direct, got scope %q", sent.scope)
		}
		recipients[sent.connID] = true
		payload := sent.event.Payload.(messagePayload)
		if !payload.Whisper {
			t.Fatalf("expected whisper flag on payload")
		}
		if payload.Content.(chat.TextContent).Body != "secret plans" {
			t.Fatalf("unexpected whisper body: %+v", payload.Content)
		}
	}
	if !recipients["conn-1"] || !recipients["conn-2"] || recipients["conn-3"] {
		t.Fatalf("unexpected whisper recipients: %v", recipients)
	}
	if env.log.Len() != 0 {
		t.Fatalf("whispers must never enter the log, got %d entries", env.log.Len())
	}
}

func TestWhisperToMissingTargetNotifiesSender(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.sendText(t, "conn-1", "/w nobody hello")

	if len(env.out.eventsOfType(EventMessageReceive)) != 0 {
		t.Fatalf("whisper to absent target must not deliver")
	}
	if !containsText(toastTexts(env.out.eventsOfType(EventToast)), "nobody is not here") {
		t.Fatalf("expected missing-target notice")
	}
}

func TestEphemeralMessageIsRetractedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.orch.HandleEvent("conn-1", Event{
		Type: EventChatMessage,
		Payload: mustPayload(t, chatMessagePayload{
			Kind:      "text",
			Content:   mustPayload(t, chat.TextContent{Body: "now you see me"}),
			Ephemeral: true,
		}),
	})

	received := env.out.eventsOfType(EventMessageReceive)
	if len(received) != 1 || received[0].scope != "all" {
		t.Fatalf("expected ephemeral broadcast, got %+v", received)
	}
	if env.log.Len() != 0 {
		t.Fatalf("ephemeral message must not be logged")
	}

	removed := env.out.waitForType(t, EventMessageRemoved, 1)
	id, ok := removed[0].event.Payload.(string)
	if !ok || id != received[0].event.Payload.(messagePayload).ID {
		t.Fatalf("unexpected removal payload: %+v", removed[0].event.Payload)
	}

	time.Sleep(60 * time.Millisecond)
	if len(env.out.eventsOfType(EventMessageRemoved)) != 1 {
		t.Fatalf("removal must fire exactly once")
	}
}

func TestEphemeralEarlyDeleteCancelsTheTimer(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.orch.HandleEvent("conn-1", Event{
		Type: EventChatMessage,
		Payload: mustPayload(t, chatMessagePayload{
			Kind:      "text",
			Content:   mustPayload(t, chat.TextContent{Body: "vanishing"}),
			Ephemeral: true,
		}),
	})
	id := env.out.eventsOfType(EventMessageReceive)[0].event.Payload.(messagePayload).ID

	env.orch.HandleEvent("conn-1", Event{
		Type:    EventDeleteMessage,
		Payload: mustPayload(t, deleteMessagePayload{ID: id}),
	})

	if len(env.out.eventsOfType(EventMessageRemoved)) != 1 {
		t.Fatalf("expected immediate removal broadcast")
	}
	time.Sleep(60 * time.Millisecond)
	if len(env.out.eventsOfType(EventMessageRemoved)) != 1 {
		t.Fatalf("cancelled timer must not fire a second removal")
	}
}

func TestDeleteByNonAuthorIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "bob")
	env.sendText(t, "conn-1", "mine alone")
	id := env.out.eventsOfType(EventMessageReceive)[0].event.Payload.(messagePayload).ID
	env.out.reset()

	env.orch.HandleEvent("conn-2", Event{
		Type:    EventDeleteMessage,
		Payload: mustPayload(t, deleteMessagePayload{ID: id}),
	})

	if len(env.out.eventsOfType(EventMessageRemoved)) != 0 {
		t.Fatalf("non-author delete must be a no-op")
	}
	if env.log.Len() != 1 {
		t.Fatalf("message must survive a non-author delete")
	}
}

func TestEditByAuthorBroadcastsAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.sendText(t, "conn-1", "first draft")
	id := env.out.eventsOfType(EventMessageReceive)[0].event.Payload.(messagePayload).ID
	env.out.reset()

	env.clock.Advance(time.Second)
	env.orch.HandleEvent("conn-1", Event{
		Type:    EventEditMessage,
		Payload: mustPayload(t, editMessagePayload{ID: id, Content: "final draft"}),
	})

	edited := env.out.eventsOfType(EventMessageEdited)
	if len(edited) != 1 || edited[0].scope != "all" {
		t.Fatalf("expected edit broadcast, got %+v", edited)
	}
	msg, err := env.log.FindByID(id)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if !msg.Edited || len(msg.History) != 1 || msg.History[0].Body != "first draft" {
		t.Fatalf("unexpected edit state: %+v", msg)
	}
}

func TestReactionsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "bob")
	env.sendText(t, "conn-1", "react to this")
	id := env.out.eventsOfType(EventMessageReceive)[0].event.Payload.(messagePayload).ID
	env.out.reset()

	react := mustPayload(t, reactionPayload{ID: id, Emoji: "🔥"})
	env.orch.HandleEvent("conn-1", Event{Type: EventAddReaction, Payload: react})
	env.orch.HandleEvent("conn-2", Event{Type: EventAddReaction, Payload: react})

	updates := env.out.eventsOfType(EventReactionUpdate)
	if len(updates) != 2 {
		t.Fatalf("expected two reaction broadcasts, got %d", len(updates))
	}
	last := updates[1].event.Payload.(reactionUpdatePayload)
	if last.Reactions["🔥"] != 2 {
		t.Fatalf("expected two 🔥 reactions, got %+v", last.Reactions)
	}
}

func TestPollLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.orch.HandleEvent("conn-1", Event{
		Type:    EventCreatePoll,
		Payload: mustPayload(t, createPollPayload{Question: "pizza tonight?"}),
	})

	received := env.out.eventsOfType(EventMessageReceive)
	if len(received) != 1 {
		t.Fatalf("expected poll broadcast")
	}
	payload := received[0].event.Payload.(messagePayload)
	poll, ok := payload.Content.(chat.PollContent)
	if !ok {
		t.Fatalf("expected poll content, got %T", payload.Content)
	}
	if len(poll.Options) != 2 || poll.Options[0].Label != "Yes" || poll.Options[1].Label != "No" {
		t.Fatalf("expected default yes/no options, got %+v", poll.Options)
	}

	env.orch.HandleEvent("conn-1", Event{
		Type:    EventVotePoll,
		Payload: mustPayload(t, votePollPayload{ID: payload.ID, Option: 0}),
	})
	updates := env.out.eventsOfType(EventPollUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected poll update broadcast")
	}
	updated := updates[0].event.Payload.(pollUpdatePayload)
	if updated.Content.Options[0].Votes != 1 {
		t.Fatalf("expected one vote for yes, got %+v", updated.Content.Options)
	}

	env.out.reset()
	env.orch.HandleEvent("conn-1", Event{
		Type:    EventVotePoll,
		Payload: mustPayload(t, votePollPayload{ID: payload.ID, Option: 7}),
	})
	if len(env.out.eventsOfType(EventPollUpdate)) != 0 {
		t.Fatalf("out-of-range vote must be ignored")
	}
}

func TestAdminAuthRequiresTheRightPassphrase(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")

	env.orch.HandleEvent("conn-1", Event{
		Type:    EventAdminAuth,
		Payload: mustPayload(t, adminAuthPayload{Passphrase: "wrong"}),
	})
	session, _ := env.reg.Lookup("conn-1")
	if session.Admin {
		t.Fatalf("wrong passphrase must not grant admin")
	}

	env.grantAdmin(t, "conn-1")
}

func TestAdminActionsRequireTheAdminBit(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.adminAction(t, "conn-1", adminActionPayload{Action: ActionFreeze})

	if env.mod.Frozen() {
		t.Fatalf("non-admin must not freeze the room")
	}
	if !containsText(toastTexts(env.out.eventsOfType(EventToast)), "Admin only") {
		t.Fatalf("expected refusal toast")
	}
}

func TestBanActionDisconnectsAndBlocksRejoin(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "mod")
	env.grantAdmin(t, "conn-1")
	env.join(t, "conn-2", "203.0.113.9", "troll")
	env.out.reset()

	env.adminAction(t, "conn-1", adminActionPayload{Action: ActionBan, Target: "troll"})

	if disconnects := env.out.disconnects(); len(disconnects) != 1 || disconnects[0] != "conn-2" {
		t.Fatalf("expected target disconnect, got %v", disconnects)
	}
	env.orch.HandleDisconnect("conn-2")

	// The name is refused on rejoin and the captured address at connect.
	env.out.reset()
	env.join(t, "conn-3", "198.51.100.5", "troll")
	if len(env.out.eventsOfType(EventLoginSuccess)) != 0 {
		t.Fatalf("banned name must not rejoin")
	}

	env.out.reset()
	env.orch.HandleConnect("conn-4", "203.0.113.9")
	if disconnects := env.out.disconnects(); len(disconnects) != 1 || disconnects[0] != "conn-4" {
		t.Fatalf("banned address must be refused at connect, got %v", disconnects)
	}
}

func TestNukeClearsTheLogForEveryone(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "mod")
	env.grantAdmin(t, "conn-1")
	env.sendText(t, "conn-1", "soon to vanish")
	env.out.reset()

	env.adminAction(t, "conn-1", adminActionPayload{Action: ActionNuke})

	if env.log.Len() != 0 {
		t.Fatalf("expected empty log after nuke")
	}
	histories := env.out.eventsOfType(EventHistory)
	if len(histories) != 1 || histories[0].scope != "all" {
		t.Fatalf("expected empty history broadcast, got %+v", histories)
	}
	if payload := histories[0].event.Payload.([]messagePayload); len(payload) != 0 {
		t.Fatalf("expected empty history payload, got %d entries", len(payload))
	}
}

func TestAnnouncePinsAndReplaysToLateJoiners(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "mod")
	env.grantAdmin(t, "conn-1")

	env.adminAction(t, "conn-1", adminActionPayload{Action: ActionAnnounce, Text: "movie at nine"})
	if len(env.out.eventsOfType(EventSystemAnnounce)) != 1 {
		t.Fatalf("expected announcement broadcast")
	}

	env.out.reset()
	env.join(t, "conn-2", "198.51.100.2", "late")
	announces := env.out.eventsOfType(EventSystemAnnounce)
	if len(announces) != 1 || announces[0].connID != "conn-2" {
		t.Fatalf("expected pinned replay to the late joiner, got %+v", announces)
	}

	env.adminAction(t, "conn-1", adminActionPayload{Action: ActionClearAnnounce})
	env.out.reset()
	env.join(t, "conn-3", "198.51.100.3", "later")
	if len(env.out.eventsOfType(EventSystemAnnounce)) != 0 {
		t.Fatalf("cleared announcement must not replay")
	}
}

func TestGhostedConnectionsLeaveThePresenceCount(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "mod")
	env.grantAdmin(t, "conn-1")
	env.join(t, "conn-2", "198.51.100.2", "lurker")
	env.out.reset()

	env.adminAction(t, "conn-1", adminActionPayload{Action: ActionGhost, Target: "lurker"})

	counts := env.out.eventsOfType(EventPresenceCount)
	if len(counts) == 0 {
		t.Fatalf("expected presence rebroadcast")
	}
	if count := counts[len(counts)-1].event.Payload.(int); count != 1 {
		t.Fatalf("expected visible count 1 with one ghost, got %d", count)
	}
}

func TestDisconnectCleanupRunsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "bob")
	env.out.reset()

	env.orch.HandleDisconnect("conn-1")
	first := len(env.out.eventsOfType(EventPresenceCount))
	if first == 0 {
		t.Fatalf("expected presence rebroadcast on disconnect")
	}

	env.orch.HandleDisconnect("conn-1")
	if len(env.out.eventsOfType(EventPresenceCount)) != first {
		t.Fatalf("repeat disconnect must be a no-op")
	}
}

func TestVideoLifecycleAndLateJoinReplay(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "bob")
	env.out.reset()

	env.orch.HandleEvent("conn-1", Event{
		Type:    EventVideoStart,
		Payload: mustPayload(t, videoStartPayload{Kind: "youtube", Source: "abc123"}),
	})
	launches := env.out.eventsOfType(EventVideoLaunch)
	if len(launches) != 1 || launches[0].scope != "all" {
		t.Fatalf("expected launch broadcast, got %+v", launches)
	}

	// Sync updates relay to everyone except the controller.
	env.out.reset()
	env.orch.HandleEvent("conn-1", Event{
		Type:    EventVideoSync,
		Payload: mustPayload(t, videoSyncPayload{Action: "pause", Position: 30}),
	})
	syncs := env.out.eventsOfType(EventVideoSyncOut)
	if len(syncs) != 1 || syncs[0].scope != "others" || syncs[0].connID != "conn-1" {
		t.Fatalf("sync must skip the sender, got %+v", syncs)
	}

	// A late joiner receives the extrapolated party state.
	env.clock.Advance(90 * time.Second)
	env.orch.HandleEvent("conn-1", Event{
		Type:    EventVideoSync,
		Payload: mustPayload(t, videoSyncPayload{Action: "play", Position: 30}),
	})
	env.clock.Advance(12 * time.Second)
	env.out.reset()
	env.join(t, "conn-3", "198.51.100.3", "late")
	launches = env.out.eventsOfType(EventVideoLaunch)
	if len(launches) != 1 || launches[0].connID != "conn-3" {
		t.Fatalf("expected launch replay to late joiner, got %+v", launches)
	}
	state := launches[0].event.Payload.(watch.State)
	if state.Position != 42 {
		t.Fatalf("expected extrapolated position 42s, got %v", state.Position)
	}

	env.out.reset()
	env.orch.HandleEvent("conn-2", Event{Type: EventVideoClose})
	if len(env.out.eventsOfType(EventVideoTerminate)) != 1 {
		t.Fatalf("expected terminate broadcast")
	}
	env.out.reset()
	env.orch.HandleEvent("conn-2", Event{Type: EventVideoClose})
	if len(env.out.eventsOfType(EventVideoTerminate)) != 0 {
		t.Fatalf("closing an inactive party must be silent")
	}
}

func TestTypingRelaysToOthers(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.out.reset()

	env.orch.HandleEvent("conn-1", Event{
		Type:    EventTyping,
		Payload: mustPayload(t, typingPayload{Typing: true}),
	})

	typing := env.out.eventsOfType(EventDisplayTyping)
	if len(typing) != 1 || typing[0].scope != "others" || typing[0].connID != "conn-1" {
		t.Fatalf("typing must relay to others only, got %+v", typing)
	}
	broadcast := typing[0].event.Payload.(typingBroadcast)
	if broadcast.User != "alice" || !broadcast.Typing {
		t.Fatalf("unexpected typing payload: %+v", broadcast)
	}
}

func TestUnjoinedConnectionsCannotChat(t *testing.T) {
	env := newTestEnv(t)
	env.orch.HandleConnect("conn-1", "198.51.100.1")
	env.out.reset()

	env.sendText(t, "conn-1", "premature")

	if len(env.out.eventsOfType(EventMessageReceive)) != 0 {
		t.Fatalf("unjoined connection must not chat")
	}
}

func TestProfileUpdateGoesToSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")
	env.join(t, "conn-2", "198.51.100.2", "bob")
	env.out.reset()

	bio := "night owl"
	env.orch.HandleEvent("conn-1", Event{
		Type:    EventUpdateProfile,
		Payload: mustPayload(t, profile.Patch{Bio: &bio}),
	})

	updates := env.out.eventsOfType(EventProfileUpdated)
	if len(updates) != 1 || updates[0].scope != "conn" || updates[0].connID != "conn-1" {
		t.Fatalf("profile update must go to the sender only, got %+v", updates)
	}
	updated := updates[0].event.Payload.(*profile.Profile)
	if updated.Bio != "night owl" {
		t.Fatalf("unexpected profile payload: %+v", updated)
	}
}

func TestProfilePresenceIsDerivedFromLiveSessions(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "conn-1", "198.51.100.1", "alice")

	prof := env.orch.presentProfile(env.orch.profiles.Get(chat.Identity("alice")))
	if prof == nil || !prof.Online {
		t.Fatalf("expected alice online while connected, got %+v", prof)
	}

	env.orch.HandleDisconnect("conn-1")
	prof = env.orch.presentProfile(env.orch.profiles.Get(chat.Identity("alice")))
	if prof == nil || prof.Online {
		t.Fatalf("expected alice offline after disconnect, got %+v", prof)
	}
}
