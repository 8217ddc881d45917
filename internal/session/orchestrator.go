// Package session composes the shared-session engine: it routes inbound
// events through the moderation and rate-limit gates, mutates the message
// log, profile store, and watch-party clock, and drives broadcasts. One mutex
// serializes event handling, so component state never sees interleaved
// mutations.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/watch"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const defaultEphemeralTTL = 10 * time.Second

var (
	errMissingLog        = errors.New("message log dependency required")
	errMissingProfiles   = errors.New("profile store dependency required")
	errMissingModeration = errors.New("moderation state dependency required")
	errMissingRegistry   = errors.New("registry dependency required")
	errMissingParty      = errors.New("watch-party clock dependency required")
	errMissingBroadcast  = errors.New("broadcaster dependency required")
	errMissingPassphrase = errors.New("admin passphrase is required")
)

// Broadcaster is the transport's fan-out primitive. The engine never talks to
// connections directly.
type Broadcaster interface {
	ToAll(event Outbound)
	ToOthers(connID string, event Outbound)
	ToConn(connID string, event Outbound)
	Disconnect(connID string)
}

// Config describes the dependencies of the orchestrator.
type Config struct {
	Log             *chat.Log
	Profiles        *profile.Store
	Moderation      *moderation.State
	Registry        *registry.Registry
	Party           *watch.Clock
	Broadcaster     Broadcaster
	Clock           func() time.Time
	Logger          *zap.Logger
	AdminPassphrase string
	// Sanitize is the externally supplied text filter. Nil means pass-through.
	Sanitize func(string) string
	// EphemeralTTL overrides the ephemeral retraction delay, for tests.
	EphemeralTTL time.Duration
}

// Orchestrator is the composition layer over the session components.
type Orchestrator struct {
	log       *chat.Log
	profiles  *profile.Store
	mod       *moderation.State
	reg       *registry.Registry
	party     *watch.Clock
	out       Broadcaster
	clock     func() time.Time
	logger    *zap.Logger
	adminHash []byte
	sanitize  func(string) string
	ephemTTL  time.Duration

	mu        sync.Mutex
	ephemeral map[string]ephemeralEntry
}

// ephemeralEntry tracks one armed retraction timer plus the author, so an
// early delete can be authorized and the timer cancelled.
type ephemeralEntry struct {
	timer  *time.Timer
	author chat.Identity
}

// NewOrchestrator validates dependencies and hashes the admin passphrase so
// the plaintext is not retained.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	if cfg.Moderation == nil {
		return nil, errMissingModeration
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Party == nil {
		return nil, errMissingParty
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcast
	}
	if cfg.AdminPassphrase == "" {
		return nil, errMissingPassphrase
	}

	adminHash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassphrase), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitize := cfg.Sanitize
	if sanitize == nil {
		sanitize = func(text string) string { return text }
	}
	ttl := cfg.EphemeralTTL
	if ttl <= 0 {
		ttl = defaultEphemeralTTL
	}

	return &Orchestrator{
		log:       cfg.Log,
		profiles:  cfg.Profiles,
		mod:       cfg.Moderation,
		reg:       cfg.Registry,
		party:     cfg.Party,
		out:       cfg.Broadcaster,
		clock:     clock,
		logger:    logger,
		adminHash: adminHash,
		sanitize:  sanitize,
		ephemTTL:  ttl,
		ephemeral: make(map[string]ephemeralEntry),
	}, nil
}

// HandleConnect admits a new connection. Address-banned connections receive a
// denial notice and are closed before any identity is claimed.
func (o *Orchestrator) HandleConnect(connID, addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := o.reg.Open(connID, addr)
	if errors.Is(err, registry.ErrAddressBanned) {
		o.out.ToConn(connID, Outbound{Type: EventLoginFail, Payload: loginFailPayload{Reason: "banned"}})
		o.out.Disconnect(connID)
		return
	}
	o.broadcastPresenceLocked()
}

// HandleDisconnect runs the exactly-once connection cleanup. Repeated calls
// for the same connection are no-ops.
func (o *Orchestrator) HandleDisconnect(connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.reg.Close(connID)
	if !ok {
		return
	}
	o.mod.ClearGhost(connID)
	if session.Joined {
		o.logger.Debug("session closed", zap.String("identity", session.Identity.String()))
	}
	o.broadcastPresenceLocked()
}

// HandleEvent routes one inbound event to completion. Events are processed
// one at a time under the orchestrator mutex.
func (o *Orchestrator) HandleEvent(connID string, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.reg.Lookup(connID)
	if !ok {
		return
	}

	switch event.Type {
	case EventJoin:
		o.handleJoin(session, event.Payload)
	case EventUpdateProfile:
		o.handleUpdateProfile(session, event.Payload)
	case EventChatMessage:
		o.handleChatMessage(session, event.Payload)
	case EventMarkRead:
		o.handleMarkRead(session, event.Payload)
	case EventAddReaction:
		o.handleAddReaction(session, event.Payload)
	case EventEditMessage:
		o.handleEditMessage(session, event.Payload)
	case EventDeleteMessage:
		o.handleDeleteMessage(session, event.Payload)
	case EventCreatePoll:
		o.handleCreatePoll(session, event.Payload)
	case EventVotePoll:
		o.handleVotePoll(session, event.Payload)
	case EventTyping:
		o.handleTyping(session, event.Payload)
	case EventAdminAuth:
		o.handleAdminAuth(session, event.Payload)
	case EventAdminAction:
		o.handleAdminAction(session, event.Payload)
	case EventVideoStart:
		o.handleVideoStart(session, event.Payload)
	case EventVideoSync:
		o.handleVideoSync(session, event.Payload)
	case EventVideoClose:
		o.handleVideoClose(session)
	default:
		o.logger.Debug("dropping unknown event", zap.String("type", event.Type))
	}
}

func (o *Orchestrator) handleJoin(session *registry.Session, raw json.RawMessage) {
	var payload joinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	connID := session.ConnID
	session, err := o.reg.Bind(connID, payload.Name)
	if errors.Is(err, registry.ErrNameBanned) {
		o.out.ToConn(connID, Outbound{Type: EventLoginFail, Payload: loginFailPayload{Reason: "banned"}})
		o.out.Disconnect(connID)
		return
	}
	if err != nil {
		return
	}

	prof := o.presentProfile(o.profiles.Ensure(session.Identity))

	o.out.ToConn(session.ConnID, profileEvent(EventLoginSuccess, prof))
	o.out.ToConn(session.ConnID, Outbound{Type: EventHistory, Payload: o.history()})

	if text, pinned := o.mod.Pinned(); pinned {
		o.out.ToConn(session.ConnID, Outbound{Type: EventSystemAnnounce, Payload: toastPayload{Text: text}})
	}
	if state, active := o.party.Snapshot(); active {
		o.out.ToConn(session.ConnID, Outbound{Type: EventVideoLaunch, Payload: state})
	}

	o.out.ToOthers(session.ConnID, toast(fmt.Sprintf("%s entered the room", session.Identity)))
	o.broadcastPresenceLocked()
}

// presentProfile stamps the presence bit from the live registry. Online is
// never stored: it is derived at compose time so a disconnect cannot leave a
// stale flag behind.
func (o *Orchestrator) presentProfile(p *profile.Profile) *profile.Profile {
	if p == nil {
		return nil
	}
	_, p.Online = o.reg.FindIdentity(chat.NewIdentity(p.Name))
	return p
}

func (o *Orchestrator) history() []messagePayload {
	messages := o.log.Messages()
	out := make([]messagePayload, 0, len(messages))
	for _, msg := range messages {
		out = append(out, o.composeMessage(msg, false))
	}
	return out
}

func (o *Orchestrator) handleUpdateProfile(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var patch profile.Patch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return
	}
	updated := o.profiles.Apply(session.Identity, patch)
	if updated == nil {
		return
	}
	o.out.ToConn(session.ConnID, profileEvent(EventProfileUpdated, o.presentProfile(updated)))
}

func (o *Orchestrator) handleTyping(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload typingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	o.out.ToOthers(session.ConnID, Outbound{
		Type:    EventDisplayTyping,
		Payload: typingBroadcast{User: session.Identity.String(), Typing: payload.Typing},
	})
}

func (o *Orchestrator) broadcastPresenceLocked() {
	count := o.reg.Count(o.mod.IsGhost)
	o.out.ToAll(Outbound{Type: EventPresenceCount, Payload: count})
}
