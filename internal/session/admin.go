package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// handleAdminAuth grants the transient admin bit when the shared passphrase
// matches. The bit lives on the session and is never persisted.
func (o *Orchestrator) handleAdminAuth(session *registry.Session, raw json.RawMessage) {
	var payload adminAuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if err := bcrypt.CompareHashAndPassword(o.adminHash, []byte(payload.Passphrase)); err != nil {
		o.logger.Warn("admin auth rejected", zap.String("conn_id", session.ConnID))
		o.out.ToConn(session.ConnID, toast("Incorrect passphrase"))
		return
	}
	session.Admin = true
	o.logger.Info("admin granted", zap.String("identity", session.Identity.String()))
	o.out.ToConn(session.ConnID, toast("Admin mode enabled"))
}

func (o *Orchestrator) handleAdminAction(session *registry.Session, raw json.RawMessage) {
	if !session.Admin {
		o.out.ToConn(session.ConnID, toast("Admin only"))
		return
	}
	var payload adminActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	o.logger.Info("admin action",
		zap.String("action", payload.Action),
		zap.String("target", payload.Target),
		zap.String("by", session.Identity.String()))

	switch payload.Action {
	case ActionBan:
		o.banIdentity(chat.NewIdentity(payload.Target))
	case ActionKick:
		o.kickIdentity(chat.NewIdentity(payload.Target))
	case ActionMute:
		o.mod.Mute(chat.NewIdentity(payload.Target))
	case ActionUnmute:
		o.mod.Unmute(chat.NewIdentity(payload.Target))
	case ActionFreeze:
		o.mod.Freeze()
		o.out.ToAll(toast("Chat is frozen"))
	case ActionThaw:
		o.mod.Thaw()
		o.out.ToAll(toast("Chat is unfrozen"))
	case ActionNuke:
		o.log.Clear()
		o.out.ToAll(Outbound{Type: EventHistory, Payload: []messagePayload{}})
		o.out.ToAll(toast("Chat history cleared"))
	case ActionAnnounce:
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			return
		}
		o.mod.Pin(text)
		o.out.ToAll(Outbound{Type: EventSystemAnnounce, Payload: toastPayload{Text: text}})
	case ActionClearAnnounce:
		o.mod.Unpin()
		o.out.ToAll(Outbound{Type: EventClearAnnounce})
	case ActionSlowMode:
		delay := time.Duration(payload.DelayMilli) * time.Millisecond
		o.mod.SetSlowMode(delay)
		if delay > 0 {
			o.out.ToAll(toast(fmt.Sprintf("Slow mode: %s between messages", delay)))
		} else {
			o.out.ToAll(toast("Slow mode disabled"))
		}
	case ActionGhost:
		o.toggleGhost(session, chat.NewIdentity(payload.Target))
	case ActionSpy:
		o.reportSessions(session)
	case ActionChaos:
		o.out.ToAll(Outbound{Type: EventChaos})
	default:
		o.out.ToConn(session.ConnID, toast("Unknown admin action"))
	}
}

// banIdentity adds the durable name ban, captures and bans the connected
// address when the identity is online, and forcibly disconnects it.
func (o *Orchestrator) banIdentity(identity chat.Identity) {
	o.mod.BanName(identity)
	target, ok := o.reg.FindIdentity(identity)
	if !ok {
		return
	}
	o.mod.BanAddress(target.Addr)
	o.out.ToConn(target.ConnID, Outbound{Type: EventLoginFail, Payload: loginFailPayload{Reason: "banned"}})
	o.out.Disconnect(target.ConnID)
}

func (o *Orchestrator) kickIdentity(identity chat.Identity) {
	target, ok := o.reg.FindIdentity(identity)
	if !ok {
		return
	}
	o.out.ToConn(target.ConnID, toast("You have been kicked"))
	o.out.Disconnect(target.ConnID)
}

func (o *Orchestrator) toggleGhost(admin *registry.Session, identity chat.Identity) {
	target, ok := o.reg.FindIdentity(identity)
	if !ok {
		return
	}
	ghosted := o.mod.ToggleGhost(target.ConnID)
	if ghosted {
		o.out.ToConn(admin.ConnID, toast(fmt.Sprintf("%s is now ghosted", identity)))
	} else {
		o.out.ToConn(admin.ConnID, toast(fmt.Sprintf("%s is visible again", identity)))
	}
	o.broadcastPresenceLocked()
}

// reportSessions sends the live session table to the requesting admin only.
func (o *Orchestrator) reportSessions(admin *registry.Session) {
	sessions := o.reg.Sessions()
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		name := "(unjoined)"
		if s.Joined {
			name = s.Identity.String()
		}
		flags := ""
		if o.mod.IsGhost(s.ConnID) {
			flags += " ghost"
		}
		if s.Joined && o.mod.IsMuted(s.Identity) {
			flags += " muted"
		}
		lines = append(lines, fmt.Sprintf("%s @ %s%s", name, s.Addr, flags))
	}
	sort.Strings(lines)
	o.out.ToConn(admin.ConnID, toast(strings.Join(lines, "\n")))
}

func (o *Orchestrator) handleVideoStart(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload videoStartPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Source == "" {
		return
	}
	state := o.party.Start(payload.Kind, payload.Source)
	o.out.ToAll(Outbound{Type: EventVideoLaunch, Payload: state})
	o.out.ToAll(toast("Watch party started"))
}

// handleVideoSync records the controller update and relays the raw delta to
// everyone but the sender, avoiding echo-induced jitter.
func (o *Orchestrator) handleVideoSync(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload videoSyncPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if !o.party.Sync(payload.Action, payload.Position) {
		return
	}
	o.out.ToOthers(session.ConnID, Outbound{Type: EventVideoSyncOut, Payload: payload})
}

func (o *Orchestrator) handleVideoClose(session *registry.Session) {
	if !session.Joined {
		return
	}
	if !o.party.Close() {
		return
	}
	o.out.ToAll(Outbound{Type: EventVideoTerminate})
	o.out.ToAll(toast("Watch party ended"))
}
