package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/registry"
	"go.uber.org/zap"
)

const whisperPrefix = "/w "

// handleChatMessage runs the fixed gating order: identity bound, ban
// re-check, rate limiter, freeze/mute, content validation, sanitization,
// append, broadcast.
func (o *Orchestrator) handleChatMessage(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	// Bans are enforced at connection time; re-checked here defensively.
	if o.mod.IsNameBanned(session.Identity) || o.mod.IsAddressBanned(session.Addr) {
		o.out.Disconnect(session.ConnID)
		return
	}

	verdict, nextLimiter := ratelimit.Check(session.Limiter, o.clock(), o.mod.SlowMode(), session.Admin)
	switch verdict.Outcome {
	case ratelimit.SlowModeLimited:
		wait := verdict.Wait.Round(100 * time.Millisecond)
		o.out.ToConn(session.ConnID, toast(fmt.Sprintf("Slow mode: wait %s", wait)))
		return
	case ratelimit.FloodMuted:
		o.mod.Mute(session.Identity)
		o.out.ToConn(session.ConnID, toast("You have been muted for flooding"))
		return
	}

	if o.mod.Frozen() && !session.Admin {
		o.out.ToConn(session.ConnID, toast("Chat is frozen"))
		return
	}
	if o.mod.IsMuted(session.Identity) {
		o.out.ToConn(session.ConnID, toast("You are muted"))
		return
	}

	var payload chatMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	kind, err := chat.ParseKind(payload.Kind)
	if err != nil {
		return
	}
	content, err := chat.DecodeContent(kind, payload.Content)
	if err != nil {
		return
	}

	if text, ok := content.(chat.TextContent); ok {
		body := o.sanitize(text.Body)
		if strings.HasPrefix(body, whisperPrefix) {
			session.Limiter = nextLimiter
			o.deliverWhisper(session, strings.TrimPrefix(body, whisperPrefix))
			return
		}
		content = chat.TextContent{Body: body}
		if err := content.Validate(); err != nil {
			return
		}
	}

	// The slow-mode window is burned only once the message clears every gate.
	session.Limiter = nextLimiter

	msg, err := o.log.NewMessage(session.Identity, content, payload.ReplyTo, payload.Ephemeral)
	if err != nil {
		o.logger.Warn("message construction failed", zap.Error(err))
		return
	}

	if msg.Ephemeral {
		o.out.ToAll(Outbound{Type: EventMessageReceive, Payload: o.composeMessage(msg, false)})
		o.scheduleEphemeralRemoval(msg.ID, msg.Author)
		return
	}

	if err := o.log.Append(msg); err != nil {
		o.logger.Error("message append failed", zap.Error(err))
		return
	}
	o.out.ToAll(Outbound{Type: EventMessageReceive, Payload: o.composeMessage(msg, false)})
}

// deliverWhisper handles "/w <identity> <text>": never logged, delivered to
// sender and target only. A missing target fails with a notice to the sender.
func (o *Orchestrator) deliverWhisper(sender *registry.Session, rest string) {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
		o.out.ToConn(sender.ConnID, toast("Usage: /w <name> <message>"))
		return
	}
	target, ok := o.reg.FindIdentity(chat.NewIdentity(fields[0]))
	if !ok {
		o.out.ToConn(sender.ConnID, toast(fmt.Sprintf("%s is not here", fields[0])))
		return
	}

	msg, err := o.log.NewMessage(sender.Identity, chat.TextContent{Body: fields[1]}, "", true)
	if err != nil {
		return
	}
	event := Outbound{Type: EventMessageReceive, Payload: o.composeMessage(msg, true)}
	o.out.ToConn(sender.ConnID, event)
	if target.ConnID != sender.ConnID {
		o.out.ToConn(target.ConnID, event)
	}
}

// scheduleEphemeralRemoval arms the fire-once retraction timer. Firing and
// cancellation are both idempotent per message id.
func (o *Orchestrator) scheduleEphemeralRemoval(id string, author chat.Identity) {
	if _, armed := o.ephemeral[id]; armed {
		return
	}
	timer := time.AfterFunc(o.ephemTTL, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, armed := o.ephemeral[id]; !armed {
			return
		}
		delete(o.ephemeral, id)
		o.out.ToAll(Outbound{Type: EventMessageRemoved, Payload: id})
	})
	o.ephemeral[id] = ephemeralEntry{timer: timer, author: author}
}

// cancelEphemeralRemoval retracts an ephemeral message ahead of its timer.
// Reports false when no timer is armed for the id.
func (o *Orchestrator) cancelEphemeralRemoval(id string) (chat.Identity, bool) {
	entry, armed := o.ephemeral[id]
	if !armed {
		return "", false
	}
	entry.timer.Stop()
	delete(o.ephemeral, id)
	return entry.author, true
}

func (o *Orchestrator) handleMarkRead(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload markReadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	_, err := o.log.Mutate(payload.ID, func(msg *chat.Message) error {
		msg.Read = true
		return nil
	})
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		o.logger.Warn("mark read failed", zap.String("msg_id", payload.ID), zap.Error(err))
	}
}

func (o *Orchestrator) handleAddReaction(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload reactionPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Emoji == "" {
		return
	}
	updated, err := o.log.Mutate(payload.ID, func(msg *chat.Message) error {
		msg.Reactions[payload.Emoji]++
		return nil
	})
	if err != nil {
		return
	}
	o.out.ToAll(Outbound{
		Type:    EventReactionUpdate,
		Payload: reactionUpdatePayload{ID: updated.ID, Reactions: updated.Reactions},
	})
}

func (o *Orchestrator) handleEditMessage(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload editMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	existing, err := o.log.FindByID(payload.ID)
	if err != nil {
		return
	}
	if existing.Author != session.Identity && !session.Admin {
		return
	}
	updated, err := o.log.Edit(payload.ID, o.sanitize(payload.Content))
	if err != nil {
		return
	}
	o.out.ToAll(Outbound{
		Type:    EventMessageEdited,
		Payload: messageEditedPayload{ID: updated.ID, Content: o.sanitize(payload.Content)},
	})
}

func (o *Orchestrator) handleDeleteMessage(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload deleteMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	existing, err := o.log.FindByID(payload.ID)
	if errors.Is(err, chat.ErrNotFound) {
		// Possibly an ephemeral message whose timer has not fired yet.
		if entry, armed := o.ephemeral[payload.ID]; armed && (entry.author == session.Identity || session.Admin) {
			if _, ok := o.cancelEphemeralRemoval(payload.ID); ok {
				o.out.ToAll(Outbound{Type: EventMessageRemoved, Payload: payload.ID})
			}
		}
		return
	}
	if err != nil {
		return
	}
	// Only the author or an admin may delete; anything else is a no-op.
	if existing.Author != session.Identity && !session.Admin {
		return
	}
	if err := o.log.Delete(payload.ID); err != nil {
		return
	}
	o.out.ToAll(Outbound{Type: EventMessageRemoved, Payload: payload.ID})
}

func (o *Orchestrator) handleCreatePoll(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	if o.mod.Frozen() && !session.Admin {
		return
	}
	if o.mod.IsMuted(session.Identity) {
		return
	}
	var payload createPollPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	labels := payload.Options
	if len(labels) == 0 {
		labels = []string{"Yes", "No"}
	}
	options := make([]chat.PollOption, 0, len(labels))
	for _, label := range labels {
		options = append(options, chat.PollOption{Label: o.sanitize(label)})
	}
	content := chat.PollContent{Question: o.sanitize(payload.Question), Options: options}
	if err := content.Validate(); err != nil {
		return
	}

	msg, err := o.log.NewMessage(session.Identity, content, "", false)
	if err != nil {
		return
	}
	if err := o.log.Append(msg); err != nil {
		return
	}
	o.out.ToAll(Outbound{Type: EventMessageReceive, Payload: o.composeMessage(msg, false)})
}

func (o *Orchestrator) handleVotePoll(session *registry.Session, raw json.RawMessage) {
	if !session.Joined {
		return
	}
	var payload votePollPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	updated, err := o.log.Mutate(payload.ID, func(msg *chat.Message) error {
		poll, ok := msg.Content.(chat.PollContent)
		if !ok {
			return chat.ErrInvalidContent
		}
		if payload.Option < 0 || payload.Option >= len(poll.Options) {
			return chat.ErrInvalidContent
		}
		options := append([]chat.PollOption(nil), poll.Options...)
		options[payload.Option].Votes++
		msg.Content = chat.PollContent{Question: poll.Question, Options: options}
		return nil
	})
	if err != nil {
		return
	}
	poll, ok := updated.Content.(chat.PollContent)
	if !ok {
		return
	}
	o.out.ToAll(Outbound{
		Type:    EventPollUpdate,
		Payload: pollUpdatePayload{ID: updated.ID, Content: poll},
	})
}
