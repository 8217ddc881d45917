package session

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/profile"
)

// Inbound event types.
const (
	EventJoin          = "join"
	EventUpdateProfile = "update_profile"
	EventChatMessage   = "chat_message"
	EventMarkRead      = "mark_read"
	EventAddReaction   = "add_reaction"
	EventEditMessage   = "edit_message"
	EventDeleteMessage = "delete_message"
	EventCreatePoll    = "create_poll"
	EventVotePoll      = "vote_poll"
	EventTyping        = "typing"
	EventAdminAuth     = "admin_auth"
	EventAdminAction   = "admin_action"
	EventVideoStart    = "video_start"
	EventVideoSync     = "video_sync"
	EventVideoClose    = "video_close"
)

// Outbound event types.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFail      = "login_fail"
	EventHistory        = "history"
	EventMessageReceive = "message_receive"
	EventMessageEdited  = "message_edited"
	EventMessageRemoved = "message_removed"
	EventReactionUpdate = "reaction_update"
	EventPollUpdate     = "poll_update"
	EventProfileUpdated = "profile_updated"
	EventPresenceCount  = "presence_count"
	EventSystemAnnounce = "system_announce"
	EventClearAnnounce  = "clear_announce"
	EventToast          = "toast"
	EventDisplayTyping  = "display_typing"
	EventVideoLaunch    = "video_launch"
	EventVideoSyncOut   = "video_sync"
	EventVideoTerminate = "video_terminate"
	EventChaos          = "chaos"
)

// Admin actions.
const (
	ActionBan           = "ban"
	ActionKick          = "kick"
	ActionMute          = "mute"
	ActionUnmute        = "unmute"
	ActionFreeze        = "freeze"
	ActionThaw          = "thaw"
	ActionNuke          = "nuke"
	ActionAnnounce      = "announce"
	ActionClearAnnounce = "clear_announce"
	ActionSlowMode      = "slowmode"
	ActionGhost         = "ghost"
	ActionSpy           = "spy"
	ActionChaos         = "chaos"
)

// Event is the inbound wire envelope. The transport decodes frames into
// events; payload decoding is deferred to the handler for the type.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the event envelope pushed to clients.
type Outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type joinPayload struct {
	Name string `json:"name"`
}

type chatMessagePayload struct {
	Kind      string          `json:"kind"`
	Content   json.RawMessage `json:"content"`
	ReplyTo   string          `json:"reply_to"`
	Ephemeral bool            `json:"ephemeral"`
}

type markReadPayload struct {
	ID string `json:"id"`
}

type reactionPayload struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
}

type editMessagePayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type deleteMessagePayload struct {
	ID string `json:"id"`
}

type createPollPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type votePollPayload struct {
	ID     string `json:"id"`
	Option int    `json:"option"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

type adminAuthPayload struct {
	Passphrase string `json:"passphrase"`
}

type adminActionPayload struct {
	Action     string `json:"action"`
	Target     string `json:"target"`
	Text       string `json:"text"`
	DelayMilli int    `json:"delay_ms"`
}

type videoStartPayload struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

type videoSyncPayload struct {
	Action   string  `json:"action"`
	Position float64 `json:"position"`
}

// messagePayload is the outbound message shape: the log entry enriched with
// the author's current avatar state.
type messagePayload struct {
	*chat.Message
	Avatar      string `json:"avatar,omitempty"`
	AvatarColor string `json:"avatar_color,omitempty"`
	Whisper     bool   `json:"whisper,omitempty"`
}

type toastPayload struct {
	Text string `json:"text"`
}

type typingBroadcast struct {
	User   string `json:"user"`
	Typing bool   `json:"typing"`
}

type messageEditedPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type reactionUpdatePayload struct {
	ID        string         `json:"id"`
	Reactions map[string]int `json:"reactions"`
}

type pollUpdatePayload struct {
	ID      string           `json:"id"`
	Content chat.PollContent `json:"content"`
}

type loginFailPayload struct {
	Reason string `json:"reason"`
}

func (o *Orchestrator) composeMessage(msg *chat.Message, whisper bool) messagePayload {
	payload := messagePayload{Message: msg, Whisper: whisper}
	if p := o.profiles.Get(msg.Author); p != nil {
		payload.Avatar = p.Avatar
		payload.AvatarColor = p.Color
	}
	return payload
}

func toast(text string) Outbound {
	return Outbound{Type: EventToast, Payload: toastPayload{Text: text}}
}

func profileEvent(eventType string, p *profile.Profile) Outbound {
	return Outbound{Type: eventType, Payload: p}
}
