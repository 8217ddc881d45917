package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentityLength = 20
	defaultIdentity   = "Anon"
)

var (
	// ErrNotFound indicates that no message with the requested id exists.
	ErrNotFound = errors.New("chat: message not found")
	// ErrInvalidKind indicates an unrecognized message kind.
	ErrInvalidKind = errors.New("chat: invalid message kind")
	// ErrInvalidContent indicates a payload that fails kind-specific validation.
	ErrInvalidContent = errors.New("chat: invalid message content")
)

// Identity is the trimmed display name a connection claims. It keys profiles
// and moderation sets and is not cryptographically authenticated.
type Identity string

// NewIdentity normalizes raw input into an Identity. Empty input resolves to
// the anonymous default; overlong names are truncated.
func NewIdentity(raw string) Identity {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity(defaultIdentity)
	}
	runes := []rune(trimmed)
	if len(runes) > maxIdentityLength {
		runes = runes[:maxIdentityLength]
	}
	return Identity(string(runes))
}

// String returns the underlying display name.
func (id Identity) String() string {
	return string(id)
}

// Kind enumerates the supported message payload variants.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindPoll  Kind = "poll"
)

// ParseKind validates a raw kind string. Empty input defaults to text.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindText, KindImage, KindVideo, KindPoll:
		return Kind(raw), nil
	case "":
		return KindText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Content is the tagged payload variant carried by a message. Each kind
// validates its own well-typed payload at construction.
type Content interface {
	Kind() Kind
	Validate() error
}

// TextContent carries a plain text body.
type TextContent struct {
	Body string `json:"body"`
}

func (TextContent) Kind() Kind { return KindText }

func (c TextContent) Validate() error {
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: empty text body", ErrInvalidContent)
	}
	return nil
}

// ImageContent carries an opaque encoded image blob.
type ImageContent struct {
	Data string `json:"data"`
}

func (ImageContent) Kind() Kind { return KindImage }

func (c ImageContent) Validate() error {
	if c.Data == "" {
		return fmt.Errorf("%w: empty image data", ErrInvalidContent)
	}
	return nil
}

// VideoContent carries a video source reference.
type VideoContent struct {
	Source string `json:"source"`
}

func (VideoContent) Kind() Kind { return KindVideo }

func (c VideoContent) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("%w: empty video source", ErrInvalidContent)
	}
	return nil
}

// PollOption is a single voteable poll entry.
type PollOption struct {
	Label string `json:"label"`
	Votes int    `json:"votes"`
}

// PollContent carries a question and its voteable options.
type PollContent struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
}

func (PollContent) Kind() Kind { return KindPoll }

func (c PollContent) Validate() error {
	if strings.TrimSpace(c.Question) == "" {
		return fmt.Errorf("%w: empty poll question", ErrInvalidContent)
	}
	if len(c.Options) < 2 {
		return fmt.Errorf("%w: poll needs at least two options", ErrInvalidContent)
	}
	return nil
}

// DecodeContent parses a raw JSON payload into the variant for the given kind
// and validates it.
func DecodeContent(kind Kind, raw json.RawMessage) (Content, error) {
	var content Content
	switch kind {
	case KindText:
		var c TextContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		content = c
	case KindImage:
		var c ImageContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		content = c
	case KindVideo:
		var c VideoContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		content = c
	case KindPoll:
		var c PollContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		content = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}
	return content, nil
}

// EditRevision records one prior content state of an edited message.
type EditRevision struct {
	Body     string    `json:"body"`
	EditedAt time.Time `json:"edited_at"`
}

// Message is a single log entry. ID, Author, Kind, Content, ReplyTo and
// SentAt are fixed at construction; the remaining fields mutate through the
// owning Log.
type Message struct {
	ID        string         `json:"id"`
	Author    Identity       `json:"user"`
	Kind      Kind           `json:"kind"`
	Content   Content        `json:"content"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
	Edited    bool           `json:"edited"`
	Read      bool           `json:"read"`
	Reactions map[string]int `json:"reactions"`
	History   []EditRevision `json:"-"`
	Ephemeral bool           `json:"ephemeral,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate log state out-of-band.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Reactions = make(map[string]int, len(m.Reactions))
	for emoji, count := range m.Reactions {
		clone.Reactions[emoji] = count
	}
	clone.History = append([]EditRevision(nil), m.History...)
	return &clone
}
