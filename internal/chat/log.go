package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRetention = 150

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errNilMessage        = errors.New("message is required")
	errEphemeralAppend   = errors.New("ephemeral messages are never persisted")
	noOpLogger           = zap.NewNop()
)

const (
	opLogNew    = "chat.log.new"
	opLogAppend = "chat.log.append"
	opLogMutate = "chat.log.mutate"
	opLogDelete = "chat.log.delete"
)

// LogError carries a dotted operation code alongside the underlying cause.
type LogError struct {
	code string
	err  error
}

func (e *LogError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *LogError) Unwrap() error {
	return e.err
}

func (e *LogError) Code() string {
	return e.code
}

func newLogError(operation, reason string, cause error) error {
	return &LogError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// LogConfig describes the dependencies of the message log.
type LogConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Retention  int
}

// Log is the ordered, size-bounded message sequence. Reads are served from an
// in-memory mirror; all durable writes funnel through the log's mutex so the
// store has a single writer.
type Log struct {
	db        *gorm.DB
	clock     func() time.Time
	ids       IDProvider
	logger    *zap.Logger
	retention int

	mu      sync.Mutex
	entries []*Message
}

// NewLog constructs the message log and warms the in-memory mirror from the
// durable store. An unreadable store yields an empty mirror, not an error.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, newLogError(opLogNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newLogError(opLogNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	log := &Log{
		db:        cfg.Database,
		clock:     clock,
		ids:       cfg.IDProvider,
		logger:    logger,
		retention: retention,
	}
	log.warmMirror()
	return log, nil
}

func (l *Log) warmMirror() {
	var records []Record
	err := l.db.Order("seq ASC").Find(&records).Error
	if err != nil {
		l.logger.Warn("message log load failed, starting empty", zap.Error(err))
		return
	}
	for _, record := range records {
		msg, err := messageFromRecord(record)
		if err != nil {
			l.logger.Warn("skipping unreadable message record",
				zap.String("msg_id", record.MsgID), zap.Error(err))
			continue
		}
		l.entries = append(l.entries, msg)
	}
	l.trimLocked()
}

// NewMessage builds a message with a fresh id and timestamp. The message is
// not part of the log until Append accepts it.
func (l *Log) NewMessage(author Identity, content Content, replyTo string, ephemeral bool) (*Message, error) {
	if content == nil {
		return nil, newLogError(opLogAppend, "missing_content", ErrInvalidContent)
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}
	id, err := l.ids.NewID()
	if err != nil {
		return nil, newLogError(opLogAppend, "id_generation_failed", err)
	}
	return &Message{
		ID:        id,
		Author:    author,
		Kind:      content.Kind(),
		Content:   content,
		ReplyTo:   replyTo,
		SentAt:    l.clock().UTC(),
		Reactions: make(map[string]int),
		Ephemeral: ephemeral,
	}, nil
}

// Append accepts a message into the log, evicting the oldest entry when the
// retention bound is exceeded. Persistence is best-effort: a failed write is
// logged and the in-memory append stands.
func (l *Log) Append(msg *Message) error {
	if msg == nil {
		return newLogError(opLogAppend, "nil_message", errNilMessage)
	}
	if msg.Ephemeral {
		return newLogError(opLogAppend, "ephemeral_message", errEphemeralAppend)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
	l.trimLocked()

	record, err := recordFromMessage(msg)
	if err != nil {
		l.logger.Error("message encode failed", zap.String("msg_id", msg.ID), zap.Error(err))
		return nil
	}
	if err := l.db.Create(&record).Error; err != nil {
		l.logger.Error("message persist failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	return nil
}

func (l *Log) trimLocked() {
	for len(l.entries) > l.retention {
		evicted := l.entries[0]
		l.entries = l.entries[1:]
		if err := l.db.Where("msg_id = ?", evicted.ID).Delete(&Record{}).Error; err != nil {
			l.logger.Warn("evicted message cleanup failed",
				zap.String("msg_id", evicted.ID), zap.Error(err))
		}
	}
}

// Messages returns the retained sequence in acceptance order.
func (l *Log) Messages() []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Message, 0, len(l.entries))
	for _, msg := range l.entries {
		out = append(out, msg.Clone())
	}
	return out
}

// Len reports the number of retained messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// FindByID returns a copy of the message with the given id.
func (l *Log) FindByID(id string) (*Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := l.findLocked(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (l *Log) findLocked(id string) *Message {
	for _, msg := range l.entries {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// Mutate applies fn to the message with the given id and rewrites the durable
// row. Authorization is the caller's responsibility. Returns a copy of the
// mutated message.
func (l *Log) Mutate(id string, fn func(*Message) error) (*Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := l.findLocked(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	if err := fn(msg); err != nil {
		return nil, err
	}

	record, err := recordFromMessage(msg)
	if err != nil {
		l.logger.Error("message encode failed", zap.String("msg_id", msg.ID), zap.Error(err))
		return msg.Clone(), nil
	}
	err = l.db.Model(&Record{}).Where("msg_id = ?", msg.ID).Updates(map[string]interface{}{
		"content_json":   record.ContentJSON,
		"edited":         record.Edited,
		"read":           record.Read,
		"reactions_json": record.ReactionsJSON,
		"history_json":   record.HistoryJSON,
	}).Error
	if err != nil {
		l.logger.Error("message update persist failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}
	return msg.Clone(), nil
}

// Edit replaces the text body of a message, pushing the prior content onto the
// edit history. The caller sanitizes the new body and checks ownership first.
func (l *Log) Edit(id, body string) (*Message, error) {
	return l.Mutate(id, func(msg *Message) error {
		text, ok := msg.Content.(TextContent)
		if !ok {
			return newLogError(opLogMutate, "not_text", ErrInvalidContent)
		}
		next := TextContent{Body: body}
		if err := next.Validate(); err != nil {
			return err
		}
		msg.History = append(msg.History, EditRevision{Body: text.Body, EditedAt: l.clock().UTC()})
		msg.Content = next
		msg.Edited = true
		return nil
	})
}

// Clear drops every retained message, durable rows included.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	if err := l.db.Where("1 = 1").Delete(&Record{}).Error; err != nil {
		l.logger.Warn("message log clear persist failed", zap.Error(err))
	}
}

// Delete removes the message entirely. Missing ids are a no-op reported via
// ErrNotFound so callers can skip the removal broadcast.
func (l *Log) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := -1
	for i, msg := range l.entries {
		if msg.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return ErrNotFound
	}
	l.entries = append(l.entries[:index], l.entries[index+1:]...)

	if err := l.db.Where("msg_id = ?", id).Delete(&Record{}).Error; err != nil {
		l.logger.Warn("message delete persist failed", zap.String("msg_id", id), zap.Error(err))
	}
	return nil
}
