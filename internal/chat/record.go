package chat

import (
	"encoding/json"
	"time"
)

// Record is the persisted form of a Message. Rows are ordered by the
// auto-incrementing sequence, which is the causal order of acceptance.
type Record struct {
	Seq           int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	MsgID         string `gorm:"column:msg_id;uniqueIndex;size:190;not null"`
	Author        string `gorm:"column:author;size:190;not null;index"`
	Kind          string `gorm:"column:kind;size:16;not null"`
	ContentJSON   string `gorm:"column:content_json;type:text;not null"`
	ReplyTo       string `gorm:"column:reply_to;size:190;not null;default:''"`
	SentAtMilli   int64  `gorm:"column:sent_at_ms;not null"`
	Edited        bool   `gorm:"column:edited;not null;default:false"`
	Read          bool   `gorm:"column:read;not null;default:false"`
	ReactionsJSON string `gorm:"column:reactions_json;type:text;not null;default:'{}'"`
	HistoryJSON   string `gorm:"column:history_json;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "chat_messages"
}

func recordFromMessage(msg *Message) (Record, error) {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return Record{}, err
	}
	reactionsJSON, err := json.Marshal(msg.Reactions)
	if err != nil {
		return Record{}, err
	}
	historyJSON, err := json.Marshal(msg.History)
	if err != nil {
		return Record{}, err
	}
	return Record{
		MsgID:         msg.ID,
		Author:        msg.Author.String(),
		Kind:          string(msg.Kind),
		ContentJSON:   string(contentJSON),
		ReplyTo:       msg.ReplyTo,
		SentAtMilli:   msg.SentAt.UnixMilli(),
		Edited:        msg.Edited,
		Read:          msg.Read,
		ReactionsJSON: string(reactionsJSON),
		HistoryJSON:   string(historyJSON),
	}, nil
}

func messageFromRecord(record Record) (*Message, error) {
	kind, err := ParseKind(record.Kind)
	if err != nil {
		return nil, err
	}
	content, err := DecodeContent(kind, json.RawMessage(record.ContentJSON))
	if err != nil {
		return nil, err
	}
	reactions := make(map[string]int)
	if record.ReactionsJSON != "" {
		if err := json.Unmarshal([]byte(record.ReactionsJSON), &reactions); err != nil {
			return nil, err
		}
	}
	var history []EditRevision
	if record.HistoryJSON != "" {
		if err := json.Unmarshal([]byte(record.HistoryJSON), &history); err != nil {
			return nil, err
		}
	}
	return &Message{
		ID:        record.MsgID,
		Author:    Identity(record.Author),
		Kind:      kind,
		Content:   content,
		ReplyTo:   record.ReplyTo,
		SentAt:    time.UnixMilli(record.SentAtMilli).UTC(),
		Edited:    record.Edited,
		Read:      record.Read,
		Reactions: reactions,
		History:   history,
	}, nil
}
