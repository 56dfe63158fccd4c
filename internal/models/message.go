package models

import "time"

// Direction says which side of a session a message is headed to.
type Direction string

const (
	ToVisitor  Direction = "to_visitor"
	ToOperator Direction = "to_operator"
)

// MessageKind separates conversation text from broker-generated notices.
type MessageKind string

const (
	KindChat   MessageKind = "chat"
	KindNotice MessageKind = "notice"
)

// Message is one entry in a session's append-only log. The autoincrement ID
// is the insertion order. DeliveredAt is set exactly once, when the message
// is handed to the operator (ToOperator) or picked up by the visitor's poll
// (ToVisitor).
type Message struct {
	ID          uint        `gorm:"primaryKey;autoIncrement"`
	ChatID      uint        `gorm:"column:chat_id;not null;index"`
	Direction   Direction   `gorm:"size:16;not null;index"`
	Kind        MessageKind `gorm:"size:16;not null;default:chat"`
	Text        string      `gorm:"type:text;not null"`
	CreatedAt   time.Time
	DeliveredAt *time.Time `gorm:"index"`
}
