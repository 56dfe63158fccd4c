package models

import "time"

// SessionStatus is the lifecycle state of a visitor chat session.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusAccepted  SessionStatus = "accepted"
	StatusFinished  SessionStatus = "finished"
	StatusCancelled SessionStatus = "cancelled"
)

// Closed reports whether the status is terminal.
func (s SessionStatus) Closed() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Session is one visitor<->operator conversation. ChatID is allocated by the
// store and never reused. Rows are never deleted; finished and cancelled
// sessions remain as history.
type Session struct {
	ChatID       uint          `gorm:"column:chat_id;primaryKey;autoIncrement"`
	Status       SessionStatus `gorm:"size:16;not null;default:waiting;index"`
	VisitorLabel string        `gorm:"size:128;not null"`
	StartMessage string        `gorm:"type:text"`
	Operator     *string       `gorm:"size:255;index"`
	VisitorToken string        `gorm:"size:36;index"`
	NotifiedAt   *time.Time    `gorm:"index"`
	ClosedBy     string        `gorm:"size:255"`
	CreatedAt    time.Time     `gorm:"index"`
	UpdatedAt    time.Time
	ClosedAt     *time.Time

	Messages []Message `gorm:"foreignKey:ChatID;references:ChatID"`
}

// OperatorName returns the assigned operator address, or "" when unassigned.
func (s *Session) OperatorName() string {
	if s.Operator == nil {
		return ""
	}
	return *s.Operator
}
