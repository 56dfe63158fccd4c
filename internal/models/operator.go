package models

import "time"

// OperatorPresence mirrors an operator's network presence into the store so
// the web tier can answer "is anyone available" without talking to the broker.
type OperatorPresence struct {
	Address   string `gorm:"primaryKey;size:255"`
	Online    bool   `gorm:"default:false;index"`
	UpdatedAt time.Time
}

// TableName keeps the table name short for the web tier's queries.
func (OperatorPresence) TableName() string {
	return "operators"
}
