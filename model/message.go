package model

import "time"

// Message is one entry in the conversation log between two partners.
// ClientRef is the sender-generated correlation id, unique per sender when
// present.
type Message struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64     `gorm:"index:idx_message_pair;uniqueIndex:idx_message_ref;not null" json:"sender_id"`
	ReceiverID int64     `gorm:"index:idx_message_pair;index:idx_message_unread;not null" json:"receiver_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Read       bool      `gorm:"column:is_read;index:idx_message_unread;default:false" json:"read"`
	ClientRef  *string   `gorm:"uniqueIndex:idx_message_ref;size:64" json:"client_ref,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	Sender   *Profile `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Receiver *Profile `gorm:"foreignKey:ReceiverID" json:"receiver,omitempty"`
}
