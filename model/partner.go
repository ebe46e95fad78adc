package model

import "time"

// ConnectionStatus is the lifecycle state of a PartnerConnection.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionActive   ConnectionStatus = "active"
	ConnectionDeclined ConnectionStatus = "declined"
)

// PartnerConnection links two profiles. PairLow/PairHigh hold the unordered
// pair so the store rejects a second connection between the same accounts.
type PartnerConnection struct {
	ID          int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	InitiatorID int64            `gorm:"index;not null" json:"initiator_id"`
	RecipientID int64            `gorm:"index;not null" json:"recipient_id"`
	PairLow     int64            `gorm:"uniqueIndex:idx_partner_pair;not null" json:"-"`
	PairHigh    int64            `gorm:"uniqueIndex:idx_partner_pair;not null" json:"-"`
	Status      ConnectionStatus `gorm:"size:16;not null;default:pending" json:"status"`
	ConnectedAt *time.Time       `json:"connected_at"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// NewPartnerConnection returns a pending connection from initiator to recipient.
func NewPartnerConnection(initiatorID, recipientID int64) *PartnerConnection {
	low, high := OrderedPair(initiatorID, recipientID)
	return &PartnerConnection{
		InitiatorID: initiatorID,
		RecipientID: recipientID,
		PairLow:     low,
		PairHigh:    high,
		Status:      ConnectionPending,
	}
}

// OrderedPair returns a, b sorted ascending.
func OrderedPair(a, b int64) (int64, int64) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Counterpart returns the other side of the connection from accountID.
func (c *PartnerConnection) Counterpart(accountID int64) int64 {
	if c.InitiatorID == accountID {
		return c.RecipientID
	}
	return c.InitiatorID
}

// Involves reports whether accountID is either side of the connection.
func (c *PartnerConnection) Involves(accountID int64) bool {
	return c.InitiatorID == accountID || c.RecipientID == accountID
}
