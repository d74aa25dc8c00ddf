package models

import "time"

// Sender types accepted on a Message.
const (
	SenderCustomer = "customer"
	SenderDriver   = "driver"
)

// Message is a chat line exchanged between the customer and the driver of a
// booking. Seq is assigned by the database and orders messages across the
// whole table; ID is the public identifier.
type Message struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID         string    `gorm:"size:36;not null;uniqueIndex" json:"id"`
	BookingID  string    `gorm:"size:36;not null;index" json:"bookingId"`
	SenderID   string    `gorm:"size:64;not null" json:"senderId"`
	SenderType string    `gorm:"size:16;not null" json:"senderType"`
	SenderName string    `gorm:"size:128;not null" json:"senderName"`
	Text       string    `gorm:"column:message;type:text;not null" json:"message"`
	Read       bool      `gorm:"default:false;index" json:"read"`
	CreatedAt  time.Time `json:"createdAt"`

	Booking *Booking `gorm:"foreignKey:BookingID;constraint:OnDelete:CASCADE" json:"-"`
}

// ValidSenderType reports whether t is one of the known sender types.
func ValidSenderType(t string) bool {
	return t == SenderCustomer || t == SenderDriver
}
