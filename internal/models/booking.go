package models

import "time"

// Booking statuses.
const (
	BookingConfirmed = "confirmed"
	BookingCompleted = "completed"
	BookingCancelled = "cancelled"
)

// Booking reserves a driver for a duration. It is the scope unit for chat:
// only its customer (UserID) and its driver (DriverID) take part.
type Booking struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserID         *string   `gorm:"size:64;index" json:"userId"`
	DriverID       string    `gorm:"size:36;not null;index" json:"driverId"`
	CustomerName   string    `gorm:"size:128;not null" json:"customerName"`
	CustomerEmail  string    `gorm:"size:255;not null" json:"customerEmail"`
	CustomerPhone  string    `gorm:"size:32;not null" json:"customerPhone"`
	DurationType   string    `gorm:"size:16;not null" json:"durationType"`
	Duration       int       `gorm:"not null" json:"duration"`
	StartDate      time.Time `gorm:"not null" json:"startDate"`
	TotalPrice     string    `gorm:"type:decimal(10,2);not null" json:"totalPrice"`
	PickupLocation string    `gorm:"type:text;not null" json:"pickupLocation"`
	Notes          *string   `gorm:"type:text" json:"notes"`
	Status         string    `gorm:"size:16;not null;default:confirmed" json:"status"`
	CreatedAt      time.Time `json:"createdAt"`

	Driver *Driver `gorm:"foreignKey:DriverID" json:"-"`
}
