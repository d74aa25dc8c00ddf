// Package booking resolves bookings and their chat participants.
package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/hiredrive/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no booking matches an id.
	ErrNotFound = errors.New("booking: not found")
	// ErrForbidden is returned when a user is neither the customer nor the
	// driver of a booking.
	ErrForbidden = errors.New("booking: user is not a participant")
)

// Store looks up bookings for the relay and the HTTP read path.
type Store interface {
	Get(ctx context.Context, id string) (*models.Booking, error)
	Authorize(ctx context.Context, bookingID, userID string) (*models.Booking, error)
}

// GormStore implements Store on a GORM database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("booking: db is required")
	}
	return &GormStore{db: db}, nil
}

// Get loads a booking by id.
func (s *GormStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var b models.Booking
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("booking: get %s: %w", id, err)
	}
	return &b, nil
}

// Authorize loads a booking and checks that userID takes part in it.
func (s *GormStore) Authorize(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	b, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !IsParticipant(b, userID) {
		return nil, ErrForbidden
	}
	return b, nil
}

// IsParticipant reports whether userID is the booking's customer or driver.
// Guest bookings have no customer user and only admit the driver.
func IsParticipant(b *models.Booking, userID string) bool {
	if b == nil || userID == "" {
		return false
	}
	if b.UserID != nil && *b.UserID == userID {
		return true
	}
	return b.DriverID == userID
}

// SenderType returns the senderType a participant posts as, or "" when
// userID is not a participant.
func SenderType(b *models.Booking, userID string) string {
	switch {
	case b == nil || userID == "":
		return ""
	case b.UserID != nil && *b.UserID == userID:
		return models.SenderCustomer
	case b.DriverID == userID:
		return models.SenderDriver
	}
	return ""
}
