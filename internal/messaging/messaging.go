// Package messaging persists booking chat messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/zulandar/hiredrive/internal/models"
	"gorm.io/gorm"
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// MySQL server error numbers we classify.
const (
	mysqlErrDupEntry        = 1062
	mysqlErrNoReferencedRow = 1452
)

var (
	// ErrBookingNotFound is returned by Create when the referenced booking
	// does not exist.
	ErrBookingNotFound = errors.New("messaging: booking not found")
	// ErrMessageNotFound is returned when no message matches an id.
	ErrMessageNotFound = errors.New("messaging: message not found")
)

// NewMessage holds the sender-supplied fields of a message. The store
// assigns ID, Seq, CreatedAt and Read.
type NewMessage struct {
	BookingID  string
	SenderID   string
	SenderType string
	SenderName string
	Text       string
}

// HistoryOpts selects a slice of a booking's history. With AfterSeq set only
// newer messages are returned; otherwise the latest Limit messages are.
type HistoryOpts struct {
	AfterSeq uint64
	Limit    int
}

// Store is the message persistence used by the relay and the HTTP read path.
type Store interface {
	Create(ctx context.Context, in NewMessage) (*models.Message, error)
	Get(ctx context.Context, id string) (*models.Message, error)
	History(ctx context.Context, bookingID string, opts HistoryOpts) ([]models.Message, error)
	MarkRead(ctx context.Context, id string) error
}

// GormStore implements Store on a GORM database.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("messaging: db is required")
	}
	return &GormStore{db: db, now: time.Now}, nil
}

// Validate checks the sender-supplied fields of a message.
func (in NewMessage) Validate() error {
	if strings.TrimSpace(in.BookingID) == "" {
		return fmt.Errorf("messaging: bookingId is required")
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return fmt.Errorf("messaging: senderId is required")
	}
	if !models.ValidSenderType(in.SenderType) {
		return fmt.Errorf("messaging: senderType %q is invalid", in.SenderType)
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("messaging: message is required")
	}
	return nil
}

// Create persists a new message. The booking check and the insert share a
// transaction; on MySQL the foreign key violation is mapped as well.
func (s *GormStore) Create(ctx context.Context, in NewMessage) (*models.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		BookingID:  in.BookingID,
		SenderID:   in.SenderID,
		SenderType: in.SenderType,
		SenderName: in.SenderName,
		Text:       in.Text,
		CreatedAt:  s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Booking{}).Where("id = ?", in.BookingID).Count(&n).Error; err != nil {
			return fmt.Errorf("check booking: %w", err)
		}
		if n == 0 {
			return ErrBookingNotFound
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) || isMySQLError(err, mysqlErrNoReferencedRow) {
			return nil, ErrBookingNotFound
		}
		if isMySQLError(err, mysqlErrDupEntry) {
			return nil, fmt.Errorf("messaging: create: duplicate id %s: %w", msg.ID, err)
		}
		return nil, fmt.Errorf("messaging: create: %w", err)
	}
	return &msg, nil
}

// Get loads a message by its public id.
func (s *GormStore) Get(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("messaging: id is required")
	}
	var msg models.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: get %s: %w", id, err)
	}
	return &msg, nil
}

// History returns messages of a booking in ascending seq order.
func (s *GormStore) History(ctx context.Context, bookingID string, opts HistoryOpts) ([]models.Message, error) {
	if bookingID == "" {
		return nil, fmt.Errorf("messaging: bookingId is required")
	}
	limit := clampLimit(opts.Limit)

	var msgs []models.Message
	q := s.db.WithContext(ctx).Where("booking_id = ?", bookingID)
	if opts.AfterSeq > 0 {
		err := q.Where("seq > ?", opts.AfterSeq).Order("seq ASC").Limit(limit).Find(&msgs).Error
		if err != nil {
			return nil, fmt.Errorf("messaging: history %s: %w", bookingID, err)
		}
		return msgs, nil
	}

	// Latest page, fetched newest-first then flipped.
	if err := q.Order("seq DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: history %s: %w", bookingID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead sets the read flag of a message.
func (s *GormStore) MarkRead(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("messaging: mark read %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero affected rows for an already-read message.
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("messaging: mark read %s: %w", id, err)
		}
		if n == 0 {
			return ErrMessageNotFound
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func isMySQLError(err error, number uint16) bool {
	var me *gomysql.MySQLError
	return errors.As(err, &me) && me.Number == number
}
