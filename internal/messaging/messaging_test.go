package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/hiredrive/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Driver{}, &models.Booking{}, &models.Message{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func createTestBooking(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	driver := models.Driver{ID: "drv-" + id, Name: "Priya", Rating: "4.8", HourlyRate: "1", DailyRate: "1", WeeklyRate: "1", MonthlyRate: "1"}
	if err := db.Create(&driver).Error; err != nil {
		t.Fatalf("create test driver: %v", err)
	}
	user := "cust-" + id
	b := models.Booking{
		ID:             id,
		UserID:         &user,
		DriverID:       driver.ID,
		CustomerName:   "Alice",
		CustomerEmail:  "alice@example.com",
		CustomerPhone:  "555",
		DurationType:   "hourly",
		Duration:       3,
		StartDate:      time.Now(),
		TotalPrice:     "2100.00",
		PickupLocation: "Airport",
		Status:         models.BookingConfirmed,
	}
	if err := db.Create(&b).Error; err != nil {
		t.Fatalf("create test booking: %v", err)
	}
}

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	s, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s, db
}

func validInput(bookingID string) NewMessage {
	return NewMessage{
		BookingID:  bookingID,
		SenderID:   "u1",
		SenderType: models.SenderCustomer,
		SenderName: "Alice",
		Text:       "hi",
	}
}

func TestNewGormStore_NilDB(t *testing.T) {
	_, err := NewGormStore(nil)
	if err == nil {
		t.Fatal("expected error for nil db")
	}
	if got := err.Error(); got != "messaging: db is required" {
		t.Errorf("error = %q", got)
	}
}

// --- Validate ---

func TestNewMessage_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewMessage)
		want   string
	}{
		{"missing booking", func(m *NewMessage) { m.BookingID = "" }, "messaging: bookingId is required"},
		{"missing sender", func(m *NewMessage) { m.SenderID = " " }, "messaging: senderId is required"},
		{"bad sender type", func(m *NewMessage) { m.SenderType = "admin" }, `messaging: senderType "admin" is invalid`},
		{"empty text", func(m *NewMessage) { m.Text = "" }, "messaging: message is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput("b1")
			tt.mutate(&in)
			err := in.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.want {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
	if err := validInput("b1").Validate(); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
}

// --- Create ---

func TestCreate_AssignsServerFields(t *testing.T) {
	s, db := newTestStore(t)
	createTestBooking(t, db, "xyz")
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	msg, err := s.Create(context.Background(), validInput("xyz"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if msg.ID == "" {
		t.Error("ID not assigned")
	}
	if msg.Seq == 0 {
		t.Error("Seq not assigned")
	}
	if !msg.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, fixed)
	}
	if msg.Read {
		t.Error("new message should be unread")
	}
	if msg.Text != "hi" || msg.SenderName != "Alice" || msg.BookingID != "xyz" {
		t.Errorf("fields not carried: %+v", msg)
	}
}

func TestCreate_SeqMonotonic(t *testing.T) {
	s, db := newTestStore(t)
	createTestBooking(t, db, "b1")

	var last uint64
	for i := 0; i < 5; i++ {
		in := validInput("b1")
		in.Text = fmt.Sprintf("msg %d", i)
		msg, err := s.Create(context.Background(), in)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		if msg.Seq <= last {
			t.Errorf("seq %d not greater than previous %d", msg.Seq, last)
		}
		last = msg.Seq
	}
}

func TestCreate_BookingNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(context.Background(), validInput("nope"))
	if !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("err = %v, want ErrBookingNotFound", err)
	}
}

func TestCreate_ValidationBeforeDB(t *testing.T) {
	// A nil-db store still validates first.
	s := &GormStore{}
	in := validInput("b1")
	in.SenderType = "robot"
	if _, err := s.Create(context.Background(), in); err == nil || !strings.Contains(err.Error(), "senderType") {
		t.Fatalf("err = %v, want senderType validation error", err)
	}
}

// --- Get / MarkRead ---

func TestGetAndMarkRead(t *testing.T) {
	s, db := newTestStore(t)
	createTestBooking(t, db, "b1")
	ctx := context.Background()

	msg, err := s.Create(ctx, validInput("b1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkRead(ctx, msg.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	// Marking twice is not an error.
	if err := s.MarkRead(ctx, msg.ID); err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}

	got, err := s.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Read {
		t.Error("message should be read")
	}
	if got.Text != "hi" {
		t.Errorf("Text = %q, want hi", got.Text)
	}
}

func TestMarkRead_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.MarkRead(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
	if _, err := s.Get(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty id")
	}
}

// --- History ---

func seedHistory(t *testing.T, s *GormStore, bookingID string, n int) []*models.Message {
	t.Helper()
	var out []*models.Message
	for i := 0; i < n; i++ {
		in := validInput(bookingID)
		in.Text = fmt.Sprintf("%s-%d", bookingID, i)
		msg, err := s.Create(context.Background(), in)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestHistory_LatestPageAscending(t *testing.T) {
	s, db := newTestStore(t)
	createTestBooking(t, db, "b1")
	createTestBooking(t, db, "b2")
	created := seedHistory(t, s, "b1", 5)
	seedHistory(t, s, "b2", 3)

	msgs, err := s.History(context.Background(), "b1", HistoryOpts{Limit: 3})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		want := created[2+i]
		if m.ID != want.ID {
			t.Errorf("msgs[%d] = %s, want %s", i, m.Text, want.Text)
		}
		if m.BookingID != "b1" {
			t.Errorf("msgs[%d] leaked from booking %s", i, m.BookingID)
		}
	}
}

func TestHistory_AfterSeq(t *testing.T) {
	s, db := newTestStore(t)
	createTestBooking(t, db, "b1")
	created := seedHistory(t, s, "b1", 4)

	msgs, err := s.History(context.Background(), "b1", HistoryOpts{AfterSeq: created[1].Seq})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != created[2].ID || msgs[1].ID != created[3].ID {
		t.Errorf("got %s,%s", msgs[0].Text, msgs[1].Text)
	}
}

func TestHistory_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	msgs, err := s.History(context.Background(), "b1", HistoryOpts{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}
	if _, err := s.History(context.Background(), "", HistoryOpts{}); err == nil {
		t.Fatal("expected error for empty bookingId")
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultHistoryLimit},
		{-3, DefaultHistoryLimit},
		{10, 10},
		{MaxHistoryLimit + 1, MaxHistoryLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsMySQLError(t *testing.T) {
	fk := &gomysql.MySQLError{Number: mysqlErrNoReferencedRow, Message: "fk"}
	if !isMySQLError(fmt.Errorf("wrapped: %w", fk), mysqlErrNoReferencedRow) {
		t.Error("wrapped FK error not classified")
	}
	if isMySQLError(fk, mysqlErrDupEntry) {
		t.Error("FK error classified as duplicate")
	}
	if isMySQLError(errors.New("plain"), mysqlErrDupEntry) {
		t.Error("plain error classified as mysql")
	}
}
