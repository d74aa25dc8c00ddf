package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/hiredrive/internal/booking"
	"github.com/zulandar/hiredrive/internal/config"
	"github.com/zulandar/hiredrive/internal/logging"
	"github.com/zulandar/hiredrive/internal/messaging"
	"github.com/zulandar/hiredrive/internal/models"
)

// --- Fake message store ---

type fakeStore struct {
	mu         sync.Mutex
	seq        uint64
	bookings   map[string]bool // nil accepts every booking
	msgs       []models.Message
	createErr  error
	historyErr error
	creates    int
	// gate, when set, is received from before each insert whose text is
	// gateText (every insert if gateText is empty). entered is signalled
	// when an insert starts waiting.
	gate     chan struct{}
	gateText string
	entered  chan struct{}
	// historyGate, when set, is received from after History has taken its
	// snapshot. historyEntered is signalled before waiting.
	historyGate    chan struct{}
	historyEntered chan struct{}
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *fakeStore) Create(ctx context.Context, in messaging.NewMessage) (*models.Message, error) {
	if s.gate != nil && (s.gateText == "" || in.Text == s.gateText) {
		signal(s.entered)
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.bookings != nil && !s.bookings[in.BookingID] {
		return nil, messaging.ErrBookingNotFound
	}
	s.seq++
	msg := models.Message{
		Seq:        s.seq,
		ID:         fmt.Sprintf("m%d", s.seq),
		BookingID:  in.BookingID,
		SenderID:   in.SenderID,
		SenderType: in.SenderType,
		SenderName: in.SenderName,
		Text:       in.Text,
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, int(s.seq), 0, time.UTC),
	}
	s.msgs = append(s.msgs, msg)
	return &msg, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			m := m
			return &m, nil
		}
	}
	return nil, messaging.ErrMessageNotFound
}

func (s *fakeStore) History(ctx context.Context, bookingID string, opts messaging.HistoryOpts) ([]models.Message, error) {
	out, err := s.historySnapshot(bookingID, opts)
	if s.historyGate != nil {
		signal(s.historyEntered)
		select {
		case <-s.historyGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, err
}

func (s *fakeStore) historySnapshot(bookingID string, opts messaging.HistoryOpts) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	var out []models.Message
	for _, m := range s.msgs {
		if m.BookingID == bookingID && m.Seq > opts.AfterSeq {
			out = append(out, m)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		if opts.AfterSeq > 0 {
			out = out[:opts.Limit]
		} else {
			out = out[len(out)-opts.Limit:]
		}
	}
	return out, nil
}

func (s *fakeStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			s.msgs[i].Read = true
			return nil
		}
	}
	return messaging.ErrMessageNotFound
}

func (s *fakeStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// --- Fake booking store ---

type fakeBookings struct {
	bookings map[string]*models.Booking
	err      error
}

func (f *fakeBookings) Get(_ context.Context, id string) (*models.Booking, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) Authorize(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	b, err := f.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsParticipant(b, userID) {
		return nil, booking.ErrForbidden
	}
	return b, nil
}

func strPtr(s string) *string { return &s }

func testBookings() *fakeBookings {
	return &fakeBookings{bookings: map[string]*models.Booking{
		"xyz": {ID: "xyz", UserID: strPtr("u1"), DriverID: "d1"},
		"abc": {ID: "abc", UserID: strPtr("u3"), DriverID: "d2"},
	}}
}

// --- Fake peer ---

type fakePeer struct {
	id      string
	subject string

	mu     sync.Mutex
	frames [][]byte
	// capacity < 0 rejects every frame; 0 is unlimited.
	capacity int
	closed   bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string      { return p.id }
func (p *fakePeer) Subject() string { return p.subject }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.capacity < 0 || (p.capacity > 0 && len(p.frames) >= p.capacity) {
		return false
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type testFrame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *FrameError     `json:"error"`
}

func (p *fakePeer) received(t *testing.T) []testFrame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]testFrame, 0, len(p.frames))
	for _, raw := range p.frames {
		var f testFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("peer %s got non-JSON frame %q: %v", p.id, raw, err)
		}
		out = append(out, f)
	}
	return out
}

func (p *fakePeer) messages(t *testing.T) []models.Message {
	t.Helper()
	var out []models.Message
	for _, f := range p.received(t) {
		if f.Type != TypeMessage {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			t.Fatalf("decode message data: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func (p *fakePeer) framesOfType(t *testing.T, typ string) []testFrame {
	t.Helper()
	var out []testFrame
	for _, f := range p.received(t) {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// --- Helpers ---

func newTestRelay(t *testing.T, opts Opts) (*Relay, *fakeStore) {
	t.Helper()
	store, _ := opts.Messages.(*fakeStore)
	if opts.Messages == nil {
		store = &fakeStore{}
		opts.Messages = store
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, store
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func joinFrame(t *testing.T, bookingID, userID string) []byte {
	return frame(t, map[string]any{"type": "join", "bookingId": bookingID, "userId": userID})
}

func messageFrame(t *testing.T, bookingID, senderID, senderType, name, text string) []byte {
	return frame(t, map[string]any{
		"type": "message", "bookingId": bookingID, "senderId": senderID,
		"senderType": senderType, "senderName": name, "message": text,
	})
}

func mustHandle(t *testing.T, r *Relay, p Peer, raw []byte) {
	t.Helper()
	if err := r.HandleFrame(context.Background(), p, raw); err != nil {
		t.Fatalf("HandleFrame(%s): %v", raw, err)
	}
}

func connectAndJoin(t *testing.T, r *Relay, id, bookingID, userID string) *fakePeer {
	t.Helper()
	p := newPeer(id)
	r.Register(p)
	mustHandle(t, r, p, joinFrame(t, bookingID, userID))
	return p
}

func configForTest() config.RelayConfig {
	return config.RelayConfig{Acknowledge: true, AuthorizeJoin: true, HistoryLimit: 20, MaxMessageLength: 500}
}

func newBufferLogger(w io.Writer) *slog.Logger {
	return logging.New("debug", "text", w)
}
