// Package relay fans booking chat messages out to the connections joined to
// the same booking. Messages are persisted through a messaging.Store before
// they are broadcast; delivery is best effort and in memory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/zulandar/hiredrive/internal/booking"
	"github.com/zulandar/hiredrive/internal/config"
	"github.com/zulandar/hiredrive/internal/messaging"
	"github.com/zulandar/hiredrive/internal/models"
	"github.com/zulandar/hiredrive/internal/notify"
)

// Defaults applied by New.
const (
	DefaultMaxMessageLength = 2000
	DefaultNotifyTimeout    = 10 * time.Second

	// maxNotifyEntries triggers pruning of expired cooldowns.
	maxNotifyEntries = 4096
)

var (
	// ErrJoinRejected is returned by HandleFrame after a join failed
	// authorization. The connection has been closed.
	ErrJoinRejected = errors.New("relay: join rejected")
	// ErrPeerClosed is returned by HandleFrame for a peer that is no longer
	// registered.
	ErrPeerClosed = errors.New("relay: peer closed")
	// ErrInvalidMessage wraps validation failures of message input.
	ErrInvalidMessage = errors.New("relay: invalid message")

	errSubjectMismatch = errors.New("relay: userId does not match token subject")
)

// Peer is one client connection as seen by the relay.
type Peer interface {
	// ID identifies the connection in logs.
	ID() string
	// Subject is the authenticated user id, or "" for anonymous connections.
	Subject() string
	// Send queues a frame without blocking. It returns false when the
	// peer's buffer is full or the peer is closed.
	Send(frame []byte) bool
	// Close flushes queued frames and closes the connection. It must be
	// safe to call more than once and from any goroutine.
	Close()
}

// Opts configures a Relay.
type Opts struct {
	Messages messaging.Store // required
	Bookings booking.Store   // required with AuthorizeJoin
	Notifier notify.Notifier
	Logger   *slog.Logger

	// Acknowledge sends ack frames to senders and error frames for
	// rejected input.
	Acknowledge bool
	// AuthorizeJoin checks booking membership on join and pins message
	// frames to the joined scope.
	AuthorizeJoin bool
	// HistoryLimit > 0 sends a history frame after each join.
	HistoryLimit     int
	MaxMessageLength int
	NotifyTimeout    time.Duration
	// NotifyCooldown suppresses further offline notifications for a
	// booking within this window of the last one. Zero notifies on every
	// message.
	NotifyCooldown time.Duration
}

// OptsFromConfig returns Opts carrying the relay flags from cfg. Stores,
// notifier and logger are left for the caller.
func OptsFromConfig(cfg config.RelayConfig) Opts {
	return Opts{
		Acknowledge:      cfg.Acknowledge,
		AuthorizeJoin:    cfg.AuthorizeJoin,
		HistoryLimit:     cfg.HistoryLimit,
		MaxMessageLength: cfg.MaxMessageLength,
		NotifyCooldown:   notifyCooldown(cfg.NotifyCooldownSec),
	}
}

// notifyCooldown maps the config value to a duration; negative disables.
func notifyCooldown(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections     int    `json:"connections"`
	Bookings        int    `json:"bookings"`
	Frames          uint64 `json:"frames"`
	Malformed       uint64 `json:"malformed"`
	Messages        uint64 `json:"messages"`
	PersistFailures uint64 `json:"persistFailures"`
	Deliveries      uint64 `json:"deliveries"`
	Dropped         uint64 `json:"dropped"`
	Rejected        uint64 `json:"rejected"`
}

type counters struct {
	frames          atomic.Uint64
	malformed       atomic.Uint64
	messages        atomic.Uint64
	persistFailures atomic.Uint64
	deliveries      atomic.Uint64
	dropped         atomic.Uint64
	rejected        atomic.Uint64
}

// Relay routes frames between connections scoped to bookings.
type Relay struct {
	messages messaging.Store
	bookings booking.Store
	notifier notify.Notifier
	log      *slog.Logger
	opts     Opts

	reg       *registry
	locks     *keyLock
	backfill  *backfills
	notifying sync.WaitGroup
	stats     counters

	notifyMu     sync.Mutex
	lastNotified map[string]time.Time
	now          func() time.Time
}

// New creates a Relay.
func New(opts Opts) (*Relay, error) {
	if opts.Messages == nil {
		return nil, fmt.Errorf("relay: message store is required")
	}
	if opts.AuthorizeJoin && opts.Bookings == nil {
		return nil, fmt.Errorf("relay: booking store is required to authorize joins")
	}
	if opts.HistoryLimit < 0 || opts.HistoryLimit > messaging.MaxHistoryLimit {
		return nil, fmt.Errorf("relay: history limit must be between 0 and %d", messaging.MaxHistoryLimit)
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		messages:     opts.Messages,
		bookings:     opts.Bookings,
		notifier:     opts.Notifier,
		log:          opts.Logger,
		opts:         opts,
		reg:          newRegistry(),
		locks:        newKeyLock(),
		backfill:     newBackfills(),
		lastNotified: make(map[string]time.Time),
		now:          time.Now,
	}, nil
}

// Register records a new connection with no booking scope.
func (r *Relay) Register(p Peer) {
	r.reg.add(p)
	r.log.Debug("connection registered", "conn", p.ID(), "user", p.Subject())
}

// Unregister removes a connection from every future broadcast. It is safe
// to call more than once.
func (r *Relay) Unregister(p Peer) {
	if r.reg.remove(p) {
		r.log.Debug("connection unregistered", "conn", p.ID())
	}
}

// HandleFrame processes one inbound frame from p. Frames from one peer must
// be handled sequentially. A non-nil error means the connection is done and
// the caller should stop reading from it.
func (r *Relay) HandleFrame(ctx context.Context, p Peer, raw []byte) error {
	sc, ok := r.reg.scopeOf(p)
	if !ok {
		return ErrPeerClosed
	}
	r.stats.frames.Add(1)

	in, err := DecodeInbound(raw)
	if err != nil {
		r.malformed(p, sc, CodeBadFrame, err, "")
		return nil
	}

	switch in.Type {
	case TypeJoin:
		return r.handleJoin(ctx, p, in)
	default:
		r.handleMessage(ctx, p, sc, in)
		return nil
	}
}

func (r *Relay) handleJoin(ctx context.Context, p Peer, in *Inbound) error {
	bookingID := strings.TrimSpace(in.BookingID)
	if bookingID == "" {
		r.malformed(p, scope{}, CodeBadFrame, errors.New("join: bookingId is required"), "")
		return nil
	}
	next := scope{bookingID: bookingID, userID: strings.TrimSpace(in.UserID)}
	log := r.log.With("conn", p.ID(), "booking", bookingID, "user", next.userID)

	if r.opts.AuthorizeJoin {
		role, err := r.authorize(ctx, p, bookingID, next.userID)
		if err != nil {
			r.stats.rejected.Add(1)
			code, reason := CodeForbidden, "not a participant of this booking"
			if !isForbidden(err) {
				code, reason = CodeUnavailable, "booking lookup failed"
				log.Error("join authorization failed", "err", err)
			} else {
				log.Warn("join rejected", "err", err)
			}
			r.send(p, errorFrame(code, reason, ""))
			r.Unregister(p)
			p.Close()
			return ErrJoinRejected
		}
		next.role = role
	}

	if r.opts.HistoryLimit == 0 {
		if !r.reg.join(p, next) {
			return ErrPeerClosed
		}
		log.Debug("connection joined")
		return nil
	}

	// Joining under the booking lock orders the join against broadcasts.
	// Live messages from then on are held for p until its history frame is
	// queued, so none is lost between history and the live stream.
	unlock := r.locks.lock(bookingID)
	joined := r.reg.join(p, next)
	if joined {
		r.backfill.begin(p)
	}
	unlock()
	if !joined {
		return ErrPeerClosed
	}
	log.Debug("connection joined")

	r.sendHistory(ctx, p, bookingID, in.Since)
	return nil
}

func (r *Relay) authorize(ctx context.Context, p Peer, bookingID, userID string) (string, error) {
	if subject := p.Subject(); subject != "" && subject != userID {
		return "", errSubjectMismatch
	}
	b, err := r.bookings.Authorize(ctx, bookingID, userID)
	if err != nil {
		return "", err
	}
	return booking.SenderType(b, userID), nil
}

func isForbidden(err error) bool {
	return errors.Is(err, booking.ErrForbidden) ||
		errors.Is(err, booking.ErrNotFound) ||
		errors.Is(err, errSubjectMismatch)
}

// sendHistory reads history without holding the booking lock, then queues
// the history frame followed by the live messages held back meanwhile.
// Held messages already present in history are skipped.
func (r *Relay) sendHistory(ctx context.Context, p Peer, bookingID string, since uint64) {
	msgs, err := r.messages.History(ctx, bookingID, messaging.HistoryOpts{
		AfterSeq: since,
		Limit:    r.opts.HistoryLimit,
	})

	unlock := r.locks.lock(bookingID)
	defer unlock()
	held := r.backfill.end(p)

	if err != nil {
		r.log.Error("history lookup failed", "conn", p.ID(), "booking", bookingID, "err", err)
		r.send(p, errorFrame(CodeUnavailable, "history unavailable", ""))
	} else {
		r.send(p, historyFrame(msgs))
	}
	if held == nil {
		return
	}
	if held.overflow {
		r.drop(p)
		return
	}
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		seen[m.ID] = true
	}
	for _, m := range held.msgs {
		if m.BookingID != bookingID || seen[m.ID] {
			continue
		}
		r.send(p, MessageFrame(m))
	}
}

func (r *Relay) handleMessage(ctx context.Context, p Peer, sc scope, in *Inbound) {
	nm := messaging.NewMessage{
		BookingID:  strings.TrimSpace(in.BookingID),
		SenderID:   strings.TrimSpace(in.SenderID),
		SenderType: in.SenderType,
		SenderName: in.SenderName,
		Text:       in.Message,
	}

	if r.opts.AuthorizeJoin {
		if err := checkScope(sc, nm); err != nil {
			r.stats.rejected.Add(1)
			r.log.Warn("message rejected", "conn", p.ID(), "booking", nm.BookingID, "user", sc.userID, "err", err)
			if r.opts.Acknowledge {
				r.send(p, errorFrame(CodeForbidden, err.Error(), in.ClientID))
			}
			return
		}
	}

	msg, _, err := r.Publish(ctx, nm)
	switch {
	case errors.Is(err, ErrInvalidMessage):
		r.malformed(p, sc, CodeInvalidMessage, err, in.ClientID)
	case err != nil:
		r.log.Error("persist message failed", "conn", p.ID(), "booking", nm.BookingID, "user", nm.SenderID, "err", err)
		if r.opts.Acknowledge {
			code := CodePersistFailed
			if errors.Is(err, messaging.ErrBookingNotFound) {
				code = CodeBookingNotFound
			}
			r.send(p, errorFrame(code, err.Error(), in.ClientID))
		}
	case r.opts.Acknowledge:
		r.send(p, ackFrame(msg, in.ClientID))
	}
}

// checkScope pins an authorized connection's messages to its join.
func checkScope(sc scope, nm messaging.NewMessage) error {
	switch {
	case sc.bookingID == "":
		return errors.New("join a booking before sending")
	case nm.BookingID != sc.bookingID:
		return fmt.Errorf("joined booking %s, not %s", sc.bookingID, nm.BookingID)
	case nm.SenderID != sc.userID:
		return errors.New("senderId does not match the joined user")
	case sc.role != "" && nm.SenderType != sc.role:
		return fmt.Errorf("senderType must be %s", sc.role)
	}
	return nil
}

// Validate checks message input against the relay's limits.
func (r *Relay) Validate(nm messaging.NewMessage) error {
	if err := nm.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if n := utf8.RuneCountInString(nm.Text); n > r.opts.MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidMessage, n, r.opts.MaxMessageLength)
	}
	return nil
}

// Publish validates and persists a message, then broadcasts it to the
// booking. It returns the stored message and the number of connections it
// was delivered to. The store call runs without the booking lock, so a
// stalled store only holds up its caller; the broadcast takes the lock once
// persistence has completed.
func (r *Relay) Publish(ctx context.Context, nm messaging.NewMessage) (*models.Message, int, error) {
	if err := r.Validate(nm); err != nil {
		return nil, 0, err
	}

	msg, err := r.messages.Create(ctx, nm)
	if err != nil {
		r.stats.persistFailures.Add(1)
		return nil, 0, err
	}

	unlock := r.locks.lock(msg.BookingID)
	defer unlock()
	return msg, r.fanout(msg), nil
}

// Broadcast delivers an already persisted message to every connection
// joined to its booking and returns the delivery count.
func (r *Relay) Broadcast(msg *models.Message) int {
	if msg == nil || msg.BookingID == "" {
		return 0
	}
	unlock := r.locks.lock(msg.BookingID)
	defer unlock()
	return r.fanout(msg)
}

// fanout sends msg to a snapshot of the booking's members. Stalled peers are
// dropped and peers awaiting history get it held. When no connection of
// another user received it, the offline notifier is invoked. Callers hold
// the booking lock.
func (r *Relay) fanout(msg *models.Message) int {
	frame := MessageFrame(msg)
	if frame == nil {
		return 0
	}
	delivered, others := 0, 0
	for _, m := range r.reg.members(msg.BookingID) {
		if r.backfill.hold(m.peer, msg) {
			delivered++
			if m.userID != msg.SenderID {
				others++
			}
			continue
		}
		if !m.peer.Send(frame) {
			r.drop(m.peer)
			continue
		}
		delivered++
		if m.userID != msg.SenderID {
			others++
		}
	}
	r.stats.messages.Add(1)
	r.stats.deliveries.Add(uint64(delivered))
	r.log.Debug("message broadcast", "booking", msg.BookingID, "id", msg.ID, "seq", msg.Seq, "delivered", delivered)

	if others == 0 {
		r.notifyOffline(msg)
	}
	return delivered
}

func (r *Relay) notifyOffline(msg *models.Message) {
	if _, ok := r.notifier.(notify.Nop); ok {
		return
	}
	if !r.notifyDue(msg.BookingID) {
		r.log.Debug("offline notification suppressed", "booking", msg.BookingID, "id", msg.ID)
		return
	}
	m := *msg
	m.Booking = nil
	r.notifying.Add(1)
	go func() {
		defer r.notifying.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.NotifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, m); err != nil {
			r.log.Warn("offline notification failed", "booking", m.BookingID, "id", m.ID, "err", err)
		}
	}()
}

// notifyDue reports whether bookingID is outside its notification cooldown
// and, if so, starts a new one.
func (r *Relay) notifyDue(bookingID string) bool {
	cooldown := r.opts.NotifyCooldown
	if cooldown <= 0 {
		return true
	}
	now := r.now()
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if last, ok := r.lastNotified[bookingID]; ok && now.Sub(last) < cooldown {
		return false
	}
	r.lastNotified[bookingID] = now
	if len(r.lastNotified) > maxNotifyEntries {
		for id, last := range r.lastNotified {
			if now.Sub(last) >= cooldown {
				delete(r.lastNotified, id)
			}
		}
	}
	return true
}

// send queues frame on p, dropping p if it cannot keep up.
func (r *Relay) send(p Peer, frame []byte) {
	if frame == nil {
		return
	}
	if !p.Send(frame) {
		r.drop(p)
	}
}

func (r *Relay) drop(p Peer) {
	if !r.reg.remove(p) {
		return
	}
	r.stats.dropped.Add(1)
	r.log.Warn("dropping stalled connection", "conn", p.ID())
	p.Close()
}

func (r *Relay) malformed(p Peer, sc scope, code string, err error, clientID string) {
	r.stats.malformed.Add(1)
	r.log.Warn("frame dropped", "conn", p.ID(), "booking", sc.bookingID, "user", sc.userID, "err", err)
	if r.opts.Acknowledge {
		r.send(p, errorFrame(code, err.Error(), clientID))
	}
}

// Stats returns current connection counts and cumulative counters.
func (r *Relay) Stats() Stats {
	conns, bookings := r.reg.counts()
	return Stats{
		Connections:     conns,
		Bookings:        bookings,
		Frames:          r.stats.frames.Load(),
		Malformed:       r.stats.malformed.Load(),
		Messages:        r.stats.messages.Load(),
		PersistFailures: r.stats.persistFailures.Load(),
		Deliveries:      r.stats.deliveries.Load(),
		Dropped:         r.stats.dropped.Load(),
		Rejected:        r.stats.rejected.Load(),
	}
}

// Shutdown unregisters and closes every connection, then waits for pending
// offline notifications or ctx, whichever comes first.
func (r *Relay) Shutdown(ctx context.Context) error {
	for _, p := range r.reg.all() {
		if r.reg.remove(p) {
			p.Close()
		}
	}
	done := make(chan struct{})
	go func() {
		r.notifying.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until pending offline notifications finish.
func (r *Relay) Wait() {
	r.notifying.Wait()
}
