// Package notify tells chat participants about messages they were not
// connected to receive. Platform adapters live in the slack and discord
// subpackages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zulandar/hiredrive/internal/models"
)

// maxPreview caps the message text quoted in a notification.
const maxPreview = 280

// Notifier delivers an offline notification for a persisted message.
type Notifier interface {
	Notify(ctx context.Context, msg models.Message) error
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, models.Message) error { return nil }

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier. Every notifier is attempted even when an
// earlier one fails.
func (m Multi) Notify(ctx context.Context, msg models.Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build returns a Multi of the non-nil notifiers, or Nop when there are none.
func Build(notifiers ...Notifier) Notifier {
	var m Multi
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	if len(m) == 0 {
		return Nop{}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

// Format renders msg as a single line of plain text.
func Format(msg models.Message) string {
	text := strings.Join(strings.Fields(msg.Text), " ")
	if r := []rune(text); len(r) > maxPreview {
		text = string(r[:maxPreview-1]) + "…"
	}
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	return fmt.Sprintf("New message on booking %s from %s (%s): %s", msg.BookingID, name, msg.SenderType, text)
}

// Recorder records notifications in memory. Used by tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []models.Message
	Err  error
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.Err
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}
