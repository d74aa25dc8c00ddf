package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/hiredrive/internal/models"
)

// --- Mock Discord session ---

type sentEmbed struct {
	channelID string
	embed     *discordgo.MessageEmbed
}

type mockSession struct {
	mu    sync.Mutex
	sent  []sentEmbed
	errs  []error // returned in order, then nil
	calls int
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	m.sent = append(m.sent, sentEmbed{channelID: channelID, embed: embed})
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func testMessage() models.Message {
	return models.Message{
		ID: "m1", BookingID: "xyz", SenderID: "u1",
		SenderType: models.SenderCustomer, SenderName: "Alice", Text: "hi",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newTestNotifier(t *testing.T, sess *mockSession) *Notifier {
	t.Helper()
	n, err := New(Opts{ChannelID: "C1", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 5 * time.Millisecond
	return n
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{BotToken: "tok"}); err == nil {
		t.Error("expected error for missing channel")
	}
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error for missing token without session")
	}
	if _, err := New(Opts{BotToken: "tok", ChannelID: "C1"}); err != nil {
		t.Errorf("real session construction failed: %v", err)
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent %d embeds, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.channelID != "C1" {
		t.Errorf("channel = %q, want C1", got.channelID)
	}
	if got.embed.Title != "Booking xyz" {
		t.Errorf("title = %q", got.embed.Title)
	}
	if !strings.Contains(got.embed.Description, "Alice") {
		t.Errorf("description = %q", got.embed.Description)
	}
	if got.embed.Timestamp != "2026-03-01T10:00:00Z" {
		t.Errorf("timestamp = %q", got.embed.Timestamp)
	}
	if got.embed.Color != 0x439fe0 {
		t.Errorf("color = %x", got.embed.Color)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited()}}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sess.calls != 3 {
		t.Errorf("calls = %d, want 3", sess.calls)
	}
}

func TestNotify_GivesUp(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("expected error after max retries")
	}
	if sess.calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", sess.calls, maxRetries+1)
	}
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	sess := &mockSession{errs: []error{errors.New("missing access")}}
	n := newTestNotifier(t, sess)

	err := n.Notify(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "missing access") {
		t.Fatalf("err = %v", err)
	}
	if sess.calls != 1 {
		t.Errorf("calls = %d, want 1", sess.calls)
	}
}
