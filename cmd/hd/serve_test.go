package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/hiredrive/internal/config"
	"github.com/zulandar/hiredrive/internal/db"
	"github.com/zulandar/hiredrive/internal/logging"
	"github.com/zulandar/hiredrive/internal/models"
	"github.com/zulandar/hiredrive/internal/notify"
	"github.com/zulandar/hiredrive/internal/server"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

// startTestServer serves a relay built from cfgYAML on an httptest server
// and returns its WebSocket URL and a seeded booking id (customer alice).
func startTestServer(t *testing.T, cfgYAML string) (string, string, *config.Config) {
	t.Helper()
	cfgPath := writeTestConfig(t, cfgYAML)
	cfg, gormDB, err := connectFromConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatal(err)
	}
	seed, err := db.SeedDemo(gormDB, "alice")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opts, err := buildServer(ctx, cfg, gormDB, logging.Discard())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	router, err := server.NewRouter(opts)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Relay.Path, seed.BookingID, cfg
}

func TestChat_SendsAndPrintsBroadcast(t *testing.T) {
	url, bookingID, _ := startTestServer(t, "")

	var out bytes.Buffer
	err := runChat(context.Background(), strings.NewReader("Running 5 minutes late\n"), &out, false, chatOpts{
		URL:        url,
		BookingID:  bookingID,
		UserID:     "alice",
		Name:       "Alice",
		SenderType: models.SenderCustomer,
		Drain:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("runChat: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Joined booking "+bookingID) {
		t.Errorf("missing join line:\n%s", got)
	}
	if !strings.Contains(got, "Alice (alice) (customer): Running 5 minutes late") {
		t.Errorf("broadcast not printed:\n%s", got)
	}
}

func TestChat_HistoryOnJoin(t *testing.T) {
	url, bookingID, _ := startTestServer(t, "relay:\n  history_limit: 10\n")

	opts := chatOpts{URL: url, BookingID: bookingID, UserID: "alice", Name: "Alice", SenderType: models.SenderCustomer, Drain: 2 * time.Second}
	if err := runChat(context.Background(), strings.NewReader("first\n"), new(bytes.Buffer), false, opts); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runChat(context.Background(), strings.NewReader(""), &out, false, opts); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "--- 1 earlier messages ---") || !strings.Contains(out.String(), "first") {
		t.Errorf("history not printed:\n%s", out.String())
	}
}

func TestChat_TokenRequired(t *testing.T) {
	t.Setenv("HD_REQUIRE_TOKEN", "true")
	url, bookingID, _ := startTestServer(t, "")
	err := runChat(context.Background(), strings.NewReader(""), new(bytes.Buffer), false, chatOpts{
		URL: url, BookingID: bookingID, UserID: "alice", SenderType: models.SenderCustomer, Drain: time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401 dial error", err)
	}
}

func TestChatCmd_RejectsSenderType(t *testing.T) {
	_, err := runCmd(t, "", "chat", "--booking", "b", "--user", "u", "--type", "admin")
	if err == nil || !strings.Contains(err.Error(), "--type") {
		t.Errorf("err = %v, want --type error", err)
	}
}

func TestBuildNotifier(t *testing.T) {
	n, err := buildNotifier(config.NotifyConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(notify.Nop); !ok {
		t.Errorf("no adapters: got %T, want notify.Nop", n)
	}

	n, err = buildNotifier(config.NotifyConfig{
		SlackWebhookURL:  "https://hooks.slack.com/services/T/B/X",
		DiscordToken:     "token",
		DiscordChannelID: "123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(notify.Multi); !ok {
		t.Errorf("two adapters: got %T, want notify.Multi", n)
	}
}

func TestBuildServer_VerifierFromSecret(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	cfg, gormDB, err := connectFromConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	opts, err := buildServer(context.Background(), cfg, gormDB, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if opts.Verifier == nil {
		t.Error("verifier should be set when jwt_secret is configured")
	}

	cfg.Auth.JWTSecret = ""
	opts, err = buildServer(context.Background(), cfg, gormDB, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if opts.Verifier != nil {
		t.Errorf("verifier = %#v, want nil interface", opts.Verifier)
	}
}
