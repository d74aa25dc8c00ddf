package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/hiredrive/internal/auth"
	"github.com/zulandar/hiredrive/internal/booking"
	"github.com/zulandar/hiredrive/internal/config"
	"github.com/zulandar/hiredrive/internal/db"
	"github.com/zulandar/hiredrive/internal/logging"
	"github.com/zulandar/hiredrive/internal/messaging"
	"github.com/zulandar/hiredrive/internal/notify"
	"github.com/zulandar/hiredrive/internal/notify/discord"
	"github.com/zulandar/hiredrive/internal/notify/slack"
	"github.com/zulandar/hiredrive/internal/relay"
	"github.com/zulandar/hiredrive/internal/server"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat relay and HTTP API",
		Long: `Connects to the database, migrates the schema and serves the WebSocket
relay together with the message HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, listen)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to hiredrive config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, listen string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := buildServer(ctx, cfg, gormDB, log)
	if err != nil {
		return err
	}
	if err := opts.Relay.StartStatsLogger(ctx, cfg.Relay.StatsSchedule); err != nil {
		return err
	}
	opts.Out = cmd.OutOrStdout()

	go func() {
		<-ctx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	}()
	return server.Start(ctx, opts)
}

// buildServer wires stores, notifiers, the relay and its transport from cfg.
func buildServer(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, log *slog.Logger) (server.StartOpts, error) {
	msgs, err := messaging.NewGormStore(gormDB)
	if err != nil {
		return server.StartOpts{}, err
	}
	bookings, err := booking.NewGormStore(gormDB)
	if err != nil {
		return server.StartOpts{}, err
	}
	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return server.StartOpts{}, err
	}

	// A nil *auth.Verifier must not reach the interface.
	var verifier relay.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return server.StartOpts{}, err
		}
		verifier = v
	}

	ropts := relay.OptsFromConfig(cfg.Relay)
	ropts.Messages = msgs
	ropts.Bookings = bookings
	ropts.Notifier = notifier
	ropts.Logger = log
	r, err := relay.New(ropts)
	if err != nil {
		return server.StartOpts{}, err
	}

	hopts := relay.HandlerOptsFromConfig(r, verifier, cfg.Relay, cfg.Auth)
	hopts.Logger = log
	return server.StartOpts{
		Listen:   cfg.Listen,
		Relay:    r,
		WS:       relay.NewHandler(ctx, hopts),
		WSPath:   cfg.Relay.Path,
		Messages: msgs,
		Bookings: bookings,
		Verifier: verifier,
		Logger:   log,
	}, nil
}

func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		n, err := slack.New(cfg.SlackWebhookURL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.DiscordChannelID != "" {
		n, err := discord.New(discord.Opts{BotToken: cfg.DiscordToken, ChannelID: cfg.DiscordChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notify.Build(notifiers...), nil
}
