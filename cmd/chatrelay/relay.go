package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/backend"
	"chatrelay/internal/browser"
	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/parser"
	"chatrelay/internal/relay"
	"chatrelay/internal/sender"
	"chatrelay/internal/session"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in, watch the channel and answer mentions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if err := config.RequireRelay(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runRelay(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped", "err", err)
				return err
			}
			logger.Info("relay stopped")
			return nil
		},
	}
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	selectors, err := resolveSelectors(cfg.Discord.Selectors)
	if err != nil {
		return err
	}
	// Deferred first so it runs after the browser stops delivering callbacks.
	queue := bus.New(cfg.Relay.QueueSize, seconds(cfg.Relay.PublishTimeoutSeconds), logger)
	defer queue.Close()

	mgr := newSession(cfg, selectors)
	defer mgr.Close()

	logger.Info("starting relay", "version", version, "channel", cfg.Discord.ChannelURL, "bot", cfg.Bot.Name)
	if err := mgr.Launch(ctx); err != nil {
		return err
	}
	if err := mgr.Login(ctx); err != nil {
		return err
	}
	if err := mgr.LoadChannel(ctx); err != nil {
		return err
	}

	if err := mgr.AttachObserver(ctx, func(fragment string) { queue.Publish(fragment) }); err != nil {
		return err
	}

	controller := relay.NewController(relay.Config{
		Parser: parser.NewForBot(cfg.Bot.Name),
		Backend: backend.NewClient(backend.Config{
			BaseURL: cfg.Backend.URL,
			Timeout: seconds(cfg.Backend.TimeoutSeconds),
			Logger:  logger,
		}),
		Sender: sender.New(sender.Config{
			Page:            mgr.Page(),
			Textbox:         selectors.Textbox,
			MaxLength:       cfg.Relay.MaxChunkLength,
			PreferredLength: cfg.Relay.PreferredChunkLength,
			Logger:          logger,
		}),
		BotName:      cfg.Bot.Name,
		Placeholder:  cfg.Relay.Placeholder,
		ParseWorkers: cfg.Relay.ParseWorkers,
		Logger:       logger,
	})

	logger.Info("relay running", "backend", cfg.Backend.URL)
	return controller.Run(ctx, queue.C())
}

func loginCmd() *cobra.Command {
	var (
		headful bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in once and save the session snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if err := config.RequireRelay(cfg); err != nil {
				return err
			}
			if headful {
				cfg.Discord.Headless = false
			}
			if force {
				if err := os.Remove(cfg.Discord.SessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove snapshot: %w", err)
				}
			}
			selectors, err := resolveSelectors(cfg.Discord.Selectors)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr := newSession(cfg, selectors)
			defer mgr.Close()
			if err := mgr.Launch(ctx); err != nil {
				return err
			}
			if err := mgr.Login(ctx); err != nil {
				return err
			}
			logger.Info("session saved", "path", cfg.Discord.SessionFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	cmd.Flags().BoolVar(&force, "force", false, "discard the existing snapshot and sign in again")
	return cmd
}

func newSession(cfg *config.Config, selectors session.Selectors) *session.Manager {
	return session.NewManager(session.Config{
		Launcher: browser.NewLauncher(logger),
		Launch: domain.LaunchOptions{
			Headless:   cfg.Discord.Headless,
			ExecPath:   cfg.Discord.ChromePath,
			ProfileDir: cfg.Discord.ProfileDir,
		},
		LoginURL:     cfg.Discord.LoginURL,
		ChannelURL:   cfg.Discord.ChannelURL,
		Email:        cfg.Discord.Email,
		Password:     cfg.Discord.Password,
		SnapshotPath: cfg.Discord.SessionFile,
		SettleDelay:  seconds(cfg.Discord.SettleDelaySeconds),
		WaitTimeout:  seconds(cfg.Discord.WaitTimeoutSeconds),
		Selectors:    selectors,
		Logger:       logger,
	})
}

// resolveSelectors applies config overrides, keyed by lowerCamel field name,
// on top of the default selectors.
func resolveSelectors(overrides map[string]string) (session.Selectors, error) {
	s := session.DefaultSelectors()
	fields := map[string]*string{
		"loginEmail":     &s.LoginEmail,
		"loginPassword":  &s.LoginPassword,
		"loginSubmit":    &s.LoginSubmit,
		"appReady":       &s.AppReady,
		"userSettings":   &s.UserSettings,
		"appearance":     &s.Appearance,
		"compactAvatars": &s.CompactAvatars,
		"closeSettings":  &s.CloseSettings,
		"textbox":        &s.Textbox,
		"messageList":    &s.MessageList,
	}
	var unknown []string
	for name, value := range overrides {
		field, ok := fields[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			*field = value
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return s, fmt.Errorf("unknown selector overrides: %s", strings.Join(unknown, ", "))
	}
	return s, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
