package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/provider"
	"chatrelay/internal/server"
	"chatrelay/internal/store"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat backend the relay talks to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if port > 0 {
				cfg.Server.Port = port
			}

			st, err := store.NewSQLiteStore(cfg.Server.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			gen, err := provider.New(provider.Options{
				Kind:        cfg.Server.Provider,
				APIBase:     cfg.Server.APIBase,
				APIKey:      cfg.Server.APIKey,
				Model:       cfg.Server.Model,
				Preamble:    cfg.Server.SystemPrompt,
				Temperature: cfg.Server.Temperature,
				Timeout:     seconds(cfg.Server.TimeoutSeconds),
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			srv := server.New(server.Config{
				Store:          st,
				Generator:      gen,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				HistoryLimit:   cfg.Server.HistoryLimit,
				Logger:         logger,
			})
			httpServer := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("backend listening", "addr", httpServer.Addr, "provider", gen.Name(), "db", cfg.Server.DBPath)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down backend")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}
