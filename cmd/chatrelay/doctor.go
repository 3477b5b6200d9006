package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"chatrelay/internal/backend"
	"chatrelay/internal/config"
	"chatrelay/internal/store"

	"github.com/spf13/cobra"
)

// chromeCandidates are looked up on PATH when discord.chromePath is empty.
var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

type checkup struct {
	passed, warned, failed int
}

func (c *checkup) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	c.passed++
}

func (c *checkup) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	c.failed++
}

func (c *checkup) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	c.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay and backend setup",
		Long: `Verifies the configuration, credentials, browser, session snapshot,
backend reachability and database. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatrelay doctor v%s\n\n", version)

			var c checkup
			if _, err := os.Stat(cfgPath); err != nil {
				c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatrelay init' to create a configuration.\n")
				return fmt.Errorf("config file missing")
			}
			c.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				c.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			c.pass("Config validation", "valid")

			if err := config.RequireRelay(cfg); err != nil {
				c.fail("Relay settings", err.Error())
			} else {
				c.pass("Relay settings", cfg.Discord.ChannelURL)
			}

			if _, err := resolveSelectors(cfg.Discord.Selectors); err != nil {
				c.fail("Selectors", err.Error())
			} else {
				c.pass("Selectors", fmt.Sprintf("%d override(s)", len(cfg.Discord.Selectors)))
			}

			if path, err := findChrome(cfg.Discord.ChromePath); err != nil {
				c.fail("Browser", err.Error())
			} else {
				c.pass("Browser", path)
			}

			if _, err := os.Stat(cfg.Discord.SessionFile); err != nil {
				c.warn("Session snapshot", "none yet; the next run signs in with the configured credentials")
			} else {
				c.pass("Session snapshot", cfg.Discord.SessionFile)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client := backend.NewClient(backend.Config{BaseURL: cfg.Backend.URL, Logger: logger})
			if err := client.Healthy(ctx); err != nil {
				c.warn("Backend", fmt.Sprintf("%s unreachable: %v", cfg.Backend.URL, err))
			} else {
				c.pass("Backend", cfg.Backend.URL)
			}

			if p := cfg.Server.DBPath; p != "" && p != store.MemoryPath {
				if err := checkDatabase(cfg.Server.DBPath); err != nil {
					c.fail("Database", err.Error())
				} else {
					c.pass("Database", cfg.Server.DBPath)
				}
			}

			if err := checkPort(cfg.Server.Addr()); err != nil {
				c.warn("Server port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				c.pass("Server port", cfg.Server.Addr()+" available")
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
			if c.failed > 0 {
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			return nil
		},
	}
}

func findChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("chromePath %s: %w", configured, err)
		}
		return configured, nil
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium found on PATH; set discord.chromePath")
}

// checkDatabase opens the store, which creates the schema, then closes it.
func checkDatabase(dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	return st.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
