// Package session owns the single authenticated browser page the relay works
// through: launch, login or snapshot restore, channel load, observer wiring
// and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// State is the session lifecycle position.
type State int

const (
	Uninitialized State = iota
	Authenticating
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrSessionEstablishment marks failures that leave the relay without an
	// authenticated channel view. They are fatal to the run.
	ErrSessionEstablishment = errors.New("session establishment failed")
	ErrInvalidState         = errors.New("invalid session state")
)

// CallbackName is the window function the observer script calls.
const CallbackName = "onNewMessage"

const (
	defaultSettleDelay = 5 * time.Second
	defaultWaitTimeout = 60 * time.Second
)

// Selectors locate the page elements the session drives. Selectors starting
// with "/" are XPath.
type Selectors struct {
	LoginEmail     string
	LoginPassword  string
	LoginSubmit    string
	AppReady       string
	UserSettings   string
	Appearance     string
	CompactAvatars string
	CloseSettings  string
	Textbox        string
	MessageList    string
}

// DefaultSelectors match the Discord web client.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginEmail:     `input[name="email"]`,
		LoginPassword:  `input[name="password"]`,
		LoginSubmit:    `button[type="submit"]`,
		AppReady:       `button[aria-label="User Settings"]`,
		UserSettings:   `button[aria-label="User Settings"]`,
		Appearance:     `div[aria-label="Appearance"]`,
		CompactAvatars: `//label[contains(., 'Show avatars in Compact mode')]`,
		CloseSettings:  `div[aria-label="Close"]`,
		Textbox:        `div[role="textbox"]`,
		MessageList:    `main[class^="chatContent"]`,
	}
}

// Config holds everything the Manager needs. Zero durations use defaults.
type Config struct {
	Launcher     domain.Launcher
	Launch       domain.LaunchOptions
	LoginURL     string
	ChannelURL   string
	Email        string
	Password     string
	SnapshotPath string
	SettleDelay  time.Duration
	WaitTimeout  time.Duration
	Selectors    Selectors
	Logger       *slog.Logger
}

// Manager is the process-wide session. It is not safe for use by more than
// one relay path; the mutex only protects Close racing the run loop.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	browser  domain.Browser
	page     domain.Page
	launched bool
	observed bool
}

func NewManager(cfg Config) *Manager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger, sleep: sleepCtx}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authenticated reports whether the page holds a logged-in session.
func (m *Manager) Authenticated() bool {
	return m.State() == Authenticated
}

// Page returns the live channel page, nil before Login succeeds.
func (m *Manager) Page() domain.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

// SnapshotPath is where the session snapshot lives.
func (m *Manager) SnapshotPath() string { return m.cfg.SnapshotPath }

// Launch starts the headless browser.
func (m *Manager) Launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Uninitialized || m.launched {
		return fmt.Errorf("%w: launch from %s", ErrInvalidState, m.state)
	}
	b, err := m.cfg.Launcher(ctx, m.cfg.Launch)
	if err != nil {
		return fmt.Errorf("%w: launch browser: %w", ErrSessionEstablishment, err)
	}
	m.browser = b
	m.launched = true
	return nil
}

// Login restores the persisted snapshot when one exists and otherwise signs
// in through the login form, adjusts the display settings the extractor
// relies on and persists a fresh snapshot.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.launched || m.state != Uninitialized {
		return fmt.Errorf("%w: login from %s", ErrInvalidState, m.state)
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SnapshotPath), 0o700); err != nil {
		return fmt.Errorf("%w: create snapshot dir: %w", ErrSessionEstablishment, err)
	}

	if _, err := os.Stat(m.cfg.SnapshotPath); err == nil {
		page, err := m.browser.NewPage(ctx, m.cfg.SnapshotPath)
		if err == nil {
			m.page = page
			m.state = Authenticated
			m.logger.Info("session restored from snapshot", "path", m.cfg.SnapshotPath)
			return nil
		}
		m.logger.Warn("snapshot restore failed, logging in again", "path", m.cfg.SnapshotPath, "err", err)
	}

	m.state = Authenticating
	if err := m.interactiveLogin(ctx); err != nil {
		m.state = Uninitialized
		return fmt.Errorf("%w: login: %w", ErrSessionEstablishment, err)
	}
	m.state = Authenticated
	m.logger.Info("logged in", "snapshot", m.cfg.SnapshotPath)
	return nil
}

func (m *Manager) interactiveLogin(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WaitTimeout)
	defer cancel()

	page, err := m.browser.NewPage(ctx, "")
	if err != nil {
		return err
	}
	m.page = page
	sel := m.cfg.Selectors

	m.logger.Info("logging in", "url", m.cfg.LoginURL)
	steps := []func() error{
		func() error { return page.Navigate(ctx, m.cfg.LoginURL) },
		func() error { return page.Fill(ctx, sel.LoginEmail, m.cfg.Email) },
		func() error { return page.Fill(ctx, sel.LoginPassword, m.cfg.Password) },
		func() error { return page.Click(ctx, sel.LoginSubmit) },
		func() error { return page.WaitForSelector(ctx, sel.AppReady) },
		// Compact-mode avatars put the author's avatar on every message,
		// which is where the author id is read from.
		func() error { return page.Click(ctx, sel.UserSettings) },
		func() error { return page.Click(ctx, sel.Appearance) },
		func() error { return page.Click(ctx, sel.CompactAvatars) },
		func() error { return page.Click(ctx, sel.CloseSettings) },
		func() error { return page.PersistState(ctx, m.cfg.SnapshotPath) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// LoadChannel opens the target channel and waits for its backlog to settle.
func (m *Manager) LoadChannel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticated {
		return fmt.Errorf("%w: load channel from %s", ErrInvalidState, m.state)
	}

	m.logger.Info("loading channel", "url", m.cfg.ChannelURL)
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.WaitTimeout)
	defer cancel()
	if err := m.page.Navigate(waitCtx, m.cfg.ChannelURL); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionEstablishment, err)
	}
	if err := m.page.WaitForSelector(waitCtx, m.cfg.Selectors.Textbox); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionEstablishment, err)
	}
	// Let the history render before the observer attaches, otherwise every
	// backlog message arrives as a new one.
	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		return err
	}
	return nil
}

// AttachObserver exposes cb to the page and starts the mutation observer.
// Only one observer may be attached per session.
func (m *Manager) AttachObserver(ctx context.Context, cb func(fragment string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticated {
		return fmt.Errorf("%w: attach observer from %s", ErrInvalidState, m.state)
	}
	if m.observed {
		return fmt.Errorf("%w: observer already attached", ErrInvalidState)
	}
	if err := m.page.ExposeCallback(ctx, CallbackName, cb); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionEstablishment, err)
	}
	if err := m.page.Evaluate(ctx, ObserverScript(m.cfg.Selectors.MessageList, CallbackName)); err != nil {
		return fmt.Errorf("%w: inject observer: %w", ErrSessionEstablishment, err)
	}
	m.observed = true
	m.logger.Info("listening for new messages")
	return nil
}

// Close releases the browser. It is idempotent and valid from any state.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return nil
	}
	m.state = Closed
	m.page = nil
	if m.browser == nil {
		return nil
	}
	err := m.browser.Close()
	m.browser = nil
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
