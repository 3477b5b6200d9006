package domain

import "context"

// Key names a keyboard key understood by Page.Press.
type Key string

const (
	KeyEnter     Key = "Enter"
	KeyBackspace Key = "Backspace"
)

// Modifier is a key held down while another key is pressed.
type Modifier int

const (
	ModShift Modifier = 1 << iota
	ModCtrl
	ModAlt
)

// LaunchOptions controls how the automation surface starts its browser.
type LaunchOptions struct {
	Headless   bool
	ExecPath   string // optional: chrome binary, autodetected when empty
	ProfileDir string // optional: chrome user data directory
}

// Launcher starts a browser. Implementations wrap a concrete engine.
type Launcher func(ctx context.Context, opts LaunchOptions) (Browser, error)

// Browser is a running automation context.
type Browser interface {
	// NewPage opens a page. When snapshotPath is non-empty the persisted
	// session state stored there is restored into the page first.
	NewPage(ctx context.Context, snapshotPath string) (Page, error)
	Close() error
}

// Page is the narrow set of page operations the relay needs.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitForSelector(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector string, key Key, mods ...Modifier) error
	Evaluate(ctx context.Context, script string) error
	ExposeCallback(ctx context.Context, name string, handler func(payload string)) error
	PersistState(ctx context.Context, path string) error
}
