// Package browser implements the domain automation surface on top of chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"chatrelay/internal/domain"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// NewLauncher returns a domain.Launcher that starts Chrome through chromedp.
func NewLauncher(logger *slog.Logger) domain.Launcher {
	return func(ctx context.Context, opts domain.LaunchOptions) (domain.Browser, error) {
		c, err := Launch(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Chrome is a running chromedp exec allocator plus its browser context.
type Chrome struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Launch starts a Chrome process. The parent ctx bounds the process lifetime.
func Launch(ctx context.Context, opts domain.LaunchOptions, logger *slog.Logger) (*Chrome, error) {
	if logger == nil {
		logger = slog.Default()
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if opts.ProfileDir != "" {
		if err := os.MkdirAll(opts.ProfileDir, 0o755); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Headless)
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "source", "chromedp")
		}),
	)

	// The first Run on a fresh context starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Info("chrome started", "headless", opts.Headless)

	return &Chrome{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

// NewPage opens a tab. When snapshotPath is set its cookies and local storage
// are installed before the caller navigates anywhere.
func (c *Chrome) NewPage(ctx context.Context, snapshotPath string) (domain.Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("browser closed")
	}
	c.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)
	p := &Page{ctx: tabCtx, cancel: tabCancel, logger: c.logger}
	if err := p.open(ctx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	if snapshotPath != "" {
		snap, err := ReadSnapshot(snapshotPath)
		if err != nil {
			tabCancel()
			return nil, err
		}
		if err := p.run(ctx, snap.restoreActions()...); err != nil {
			tabCancel()
			return nil, fmt.Errorf("restore snapshot %s: %w", snapshotPath, err)
		}
		c.logger.Info("session snapshot restored", "path", snapshotPath, "cookies", len(snap.Cookies))
	}
	return p, nil
}

// Close shuts the browser down. Safe to call more than once.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := chromedp.Cancel(c.browserCtx)
	c.browserCancel()
	c.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	c.logger.Info("chrome closed")
	return nil
}

// Page is one chromedp tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*callbackPump
}

// runActions is chromedp.Run; tests replace it.
var runActions = chromedp.Run

// open creates the tab's target. chromedp ties a target's event loop to the
// context of the first Run on it, so that Run must be on p.ctx itself and not
// on a per-call child. A ctx cancelled mid-way tears the tab down.
func (p *Page) open(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.cancel)
	err := runActions(p.ctx)
	if !stop() {
		return ctx.Err()
	}
	return err
}

// run executes actions on an already open tab while honouring cancellation
// of ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := runActions(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// queryOption picks XPath lookup for selectors starting with "/" and CSS otherwise.
func queryOption(selector string) chromedp.QueryOption {
	if strings.HasPrefix(selector, "/") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, queryOption(selector))); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	opt := queryOption(selector)
	err := p.run(ctx,
		chromedp.WaitVisible(selector, opt),
		chromedp.Clear(selector, opt),
		chromedp.SendKeys(selector, value, opt),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	opt := queryOption(selector)
	if err := p.run(ctx, chromedp.WaitVisible(selector, opt), chromedp.Click(selector, opt)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Type sends text key by key into the element, like a person typing.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	if text == "" {
		return nil
	}
	if err := p.run(ctx, chromedp.SendKeys(selector, text, queryOption(selector))); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Press focuses selector (when non-empty) and presses key with the modifiers held.
func (p *Page) Press(ctx context.Context, selector string, key domain.Key, mods ...domain.Modifier) error {
	k, ok := keyCodes[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	var actions []chromedp.Action
	if selector != "" {
		actions = append(actions, chromedp.Focus(selector, queryOption(selector)))
	}
	var opts []chromedp.KeyOption
	if m := inputModifiers(mods); len(m) > 0 {
		opts = append(opts, chromedp.KeyModifiers(m...))
	}
	actions = append(actions, chromedp.KeyEvent(k, opts...))
	if err := p.run(ctx, actions...); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

var keyCodes = map[domain.Key]string{
	domain.KeyEnter:     kb.Enter,
	domain.KeyBackspace: kb.Backspace,
}

func inputModifiers(mods []domain.Modifier) []input.Modifier {
	var out []input.Modifier
	for _, m := range mods {
		switch m {
		case domain.ModShift:
			out = append(out, input.ModifierShift)
		case domain.ModCtrl:
			out = append(out, input.ModifierCtrl)
		case domain.ModAlt:
			out = append(out, input.ModifierAlt)
		}
	}
	return out
}

func (p *Page) Evaluate(ctx context.Context, script string) error {
	if err := p.run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

// ExposeCallback installs window[name] in every frame of the page. Calls from
// the page are delivered to handler one at a time, in call order, from a
// goroutine of their own so a slow handler never stalls the CDP event loop.
func (p *Page) ExposeCallback(ctx context.Context, name string, handler func(payload string)) error {
	p.mu.Lock()
	if p.bindings == nil {
		p.bindings = make(map[string]*callbackPump)
	}
	if _, dup := p.bindings[name]; dup {
		p.mu.Unlock()
		return fmt.Errorf("callback %q already exposed", name)
	}
	pump := newCallbackPump(handler)
	p.bindings[name] = pump
	p.mu.Unlock()

	go pump.run(p.ctx)

	chromedp.ListenTarget(p.ctx, func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == name {
			pump.push(e.Payload)
		}
	})
	if err := p.run(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("expose %s: %w", name, err)
	}
	p.logger.Debug("callback exposed", "name", name)
	return nil
}

// callbackPump is an in-order, unbounded hand-off from the CDP listener to a
// user handler.
type callbackPump struct {
	handler func(string)
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	done    bool
}

func newCallbackPump(handler func(string)) *callbackPump {
	cp := &callbackPump{handler: handler}
	cp.cond = sync.NewCond(&cp.mu)
	return cp
}

func (cp *callbackPump) push(payload string) {
	cp.mu.Lock()
	cp.queue = append(cp.queue, payload)
	cp.mu.Unlock()
	cp.cond.Signal()
}

func (cp *callbackPump) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		cp.mu.Lock()
		cp.done = true
		cp.mu.Unlock()
		cp.cond.Broadcast()
	})
	defer stop()

	for {
		cp.mu.Lock()
		for len(cp.queue) == 0 && !cp.done {
			cp.cond.Wait()
		}
		if cp.done {
			cp.mu.Unlock()
			return
		}
		payload := cp.queue[0]
		cp.queue = cp.queue[1:]
		cp.mu.Unlock()

		cp.handler(payload)
	}
}

// PersistState writes the page's cookies and the current origin's local
// storage to path.
func (p *Page) PersistState(ctx context.Context, path string) error {
	var snap Snapshot
	if err := p.run(ctx, snap.captureActions()...); err != nil {
		return fmt.Errorf("capture session state: %w", err)
	}
	if err := WriteSnapshot(path, &snap); err != nil {
		return err
	}
	p.logger.Info("session snapshot saved", "path", path, "cookies", len(snap.Cookies))
	return nil
}
