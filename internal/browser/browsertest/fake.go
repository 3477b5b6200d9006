// Package browsertest provides an in-memory domain.Browser and domain.Page
// that record every call, for tests that must not start Chrome.
package browsertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"chatrelay/internal/domain"
)

// Op is one recorded page call.
type Op struct {
	Kind     string // navigate, wait, fill, click, type, press, evaluate, expose, persist
	Selector string
	Value    string
	Key      domain.Key
	Mods     []domain.Modifier
}

func (o Op) String() string {
	switch o.Kind {
	case "press":
		if len(o.Mods) > 0 {
			return fmt.Sprintf("press %s+%v", o.Key, o.Mods)
		}
		return "press " + string(o.Key)
	case "type", "fill":
		return fmt.Sprintf("%s %q", o.Kind, o.Value)
	}
	return o.Kind + " " + o.Selector + o.Value
}

// Page is a recording domain.Page. FailOn makes the first call of the given
// kind (optionally "kind selector") return Err.
type Page struct {
	mu        sync.Mutex
	Ops       []Op
	FailOn    map[string]error
	callbacks map[string]func(string)
	// OnPersist, when set, is called instead of writing a snapshot.
	OnPersist func(path string) error
}

func NewPage() *Page {
	return &Page{FailOn: map[string]error{}, callbacks: map[string]func(string){}}
}

func (p *Page) record(op Op) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Ops = append(p.Ops, op)
	if err, ok := p.FailOn[op.Kind+" "+op.Selector]; ok {
		delete(p.FailOn, op.Kind+" "+op.Selector)
		return err
	}
	if err, ok := p.FailOn[op.Kind]; ok {
		delete(p.FailOn, op.Kind)
		return err
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.record(Op{Kind: "navigate", Value: url})
}

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	return p.record(Op{Kind: "wait", Selector: selector})
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return p.record(Op{Kind: "fill", Selector: selector, Value: value})
}

func (p *Page) Click(ctx context.Context, selector string) error {
	return p.record(Op{Kind: "click", Selector: selector})
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	return p.record(Op{Kind: "type", Selector: selector, Value: text})
}

func (p *Page) Press(ctx context.Context, selector string, key domain.Key, mods ...domain.Modifier) error {
	return p.record(Op{Kind: "press", Selector: selector, Key: key, Mods: mods})
}

func (p *Page) Evaluate(ctx context.Context, script string) error {
	return p.record(Op{Kind: "evaluate", Value: script})
}

func (p *Page) ExposeCallback(ctx context.Context, name string, handler func(string)) error {
	if err := p.record(Op{Kind: "expose", Value: name}); err != nil {
		return err
	}
	p.mu.Lock()
	p.callbacks[name] = handler
	p.mu.Unlock()
	return nil
}

func (p *Page) PersistState(ctx context.Context, path string) error {
	if err := p.record(Op{Kind: "persist", Value: path}); err != nil {
		return err
	}
	if p.OnPersist != nil {
		return p.OnPersist(path)
	}
	return nil
}

// Stringify encodes markup as the observer script's JSON.stringify does.
// Unlike json.Marshal it leaves <, > and & unescaped.
func Stringify(markup string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(markup); err != nil {
		panic(err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Emit invokes the callback exposed under name as the page script would.
func (p *Page) Emit(name, payload string) bool {
	p.mu.Lock()
	cb, ok := p.callbacks[name]
	p.mu.Unlock()
	if ok {
		cb(payload)
	}
	return ok
}

// Kinds returns the recorded call kinds in order.
func (p *Page) Kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		out[i] = op.Kind
	}
	return out
}

// Transcript renders the recorded calls, one per line.
func (p *Page) Transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		lines[i] = op.String()
	}
	return strings.Join(lines, "\n")
}

// Reset forgets recorded calls.
func (p *Page) Reset() {
	p.mu.Lock()
	p.Ops = nil
	p.mu.Unlock()
}

// Browser hands out a fixed Page and records how it was opened and closed.
type Browser struct {
	Page         *Page
	NewPageErr   error
	RestoreErr   error // returned by NewPage when a snapshot path is given
	SnapshotUsed []string
	Closes       int
}

func NewBrowser(page *Page) *Browser {
	return &Browser{Page: page}
}

func (b *Browser) NewPage(ctx context.Context, snapshotPath string) (domain.Page, error) {
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	if snapshotPath != "" {
		b.SnapshotUsed = append(b.SnapshotUsed, snapshotPath)
		if b.RestoreErr != nil {
			return nil, b.RestoreErr
		}
	}
	return b.Page, nil
}

func (b *Browser) Close() error {
	b.Closes++
	return nil
}

// Launcher returns a domain.Launcher that always yields b.
func (b *Browser) Launcher() domain.Launcher {
	return func(ctx context.Context, opts domain.LaunchOptions) (domain.Browser, error) {
		return b, nil
	}
}
