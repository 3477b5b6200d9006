package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Snapshot is the persisted login state of a page: cookies plus local storage
// per origin.
type Snapshot struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // unix seconds, <= 0 for session cookies
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

type OriginState struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// WriteSnapshot stores snap at path, creating the parent directory. The file
// holds session credentials, so it is only readable by the owner.
func WriteSnapshot(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func fromNetworkCookie(c *network.Cookie) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite.String(),
	}
	if !c.Session {
		out.Expires = c.Expires
	}
	return out
}

func (c Cookie) param() *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if c.SameSite != "" {
		p.SameSite = network.CookieSameSite(c.SameSite)
	}
	if c.Expires > 0 {
		exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
		p.Expires = &exp
	}
	return p
}

// localStorageInit is injected before any page script runs. It seeds local
// storage for the origin being loaded.
const localStorageInit = `(function(state) {
	var items = state[location.origin];
	if (!items) return;
	try {
		for (var k in items) { window.localStorage.setItem(k, items[k]); }
	} catch (e) {}
})(%s);`

func (s *Snapshot) restoreActions() []chromedp.Action {
	var actions []chromedp.Action
	if len(s.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(s.Cookies))
		for _, c := range s.Cookies {
			params = append(params, c.param())
		}
		actions = append(actions, network.SetCookies(params))
	}
	if len(s.Origins) > 0 {
		byOrigin := make(map[string]map[string]string, len(s.Origins))
		for _, o := range s.Origins {
			byOrigin[o.Origin] = o.LocalStorage
		}
		state, _ := json.Marshal(byOrigin)
		script := fmt.Sprintf(localStorageInit, state)
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	return actions
}

const localStorageDump = `(function() {
	var items = {};
	try {
		var ls = window.localStorage;
		for (var i = 0; ls && i < ls.length; i++) {
			var k = ls.key(i);
			items[k] = ls.getItem(k);
		}
	} catch (e) {}
	return {origin: location.origin, localStorage: items};
})()`

func (s *Snapshot) captureActions() []chromedp.Action {
	return []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			s.Cookies = make([]Cookie, 0, len(cookies))
			for _, c := range cookies {
				s.Cookies = append(s.Cookies, fromNetworkCookie(c))
			}
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var origin OriginState
			if err := chromedp.Evaluate(localStorageDump, &origin).Do(ctx); err != nil {
				return fmt.Errorf("dump local storage: %w", err)
			}
			if origin.Origin != "" && origin.Origin != "null" {
				s.Origins = append(s.Origins[:0], origin)
			}
			return nil
		}),
	}
}
