package browser

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
)

func stubRunActions(t *testing.T, fn func(ctx context.Context, actions ...chromedp.Action) error) {
	t.Helper()
	orig := runActions
	runActions = fn
	t.Cleanup(func() { runActions = orig })
}

func newTestPage(t *testing.T) *Page {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	return &Page{ctx: ctx, cancel: cancel, logger: logger}
}

func TestPageOpen_TargetOutlivesCallerContext(t *testing.T) {
	var bound context.Context
	stubRunActions(t, func(ctx context.Context, actions ...chromedp.Action) error {
		bound = ctx
		return nil
	})
	p := newTestPage(t)

	callCtx, cancelCall := context.WithCancel(context.Background())
	if err := p.open(callCtx); err != nil {
		t.Fatalf("open: %v", err)
	}
	cancelCall()

	// The first Run creates the target; it must be on the tab context.
	if bound != p.ctx {
		t.Fatal("target created on a context other than the tab's")
	}
	if bound.Err() != nil || p.ctx.Err() != nil {
		t.Fatal("tab context died with the caller's context")
	}
}

func TestPageOpen_CancelledCallerClosesTab(t *testing.T) {
	stubRunActions(t, func(ctx context.Context, actions ...chromedp.Action) error { return nil })
	p := newTestPage(t)

	callCtx, cancelCall := context.WithCancel(context.Background())
	cancelCall()
	if err := p.open(callCtx); !errors.Is(err, context.Canceled) {
		t.Fatalf("open err = %v, want context.Canceled", err)
	}
	select {
	case <-p.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("tab not torn down")
	}
}

func TestPageRun_CancelStopsOnlyTheCall(t *testing.T) {
	stubRunActions(t, func(ctx context.Context, actions ...chromedp.Action) error { return nil })
	p := newTestPage(t)
	if err := p.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	stubRunActions(t, func(ctx context.Context, actions ...chromedp.Action) error {
		if ctx == p.ctx {
			t.Error("actions ran on the tab context itself")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	callCtx, cancelCall := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelCall()
	if err := p.run(callCtx, chromedp.Sleep(time.Hour)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run err = %v, want deadline exceeded", err)
	}
	if p.ctx.Err() != nil {
		t.Fatal("a cancelled call closed the tab")
	}
}
