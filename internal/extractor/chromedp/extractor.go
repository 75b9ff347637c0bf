// Package chromedpextractor extracts design signals by rendering pages in
// headless Chrome via chromedp.
package chromedpextractor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/extractor"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultMaxParallel    = 2
	defaultNavTimeout     = 45 * time.Second
	defaultLaunchTimeout  = 30 * time.Second
	defaultViewportWidth  = 1366
	defaultViewportHeight = 768

	// settleDelay gives late-loading styles and fonts a beat to apply after
	// the DOM is ready, so the census sees the page visitors see.
	settleDelay = 500 * time.Millisecond
)

// Config controls browser behavior.
type Config struct {
	// MaxParallel bounds concurrent browser sessions. Zero means the
	// default; negative is rejected.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
}

// Extractor implements extractor.Extractor with one shared ExecAllocator and
// a fresh browser context per session.
type Extractor struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates the extractor and its allocator. No browser process starts
// until the first session opens.
func New(cfg Config) (*Extractor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultViewportHeight
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Extractor{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator, tearing down any remaining browser processes.
func (e *Extractor) Close() error {
	e.allocCancel()
	return nil
}

// Open acquires a browser slot, launches a fresh browser context, and
// returns the session. The slot is held until Close.
func (e *Extractor) Open(ctx context.Context, url string) (extractor.Session, error) {
	release, err := e.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(e.allocator)
	s := &session{
		cfg:       e.cfg,
		url:       url,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		release:   release,
	}

	// An empty Run starts the browser process, so launch failures surface
	// here instead of mid-navigation.
	if err := s.run(ctx, "extractor.launch", defaultLaunchTimeout); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Extract runs the full staged pipeline. The screenshot is best-effort:
// signals decide the analysis, so only their failure fails the extraction.
func (e *Extractor) Extract(ctx context.Context, url string) (analyzer.ExtractedSignals, error) {
	sess, err := e.Open(ctx, url)
	if err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	defer func() { _ = sess.Close(context.Background()) }()

	if err := sess.Navigate(ctx); err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	sig, err := sess.Signals(ctx)
	if err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	if png, err := sess.Screenshot(ctx); err == nil {
		sig.ScreenshotPNG = png
	}
	return sig, nil
}

func (e *Extractor) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case e.limiter <- struct{}{}:
	case <-ctx.Done():
		kind := analyzer.KindResourceExhausted
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = analyzer.KindTimeout
		}
		return nil, analyzer.NewError(kind, "extractor.acquire",
			fmt.Errorf("browser slot wait: %w", ctx.Err()))
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-e.limiter })
	}, nil
}

// session is one open browser tab. Not safe for concurrent use.
type session struct {
	cfg       Config
	url       string
	tabCtx    context.Context
	tabCancel context.CancelFunc
	release   func()
	closeOnce sync.Once
}

// Navigate loads the page, waits for the body, and lets styles settle.
func (s *session) Navigate(ctx context.Context) error {
	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight)),
		chromedp.Navigate(s.url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	}
	if s.cfg.UserAgent != "" {
		actions = append([]chromedp.Action{userAgentAction(s.cfg.UserAgent)}, actions...)
	}
	return s.run(ctx, "extractor.navigate", s.cfg.NavigationTimeout, actions...)
}

// Screenshot captures the rendered viewport as PNG.
func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	if err := s.run(ctx, "extractor.capture", s.cfg.NavigationTimeout,
		chromedp.CaptureScreenshot(&png)); err != nil {
		return nil, err
	}
	return png, nil
}

// Signals runs the DOM census inside the page and derives the signal groups
// from it.
func (s *session) Signals(ctx context.Context) (analyzer.ExtractedSignals, error) {
	var c census
	if err := s.run(ctx, "extractor.signals", s.cfg.NavigationTimeout,
		chromedp.Evaluate(censusJS, &c)); err != nil {
		return analyzer.ExtractedSignals{}, err
	}
	return deriveSignals(ctx, c)
}

// Close tears down the tab and frees the browser slot. Safe to call more
// than once.
func (s *session) Close(context.Context) error {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.release()
	})
	return nil
}

// run executes actions against the tab with a stage timeout, forwarding
// cancellation from the caller's context, and classifies any failure.
func (s *session) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	// A forwarded cancellation surfaces as context.Canceled on the run
	// context; report the caller's own error in that case so a job timeout
	// classifies as timeout.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
		err = ctxErr
	}
	return classify(ctx, op, err)
}

func userAgentAction(ua string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
