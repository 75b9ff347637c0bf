// Package probe preflights URLs with a cheap bounded GET so obviously dead
// or hostile targets fail fast instead of spending a browser session.
package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sitelens/sitelens/internal/analyzer"
)

const (
	defaultTimeout = 10 * time.Second

	// maxBodyBytes keeps the preflight cheap; the body itself is discarded.
	maxBodyBytes = 64 << 10
)

// Config controls probe behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Probe issues the preflight requests. The zero value is not usable; build
// one with New.
type Probe struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Probe around a base collector that is cloned per check.
func New(cfg Config) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(maxBodyBytes),
	)
	c.WithTransport(newHTTPTransport())
	return &Probe{cfg: cfg, base: c}
}

// Check fetches rawURL once and reports whether a browser visit is worth
// attempting. A nil return means go ahead; a classified error carries the
// reason and its retryability.
func (p *Probe) Check(ctx context.Context, rawURL string) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}

	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !p.cfg.RespectRobots
	collector.SetRequestTimeout(p.cfg.Timeout)

	var status int
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	var transportErr error
	collector.OnError(func(r *colly.Response, err error) {
		transportErr = err
		if r != nil && r.StatusCode != 0 {
			status = r.StatusCode
		}
	})

	if err := p.visit(ctx, collector, rawURL); err != nil {
		return p.classify(ctx, err)
	}
	if transportErr != nil && status == 0 {
		return p.classify(ctx, transportErr)
	}
	return kindForStatus(status)
}

// visit runs the collector in a goroutine so a canceled context stops the
// wait; the request itself is bounded by the collector timeout.
func (p *Probe) visit(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// classify maps a transport-level failure. Anything unrecognized counts as
// network trouble: the probe sits on the network path, and misreading a
// transient fault as permanent would end a job that a retry could save.
func (p *Probe) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return analyzer.NewError(analyzer.KindBlocked, "probe.check", err)
	case errors.Is(err, context.DeadlineExceeded):
		return analyzer.NewError(analyzer.KindTimeout, "probe.check", err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return analyzer.NewError(analyzer.KindTimeout, "probe.check", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return analyzer.NewError(analyzer.KindTimeout, "probe.check", err)
	}
	return analyzer.NewError(analyzer.KindNetwork, "probe.check", err)
}

func validateURL(rawURL string) error {
	parsed, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return analyzer.NewError(analyzer.KindInvalidInput, "probe.check", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return analyzer.Errorf(analyzer.KindInvalidInput, "probe.check",
			"unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return analyzer.Errorf(analyzer.KindInvalidInput, "probe.check", "url has no host")
	}
	return nil
}

// kindForStatus maps final HTTP status codes. Codes outside the table do not
// veto the browser visit: the preflight exists to catch the unambiguous
// cases, not to second-guess unusual servers.
func kindForStatus(status int) error {
	var kind analyzer.ErrorKind
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusUnavailableForLegalReasons:
		kind = analyzer.KindBlocked
	case status == http.StatusNotFound, status == http.StatusGone:
		kind = analyzer.KindInvalidInput
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		kind = analyzer.KindNetwork
	case status >= 500:
		kind = analyzer.KindNetwork
	default:
		return nil
	}
	return analyzer.Errorf(kind, "probe.check", "target returned %d", status)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
