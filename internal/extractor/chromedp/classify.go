package chromedpextractor

import (
	"context"
	"errors"
	"strings"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// classify maps a chromedp failure to its ErrorKind at the point where it
// happened. Chrome reports most of these as net:: error strings rather than
// typed errors, so message matching is unavoidable here; everything
// downstream works from the attached kind, never from the text.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return analyzer.NewError(analyzer.KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The tab or browser died underneath us; the caller did not give up.
		return analyzer.NewError(analyzer.KindDisconnected, op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "crashed", "out of memory", "cannot allocate"):
		return analyzer.NewError(analyzer.KindResourceExhausted, op, err)
	case containsAny(msg, "target closed", "browser closed", "detached from target",
		"inspected target navigated or closed", "websocket url timeout", "exec: "):
		return analyzer.NewError(analyzer.KindDisconnected, op, err)
	case strings.Contains(msg, "net::err_timed_out"):
		return analyzer.NewError(analyzer.KindTimeout, op, err)
	case containsAny(msg, "net::err_name_not_resolved", "net::err_connection",
		"net::err_internet_disconnected", "net::err_address", "net::err_network",
		"net::err_proxy", "net::err_socks"):
		return analyzer.NewError(analyzer.KindNetwork, op, err)
	case strings.Contains(msg, "net::err_"):
		return analyzer.NewError(analyzer.KindNavigation, op, err)
	default:
		return analyzer.NewError(analyzer.KindUnknown, op, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
