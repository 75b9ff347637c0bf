// Package extractor defines how design signals are pulled out of a rendered
// page. Implementations own the browser (or other rendering machinery); the
// worker drives them through the staged Session so it can report progress
// between stages.
package extractor

import (
	"context"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// Session is one open browser page. Stages run in order: Navigate first,
// then Screenshot and Signals in any order, then Close. A Session is not
// safe for concurrent use and must be closed exactly once.
type Session interface {
	// Navigate loads the target URL and waits for the page to settle.
	Navigate(ctx context.Context) error

	// Screenshot captures the rendered viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// Signals runs the DOM census and derives the design signals from it.
	// The returned signals never include the screenshot.
	Signals(ctx context.Context) (analyzer.ExtractedSignals, error)

	// Close releases the page and its browser slot.
	Close(ctx context.Context) error
}

// Extractor produces design signals for a URL.
type Extractor interface {
	// Open acquires a browser slot and returns a Session pointed at url.
	// Nothing has been navigated yet when Open returns.
	Open(ctx context.Context, url string) (Session, error)

	// Extract runs the full staged pipeline in one call and returns the
	// signals with the screenshot attached.
	Extract(ctx context.Context, url string) (analyzer.ExtractedSignals, error)

	// Close shuts down the underlying browser resources.
	Close() error
}
