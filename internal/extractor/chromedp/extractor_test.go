package chromedpextractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitelens/sitelens/internal/analyzer"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	ex, err := New(Config{})
	require.NoError(t, err)
	defer ex.Close()

	require.Equal(t, defaultMaxParallel, cap(ex.limiter))
	require.Equal(t, defaultNavTimeout, ex.cfg.NavigationTimeout)
	require.Equal(t, defaultViewportWidth, ex.cfg.ViewportWidth)
	require.Equal(t, defaultViewportHeight, ex.cfg.ViewportHeight)
}

func TestNewRejectsNegativeParallel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)
}

func TestAcquireSlotBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	ex, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer ex.Close()

	release, err := ex.acquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ex.acquireSlot(ctx)
	require.Error(t, err)
	require.Equal(t, analyzer.KindTimeout, analyzer.KindOf(err))
	require.True(t, analyzer.Retryable(err))

	release()
	release() // second call is a no-op

	release2, err := ex.acquireSlot(context.Background())
	require.NoError(t, err)
	release2()
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("cancellation was not forwarded")
	}
}

func TestForwardCancelStopDetaches(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	stop()
	// Give the forwarder time to observe the stop before the parent dies.
	time.Sleep(50 * time.Millisecond)
	cancelParent()

	select {
	case <-child.Done():
		t.Fatal("child canceled after stop")
	case <-time.After(50 * time.Millisecond):
	}
}
