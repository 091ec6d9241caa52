package watcher_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/warehouse-loader/internal/watcher"
)

type fakeDirLister struct {
	mu    sync.Mutex
	pages [][]string
	idx   int
}

func (f *fakeDirLister) ListLeafDirectories(ctx context.Context, prefix string, keyPattern func(string) bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.pages) {
		return f.pages[len(f.pages)-1], nil
	}
	page := f.pages[f.idx]
	f.idx++
	return page, nil
}

func TestBucketWatcher_EmitsOnlyNewlyDiscoveredDirectories(t *testing.T) {
	t.Parallel()

	lister := &fakeDirLister{pages: [][]string{
		{"prod/a/", "prod/b/"},
		{"prod/a/", "prod/b/", "prod/c/"},
	}}
	clock := clockwork.NewFakeClock()
	pattern := regexp.MustCompile(`^prod/.*`)

	bw := watcher.NewBucketWatcher(lister, "", pattern, watcher.PollInterval{Base: time.Minute}, clock, discardLogger(), 4)

	go bw.Run(context.Background())
	t.Cleanup(bw.Stop)

	first := <-bw.NewDirectories
	require.ElementsMatch(t, []string{"prod/a/", "prod/b/"}, first)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	second := <-bw.NewDirectories
	require.ElementsMatch(t, []string{"prod/c/"}, second)
}

func TestBucketWatcher_StopExitsRunPromptly(t *testing.T) {
	t.Parallel()

	lister := &fakeDirLister{pages: [][]string{{}}}
	clock := clockwork.NewFakeClock()
	pattern := regexp.MustCompile(`.*`)

	bw := watcher.NewBucketWatcher(lister, "", pattern, watcher.PollInterval{Base: time.Hour}, clock, discardLogger(), 4)

	done := make(chan struct{})
	go func() {
		bw.Run(context.Background())
		close(done)
	}()

	clock.BlockUntil(1)
	bw.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("BucketWatcher.Run did not exit after Stop")
	}
}
