package watcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/warehouse-loader/internal/cycle"
	"github.com/malbeclabs/warehouse-loader/internal/watcher"
)

func TestKeyWatcherSpawner_SpawnsOneWatcherPerDirectory(t *testing.T) {
	t.Parallel()

	newDirs := make(chan []string, 1)
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	spawnedDirs := map[string]bool{}

	factory := func(dir string) *cycle.Deps {
		mu.Lock()
		spawnedDirs[dir] = true
		mu.Unlock()
		return &cycle.Deps{Store: &emptyStore{}, Log: discardLogger()}
	}

	spawner := watcher.NewKeyWatcherSpawner(newDirs, factory, watcher.PollInterval{Base: time.Hour}, clock, discardLogger())

	go spawner.Run(context.Background())
	t.Cleanup(spawner.Stop)

	newDirs <- []string{"t/a/", "t/b/"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(spawnedDirs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeyWatcherSpawner_StopJoinsAllWatchers(t *testing.T) {
	t.Parallel()

	newDirs := make(chan []string, 1)
	clock := clockwork.NewFakeClock()

	factory := func(dir string) *cycle.Deps {
		return &cycle.Deps{Store: &emptyStore{}, Log: discardLogger()}
	}

	spawner := watcher.NewKeyWatcherSpawner(newDirs, factory, watcher.PollInterval{Base: time.Hour}, clock, discardLogger())

	go spawner.Run(context.Background())
	newDirs <- []string{"t/a/"}

	// Wait until the spawned watcher is parked on its poll timer before
	// requesting shutdown.
	clock.BlockUntil(1)

	spawner.Stop()

	select {
	case <-spawner.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("KeyWatcherSpawner did not join its watchers after Stop")
	}
}
