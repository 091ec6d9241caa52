package watcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/warehouse-loader/internal/cycle"
)

// DepsFactory builds the cycle.Deps for a newly-discovered directory. Each
// directory gets its own Deps value since a warehouse connection is never
// shared across watchers.
type DepsFactory func(dir string) *cycle.Deps

// KeyWatcherSpawner consumes the new-directories channel from a
// BucketWatcher and starts one KeyWatcher per directory, joining them all
// on Stop. This is the structured-concurrency scope from the design notes:
// stopping the spawner deterministically stops and joins every watcher it
// started.
type KeyWatcherSpawner struct {
	newDirs     <-chan []string
	depsFactory DepsFactory
	poll        PollInterval
	clock       clockwork.Clock
	log         *slog.Logger

	mu       sync.Mutex
	watchers []*KeyWatcher
	wg       sync.WaitGroup

	controlC chan struct{}
	doneC    chan struct{}
}

// NewKeyWatcherSpawner constructs a spawner reading from newDirs.
func NewKeyWatcherSpawner(newDirs <-chan []string, depsFactory DepsFactory, poll PollInterval, clock clockwork.Clock, log *slog.Logger) *KeyWatcherSpawner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &KeyWatcherSpawner{
		newDirs:     newDirs,
		depsFactory: depsFactory,
		poll:        poll,
		clock:       clock,
		log:         log,
		controlC:    make(chan struct{}),
		doneC:       make(chan struct{}),
	}
}

// Run consumes batches of new directories until Stop is called or ctx is
// done. It blocks; callers run it on its own goroutine.
func (s *KeyWatcherSpawner) Run(ctx context.Context) {
	defer close(s.doneC)

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-s.controlC:
			s.stopAll()
			return
		case batch, ok := <-s.newDirs:
			if !ok {
				s.stopAll()
				return
			}
			for _, dir := range batch {
				s.spawn(ctx, dir)
			}
		}
	}
}

func (s *KeyWatcherSpawner) spawn(ctx context.Context, dir string) {
	deps := s.depsFactory(dir)
	kw := NewKeyWatcher(dir, deps, s.poll, s.clock, s.log)

	s.mu.Lock()
	s.watchers = append(s.watchers, kw)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		kw.Run(ctx)
	}()

	s.log.Info("spawner: started key watcher", "dir", dir)
}

func (s *KeyWatcherSpawner) stopAll() {
	s.mu.Lock()
	watchers := append([]*KeyWatcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, kw := range watchers {
		kw.Stop()
	}
	s.wg.Wait()
}

// Stop closes the control channel, causing Run to stop and join every
// spawned KeyWatcher before returning.
func (s *KeyWatcherSpawner) Stop() {
	select {
	case <-s.controlC:
	default:
		close(s.controlC)
	}
}

// Done returns a channel closed once Run has returned (and thus every
// watcher has been joined).
func (s *KeyWatcherSpawner) Done() <-chan struct{} { return s.doneC }
