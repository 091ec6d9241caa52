// Package watcher implements the two-tier watcher hierarchy: a BucketWatcher
// that discovers load directories, a KeyWatcherSpawner that starts one
// KeyWatcher per directory, and the KeyWatcher itself, which drives the
// cycle state machine for its directory and sleeps between polls.
package watcher

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/warehouse-loader/internal/cycle"
	"github.com/malbeclabs/warehouse-loader/internal/metrics"
)

// PollInterval is the jittered poll-interval configuration shared by both
// watcher tiers: a timeout of base + rand()*jitter seconds, recomputed each
// iteration to avoid thundering herds across many watchers.
type PollInterval struct {
	Base   time.Duration
	Jitter time.Duration
}

func (p PollInterval) next() time.Duration {
	if p.Jitter <= 0 {
		return p.Base
	}
	return p.Base + time.Duration(rand.Int63n(int64(p.Jitter)))
}

// KeyWatcher is one long-running task per discovered directory. It calls
// cycle.Advance in a loop, sleeping between polls whenever Advance reports
// pause=true, and exits when its control channel is closed.
type KeyWatcher struct {
	dir      string
	deps     *cycle.Deps
	poll     PollInterval
	clock    clockwork.Clock
	log      *slog.Logger
	controlC chan struct{}
	doneC    chan struct{}
}

// NewKeyWatcher constructs a KeyWatcher for dir. It does not start running
// until Run is called.
func NewKeyWatcher(dir string, deps *cycle.Deps, poll PollInterval, clock clockwork.Clock, log *slog.Logger) *KeyWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &KeyWatcher{
		dir:      dir,
		deps:     deps,
		poll:     poll,
		clock:    clock,
		log:      log,
		controlC: make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Run drives the state machine for this directory until Stop is called or
// ctx is done. It blocks; callers run it on its own goroutine.
func (w *KeyWatcher) Run(ctx context.Context) {
	defer close(w.doneC)

	metrics.ActiveKeyWatchers.Inc()
	defer metrics.ActiveKeyWatchers.Dec()

	state := cycle.Scan()
	for {
		var pause bool
		state, pause = cycle.Advance(ctx, w.dir, state, w.deps)

		if !pause {
			continue
		}

		timer := w.clock.NewTimer(w.poll.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.controlC:
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// Stop closes the control channel, causing Run to exit at its next
// suspension point.
func (w *KeyWatcher) Stop() {
	select {
	case <-w.controlC:
		// already stopped
	default:
		close(w.controlC)
	}
}

// Done returns a channel closed once Run has returned.
func (w *KeyWatcher) Done() <-chan struct{} { return w.doneC }
