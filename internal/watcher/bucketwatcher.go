package watcher

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/warehouse-loader/internal/metrics"
	"github.com/malbeclabs/warehouse-loader/internal/objectstore"
)

// BucketDirLister is the subset of *objectstore.Client BucketWatcher needs
// to enumerate leaf directories.
type BucketDirLister interface {
	ListLeafDirectories(ctx context.Context, prefix string, keyPattern func(string) bool) ([]string, error)
}

var _ BucketDirLister = (*objectstore.Client)(nil)

// BucketWatcher polls the bucket for leaf directories matching a pattern
// and emits newly-appeared ones on NewDirectories. The set of known
// directories is monotonically retained; directories that disappear are
// never removed from it (open question, preserved as-is).
type BucketWatcher struct {
	store         BucketDirLister
	prefix        string
	keyPattern    *regexp.Regexp
	poll          PollInterval
	clock         clockwork.Clock
	log           *slog.Logger
	controlC      chan struct{}
	doneC         chan struct{}
	NewDirectories chan []string

	seen map[string]struct{}
}

// NewBucketWatcher constructs a BucketWatcher. newDirsBufSize should
// normally be 0 — the channel is meant to be an unbuffered rendezvous with
// the spawner — but is exposed for tests that want to avoid blocking.
func NewBucketWatcher(store BucketDirLister, prefix string, keyPattern *regexp.Regexp, poll PollInterval, clock clockwork.Clock, log *slog.Logger, newDirsBufSize int) *BucketWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BucketWatcher{
		store:          store,
		prefix:         prefix,
		keyPattern:     keyPattern,
		poll:           poll,
		clock:          clock,
		log:            log,
		controlC:       make(chan struct{}),
		doneC:          make(chan struct{}),
		NewDirectories: make(chan []string, newDirsBufSize),
		seen:           make(map[string]struct{}),
	}
}

// Run polls until Stop is called or ctx is done. It blocks; callers run it
// on its own goroutine.
func (b *BucketWatcher) Run(ctx context.Context) {
	defer close(b.doneC)

	for {
		b.pollOnce(ctx)

		timer := b.clock.NewTimer(b.poll.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-b.controlC:
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (b *BucketWatcher) pollOnce(ctx context.Context) {
	leaves, err := b.store.ListLeafDirectories(ctx, b.prefix, b.keyPattern.MatchString)
	if err != nil {
		b.log.Warn("bucketwatcher: failed to list leaf directories", "error", err)
		return
	}

	var fresh []string
	for _, l := range leaves {
		if _, ok := b.seen[l]; ok {
			continue
		}
		b.seen[l] = struct{}{}
		fresh = append(fresh, l)
	}
	if len(fresh) == 0 {
		return
	}

	metrics.DirectoriesDiscoveredTotal.Add(float64(len(fresh)))

	select {
	case b.NewDirectories <- fresh:
	case <-ctx.Done():
	case <-b.controlC:
	}
}

// Stop closes the control channel, causing Run to exit at its next
// suspension point.
func (b *BucketWatcher) Stop() {
	select {
	case <-b.controlC:
	default:
		close(b.controlC)
	}
}

// Done returns a channel closed once Run has returned.
func (b *BucketWatcher) Done() <-chan struct{} { return b.doneC }
