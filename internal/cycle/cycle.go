// Package cycle drives a single load directory through the scan, load,
// delete, and stl-load-error states that make up one ingestion cycle. It is
// the sum-type state machine from the design notes, encoded as a Kind
// discriminator plus an opaque payload since Go has no native sum types.
package cycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/warehouse-loader/internal/descriptor"
	"github.com/malbeclabs/warehouse-loader/internal/metrics"
	"github.com/malbeclabs/warehouse-loader/internal/objectstore"
	"github.com/malbeclabs/warehouse-loader/internal/sqlbuild"
	"github.com/malbeclabs/warehouse-loader/internal/sqlexec"
)

// Store is the subset of *objectstore.Client the state machine needs. It is
// declared here, consumer-side, so tests can exercise Advance against an
// in-memory fake instead of a real bucket.
type Store interface {
	ListObjects(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Move(ctx context.Context, srcKey, dstKey string) error
	PutManifest(ctx context.Context, fileURLs []string) (key, url string, err error)
	ObjectURL(key string) string
	KeyFromURL(url string) string
}

// Kind discriminates the state machine's four states.
type Kind int

const (
	KindScan Kind = iota
	KindLoad
	KindDelete
	KindStlLoadError
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindLoad:
		return "load"
	case KindDelete:
		return "delete"
	case KindStlLoadError:
		return "stl-load-error"
	default:
		return "unknown"
	}
}

// State is the tagged union payload: Descriptor and Files are populated
// only for the Kind values that need them.
type State struct {
	Kind       Kind
	Descriptor *descriptor.Descriptor
	Files      []string // object keys, not s3:// URLs
}

// Scan returns the initial/resting state for a directory.
func Scan() State { return State{Kind: KindScan} }

// LoadError is one row from the warehouse's load-error table.
type LoadError struct {
	Filename string
}

// StatusUpdater stamps the side status-DB lifecycle labels for the data
// files in one load directory. A nil StatusUpdater (no status-db in the
// process configuration) disables lifecycle stamping; otherwise files are
// stamped only when the descriptor's add-status flag is true.
type StatusUpdater interface {
	MarkProcessing(ctx context.Context, files []string) error
	MarkUpserted(ctx context.Context, files []string) error
	MarkFailed(ctx context.Context, files []string) error
}

// LoadTableFunc runs the strategy loader for one descriptor against its
// warehouse connection. Injectable so tests can stub out the transactional
// executor.
type LoadTableFunc func(ctx context.Context, d *descriptor.Descriptor, manifestURL string, creds sqlbuild.CredentialsProvider) error

// QueryLoadErrorsFunc queries the warehouse's load-error table for the most
// recent errors referencing any of filenames, one row per filename keyed by
// max query id.
type QueryLoadErrorsFunc func(ctx context.Context, jdbcURL string, filenames []string) ([]LoadError, error)

// Deps bundles the collaborators Advance needs. Store and Creds are
// required; StatusDB, LoadTable, and QueryErrors may be swapped for
// fakes in tests.
type Deps struct {
	Store       Store
	Creds       sqlbuild.CredentialsProvider
	StatusDB    StatusUpdater
	LoadTable   LoadTableFunc
	QueryErrors QueryLoadErrorsFunc
	Clock       clockwork.Clock
	Log         *slog.Logger
}

// Advance runs one state-machine step for directory dir in bucket, starting
// from cur. It returns the next state and whether the enclosing watcher
// should pause one poll interval before calling Advance again. Advance
// never returns an error: every failure kind the design calls out is
// logged and encoded as a transition back to scan (or, for a load failure
// referencing stl_load_errors, to the stl-load-error state), per §7's "no
// automatic retries" policy.
func Advance(ctx context.Context, dir string, cur State, deps *Deps) (State, bool) {
	metrics.CycleTransitionsTotal.WithLabelValues(cur.Kind.String()).Inc()

	switch cur.Kind {
	case KindScan:
		return deps.advanceScan(ctx, dir)
	case KindLoad:
		return deps.advanceLoad(ctx, dir, cur)
	case KindDelete:
		return deps.advanceDelete(ctx, cur)
	case KindStlLoadError:
		return deps.advanceStlLoadError(ctx, cur)
	default:
		deps.Log.Error("cycle: unknown state kind, resetting to scan", "dir", dir, "kind", int(cur.Kind))
		return Scan(), true
	}
}

func (deps *Deps) advanceScan(ctx context.Context, dir string) (State, bool) {
	objs, err := deps.Store.ListObjects(ctx, dir)
	if err != nil {
		deps.Log.Warn("cycle: object-store list failed during scan", "dir", dir, "error", err)
		return Scan(), true
	}

	var manifestKey string
	for _, o := range objs {
		if strings.HasSuffix(o.Key, "manifest.edn") {
			manifestKey = o.Key
			break
		}
	}
	if manifestKey == "" {
		return Scan(), true
	}

	raw, err := deps.Store.Get(ctx, manifestKey)
	if err != nil {
		deps.Log.Warn("cycle: failed to read descriptor", "dir", dir, "key", manifestKey, "error", err)
		return Scan(), true
	}

	d, err := descriptor.Parse(raw)
	if err != nil {
		deps.Log.Error("cycle: invalid descriptor", "dir", dir, "key", manifestKey, "error", err)
		return Scan(), true
	}
	if err := d.Validate(); err != nil {
		deps.Log.Error("cycle: descriptor failed validation", "dir", dir, "key", manifestKey, "error", err)
		return Scan(), true
	}

	var files []string
	for _, o := range objs {
		if o.Key == manifestKey {
			continue
		}
		if d.DataPatternRegexp.MatchString(o.Key) {
			files = append(files, o.Key)
		}
	}
	if len(files) == 0 {
		return Scan(), true
	}

	if d.Strategy == descriptor.StrategyMerge {
		files = files[:1]
	}

	return State{Kind: KindLoad, Descriptor: d, Files: files}, false
}

func (deps *Deps) advanceLoad(ctx context.Context, dir string, cur State) (State, bool) {
	d := cur.Descriptor

	urls := make([]string, 0, len(cur.Files))
	for _, f := range cur.Files {
		urls = append(urls, deps.Store.ObjectURL(f))
	}

	manifestKey, manifestURL, err := deps.Store.PutManifest(ctx, urls)
	if err != nil {
		deps.Log.Error("cycle: failed to upload COPY manifest", "dir", dir, "error", err)
		deps.markFailed(ctx, d, cur.Files)
		return Scan(), true
	}

	if d.AddStatus && deps.StatusDB != nil {
		if err := deps.StatusDB.MarkProcessing(ctx, cur.Files); err != nil {
			deps.Log.Warn("cycle: failed to mark files processing", "dir", dir, "error", err)
		}
	}

	loadErr := deps.LoadTable(ctx, d, manifestURL, deps.Creds)

	var timeoutErr *sqlexec.TimeoutError
	if errors.As(loadErr, &timeoutErr) {
		// Open question (design notes): the COPY manifest object is
		// deliberately left in place on a timeout, matching the source
		// system's behavior.
		deps.Log.Error("cycle: statement timeout during load", "dir", dir, "statement", timeoutErr.Statement)
		deps.markFailed(ctx, d, cur.Files)
		return Scan(), true
	}

	if loadErr != nil {
		if err := deps.Store.Delete(ctx, manifestKey); err != nil {
			deps.Log.Warn("cycle: failed to delete COPY manifest after load failure", "dir", dir, "key", manifestKey, "error", err)
		}
		deps.markFailed(ctx, d, cur.Files)

		if strings.Contains(loadErr.Error(), "stl_load_errors") {
			deps.Log.Error("cycle: load failed with stl_load_errors reference", "dir", dir, "error", loadErr)
			return State{Kind: KindStlLoadError, Descriptor: d, Files: cur.Files}, true
		}
		deps.Log.Error("cycle: load failed", "dir", dir, "error", loadErr)
		return Scan(), true
	}

	if err := deps.Store.Delete(ctx, manifestKey); err != nil {
		deps.Log.Warn("cycle: failed to delete COPY manifest after successful load", "dir", dir, "key", manifestKey, "error", err)
	}
	if d.AddStatus && deps.StatusDB != nil {
		if err := deps.StatusDB.MarkUpserted(ctx, cur.Files); err != nil {
			deps.Log.Warn("cycle: failed to mark files upserted", "dir", dir, "error", err)
		}
	}

	return State{Kind: KindDelete, Files: cur.Files}, true
}

func (deps *Deps) markFailed(ctx context.Context, d *descriptor.Descriptor, files []string) {
	if !d.AddStatus || deps.StatusDB == nil {
		return
	}
	if err := deps.StatusDB.MarkFailed(ctx, files); err != nil {
		deps.Log.Warn("cycle: failed to mark files failed", "error", err)
	}
}

func (deps *Deps) advanceDelete(ctx context.Context, cur State) (State, bool) {
	for _, f := range cur.Files {
		if err := deps.Store.Delete(ctx, f); err != nil {
			deps.Log.Warn("cycle: failed to delete data file, leaving for a future cycle", "key", f, "error", err)
		}
	}
	return Scan(), true
}

func (deps *Deps) advanceStlLoadError(ctx context.Context, cur State) (State, bool) {
	urls := make([]string, 0, len(cur.Files))
	for _, f := range cur.Files {
		urls = append(urls, deps.Store.ObjectURL(f))
	}

	loadErrs, err := deps.QueryErrors(ctx, cur.Descriptor.JDBCURL, urls)
	if err != nil {
		deps.Log.Error("cycle: failed to query stl_load_errors", "error", err)
		return Scan(), true
	}

	for _, le := range loadErrs {
		key := deps.Store.KeyFromURL(le.Filename)
		dst := objectstore.ErrorDestinationKey(deps.Clock.Now(), key)

		exists, err := deps.Store.Exists(ctx, key)
		if err != nil {
			deps.Log.Warn("cycle: failed to check source file before moving to errors prefix", "key", key, "error", err)
			continue
		}
		if !exists {
			continue
		}

		if err := deps.Store.Move(ctx, key, dst); err != nil {
			deps.Log.Error("cycle: failed to move errored data file", "key", key, "destination", dst, "error", err)
			continue
		}
		deps.Log.Error("cycle: moved data file referenced by stl_load_errors", "key", key, "destination", dst)
	}

	return Scan(), true
}
