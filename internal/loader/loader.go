// Package loader composes the statement sequences sqlbuild renders into the
// fixed per-strategy transactions, and drives them through sqlexec.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/warehouse-loader/internal/descriptor"
	"github.com/malbeclabs/warehouse-loader/internal/metrics"
	"github.com/malbeclabs/warehouse-loader/internal/sqlbuild"
	"github.com/malbeclabs/warehouse-loader/internal/sqlexec"
)

// LoadTable applies env-var templating to d's dynamic fields and runs the
// statement sequence for d.Strategy inside a single transaction against
// d's warehouse connection. manifestURL points at the already-uploaded COPY
// manifest object. creds resolves COPY credentials when no IAM role is
// configured.
func LoadTable(ctx context.Context, d *descriptor.Descriptor, manifestURL string, creds sqlbuild.CredentialsProvider) error {
	if err := d.ApplyTemplating(); err != nil {
		return fmt.Errorf("loader: templating failed: %w", err)
	}

	stmts, err := statementsFor(d, manifestURL, creds)
	if err != nil {
		return err
	}

	start := time.Now()
	err = sqlexec.WithConnection(ctx, d.JDBCURL, func(ctx context.Context, c *sqlexec.Conn) error {
		return sqlexec.Execute(ctx, d.ExecuteOpts, c, stmts...)
	})
	metrics.ImportDuration.WithLabelValues(string(d.Strategy)).Observe(time.Since(start).Seconds())
	return err
}

// statementsFor renders the fixed statement sequence for d.Strategy. An
// unknown strategy is an invariant violation — descriptor.Validate should
// have already rejected it before LoadTable is reached.
func statementsFor(d *descriptor.Descriptor, manifestURL string, creds sqlbuild.CredentialsProvider) ([]string, error) {
	staging := sqlbuild.StagingName(d)
	rnums := sqlbuild.RnumsName(d)

	mergeSequence := func(nullHashDelete func() string) []string {
		stmts := []string{
			sqlbuild.CreateStaging(d),
			sqlbuild.CopyIntoStaging(d, manifestURL, creds),
		}
		if nullHashDelete != nil {
			stmts = append(stmts, nullHashDelete())
		}
		stmts = append(stmts,
			sqlbuild.CreateRnums(d),
			sqlbuild.DedupRnums(d),
			sqlbuild.DropRowNumColumn(d),
			sqlbuild.MergeFromRnums(d),
			sqlbuild.Drop(staging),
			sqlbuild.Drop(rnums),
		)
		return stmts
	}

	switch d.Strategy {
	case descriptor.StrategyMerge:
		return mergeSequence(nil), nil

	case descriptor.StrategyDeleteNullHashMerge:
		return mergeSequence(func() string { return sqlbuild.DeleteNullHash(d, false) }), nil

	case descriptor.StrategyDeleteNullHashMergeCustomer:
		return mergeSequence(func() string { return sqlbuild.DeleteNullHash(d, true) }), nil

	case descriptor.StrategyReplace:
		return []string{
			sqlbuild.Truncate(d),
			sqlbuild.CopyIntoTarget(d, manifestURL, creds),
		}, nil

	case descriptor.StrategyAppend:
		return []string{
			sqlbuild.CreateStaging(d),
			sqlbuild.CopyIntoStaging(d, manifestURL, creds),
			sqlbuild.AppendFromStaging(d),
			sqlbuild.Drop(staging),
		}, nil

	case descriptor.StrategyAdd:
		return []string{
			sqlbuild.CreateStaging(d),
			sqlbuild.CopyIntoStaging(d, manifestURL, creds),
			sqlbuild.AddFromStaging(d),
			sqlbuild.Drop(staging),
		}, nil

	default:
		return nil, fmt.Errorf("loader: unrecognized strategy %q", d.Strategy)
	}
}
