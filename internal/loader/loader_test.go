package loader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/warehouse-loader/internal/descriptor"
)

type fakeCreds struct{}

func (fakeCreds) AccessKeyID() string     { return "AKID" }
func (fakeCreds) SecretAccessKey() string { return "secret" }

func mustDescriptor(t *testing.T, edn string) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Parse([]byte(edn))
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	return d
}

const mergeEDN = `{:table "t" :columns ["id" "v"] :full-columns ["id" "v"] :pk-columns ["id"] :data-pattern ".*"}`

func TestStatementsFor_Merge(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	stmts, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.NoError(t, err)
	require.Len(t, stmts, 8)
	require.Contains(t, stmts[0], "CREATE TEMPORARY TABLE")
	require.Contains(t, stmts[1], "COPY")
	require.Contains(t, stmts[len(stmts)-2], "DROP TABLE")
	require.Contains(t, stmts[len(stmts)-1], "DROP TABLE")
}

func TestStatementsFor_DeleteNullHashMerge(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	d.Strategy = descriptor.StrategyDeleteNullHashMerge
	stmts, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.NoError(t, err)
	require.Len(t, stmts, 9)
	require.Contains(t, stmts[2], "DELETE FROM")
	require.Contains(t, stmts[2], "report_date")
}

func TestStatementsFor_DeleteNullHashMergeCustomer(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	d.Strategy = descriptor.StrategyDeleteNullHashMergeCustomer
	stmts, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.NoError(t, err)
	require.Contains(t, stmts[2], "partner_order_id")
}

func TestStatementsFor_Replace(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	d.Strategy = descriptor.StrategyReplace
	stmts, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.NoError(t, err)
	require.Equal(t, []string{
		"TRUNCATE TABLE t",
		"COPY t(id,v) FROM 's3://bucket/t/m.manifest' CREDENTIALS 'aws_access_key_id=AKID;aws_secret_access_key=secret' manifest",
	}, stmts)
}

func TestStatementsFor_Append(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	d.Strategy = descriptor.StrategyAppend
	stmts, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.NoError(t, err)
	require.Len(t, stmts, 4)
	require.Contains(t, stmts[2], "NOT EXISTS")
	require.Contains(t, stmts[3], "DROP TABLE")
}

func TestStatementsFor_Add(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	d.Strategy = descriptor.StrategyAdd
	stmts, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.NoError(t, err)
	require.Len(t, stmts, 4)
	require.Contains(t, stmts[2], "INSERT INTO t")
	require.NotContains(t, stmts[2], "NOT EXISTS")
}

func TestStatementsFor_UnknownStrategy(t *testing.T) {
	t.Parallel()
	d := mustDescriptor(t, mergeEDN)
	d.Strategy = "bogus"
	_, err := statementsFor(d, "s3://bucket/t/m.manifest", fakeCreds{})
	require.Error(t, err)
}
