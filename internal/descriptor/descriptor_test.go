package descriptor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const mergeDescriptorEDN = `
{:table "public.t"
 :schema nil
 :jdbc-url "jdbc:redshift://{{WL_TEST_HOST}}:5439/db"
 :username "loader"
 :password "s3cr3t"
 :columns ["id" "v"]
 :full-columns ["id" "v"]
 :pk-columns ["id"]
 :pk-nulls nil
 :data-pattern ".*\\.gz"
 :strategy :merge
 :options []
 :execute-opts {:timeout-millis 60000}}
`

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("parses a merge descriptor", func(t *testing.T) {
		t.Parallel()
		d, err := Parse([]byte(mergeDescriptorEDN))
		require.NoError(t, err)
		require.Equal(t, "public.t", d.Table)
		require.Nil(t, d.Schema)
		require.Equal(t, []string{"id", "v"}, d.Columns)
		require.Equal(t, []string{"id", "v"}, d.FullColumns)
		require.Equal(t, []string{"id"}, d.PKColumns)
		require.Equal(t, StrategyMerge, d.Strategy)
		require.Equal(t, int64(60000), d.ExecuteOpts.TimeoutMillis)
	})

	t.Run("defaults strategy to merge when absent", func(t *testing.T) {
		t.Parallel()
		d, err := Parse([]byte(`{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*"}`))
		require.NoError(t, err)
		require.Equal(t, StrategyMerge, d.Strategy)
	})

	t.Run("full-columns defaults to columns when absent", func(t *testing.T) {
		t.Parallel()
		d, err := Parse([]byte(`{:table "t" :columns ["a" "b"] :pk-columns ["a"] :data-pattern ".*"}`))
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, d.FullColumns)
	})

	t.Run("parses staging-select variants", func(t *testing.T) {
		t.Parallel()

		d, err := Parse([]byte(`{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*" :staging-select :distinct}`))
		require.NoError(t, err)
		require.Equal(t, StagingSelectDistinct, d.StagingSelect.Kind)

		d, err = Parse([]byte(`{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*" :staging-select :distinct-hash}`))
		require.NoError(t, err)
		require.Equal(t, StagingSelectDistinctHash, d.StagingSelect.Kind)

		d, err = Parse([]byte(`{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*" :staging-select "SELECT * FROM {{table}}"}`))
		require.NoError(t, err)
		require.Equal(t, StagingSelectTemplate, d.StagingSelect.Kind)
		require.Equal(t, "SELECT * FROM {{table}}", d.StagingSelect.Template)
	})

	t.Run("errors on malformed EDN", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte(`{:table "t"`))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Descriptor {
		d, err := Parse([]byte(mergeDescriptorEDN))
		require.NoError(t, err)
		return d
	}

	t.Run("accepts a well-formed merge descriptor", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, valid().Validate())
	})

	t.Run("requires table", func(t *testing.T) {
		t.Parallel()
		d := valid()
		d.Table = ""
		require.ErrorContains(t, d.Validate(), "table")
	})

	t.Run("rejects unrecognized strategy", func(t *testing.T) {
		t.Parallel()
		d := valid()
		d.Strategy = "bogus"
		require.ErrorContains(t, d.Validate(), "strategy")
	})

	t.Run("rejects invalid data-pattern regex", func(t *testing.T) {
		t.Parallel()
		d := valid()
		d.DataPattern = "("
		require.ErrorContains(t, d.Validate(), "data-pattern")
	})

	t.Run("requires pk-columns for merge family and append", func(t *testing.T) {
		t.Parallel()
		for _, s := range []Strategy{StrategyMerge, StrategyDeleteNullHashMerge, StrategyDeleteNullHashMergeCustomer, StrategyAppend} {
			d := valid()
			d.Strategy = s
			d.PKColumns = nil
			require.ErrorContainsf(t, d.Validate(), "pk-columns", "strategy %s", s)
		}
	})

	t.Run("does not require pk-columns for replace or add", func(t *testing.T) {
		t.Parallel()
		for _, s := range []Strategy{StrategyReplace, StrategyAdd} {
			d := valid()
			d.Strategy = s
			d.PKColumns = nil
			require.NoErrorf(t, d.Validate(), "strategy %s", s)
		}
	})

	t.Run("rejects columns empty", func(t *testing.T) {
		t.Parallel()
		d := valid()
		d.Columns = nil
		require.ErrorContains(t, d.Validate(), "columns")
	})

	t.Run("rejects pk-nulls not a subset of pk-columns", func(t *testing.T) {
		t.Parallel()
		d := valid()
		d.PKNulls = []string{"nonexistent"}
		require.ErrorContains(t, d.Validate(), "pk-nulls")
	})
}

func TestApplyTemplating(t *testing.T) {
	t.Run("expands placeholders in connection fields", func(t *testing.T) {
		t.Setenv("WL_TEST_HOST", "warehouse.example.com")
		d, err := Parse([]byte(mergeDescriptorEDN))
		require.NoError(t, err)
		require.NoError(t, d.ApplyTemplating())
		require.Equal(t, "jdbc:redshift://warehouse.example.com:5439/db", d.JDBCURL)
	})

	t.Run("errors when a referenced variable is unset", func(t *testing.T) {
		d, err := Parse([]byte(`{:table "{{WL_TEST_UNSET_TABLE}}" :columns ["a"] :pk-columns ["a"] :data-pattern ".*"}`))
		require.NoError(t, err)
		require.Error(t, d.ApplyTemplating())
	})
}
