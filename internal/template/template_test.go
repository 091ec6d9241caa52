package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	t.Run("substitutes a single placeholder", func(t *testing.T) {
		t.Setenv("WL_TEST_HOST", "warehouse.example.com")
		out, err := Expand("jdbc:redshift://{{WL_TEST_HOST}}:5439/db")
		require.NoError(t, err)
		require.Equal(t, "jdbc:redshift://warehouse.example.com:5439/db", out)
	})

	t.Run("substitutes multiple placeholders", func(t *testing.T) {
		t.Setenv("WL_TEST_USER", "loader")
		t.Setenv("WL_TEST_PASS", "s3cr3t")
		out, err := Expand("{{WL_TEST_USER}}:{{WL_TEST_PASS}}")
		require.NoError(t, err)
		require.Equal(t, "loader:s3cr3t", out)
	})

	t.Run("passes through strings with no placeholders", func(t *testing.T) {
		out, err := Expand("public.events")
		require.NoError(t, err)
		require.Equal(t, "public.events", out)
	})

	t.Run("errors on unset variable", func(t *testing.T) {
		_, err := Expand("{{WL_TEST_DOES_NOT_EXIST}}")
		require.Error(t, err)
		require.Contains(t, err.Error(), "WL_TEST_DOES_NOT_EXIST")
	})
}

func TestExpandAll(t *testing.T) {
	t.Run("expands every field in order and stops on first error", func(t *testing.T) {
		t.Setenv("WL_TEST_TABLE", "public.events")
		table := "{{WL_TEST_TABLE}}"
		bad := "{{WL_TEST_UNSET}}"
		err := ExpandAll(&table, &bad)
		require.Error(t, err)
		require.Equal(t, "public.events", table)
	})

	t.Run("nil fields are skipped", func(t *testing.T) {
		require.NoError(t, ExpandAll(nil))
	})
}
