package sqlmigrate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptsOf(t *testing.T, ids ...string) []Script {
	t.Helper()
	return scriptsWithSQL(t, "CREATE TABLE IF NOT EXISTS t%s (id INT)", ids...)
}

func oneShotScriptsOf(t *testing.T, ids ...string) []Script {
	t.Helper()
	return scriptsWithSQL(t, "CREATE TABLE t%s (id INT)", ids...)
}

func scriptsWithSQL(t *testing.T, format string, ids ...string) []Script {
	t.Helper()
	var src StaticSource
	for _, id := range ids {
		s := NewScript(id, "m"+id).WithSteps([]Step{
			NewSQLStep(fmt.Sprintf(format, id)),
		})
		src = append(src, *s)
	}
	scripts, err := Discover(src)
	require.NoError(t, err)
	return scripts
}

func TestParseIdentifier(t *testing.T) {
	v, err := ParseIdentifier("001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = ParseIdentifier("20240101120000")
	require.NoError(t, err)
	assert.Equal(t, int64(20240101120000), v)

	for _, bad := range []string{"", "0", "000", "1a", "-1", "v1", "99999999999999999999"} {
		_, err := ParseIdentifier(bad)
		assert.Error(t, err, bad)
	}
}

func TestDiscover_SortsAndFillsMetadata(t *testing.T) {
	scripts := scriptsOf(t, "010", "002", "1")
	require.Len(t, scripts, 3)
	assert.Equal(t, []int64{1, 2, 10}, []int64{
		scripts[0].Version, scripts[1].Version, scripts[2].Version,
	})
	for _, s := range scripts {
		assert.NotEmpty(t, s.Checksum)
		assert.Equal(t, ClassIdempotent, s.Class)
	}
}

func TestDiscover_ReportsAllProblemsTogether(t *testing.T) {
	step := []Step{NewSQLStep("SELECT 1")}
	src := StaticSource{
		*NewScript("001", "a").WithSteps(step),
		*NewScript("01", "dup").WithSteps(step),
		*NewScript("abc", "bad").WithSteps(step),
		*NewScript("002", "empty"),
	}
	_, err := Discover(src)
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 3)

	reasons := make([]string, 0, 3)
	for _, e := range merr.Errors {
		var derr *DiscoveryError
		require.True(t, errors.As(e, &derr))
		reasons = append(reasons, derr.Identifier+": "+derr.Reason)
	}
	assert.Contains(t, reasons[0], "01: duplicate identifier")
	assert.Contains(t, reasons[1], "abc: unparsable identifier")
	assert.Contains(t, reasons[2], "002: script has no statements")
}

func TestDiscover_MergesSources(t *testing.T) {
	a := StaticSource{*NewScript("002", "b").WithSteps([]Step{NewSQLStep("SELECT 1")})}
	b := NewVarSource("001", "a", "SELECT 1;")
	scripts, err := Discover(a, b)
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "001", scripts[0].ID)
	assert.Equal(t, "002", scripts[1].ID)
}

func TestPlan_ReturnsPendingInOrder(t *testing.T) {
	scripts := scriptsOf(t, "001", "002", "003", "004")
	applied := map[int64]Record{
		1: {Identifier: "001"},
		2: {Identifier: "002"},
	}
	pending, err := Plan(applied, scripts)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "003", pending[0].ID)
	assert.Equal(t, "004", pending[1].ID)

	pending, err = Plan(nil, scripts)
	require.NoError(t, err)
	for i := 1; i < len(pending); i++ {
		assert.Less(t, pending[i-1].Version, pending[i].Version)
	}
}

func TestPlan_NothingPending(t *testing.T) {
	scripts := scriptsOf(t, "001")
	pending, err := Plan(map[int64]Record{1: {Identifier: "001"}}, scripts)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPlan_OrderingError(t *testing.T) {
	scripts := oneShotScriptsOf(t, "001", "002", "003")
	applied := map[int64]Record{
		1: {Identifier: "001"},
		3: {Identifier: "003"},
	}
	_, err := Plan(applied, scripts)
	var oerr *OrderingError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, "003", oerr.Applied)
	assert.Equal(t, "002", oerr.Pending)
	assert.Contains(t, err.Error(), "migration 002 is pending")
}

func TestPlan_ReplansIdempotentScriptMissingFromHistory(t *testing.T) {
	scripts := scriptsOf(t, "001", "002", "003")
	applied := map[int64]Record{
		2: {Identifier: "002"},
		3: {Identifier: "003"},
	}
	pending, err := Plan(applied, scripts)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "001", pending[0].ID)
}

func TestAppliedSet_RejectsUnparsableHistory(t *testing.T) {
	_, err := appliedSet([]Record{{Identifier: "001"}, {Identifier: "init"}})
	var oerr *OrderingError
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, "init", oerr.Applied)
}
