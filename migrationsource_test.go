package sqlmigrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWrite(t *testing.T, p, s string) {
	t.Helper()
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
}

func TestDefaultParseFilename(t *testing.T) {
	id, name, ok := defaultParseFilename("001_add_trial_fields.sql")
	assert.True(t, ok)
	assert.Equal(t, "001", id)
	assert.Equal(t, "add_trial_fields", name)

	id, name, ok = defaultParseFilename("42.sql")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	assert.Empty(t, name)

	_, _, ok = defaultParseFilename("_nothing.sql")
	assert.False(t, ok)
}

func TestDirSource_LoadScripts_ParsesAndHooks(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "002_second.sql"), "CREATE TABLE IF NOT EXISTS b (id INT);")
	mustWrite(t, filepath.Join(dir, "001_first.sql"), "CREATE TABLE IF NOT EXISTS a (id INT);\nSELECT 1;")
	mustWrite(t, filepath.Join(dir, "README.md"), "not a migration")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	src := NewDirSource(dir)
	src.ResolveHooks = func(filename string) (FileHookFn, FileHookFn) {
		if filename != "001_first.sql" {
			return nil, nil
		}
		return func(context.Context, Executor, string) error { return nil }, nil
	}

	scripts, err := Discover(src)
	require.NoError(t, err)
	require.Len(t, scripts, 2)

	first := scripts[0]
	assert.Equal(t, "001", first.ID)
	assert.Equal(t, "first", first.Name)
	assert.Equal(t, filepath.Join(dir, "001_first.sql"), first.Source)
	require.Len(t, first.Steps, 3)
	assert.Equal(t, "hook:pre:"+first.Source, first.Steps[0].(*HookStep).String())
	assert.Equal(t, "SELECT 1", first.Steps[2].(*SQLStep).SQL)
	// The class comes from the SQL, not from the hook.
	assert.Equal(t, ClassIdempotent, first.Class)
	assert.Equal(t, Checksum("CREATE TABLE IF NOT EXISTS a (id INT);\nSELECT 1;"), first.Checksum)

	assert.Equal(t, "second", scripts[1].Name)
}

func TestFSSource_ReportsInvalidFilesTogether(t *testing.T) {
	fsys := fstest.MapFS{
		"db/001_ok.sql":        {Data: []byte("SELECT 1;")},
		"db/latest_schema.sql": {Data: []byte("SELECT 1;")},
		"db/_x.sql":            {Data: []byte("SELECT 1;")},
		"db/003_broken.sql":    {Data: []byte("SELECT 'unterminated;")},
	}
	_, err := NewFSSource(fsys, "db").LoadScripts()
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
}

func TestFSSource_UnparsableIdentifierFailsDiscovery(t *testing.T) {
	fsys := fstest.MapFS{
		"001_ok.sql":        {Data: []byte("SELECT 1;")},
		"latest_schema.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := Discover(NewFSSource(fsys, "."))
	var derr *DiscoveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "latest", derr.Identifier)
	assert.Equal(t, "unparsable identifier", derr.Reason)
}

func TestFSSource_MissingDirectory(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope")).LoadScripts()
	var derr *DiscoveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "read migration directory", derr.Reason)
}

func TestFSSource_AllowedExtsAndCustomParser(t *testing.T) {
	fsys := fstest.MapFS{
		"V1__init.psql": {Data: []byte("CREATE TABLE IF NOT EXISTS a (id INT);")},
		"V2__more.sql":  {Data: []byte("CREATE TABLE IF NOT EXISTS b (id INT);")},
	}
	parser := func(filename string) (string, string, bool) {
		if len(filename) < 2 || filename[0] != 'V' {
			return "", "", false
		}
		id, name, _ := cutDoubleUnderscore(filename[1:])
		return id, name, true
	}
	src := NewFSSource(fsys, ".").
		WithAllowedExts([]string{".psql"}).
		WithFilenameParser(parser)
	scripts, err := Discover(src)
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "1", scripts[0].ID)
	assert.Equal(t, "init", scripts[0].Name)
}

func cutDoubleUnderscore(s string) (string, string, bool) {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '_' && s[i+1] == '_' {
			name := s[i+2:]
			return s[:i], name[:len(name)-len(filepath.Ext(name))], true
		}
	}
	return s, "", false
}

func TestFileSource_LoadScripts_SplitAndHooks(t *testing.T) {
	p := filepath.Join(t.TempDir(), "007_seed.sql")
	mustWrite(t, p, "-- migrate:no-transaction\nINSERT INTO t VALUES (1);\nINSERT INTO t VALUES (2);")

	var calls []string
	hook := func(name string) FileHookFn {
		return func(_ context.Context, _ Executor, filePath string) error {
			calls = append(calls, name+":"+filepath.Base(filePath))
			return nil
		}
	}
	scripts, err := NewFileSource(p).WithPreHook(hook("pre")).WithPostHook(hook("post")).LoadScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 1)

	s := scripts[0]
	assert.Equal(t, "007", s.ID)
	assert.True(t, s.NoTransaction)
	assert.Equal(t, ClassOneShot, s.Class)
	require.Len(t, s.Steps, 4)
	require.NoError(t, s.Steps[0].Execute(context.Background(), nil))
	require.NoError(t, s.Steps[3].Execute(context.Background(), nil))
	assert.Equal(t, []string{"pre:007_seed.sql", "post:007_seed.sql"}, calls)
}

func TestFileSource_BadName(t *testing.T) {
	p := filepath.Join(t.TempDir(), "_seed.sql")
	mustWrite(t, p, "SELECT 1;")
	_, err := NewFileSource(p).LoadScripts()
	var derr *DiscoveryError
	require.True(t, errors.As(err, &derr))
}

func TestVarSource_LoadScripts(t *testing.T) {
	scripts, err := NewVarSource("003", "seed", "-- migrate:idempotent\nINSERT INTO t VALUES (1);").LoadScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "var:003", scripts[0].Source)
	assert.Equal(t, ClassIdempotent, scripts[0].Class)
}

func TestHookStep_MissingFnReturnsError(t *testing.T) {
	err := NewHookStep("noop", nil).Execute(context.Background(), nil)
	assert.EqualError(t, err, `hook "noop" not defined`)
}

func TestStaticSource_HookScriptIsOneShot(t *testing.T) {
	s := NewScript("001", "hook").WithSteps([]Step{
		NewHookStep("h", func(context.Context, Executor) error { return nil }),
	})
	scripts, err := Discover(StaticSource{*s})
	require.NoError(t, err)
	assert.Equal(t, ClassOneShot, scripts[0].Class)
	assert.Equal(t, checksumSteps(s.Steps), scripts[0].Checksum)
}
