package sqlmigrate

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Source loads migration scripts.
type Source interface {
	LoadScripts() ([]Script, error)
}

// FileHookFn is a hook function that accepts the path of the script file.
type FileHookFn func(ctx context.Context, exec Executor, filePath string) error

// ParseFilenameFn extracts the identifier and name from a migration file
// name. It returns false when the file name does not follow the convention.
type ParseFilenameFn func(filename string) (id string, name string, ok bool)

// defaultParseFilename expects file names in the format
// "001_add_trial_fields.sql". A name without "_" is all identifier.
func defaultParseFilename(filename string) (string, string, bool) {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	id, name, _ := strings.Cut(base, "_")
	if id == "" {
		return "", "", false
	}
	return id, name, true
}

var defaultAllowedExts = []string{".sql"}

// FSSource loads migrations from a directory of an fs.FS. It supports
// optional hooks that can be explicitly tied to filenames.
type FSSource struct {
	FS  fs.FS
	Dir string
	// Label names the source in errors and logs, defaults to Dir.
	Label string
	// Optional filename parser, defaults to defaultParseFilename.
	FilenameParser ParseFilenameFn
	// Optional allowed extensions, defaults to .sql.
	AllowedExts []string
	// Optional ResolveHooks returns hook functions for the given filename.
	ResolveHooks func(filename string) (preHook FileHookFn, postHook FileHookFn)
	Logger       *slog.Logger
}

// NewFSSource creates a new FSSource reading dir inside fsys, e.g. an
// embed.FS.
//
// Parameters:
//   - fsys: The file system holding the migrations.
//   - dir: The directory inside fsys, "." for the root.
//
// Returns:
//   - *FSSource: A new FSSource instance.
func NewFSSource(fsys fs.FS, dir string) *FSSource {
	return &FSSource{
		FS:             fsys,
		Dir:            dir,
		Label:          dir,
		FilenameParser: defaultParseFilename,
		AllowedExts:    defaultAllowedExts,
	}
}

// NewDirSource creates a new source for a directory on disk.
//
// Parameters:
//   - dir: The directory to load migrations from.
//
// Returns:
//   - *FSSource: A new FSSource instance.
func NewDirSource(dir string) *FSSource {
	src := NewFSSource(os.DirFS(dir), ".")
	src.Label = dir
	return src
}

// WithFilenameParser returns a new FSSource with the given parser.
//
// Parameters:
//   - parser: The ParseFilenameFn to use.
//
// Returns:
//   - *FSSource: A new FSSource instance.
func (d *FSSource) WithFilenameParser(parser ParseFilenameFn) *FSSource {
	new := *d
	new.FilenameParser = parser
	return &new
}

// WithAllowedExts returns a new FSSource with the given allowed extensions.
//
// Parameters:
//   - exts: A slice of allowed extensions.
//
// Returns:
//   - *FSSource: A new FSSource instance.
func (d *FSSource) WithAllowedExts(exts []string) *FSSource {
	new := *d
	new.AllowedExts = exts
	return &new
}

// WithLogger returns a new FSSource logging to logger.
func (d *FSSource) WithLogger(logger *slog.Logger) *FSSource {
	new := *d
	new.Logger = logger
	return &new
}

// LoadScripts reads every allowed file of the directory. Files with an
// allowed extension whose name or content cannot be parsed are reported
// together as DiscoveryErrors.
//
// Returns:
//   - []Script: The loaded scripts in directory order.
//   - error: An error if the directory cannot be read or a file is invalid.
func (d *FSSource) LoadScripts() ([]Script, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := d.Label
	if label == "" {
		label = d.Dir
	}

	entries, err := fs.ReadDir(d.FS, d.Dir)
	if err != nil {
		return nil, &DiscoveryError{
			Source: label, Reason: "read migration directory", Err: err,
		}
	}

	parser := d.FilenameParser
	if parser == nil {
		parser = defaultParseFilename
	}
	allowed := d.AllowedExts
	if allowed == nil {
		allowed = defaultAllowedExts
	}

	var (
		scripts []Script
		errs    *multierror.Error
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(path.Ext(name))
		if !slices.Contains(allowed, ext) {
			logger.Debug("skipping file with unsupported extension",
				"file", name, "ext", ext)
			continue
		}
		id, migName, ok := parser(name)
		if !ok {
			errs = multierror.Append(errs, &DiscoveryError{
				Source: label, File: name,
				Reason: "file name does not start with a version token",
			})
			continue
		}

		content, err := fs.ReadFile(d.FS, path.Join(d.Dir, name))
		if err != nil {
			errs = multierror.Append(errs, &DiscoveryError{
				Source: label, File: name, Identifier: id,
				Reason: "read file", Err: err,
			})
			continue
		}

		fullPath := filepath.Join(label, name)
		script, err := scriptFromSQL(id, migName, fullPath, string(content))
		if err != nil {
			errs = multierror.Append(errs, &DiscoveryError{
				Source: label, File: name, Identifier: id,
				Reason: "parse script", Err: err,
			})
			continue
		}

		if d.ResolveHooks != nil {
			preHook, postHook := d.ResolveHooks(name)
			script.Steps = wrapWithHooks(script.Steps, fullPath, preHook, postHook)
		}
		scripts = append(scripts, *script)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	logger.Debug("loaded migrations from directory",
		"source", label, "count", len(scripts))
	return scripts, nil
}

// FileSource loads a single migration file and supports optional hooks.
type FileSource struct {
	FilePath string
	// Optional filename parser, defaults to defaultParseFilename.
	FilenameParser ParseFilenameFn
	// Optional pre-hook.
	PreHook FileHookFn
	// Optional post-hook.
	PostHook FileHookFn
}

// NewFileSource returns a new FileSource.
//
// Returns:
//   - *FileSource: A new FileSource instance.
func NewFileSource(filePath string) *FileSource {
	return &FileSource{
		FilePath: filePath,
	}
}

// WithPreHook returns a new FileSource with the given pre-hook.
func (f *FileSource) WithPreHook(preHook FileHookFn) *FileSource {
	new := *f
	new.PreHook = preHook
	return &new
}

// WithPostHook returns a new FileSource with the given post-hook.
func (f *FileSource) WithPostHook(postHook FileHookFn) *FileSource {
	new := *f
	new.PostHook = postHook
	return &new
}

// LoadScripts loads the migration from the file.
//
// Returns:
//   - []Script: A slice containing the loaded script.
//   - error: An error if loading fails.
func (f *FileSource) LoadScripts() ([]Script, error) {
	base := filepath.Base(f.FilePath)
	parser := f.FilenameParser
	if parser == nil {
		parser = defaultParseFilename
	}
	id, name, ok := parser(base)
	if !ok {
		return nil, &DiscoveryError{
			Source: f.FilePath, File: base,
			Reason: "file name does not start with a version token",
		}
	}

	content, err := os.ReadFile(f.FilePath)
	if err != nil {
		return nil, &DiscoveryError{
			Source: f.FilePath, File: base, Identifier: id,
			Reason: "read file", Err: err,
		}
	}
	script, err := scriptFromSQL(id, name, f.FilePath, string(content))
	if err != nil {
		return nil, &DiscoveryError{
			Source: f.FilePath, File: base, Identifier: id,
			Reason: "parse script", Err: err,
		}
	}
	script.Steps = wrapWithHooks(script.Steps, f.FilePath, f.PreHook, f.PostHook)
	return []Script{*script}, nil
}

// VarSource uses a SQL script defined in a variable.
type VarSource struct {
	ID   string
	Name string
	SQL  string
}

// NewVarSource creates a new VarSource.
//
// Parameters:
//   - id: The identifier of the migration.
//   - name: The name of the migration.
//   - sql: The script to execute when applying the migration.
//
// Returns:
//   - *VarSource: A new VarSource.
func NewVarSource(id string, name string, sql string) *VarSource {
	return &VarSource{
		ID:   id,
		Name: name,
		SQL:  sql,
	}
}

// LoadScripts loads the variable-defined migration.
func (v *VarSource) LoadScripts() ([]Script, error) {
	script, err := scriptFromSQL(v.ID, v.Name, "var:"+v.ID, v.SQL)
	if err != nil {
		return nil, &DiscoveryError{
			Source: "var", Identifier: v.ID, Reason: "parse script", Err: err,
		}
	}
	return []Script{*script}, nil
}

// StaticSource serves scripts built in code, e.g. with hook steps.
type StaticSource []Script

// LoadScripts returns the scripts as given.
func (s StaticSource) LoadScripts() ([]Script, error) {
	return slices.Clone(s), nil
}

// scriptFromSQL builds a script from raw SQL text.
func scriptFromSQL(id, name, source, content string) (*Script, error) {
	stmts, dirs, err := splitStatements(content)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(stmts))
	for _, stmt := range stmts {
		steps = append(steps, NewSQLStep(stmt))
	}
	script := NewScript(id, name).WithSteps(steps)
	script.Source = source
	script.Checksum = Checksum(content)
	script.NoTransaction = dirs.noTransaction
	if dirs.classSet {
		return script.WithClass(dirs.class), nil
	}
	return script.WithClass(classifySteps(steps)), nil
}

// wrapWithHooks surrounds steps with the file's pre and post hooks.
func wrapWithHooks(
	steps []Step, filePath string, preHook, postHook FileHookFn,
) []Step {
	if preHook == nil && postHook == nil {
		return steps
	}
	out := make([]Step, 0, len(steps)+2)
	if preHook != nil {
		out = append(out, NewHookStep("pre:"+filePath,
			func(ctx context.Context, exec Executor) error {
				return preHook(ctx, exec, filePath)
			},
		))
	}
	out = append(out, steps...)
	if postHook != nil {
		out = append(out, NewHookStep("post:"+filePath,
			func(ctx context.Context, exec Executor) error {
				return postHook(ctx, exec, filePath)
			},
		))
	}
	return out
}
