package glaze

import (
	"context"
	goerrors "errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml/ast"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerfile/shell"
	"github.com/moby/buildkit/solver/errdefs"
	"github.com/pkg/errors"
	"github.com/tonistiigi/fsutil/types"
)

// Check is used to run assertions against the assembled image.
// Checks run after the dependency layers are assembled and before the image
// is exported. A failed check fails the build.
type Check struct {
	// Name is the name of the check.
	// This will be used to output the check results.
	Name string `yaml:"name" json:"name" jsonschema:"required"`

	// Dir is the working directory to run commands in.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Env is the list of environment variables to set for all commands in
	// this check.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Steps is the list of commands to run inside the assembled image.
	Steps []CheckStep `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Files is the list of files to inspect in the assembled image.
	Files map[string]FileCheckOutput `yaml:"files,omitempty" json:"files,omitempty"`

	// unexported pointer to parsed source map for this Check
	_sourceMap *sourceMap `json:"-" yaml:"-"`
}

func (c *Check) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	type internal Check
	var ci internal

	dec := getDecoder(ctx)
	if err := dec.DecodeFromNodeContext(ctx, node, &ci); err != nil {
		return err
	}

	*c = Check(ci)
	c._sourceMap = newSourceMap(ctx, node)
	return nil
}

// GetSourceLocation returns an llb.ConstraintsOpt for the Check
func (c *Check) GetSourceLocation(state llb.State) llb.ConstraintsOpt {
	return c._sourceMap.GetLocation(state)
}

// CheckStep is a command to run inside the assembled image along with
// assertions on its stdio streams.
type CheckStep struct {
	// Command is the command to run.
	// The command is split into args shell-style and executed directly.
	Command string `yaml:"command" json:"command" jsonschema:"required"`
	// Env is the list of environment variables to set for the command.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Stdin is the input to provide to the command.
	Stdin string `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	// Stdout describes assertions to perform against stdout
	Stdout CheckOutput `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	// Stderr describes assertions to perform against stderr
	Stderr CheckOutput `yaml:"stderr,omitempty" json:"stderr,omitempty"`

	// unexported pointer to parsed source map for this CheckStep
	_sourceMap *sourceMap `json:"-" yaml:"-"`
}

func (step *CheckStep) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	type internal CheckStep
	var si internal

	dec := getDecoder(ctx)
	if err := dec.DecodeFromNodeContext(ctx, node, &si); err != nil {
		return err
	}

	*step = CheckStep(si)
	step._sourceMap = newSourceMap(ctx, node)
	return nil
}

// GetSourceLocation returns an llb.ConstraintsOpt for the CheckStep
func (step *CheckStep) GetSourceLocation(state llb.State) llb.ConstraintsOpt {
	return step._sourceMap.GetLocation(state)
}

// CheckOutput is used to specify the expected output of a check, such as
// stdout/stderr or a file.
// All non-empty fields will be checked.
type CheckOutput struct {
	// Equals is the exact string to compare the output to.
	Equals string `yaml:"equals,omitempty" json:"equals,omitempty"`
	// Contains is the list of strings to check if they are contained in the output.
	Contains []string `yaml:"contains,omitempty" json:"contains,omitempty"`
	// Matches is the list of regular expressions to match the output against.
	Matches []string `yaml:"matches,omitempty" json:"matches,omitempty"`
	// StartsWith is the string to check if the output starts with.
	StartsWith string `yaml:"starts_with,omitempty" json:"starts_with,omitempty"`
	// EndsWith is the string to check if the output ends with.
	EndsWith string `yaml:"ends_with,omitempty" json:"ends_with,omitempty"`
	// Empty is used to check if the output is empty.
	Empty bool `yaml:"empty,omitempty" json:"empty,omitempty"`

	equalsSourceMap     *sourceMap   `json:"-" yaml:"-"`
	startsWithSourceMap *sourceMap   `json:"-" yaml:"-"`
	endsWithSourceMap   *sourceMap   `json:"-" yaml:"-"`
	emptySourceMap      *sourceMap   `json:"-" yaml:"-"`
	containsSourceMaps  []*sourceMap `json:"-" yaml:"-"`
	matchesSourceMaps   []*sourceMap `json:"-" yaml:"-"`
}

// FileCheckOutput is used to specify the expected state of a file.
type FileCheckOutput struct {
	CheckOutput `yaml:",inline"`
	// Permissions is the expected permissions of the file.
	Permissions fs.FileMode `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	// IsDir is used to set the expected file mode to a directory.
	IsDir bool `yaml:"is_dir,omitempty" json:"is_dir,omitempty"`
	// NotExist is used to check that the file does not exist.
	NotExist bool `yaml:"not_exist,omitempty" json:"not_exist,omitempty"`
	// Uid is the expected numeric owner of the file.
	// Files written while the build account was active keep that account's
	// ownership, so this can pin the owner a path is expected to end up
	// with. Zero is a valid owner to assert on.
	Uid *uint32 `yaml:"uid,omitempty" json:"uid,omitempty"`
	// Gid is the expected numeric group of the file.
	Gid *uint32 `yaml:"gid,omitempty" json:"gid,omitempty"`

	// field-level source maps for file-specific attributes
	permissionsSourceMap *sourceMap `json:"-" yaml:"-"`
	isDirSourceMap       *sourceMap `json:"-" yaml:"-"`
	notExistSourceMap    *sourceMap `json:"-" yaml:"-"`
	uidSourceMap         *sourceMap `json:"-" yaml:"-"`
	gidSourceMap         *sourceMap `json:"-" yaml:"-"`

	// TODO: Support checking symlinks
	// This is not currently possible with buildkit as it does not expose information about the symlink
}

func (check *FileCheckOutput) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	// Custom unmarshallers with inline structs behave strangely (like fields
	// not getting set properly, even on the main type).
	// For now split it out manually.
	type internal struct {
		Permissions sourceMappedValue[fs.FileMode] `yaml:"permissions,omitempty"`
		IsDir       sourceMappedValue[bool]        `yaml:"is_dir,omitempty"`
		NotExist    sourceMappedValue[bool]        `yaml:"not_exist,omitempty"`
		Uid         sourceMappedValue[uint32]      `yaml:"uid,omitempty"`
		Gid         sourceMappedValue[uint32]      `yaml:"gid,omitempty"`

		Equals     ast.Node `yaml:"equals,omitempty"`
		Contains   ast.Node `yaml:"contains,omitempty"`
		Matches    ast.Node `yaml:"matches,omitempty"`
		StartsWith ast.Node `yaml:"starts_with,omitempty"`
		EndsWith   ast.Node `yaml:"ends_with,omitempty"`
		Empty      ast.Node `yaml:"empty,omitempty"`
	}

	dec := getDecoder(ctx)
	var i internal

	if err := dec.DecodeFromNodeContext(ctx, node, &i); err != nil {
		return fmt.Errorf("error unmarshalling file check output: %w", err)
	}

	// Now for a 2nd pass, remove the fields we have already processed
	// and pass the rest to the CheckOutput unmarshaller
	// This is a bit hacky but it works around the limitations of the inline yaml.
	// It also makes sure this works with strict mode enabled.
	var values []*ast.MappingValueNode
	var uidSet, gidSet bool
	for _, v := range node.(*ast.MappingNode).Values {
		switch key := v.Key.(*ast.StringNode); key.Value {
		case "uid":
			uidSet = true
		case "gid":
			gidSet = true
		case "permissions", "is_dir", "not_exist":
		default:
			values = append(values, v)
		}
	}

	updated := ast.Mapping(node.GetToken(), false, values...)

	var i2 CheckOutput
	if err := dec.DecodeFromNodeContext(ctx, updated, &i2); err != nil {
		return err
	}

	*check = FileCheckOutput{
		Permissions: i.Permissions.Value,
		IsDir:       i.IsDir.Value,
		NotExist:    i.NotExist.Value,
		CheckOutput: i2,

		permissionsSourceMap: i.Permissions.sourceMap,
		isDirSourceMap:       i.IsDir.sourceMap,
		notExistSourceMap:    i.NotExist.sourceMap,
		uidSourceMap:         i.Uid.sourceMap,
		gidSourceMap:         i.Gid.sourceMap,
	}

	// `uid: 0` must stay distinguishable from no uid key at all, so the
	// pointers are only set when the key is present in the mapping.
	if uidSet {
		check.Uid = &i.Uid.Value
	}
	if gidSet {
		check.Gid = &i.Gid.Value
	}

	// a file check that does not set NotExist (explicitly) will not have a
	// source map set
	// In this case the source map should point to the entire file check node
	if check.notExistSourceMap == nil {
		check.notExistSourceMap = newSourceMap(ctx, node)
	}

	return nil
}

func (check *CheckOutput) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	type internal struct {
		Equals     sourceMappedValue[string]   `yaml:"equals,omitempty"`
		Contains   []sourceMappedValue[string] `yaml:"contains,omitempty"`
		Matches    []sourceMappedValue[string] `yaml:"matches,omitempty"`
		StartsWith sourceMappedValue[string]   `yaml:"starts_with,omitempty"`
		EndsWith   sourceMappedValue[string]   `yaml:"ends_with,omitempty"`
		Empty      sourceMappedValue[bool]     `yaml:"empty,omitempty"`
	}

	var i internal
	dec := getDecoder(ctx)
	err := dec.DecodeFromNodeContext(ctx, node, &i)
	if err != nil {
		return err
	}

	*check = CheckOutput{
		Equals:     i.Equals.Value,
		Contains:   make([]string, len(i.Contains)),
		Matches:    make([]string, len(i.Matches)),
		StartsWith: i.StartsWith.Value,
		EndsWith:   i.EndsWith.Value,
		Empty:      i.Empty.Value,

		equalsSourceMap:     i.Equals.sourceMap,
		startsWithSourceMap: i.StartsWith.sourceMap,
		endsWithSourceMap:   i.EndsWith.sourceMap,
		emptySourceMap:      i.Empty.sourceMap,
		containsSourceMaps:  make([]*sourceMap, len(i.Contains)),
		matchesSourceMaps:   make([]*sourceMap, len(i.Matches)),
	}

	for i, v := range i.Contains {
		check.Contains[i] = v.Value
		check.containsSourceMaps[i] = v.sourceMap
	}

	for i, v := range i.Matches {
		check.Matches[i] = v.Value
		check.matchesSourceMaps[i] = v.sourceMap
	}

	return nil
}

// CheckOutputError is used to build an error message for a failed output
// check.
type CheckOutputError struct {
	Kind     string
	Expected string
	Actual   string
	Path     string
}

func (c *CheckOutputError) Error() string {
	return fmt.Sprintf("expected %q %s %q, got %q", c.Path, c.Kind, c.Expected, c.Actual)
}

// IsEmpty is used to determine if there are any checks to perform.
func (c CheckOutput) IsEmpty() bool {
	return c.Equals == "" && len(c.Contains) == 0 && len(c.Matches) == 0 && c.StartsWith == "" && c.EndsWith == "" && !c.Empty
}

var (
	errCheckNameRequired        = errors.New("check name is required")
	errCheckStepCommandRequired = errors.New("check step command is required")
)

func (c *Check) validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errCheckNameRequired)
	}

	for i, step := range c.Steps {
		if step.Command == "" {
			errs = append(errs, errors.Wrapf(errCheckStepCommandRequired, "step index %d", i))
		}
	}

	return goerrors.Join(errs...)
}

func (c *CheckOutput) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	for i, contains := range c.Contains {
		updated, err := expandArgs(lex, contains, args, allowArg)
		if err != nil {
			return fmt.Errorf("%w: contains at list index %d", err, i)
		}
		c.Contains[i] = updated
	}

	updated, err := expandArgs(lex, c.EndsWith, args, allowArg)
	if err != nil {
		return fmt.Errorf("%w: endsWith", err)
	}
	c.EndsWith = updated

	for i, matches := range c.Matches {
		updated, err = expandArgs(lex, matches, args, allowArg)
		if err != nil {
			return fmt.Errorf("%w: matches at list index %d", err, i)
		}
		c.Matches[i] = updated
	}

	updated, err = expandArgs(lex, c.Equals, args, allowArg)
	if err != nil {
		return fmt.Errorf("%w: equals", err)
	}
	c.Equals = updated

	updated, err = expandArgs(lex, c.StartsWith, args, allowArg)
	if err != nil {
		return fmt.Errorf("%w: startsWith", err)
	}
	c.StartsWith = updated
	return nil
}

func (step *CheckStep) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	appendErr := func(err error) {
		errs = append(errs, err)
	}

	for k, v := range step.Env {
		updated, err := expandArgs(lex, v, args, allowArg)
		if err != nil {
			appendErr(errors.Wrapf(err, "env %s=%s", k, v))
			continue
		}
		step.Env[k] = updated
	}

	updated, err := expandArgs(lex, step.Stdin, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "stdin"))
	}
	if updated != step.Stdin {
		step.Stdin = updated
	}

	stdout := step.Stdout
	if err := stdout.processBuildArgs(lex, args, allowArg); err != nil {
		appendErr(errors.Wrap(err, "stdout"))
	}
	step.Stdout = stdout

	stderr := step.Stderr
	if err := stderr.processBuildArgs(lex, args, allowArg); err != nil {
		appendErr(errors.Wrap(err, "stderr"))
	}
	step.Stderr = stderr

	return goerrors.Join(errs...)
}

func (c *Check) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	appendErr := func(err error) {
		errs = append(errs, err)
	}

	for k, v := range c.Env {
		updated, err := expandArgs(lex, v, args, allowArg)
		if err != nil {
			appendErr(errors.Wrapf(err, "%s=%s", k, v))
			continue
		}
		c.Env[k] = updated
	}

	for i, step := range c.Steps {
		if err := step.processBuildArgs(lex, args, allowArg); err != nil {
			appendErr(errors.Wrapf(err, "step index %d", i))
			continue
		}
		c.Steps[i] = step
	}

	for name, f := range c.Files {
		if err := f.processBuildArgs(lex, args, allowArg); err != nil {
			appendErr(fmt.Errorf("error performing shell expansion to check output of file %s: %w", name, err))
		}
		c.Files[name] = f
	}

	return errors.Wrap(goerrors.Join(errs...), c.Name)
}

func (c *FileCheckOutput) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	check := c.CheckOutput
	if err := check.processBuildArgs(lex, args, allowArg); err != nil {
		return err
	}
	c.CheckOutput = check
	return nil
}

// Check is used to check the output stream.
func (c CheckOutput) Check(dt string, p string) (retErr error) {
	if c.Empty {
		if dt != "" {
			return &CheckOutputError{Kind: CheckOutputEmptyKind, Expected: "", Actual: dt, Path: p}
		}

		// Anything else to check on an empty stream would be nonsensical,
		// but run the checks anyway so an invalid CheckOutput fails loudly.
	}

	var errs []error
	if c.Equals != "" && c.Equals != dt {
		errs = append(errs, &CheckOutputError{Kind: CheckOutputEqualsKind, Expected: c.Equals, Actual: dt, Path: p})
	}

	for _, contains := range c.Contains {
		if contains != "" && !strings.Contains(dt, contains) {
			errs = append(errs, &CheckOutputError{Kind: CheckOutputContainsKind, Expected: contains, Actual: dt, Path: p})
		}
	}
	for _, matches := range c.Matches {
		regexp, err := regexp.Compile(matches)
		if err != nil {
			errs = append(errs, &CheckOutputError{Kind: CheckOutputMatchesKind, Expected: matches, Actual: fmt.Sprintf("invalid regexp %q: %v", matches, err), Path: p})
			continue
		}

		if !regexp.Match([]byte(dt)) {
			errs = append(errs, &CheckOutputError{Kind: CheckOutputMatchesKind, Expected: matches, Actual: dt, Path: p})
		}
	}

	if c.StartsWith != "" && !strings.HasPrefix(dt, c.StartsWith) {
		errs = append(errs, &CheckOutputError{Kind: CheckOutputStartsWithKind, Expected: c.StartsWith, Actual: dt, Path: p})
	}

	if c.EndsWith != "" && !strings.HasSuffix(dt, c.EndsWith) {
		errs = append(errs, &CheckOutputError{Kind: CheckOutputEndsWithKind, Expected: c.EndsWith, Actual: dt, Path: p})
	}

	return goerrors.Join(errs...)
}

// Check is used to check the state of a file in the assembled image.
func (c FileCheckOutput) Check(dt string, stat *types.Stat, p string) error {
	var errs []error

	isDir := stat.IsDir()
	if c.IsDir && !isDir {
		errs = append(errs, &CheckOutputError{Kind: CheckFileIsDirKind, Expected: "ModeDir", Actual: "ModeFile", Path: p})
	}

	if !c.IsDir && isDir {
		errs = append(errs, &CheckOutputError{Kind: CheckFileIsDirKind, Expected: "ModeFile", Actual: "ModeDir", Path: p})
	}

	perm := fs.FileMode(stat.Mode).Perm()
	if c.Permissions != 0 && c.Permissions != perm {
		errs = append(errs, &CheckOutputError{Kind: CheckFilePermissionsKind, Expected: c.Permissions.String(), Actual: perm.String(), Path: p})
	}

	if c.Uid != nil && *c.Uid != stat.Uid {
		errs = append(errs, &CheckOutputError{Kind: CheckFileUidKind, Expected: formatID(*c.Uid), Actual: formatID(stat.Uid), Path: p})
	}

	if c.Gid != nil && *c.Gid != stat.Gid {
		errs = append(errs, &CheckOutputError{Kind: CheckFileGidKind, Expected: formatID(*c.Gid), Actual: formatID(stat.Gid), Path: p})
	}

	errs = append(errs, c.CheckOutput.Check(dt, p))
	return goerrors.Join(errs...)
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// GetErrSource returns the most specific source map for the given error kind.
// Falls back to the embedded content checks.
func (c FileCheckOutput) GetErrSource(err *CheckOutputError) *errdefs.Source {
	switch err.Kind {
	case CheckFilePermissionsKind:
		return c.permissionsSourceMap.GetErrdefsSource()
	case CheckFileIsDirKind:
		return c.isDirSourceMap.GetErrdefsSource()
	case CheckFileNotExistsKind:
		return c.notExistSourceMap.GetErrdefsSource()
	case CheckFileUidKind:
		return c.uidSourceMap.GetErrdefsSource()
	case CheckFileGidKind:
		return c.gidSourceMap.GetErrdefsSource()
	default:
		// Delegate to embedded CheckOutput (equals/contains/...)
		return c.CheckOutput.GetErrSource(err)
	}
}

func (c CheckOutput) GetErrSource(err *CheckOutputError) *errdefs.Source {
	switch err.Kind {
	case CheckOutputContainsKind:
		// locate matching contains entry
		for i, v := range c.Contains {
			if v == err.Expected && i < len(c.containsSourceMaps) && c.containsSourceMaps[i] != nil {
				return c.containsSourceMaps[i].GetErrdefsSource()
			}
		}
	case CheckOutputMatchesKind:
		for i, v := range c.Matches {
			if v == err.Expected && i < len(c.matchesSourceMaps) && c.matchesSourceMaps[i] != nil {
				return c.matchesSourceMaps[i].GetErrdefsSource()
			}
		}
	case CheckOutputStartsWithKind:
		return c.startsWithSourceMap.GetErrdefsSource()
	case CheckOutputEndsWithKind:
		return c.endsWithSourceMap.GetErrdefsSource()
	case CheckOutputEmptyKind:
		return c.emptySourceMap.GetErrdefsSource()
	case CheckOutputEqualsKind:
		return c.equalsSourceMap.GetErrdefsSource()
	}

	return nil
}

const (
	CheckFileNotExistsKind    = "not_exist"
	CheckFilePermissionsKind  = "permissions"
	CheckFileIsDirKind        = "is_dir"
	CheckFileUidKind          = "uid"
	CheckFileGidKind          = "gid"
	CheckOutputEmptyKind      = "empty"
	CheckOutputEqualsKind     = "equals"
	CheckOutputContainsKind   = "contains"
	CheckOutputMatchesKind    = "matches"
	CheckOutputStartsWithKind = "starts_with"
	CheckOutputEndsWithKind   = "ends_with"
)
