package glaze

import (
	"context"
	goerrors "errors"
	"fmt"
	"path"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/moby/buildkit/frontend/dockerfile/shell"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// RecipeFile is the canonical name of a recipe file.
const RecipeFile = "glaze.yml"

// recipeLanguage is the language recorded in source maps for recipe data.
const recipeLanguage = "YAML"

func knownArg(key string) bool {
	switch key {
	case "BUILDKIT_SYNTAX":
		return true
	case "GLAZE_SKIP_CHECKS":
		return true
	case "SOURCE_DATE_EPOCH":
		return true
	}

	return platformArg(key)
}

func platformArg(key string) bool {
	switch key {
	case "TARGETOS", "TARGETARCH", "TARGETPLATFORM", "TARGETVARIANT",
		"BUILDOS", "BUILDARCH", "BUILDPLATFORM", "BUILDVARIANT":
		return true
	default:
		return false
	}
}

type envGetterMap map[string]string

func (m envGetterMap) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m envGetterMap) Keys() []string {
	return maps.Keys(m)
}

func expandArgs(lex *shell.Lex, s string, args map[string]string, allowArg func(key string) bool) (string, error) {
	result, err := lex.ProcessWordWithMatches(s, envGetterMap(args))
	if err != nil {
		return "", err
	}

	var errs []error
	for m := range result.Unmatched {
		if !knownArg(m) && !allowArg(m) {
			errs = append(errs, fmt.Errorf(`build arg "%s" not declared`, m))
			continue
		}

		if platformArg(m) {
			errs = append(errs, fmt.Errorf(`opt-in arg "%s" not present in args`, m))
		}
	}

	return result.Result, errors.Wrap(goerrors.Join(errs...), "error performing variable expansion")
}

var errUnknownArg = errors.New("unknown arg")

type SubstituteConfig struct {
	AllowArg func(string) bool
}

type SubstituteOpt func(*SubstituteConfig)

// AllowAnyArg can be used to set [SubstituteConfig.AllowArg] to allow any arg
// to be substituted regardless of whether it is declared in the recipe.
func AllowAnyArg(s string) bool {
	return true
}

// WithAllowAnyArg is a [SubstituteOpt] that sets [SubstituteConfig.AllowArg]
// to [AllowAnyArg].
func WithAllowAnyArg(cfg *SubstituteConfig) {
	cfg.AllowArg = AllowAnyArg
}

// DisallowAllUndeclared can be used to set [SubstituteConfig.AllowArg] to
// disallow args unless they are declared in the recipe.
// This is used by default when substituting args.
func DisallowAllUndeclared(s string) bool {
	return false
}

// SubstituteArgs substitutes build args into the recipe.
// Undeclared args passed in env are an error unless they are well known args
// or allowed by a [SubstituteOpt].
func (r *Recipe) SubstituteArgs(env map[string]string, opts ...SubstituteOpt) error {
	var cfg SubstituteConfig

	cfg.AllowArg = DisallowAllUndeclared

	for _, o := range opts {
		o(&cfg)
	}

	lex := shell.NewLex('\\')
	// force the shell lexer to skip unresolved env vars so they aren't
	// replaced with ""
	lex.SkipUnsetEnv = true

	var errs []error
	appendErr := func(err error) {
		errs = append(errs, err)
	}

	args := make(map[string]string)
	for k, v := range r.Args {
		args[k] = v
	}
	for k, v := range env {
		if _, ok := args[k]; !ok {
			if !knownArg(k) && !cfg.AllowArg(k) {
				appendErr(fmt.Errorf("%w: %q", errUnknownArg, k))
			}

			// if the build arg isn't present in args by opt-in, skip
			// and don't automatically inject a value
			continue
		}

		args[k] = v
	}

	updated, err := expandArgs(lex, r.Base, args, cfg.AllowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "base"))
	}
	r.Base = updated

	if err := r.Build.processBuildArgs(lex, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "build"))
	}

	if err := r.Python.processBuildArgs(lex, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "python"))
	}

	if err := r.Runtime.processBuildArgs(lex, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "runtime"))
	}

	for _, c := range r.Checks {
		if err := c.processBuildArgs(lex, args, cfg.AllowArg); err != nil {
			appendErr(err)
		}
	}

	return goerrors.Join(errs...)
}

// LoadRecipe loads a recipe from the given data.
func LoadRecipe(dt []byte) (*Recipe, error) {
	return LoadRecipeFile(RecipeFile, dt)
}

// LoadRecipeFile is like [LoadRecipe] except the provided filename is
// recorded as the origin of the data when reporting errors.
func LoadRecipeFile(filename string, dt []byte) (*Recipe, error) {
	var r Recipe

	dt, err := stripXFields(dt)
	if err != nil {
		return nil, fmt.Errorf("error stripping x-fields: %w", err)
	}

	ctx := withSourceMapContext(context.Background(), sourceMapContext{
		fileName: filename,
		data:     dt,
		language: recipeLanguage,
	})

	if err := yaml.UnmarshalContext(ctx, dt, &r, decodeOpts(ctx)...); err != nil {
		return nil, fmt.Errorf("error unmarshalling recipe: %w", err)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.FillDefaults()

	return &r, nil
}

func stripXFields(dt []byte) ([]byte, error) {
	var obj map[string]interface{}
	if err := yaml.Unmarshal(dt, &obj); err != nil {
		return nil, fmt.Errorf("error unmarshalling recipe: %w", err)
	}

	for k := range obj {
		if strings.HasPrefix(k, "x-") || strings.HasPrefix(k, "X-") {
			delete(obj, k)
		}
	}

	return yaml.Marshal(obj)
}

func (b *BuildConfig) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error

	updated, err := expandArgs(lex, b.User, args, allowArg)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "user"))
	}
	b.User = updated

	for k, v := range b.Env {
		updated, err := expandArgs(lex, v, args, allowArg)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "env %s=%s", k, v))
			continue
		}
		b.Env[k] = updated
	}

	return goerrors.Join(errs...)
}

func (p *PythonConfig) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	appendErr := func(err error) {
		errs = append(errs, err)
	}

	updated, err := expandArgs(lex, p.Requirements, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "requirements"))
	}
	p.Requirements = updated

	updated, err = expandArgs(lex, p.Dest, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "dest"))
	}
	p.Dest = updated

	updated, err = expandArgs(lex, p.IndexURL, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "index_url"))
	}
	p.IndexURL = updated

	for i, u := range p.ExtraIndexURLs {
		updated, err := expandArgs(lex, u, args, allowArg)
		if err != nil {
			appendErr(errors.Wrapf(err, "extra_index_urls at list index %d", i))
			continue
		}
		p.ExtraIndexURLs[i] = updated
	}

	for i, a := range p.ExtraArgs {
		updated, err := expandArgs(lex, a, args, allowArg)
		if err != nil {
			appendErr(errors.Wrapf(err, "extra_args at list index %d", i))
			continue
		}
		p.ExtraArgs[i] = updated
	}

	return goerrors.Join(errs...)
}

func (c *RuntimeConfig) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	appendErr := func(err error) {
		errs = append(errs, err)
	}

	updated, err := expandArgs(lex, c.User, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "user"))
	}
	c.User = updated

	updated, err = expandArgs(lex, c.Entrypoint, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "entrypoint"))
	}
	c.Entrypoint = updated

	updated, err = expandArgs(lex, c.Cmd, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "cmd"))
	}
	c.Cmd = updated

	for i, v := range c.Env {
		updated, err := expandArgs(lex, v, args, allowArg)
		if err != nil {
			appendErr(errors.Wrapf(err, "env at list index %d", i))
			continue
		}
		c.Env[i] = updated
	}

	updated, err = expandArgs(lex, c.WorkingDir, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "working_dir"))
	}
	c.WorkingDir = updated

	for k, v := range c.Labels {
		updated, err := expandArgs(lex, v, args, allowArg)
		if err != nil {
			appendErr(errors.Wrapf(err, "label %s=%s", k, v))
			continue
		}
		c.Labels[k] = updated
	}

	updated, err = expandArgs(lex, c.StopSignal, args, allowArg)
	if err != nil {
		appendErr(errors.Wrap(err, "stop_signal"))
	}
	c.StopSignal = updated

	return goerrors.Join(errs...)
}

var (
	errNameRequired         = errors.New("name is required")
	errNameInvalid          = errors.New("name must start with a lowercase letter and contain only lowercase letters, digits, and dashes")
	errBaseRequired         = errors.New("base image reference is required")
	errRequirementsRequired = errors.New("requirements path is required")
	errRequirementsAbsolute = errors.New("requirements path must be relative to the build context")
	errRequirementsEscapes  = errors.New("requirements path must not escape the build context")
	errDestNotAbsolute      = errors.New("dest must be an absolute path")
	errRuntimeUserRequired  = errors.New("runtime user is required")
)

func (r Recipe) Validate() error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, errNameRequired)
	} else if !nameFormat.MatchString(r.Name) {
		errs = append(errs, errors.Wrapf(errNameInvalid, "name %q", r.Name))
	}

	// The base reference is never parsed or resolved here. Anything
	// non-empty is passed along to the resolver as written.
	if r.Base == "" {
		errs = append(errs, errBaseRequired)
	}

	if err := r.Python.validate(); err != nil {
		errs = append(errs, errors.Wrap(err, "python"))
	}

	if err := r.Runtime.validate(); err != nil {
		errs = append(errs, errors.Wrap(err, "runtime"))
	}

	for _, c := range r.Checks {
		if err := c.validate(); err != nil {
			errs = append(errs, errors.Wrap(err, c.Name))
		}
	}

	return goerrors.Join(errs...)
}

func (p PythonConfig) validate() error {
	var errs []error

	if p.Requirements == "" {
		errs = append(errs, errRequirementsRequired)
	} else {
		if path.IsAbs(p.Requirements) {
			errs = append(errs, errors.Wrapf(errRequirementsAbsolute, "path %q", p.Requirements))
		}
		if cleaned := path.Clean(p.Requirements); cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			errs = append(errs, errors.Wrapf(errRequirementsEscapes, "path %q", p.Requirements))
		}
	}

	if p.Dest != "" && !path.IsAbs(p.Dest) {
		errs = append(errs, errors.Wrapf(errDestNotAbsolute, "path %q", p.Dest))
	}

	return goerrors.Join(errs...)
}

func (c RuntimeConfig) validate() error {
	if c.User == "" {
		return errRuntimeUserRequired
	}
	return nil
}

// FillDefaults fills the recipe with default values where none were set.
func (r *Recipe) FillDefaults() {
	if r.Build.User == "" {
		r.Build.User = DefaultBuildUser
	}

	if r.Python.Dest == "" {
		r.Python.Dest = "/" + path.Base(r.Python.Requirements)
	}
}
