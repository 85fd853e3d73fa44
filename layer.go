package glaze

import (
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerui"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// SourceOpts holds the client-side helpers needed to turn a recipe into llb
// states.
type SourceOpts struct {
	// Resolver resolves image references to their configs.
	Resolver llb.ImageMetaResolver
	// GetContext fetches a named build context.
	GetContext func(string, ...llb.LocalOption) (*llb.State, error)
	// TargetPlatform is the platform the image is being assembled for.
	TargetPlatform *ocispecs.Platform
}

// BaseState returns the state of the pinned base image.
// The reference is used exactly as written in the recipe. Resolution is left
// entirely to the resolver, so a reference that cannot be resolved fails the
// build with the resolver's error.
func (r *Recipe) BaseState(sOpt SourceOpts, opts ...llb.ConstraintsOpt) llb.State {
	return llb.Image(
		r.Base,
		llb.WithMetaResolver(sOpt.Resolver),
		WithConstraints(append(opts, Platform(sOpt.TargetPlatform))...),
	)
}

// manifestContext returns the build context narrowed down to the manifest
// file.
func (r *Recipe) manifestContext(sOpt SourceOpts) (*llb.State, error) {
	buildCtx, err := sOpt.GetContext(dockerui.DefaultLocalNameContext, localIncludeExcludeMerge([]string{r.Python.Requirements}, nil))
	if err != nil {
		return nil, errors.Wrap(err, "error getting build context")
	}
	if buildCtx == nil {
		return nil, errors.Errorf("context %q not found", dockerui.DefaultLocalNameContext)
	}
	return buildCtx, nil
}

// ManifestState returns the base image with the dependency manifest staged at
// its destination path.
//
// The manifest is staged byte for byte. The copy carries no ownership or
// permission rewrites, so the staged file is owned by the account that image
// builds run under rather than the runtime account.
func (r *Recipe) ManifestState(sOpt SourceOpts, opts ...llb.ConstraintsOpt) (llb.State, error) {
	buildCtx, err := r.manifestContext(sOpt)
	if err != nil {
		return llb.Scratch(), err
	}

	st := r.BaseState(sOpt, opts...).File(
		llb.Copy(*buildCtx, r.Python.Requirements, r.Python.Dest, WithCreateDestPath()),
		withConstraints(opts),
	)
	return st, nil
}

// ManifestFileState returns just the staged manifest on an otherwise empty
// filesystem, placed at its destination path. This is the file
// [Recipe.ManifestState] lays onto the base image, byte for byte.
func (r *Recipe) ManifestFileState(sOpt SourceOpts, opts ...llb.ConstraintsOpt) (llb.State, error) {
	buildCtx, err := r.manifestContext(sOpt)
	if err != nil {
		return llb.Scratch(), err
	}

	st := llb.Scratch().File(
		llb.Copy(*buildCtx, r.Python.Requirements, r.Python.Dest, WithCreateDestPath()),
		withConstraints(opts),
	)
	return st, nil
}

// LayerState assembles the dependency layers of the image.
//
// The staged manifest is installed by the build account in a single exec.
// The exec has no cache mounts and the installer's own cache is disabled, so
// assembling the same recipe against the same inputs produces equivalent
// layers. Anything the installer writes stays in the layer with the build
// account's ownership.
//
// Install failures are not retried or rewrapped here. The installer's error
// is what fails the build.
func (r *Recipe) LayerState(sOpt SourceOpts, opts ...llb.ConstraintsOpt) (llb.State, error) {
	staged, err := r.ManifestState(sOpt, opts...)
	if err != nil {
		return llb.Scratch(), err
	}

	st := staged.Run(r.installOpts(), withConstraints(opts)).Root()

	return st, nil
}

// installOpts returns the run options for the install exec: the install
// command, the account it runs as, and the build environment.
func (r *Recipe) installOpts() llb.RunOption {
	return WithRunOptions(
		ShArgs(r.Python.InstallCommand()),
		llb.User(r.Build.User),
		WithEnv(r.Build.Env),
	)
}

// InstallCommand returns the shell command that installs the staged manifest.
func (p *PythonConfig) InstallCommand() string {
	// --no-cache-dir is not configurable. The package cache is always
	// disabled for the install.
	pipCmd := "python -m pip install --no-cache-dir"

	if p.IndexURL != "" {
		pipCmd += " --index-url=" + p.IndexURL
	}
	for _, extraURL := range p.ExtraIndexURLs {
		pipCmd += " --extra-index-url=" + extraURL
	}

	for _, arg := range p.ExtraArgs {
		pipCmd += " " + arg
	}

	pipCmd += " --requirement=" + p.Dest

	return pipCmd
}
