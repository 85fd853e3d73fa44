//go:generate go run ./cmd/gen-jsonschema docs/recipe.schema.json
package glaze

import (
	"regexp"
)

// Recipe describes how a python application image is assembled.
//
// A recipe pins a base image, stages the python dependency manifest into the
// image, installs the manifest with the build account, and then stamps the
// runtime account and the rest of the runtime metadata onto the result.
type Recipe struct {
	// Name is the name of the image being assembled.
	Name string `yaml:"name" json:"name" jsonschema:"required"`
	// Description is a short description of the image.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Website is the URL to store in the metadata of the image.
	Website string `yaml:"website,omitempty" json:"website,omitempty"`

	// Base is the image reference the dependency layers are stacked onto.
	// The reference is handed to the image resolver exactly as written here,
	// after build args are substituted. It is never parsed or checked on the
	// client side, so registry and resolver errors surface as-is.
	Base string `yaml:"base" json:"base" jsonschema:"required"`

	// Build configures the account used while the image filesystem is being
	// mutated.
	Build BuildConfig `yaml:"build,omitempty" json:"build,omitempty"`

	// Python configures the dependency manifest and how it is installed.
	Python PythonConfig `yaml:"python" json:"python" jsonschema:"required"`

	// Runtime configures the metadata stamped onto the assembled image.
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime" jsonschema:"required"`

	// Args is the list of build args the recipe accepts, mapped to their
	// default values. Only declared args can be substituted into the recipe.
	Args map[string]string `yaml:"args,omitempty" json:"args,omitempty"`

	// Checks are run against the assembled image before it is exported.
	Checks []*Check `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// BuildConfig configures the account that owns the filesystem mutations.
type BuildConfig struct {
	// User is the account the install step runs as. This needs to be an
	// account with enough privileges to write the manifest destination and
	// the interpreter's site-packages. Defaults to [DefaultBuildUser].
	User string `yaml:"user,omitempty" json:"user,omitempty"`
	// Env is the set of extra environment variables visible to the install
	// step.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// DefaultBuildUser is the account the install step runs as when the recipe
// does not specify one.
const DefaultBuildUser = "root"

// PythonConfig configures the python dependency manifest.
type PythonConfig struct {
	// Requirements is the path of the dependency manifest, relative to the
	// build context. The file is staged into the image byte for byte before
	// the install step runs.
	Requirements string `yaml:"requirements" json:"requirements" jsonschema:"required"`
	// Dest is the absolute path the manifest is staged at inside the image.
	// Defaults to the basename of Requirements placed at the filesystem root.
	Dest string `yaml:"dest,omitempty" json:"dest,omitempty"`

	// IndexURL replaces the default package index used by the installer.
	IndexURL string `yaml:"index_url,omitempty" json:"index_url,omitempty"`
	// ExtraIndexURLs are additional package indexes the installer may pull
	// from.
	ExtraIndexURLs []string `yaml:"extra_index_urls,omitempty" json:"extra_index_urls,omitempty"`
	// ExtraArgs are appended to the install command verbatim.
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// RuntimeConfig is the metadata stamped onto the assembled image.
type RuntimeConfig struct {
	// User is the account the image runs as once assembly is finished.
	// This only changes the image metadata. Files written while the build
	// account was active keep the ownership they were created with.
	User string `yaml:"user" json:"user" jsonschema:"required"`

	// Entrypoint sets the image entrypoint.
	Entrypoint string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	// Cmd sets the default arguments for the entrypoint.
	Cmd string `yaml:"cmd,omitempty" json:"cmd,omitempty"`
	// Env is the list of environment variables to set in the image, in
	// KEY=VALUE form.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`
	// WorkingDir sets the working directory of the image.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	// Labels are the labels to apply to the image.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	// Volumes marks paths in the image as externally mounted.
	Volumes map[string]struct{} `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	// StopSignal sets the signal that will be used to stop the container.
	StopSignal string `yaml:"stop_signal,omitempty" json:"stop_signal,omitempty"`
}

// nameFormat is the format image names must follow.
var nameFormat = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
