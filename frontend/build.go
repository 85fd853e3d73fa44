package frontend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/containerd/platforms"
	"github.com/glaze-build/glaze"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// RecipeFromClient reads the recipe submitted with the build request and
// substitutes the build args for the given platform into it.
func RecipeFromClient(ctx context.Context, client *dockerui.Client, platform *ocispecs.Platform) (*glaze.Recipe, error) {
	src, err := client.ReadEntrypoint(ctx, "Recipe")
	if err != nil {
		return nil, fmt.Errorf("could not read recipe file: %w", err)
	}

	r, err := glaze.LoadRecipeFile(src.Filename, bytes.TrimSpace(src.Data))
	if err != nil {
		return nil, fmt.Errorf("error loading recipe: %w", err)
	}

	args := glaze.DuplicateMap(client.BuildArgs)
	if platform == nil {
		p := platforms.DefaultSpec()
		platform = &p
	}

	fillPlatformArgs("TARGET", args, *platform)
	fillPlatformArgs("BUILD", args, client.BuildPlatforms[0])

	if err := r.SubstituteArgs(args); err != nil {
		return nil, errors.Wrap(err, "error resolving build args")
	}
	return r, nil
}

func getOS(platform ocispecs.Platform) string {
	return platform.OS
}

func getArch(platform ocispecs.Platform) string {
	return platform.Architecture
}

func getVariant(platform ocispecs.Platform) string {
	return platform.Variant
}

func getPlatformFormat(platform ocispecs.Platform) string {
	return platforms.Format(platform)
}

var passthroughGetters = map[string]func(ocispecs.Platform) string{
	"OS":       getOS,
	"ARCH":     getArch,
	"VARIANT":  getVariant,
	"PLATFORM": getPlatformFormat,
}

func fillPlatformArgs(prefix string, args map[string]string, platform ocispecs.Platform) {
	for attr, getter := range passthroughGetters {
		args[prefix+attr] = getter(platform)
	}
}

type PlatformBuildFunc func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, r *glaze.Recipe) (gwclient.Reference, *glaze.DockerImageSpec, error)

// BuildWithPlatform is a helper function to build a recipe for each requested
// platform.
// It takes care of looping through each target platform and executing the
// build with the platform args substituted in the recipe.
// This also deals with the docker-style multi-platform output.
func BuildWithPlatform(ctx context.Context, client gwclient.Client, f PlatformBuildFunc) (*gwclient.Result, error) {
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, err
	}

	rb, err := dc.Build(ctx, func(ctx context.Context, platform *ocispecs.Platform, idx int) (gwclient.Reference, *glaze.DockerImageSpec, *glaze.DockerImageSpec, error) {
		r, err := RecipeFromClient(ctx, dc, platform)
		if err != nil {
			return nil, nil, nil, err
		}

		ref, cfg, err := f(ctx, client, platform, r)
		return ref, cfg, nil, err
	})
	if err != nil {
		return nil, err
	}
	return rb.Finalize()
}
