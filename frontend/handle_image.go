package frontend

import (
	"context"

	"github.com/glaze-build/glaze"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

func handleImage(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, buildImage)
}

// buildImage assembles the dependency layers on top of the recipe's base
// image, stamps the runtime metadata onto the image config, and runs the
// recipe's checks against the result before returning it.
func buildImage(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, r *glaze.Recipe) (gwclient.Reference, *glaze.DockerImageSpec, error) {
	sOpt, err := SourceOptFromClient(ctx, client, platform)
	if err != nil {
		return nil, nil, err
	}

	pg := glaze.ProgressGroup("Build image: " + r.Name)
	st, err := r.LayerState(sOpt, pg)
	if err != nil {
		return nil, nil, err
	}

	def, err := st.Marshal(ctx, pg, glaze.Platform(platform))
	if err != nil {
		return nil, nil, errors.Wrap(err, "error marshalling llb")
	}

	res, err := client.Solve(ctx, gwclient.SolveRequest{
		Definition: def.ToPB(),
		// Evaluate so an install failure surfaces here, from the install
		// step, instead of at export time.
		Evaluate: true,
	})
	if err != nil {
		return nil, nil, err
	}

	img, err := imageConfig(ctx, client, r, platform)
	if err != nil {
		return nil, nil, err
	}

	ref, err := res.SingleRef()
	if err != nil {
		return nil, nil, err
	}

	if err := RunChecks(ctx, client, r, ref, platform); err != nil {
		return nil, nil, err
	}

	return ref, img, nil
}

func imageConfig(ctx context.Context, client gwclient.Client, r *glaze.Recipe, platform *ocispecs.Platform) (*glaze.DockerImageSpec, error) {
	var opts []glaze.ConfigOpt
	if platform != nil {
		opts = append(opts, glaze.WithPlatform(*platform))
	}
	return glaze.BuildImageConfig(ctx, client, r, opts...)
}
