package frontend

import (
	"context"
	"fmt"

	"github.com/glaze-build/glaze"
	yaml "github.com/goccy/go-yaml"
	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// handleResolve generates a resolved recipe file with all the build args and
// variables expanded.
func handleResolve(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, r *glaze.Recipe) (gwclient.Reference, *glaze.DockerImageSpec, error) {
		dt, err := yaml.Marshal(r)
		if err != nil {
			return nil, nil, fmt.Errorf("error marshalling recipe: %w", err)
		}

		st := llb.Scratch().File(llb.Mkfile(glaze.RecipeFile, 0o640, dt), llb.WithCustomName("Generate resolved recipe file - "+glaze.RecipeFile))
		def, err := st.Marshal(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("error marshalling llb: %w", err)
		}

		res, err := client.Solve(ctx, gwclient.SolveRequest{
			Definition: def.ToPB(),
		})
		if err != nil {
			return nil, nil, err
		}

		ref, err := res.SingleRef()
		// Do not return a nil image, it may cause a panic
		return ref, &glaze.DockerImageSpec{}, err
	})
}
