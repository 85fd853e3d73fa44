package frontend

import (
	"context"

	"github.com/glaze-build/glaze"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// handleManifest outputs just the staged requirements manifest at its
// destination path. The file is the same one the image target lays onto the
// base image, byte for byte.
func handleManifest(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, r *glaze.Recipe) (gwclient.Reference, *glaze.DockerImageSpec, error) {
		sOpt, err := SourceOptFromClient(ctx, client, platform)
		if err != nil {
			return nil, nil, err
		}

		pg := glaze.ProgressGroup("Manifest: " + r.Name)
		st, err := r.ManifestFileState(sOpt, pg)
		if err != nil {
			return nil, nil, err
		}

		def, err := st.Marshal(ctx, pg, glaze.Platform(platform))
		if err != nil {
			return nil, nil, errors.Wrap(err, "error marshalling llb")
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
