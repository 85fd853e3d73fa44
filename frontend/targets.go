package frontend

import (
	"context"

	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	bktargets "github.com/moby/buildkit/frontend/subrequests/targets"
)

const (
	targetImage    = "image"
	targetResolve  = "resolve"
	targetManifest = "manifest"
)

// Build is the gateway entrypoint for the glaze frontend.
// It routes the requested build target to the matching handler.
func Build(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	var mux BuildMux

	mux.Add(targetImage, handleImage, &bktargets.Target{
		Name:        targetImage,
		Description: "Builds the customized container image with the python requirements installed.",
		Default:     true,
	})

	mux.Add(targetResolve, handleResolve, &bktargets.Target{
		Name:        targetResolve,
		Description: "Outputs the resolved recipe with build args applied. This is primarily intended for debugging purposes.",
	})

	mux.Add(targetManifest, handleManifest, &bktargets.Target{
		Name:        targetManifest,
		Description: "Outputs the requirements manifest exactly as it will be staged into the image.",
	})

	return mux.Handle(ctx, client)
}
