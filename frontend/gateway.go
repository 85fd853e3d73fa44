package frontend

import (
	"context"

	"github.com/glaze-build/glaze"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/util/bklog"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

const requestIDKey = "requestid"

func GetBuildArg(client gwclient.Client, k string) (string, bool) {
	opts := client.BuildOpts().Opts
	if opts != nil {
		if v, ok := opts["build-arg:"+k]; ok {
			return v, true
		}
	}
	return "", false
}

// SourceOptFromClient creates the client side helpers needed to turn a recipe
// into llb states.
func SourceOptFromClient(ctx context.Context, c gwclient.Client, platform *ocispecs.Platform) (glaze.SourceOpts, error) {
	dc, err := dockerui.NewClient(c)
	if err != nil {
		return glaze.SourceOpts{}, err
	}

	return glaze.SourceOpts{
		Resolver:       c,
		TargetPlatform: platform,
		GetContext: func(ref string, opts ...llb.LocalOption) (*llb.State, error) {
			if ref == dockerui.DefaultLocalNameContext {
				return dc.MainContext(ctx, opts...)
			}
			st, _, err := dc.NamedContext(ctx, ref, dockerui.ContextOpt{
				ResolveMode: dc.ImageResolveMode.String(),
				Platform:    platform,
			})
			if err != nil {
				return nil, err
			}
			return st, nil
		},
	}, nil
}

// Warn emits a build warning attached to the head vertex of the given state.
// Errors emitting the warning are logged but do not fail the build.
func Warn(ctx context.Context, client gwclient.Client, st llb.State, msg string) {
	def, err := st.Marshal(ctx)
	if err != nil {
		bklog.G(ctx).WithError(err).Warn("Could not marshal state to emit warning")
		return
	}

	dgst, err := def.Head()
	if err != nil {
		bklog.G(ctx).WithError(err).Warn("Could not get state digest to emit warning")
		return
	}

	if err := client.Warn(ctx, dgst, msg, gwclient.WarnOpts{}); err != nil {
		bklog.G(ctx).WithError(err).Warn("Could not emit build warning")
	}
}
