package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"testing"

	"github.com/containerd/platforms"
	"github.com/glaze-build/glaze"
	"github.com/goccy/go-yaml"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/exporter/containerimage/exptypes"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/frontend/subrequests/targets"
	"github.com/moby/buildkit/solver/pb"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/tonistiigi/fsutil/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

func startTestSpan(ctx context.Context, t *testing.T) context.Context {
	ctx, span := otel.Tracer("").Start(ctx, t.Name())
	t.Cleanup(func() {
		if t.Failed() {
			span.SetStatus(codes.Error, "test failed")
		}
		span.End()
	})
	return ctx
}

// recipeToSolveRequest injects the recipe as the build context into the solve
// request.
func recipeToSolveRequest(ctx context.Context, t *testing.T, r *glaze.Recipe, sr *gwclient.SolveRequest) {
	t.Helper()

	dt, err := yaml.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}

	def, err := llb.Scratch().File(llb.Mkfile(glaze.RecipeFile, 0o644, dt)).Marshal(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if sr.FrontendInputs == nil {
		sr.FrontendInputs = make(map[string]*pb.Definition)
	}
	if sr.FrontendOpt == nil {
		sr.FrontendOpt = make(map[string]string)
	}

	sr.FrontendInputs[dockerui.DefaultLocalNameContext] = def.ToPB()
	sr.FrontendInputs[dockerui.DefaultLocalNameDockerfile] = def.ToPB()
	sr.FrontendOpt["filename"] = glaze.RecipeFile
}

func readFile(ctx context.Context, t *testing.T, name string, res *gwclient.Result) []byte {
	t.Helper()

	ref, err := res.SingleRef()
	if err != nil {
		t.Fatal(err)
	}

	dt, err := ref.ReadFile(ctx, gwclient.ReadRequest{
		Filename: name,
	})
	if err != nil {
		stat, _ := ref.ReadDir(ctx, gwclient.ReadDirRequest{
			Path: filepath.Dir(name),
		})
		t.Fatalf("error reading file %q: %v, dir contents: \n%s", name, err, dirStatAsStringer(stat))
	}

	return dt
}

func statFile(ctx context.Context, t *testing.T, name string, res *gwclient.Result) *types.Stat {
	t.Helper()

	ref, err := res.SingleRef()
	if err != nil {
		t.Fatal(err)
	}

	stat, err := ref.StatFile(ctx, gwclient.StatRequest{
		Path: name,
	})
	if err != nil {
		t.Fatalf("expected %q to exist in the result: %v", name, err)
	}
	return stat
}

func checkFile(ctx context.Context, t *testing.T, name string, res *gwclient.Result, expect []byte) {
	t.Helper()

	dt := readFile(ctx, t, name, res)
	if !bytes.Equal(dt, expect) {
		t.Fatalf("expected %q, got %q", string(expect), string(dt))
	}
}

// readImageConfig decodes the image config attached to the solve result.
func readImageConfig(t *testing.T, res *gwclient.Result) *glaze.DockerImageSpec {
	t.Helper()

	dt, ok := res.Metadata[exptypes.ExporterImageConfigKey]
	if !ok {
		t.Fatal("missing image config in result metadata")
	}

	var img glaze.DockerImageSpec
	if err := json.Unmarshal(dt, &img); err != nil {
		t.Fatalf("could not unmarshal image config: %v", err)
	}
	return &img
}

func listTargets(ctx context.Context, t *testing.T, gwc gwclient.Client, r *glaze.Recipe) targets.List {
	t.Helper()

	sr := newSolveRequest(withListTargetsOnly, withRecipe(ctx, t, r))
	res := solveT(ctx, t, gwc, sr)

	dt, ok := res.Metadata["result.json"]
	if !ok {
		t.Fatal("missing result.json from list targets")
	}

	var ls targets.List
	if err := json.Unmarshal(dt, &ls); err != nil {
		t.Fatalf("could not unmarshal list targets result: %v", err)
	}
	return ls
}

func containsTarget(ls targets.List, name string) bool {
	return slices.ContainsFunc(ls.Targets, func(tgt targets.Target) bool {
		return tgt.Name == name
	})
}

func checkTargetExists(t *testing.T, ls targets.List, name string) {
	t.Helper()

	if !containsTarget(ls, name) {
		names := make([]string, 0, len(ls.Targets))
		for _, tgt := range ls.Targets {
			names = append(names, tgt.Name)
		}

		t.Fatalf("did not find target %q:\n%v", name, names)
	}
}

type dirStatAsStringer []*types.Stat

func (d dirStatAsStringer) String() string {
	var buf bytes.Buffer
	buf.WriteString("\n")
	for _, s := range d {
		fmt.Fprintf(&buf, "%s %s %d %d\n", s.GetPath(), fs.FileMode(s.Mode), s.Uid, s.Gid)
	}
	return buf.String()
}

// srOpt is used by [newSolveRequest] to apply changes to a [gwclient.SolveRequest].
type srOpt func(*gwclient.SolveRequest)

func newSolveRequest(opts ...srOpt) gwclient.SolveRequest {
	sr := gwclient.SolveRequest{Evaluate: true}
	for _, opt := range opts {
		opt(&sr)
	}
	return sr
}

func withPlatform(platform ocispecs.Platform) srOpt {
	return func(sr *gwclient.SolveRequest) {
		if sr.FrontendOpt == nil {
			sr.FrontendOpt = make(map[string]string)
		}
		sr.FrontendOpt["platform"] = platforms.Format(platform)
	}
}

func withBuildArg(k, v string) srOpt {
	return func(sr *gwclient.SolveRequest) {
		if sr.FrontendOpt == nil {
			sr.FrontendOpt = make(map[string]string)
		}
		sr.FrontendOpt["build-arg:"+k] = v
	}
}

func withRecipe(ctx context.Context, t *testing.T, r *glaze.Recipe) srOpt {
	return func(sr *gwclient.SolveRequest) {
		recipeToSolveRequest(ctx, t, r, sr)
	}
}

func withBuildTarget(target string) srOpt {
	return func(sr *gwclient.SolveRequest) {
		if sr.FrontendOpt == nil {
			sr.FrontendOpt = make(map[string]string)
		}
		sr.FrontendOpt["target"] = target
	}
}

func withSubrequest(id string) srOpt {
	return func(sr *gwclient.SolveRequest) {
		if sr.FrontendOpt == nil {
			sr.FrontendOpt = make(map[string]string)
		}
		sr.FrontendOpt["requestid"] = id
	}
}

// withListTargetsOnly sets up the request so that we do a subrequest to just list targets
// None of the targets will be run with this set.
func withListTargetsOnly(sr *gwclient.SolveRequest) {
	withSubrequest(targets.RequestTargets)(sr)
}

// withMainContext replaces the main build context of the request with the
// given state.
func withMainContext(ctx context.Context, t *testing.T, st llb.State) srOpt {
	return func(sr *gwclient.SolveRequest) {
		if sr.FrontendInputs == nil {
			sr.FrontendInputs = make(map[string]*pb.Definition)
		}

		def, err := st.Marshal(ctx)
		if err != nil {
			t.Fatal(err)
		}

		sr.FrontendInputs[dockerui.DefaultLocalNameContext] = def.ToPB()
	}
}

func solveT(ctx context.Context, t *testing.T, gwc gwclient.Client, req gwclient.SolveRequest) *gwclient.Result {
	t.Helper()
	res, err := gwc.Solve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}
