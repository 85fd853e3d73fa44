package test

import (
	"context"
	"path"
	"strings"
	"testing"

	"github.com/glaze-build/glaze"
	"github.com/goccy/go-yaml"
	gocmp "github.com/google/go-cmp/cmp"
	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

// testBaseImage needs a python with pip on it, which is all the frontend
// requires from a base.
const testBaseImage = "docker.io/library/python:3.12-slim"

// testManifest installs nothing so image builds don't reach out to a package
// index. Byte fidelity of the staged file is asserted separately with
// [fidelityManifest].
const testManifest = "# locked by tooling, do not edit\n# intentionally empty\n"

// fidelityManifest has the kind of content a normalizing copy would destroy:
// mixed line endings, trailing whitespace, unsorted names, and duplicates.
const fidelityManifest = "requests==2.31.0   # pinned  \r\naiohttp>=3.8\nAiohttp>=3.8\n\n\t\n# trailing comment, no newline"

func newTestRecipe(mutators ...func(*glaze.Recipe)) *glaze.Recipe {
	r := &glaze.Recipe{
		Name:        "glaze-test",
		Description: "Integration test image",
		Website:     "https://github.com/glaze-build/glaze",
		Base:        testBaseImage,
		Python: glaze.PythonConfig{
			Requirements: "requirements.txt",
		},
		Runtime: glaze.RuntimeConfig{
			User: "nobody",
		},
	}

	for _, f := range mutators {
		f(r)
	}
	return r
}

// manifestState returns a build context containing just the manifest file.
func manifestState(p string, dt []byte) llb.State {
	st := llb.Scratch()
	if dir := path.Dir(p); dir != "." {
		st = st.File(llb.Mkdir(dir, 0o755, llb.WithParents(true)))
	}
	return st.File(llb.Mkfile(p, 0o644, dt))
}

func TestTargetsList(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		ls := listTargets(ctx, t, gwc, newTestRecipe())

		checkTargetExists(t, ls, "image")
		checkTargetExists(t, ls, "resolve")
		checkTargetExists(t, ls, "manifest")

		for _, tgt := range ls.Targets {
			if tgt.Name == "image" {
				assert.Check(t, tgt.Default, "image should be the default target")
			}
		}

		return gwclient.NewResult(), nil
	})
}

func TestManifestTarget(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		t.Run("staged byte for byte", func(t *testing.T) {
			r := newTestRecipe()
			sr := newSolveRequest(
				withBuildTarget("manifest"),
				withRecipe(ctx, t, r),
				withMainContext(ctx, t, manifestState("requirements.txt", []byte(fidelityManifest))),
			)
			res := solveT(ctx, t, gwc, sr)

			checkFile(ctx, t, "/requirements.txt", res, []byte(fidelityManifest))

			// The copy carries no ownership rewrite, so the file keeps the
			// build-side ownership instead of being handed to the runtime
			// account.
			stat := statFile(ctx, t, "/requirements.txt", res)
			assert.Check(t, cmp.Equal(stat.Uid, uint32(0)))
			assert.Check(t, cmp.Equal(stat.Gid, uint32(0)))
		})

		t.Run("nested source path", func(t *testing.T) {
			r := newTestRecipe(func(r *glaze.Recipe) {
				r.Python.Requirements = "deps/base.txt"
			})
			sr := newSolveRequest(
				withBuildTarget("manifest"),
				withRecipe(ctx, t, r),
				withMainContext(ctx, t, manifestState("deps/base.txt", []byte(testManifest))),
			)
			res := solveT(ctx, t, gwc, sr)

			// Default destination is the basename at the filesystem root.
			checkFile(ctx, t, "/base.txt", res, []byte(testManifest))
		})

		t.Run("custom destination", func(t *testing.T) {
			r := newTestRecipe(func(r *glaze.Recipe) {
				r.Python.Dest = "/opt/app/requirements.txt"
			})
			sr := newSolveRequest(
				withBuildTarget("manifest"),
				withRecipe(ctx, t, r),
				withMainContext(ctx, t, manifestState("requirements.txt", []byte(testManifest))),
			)
			res := solveT(ctx, t, gwc, sr)

			checkFile(ctx, t, "/opt/app/requirements.txt", res, []byte(testManifest))
		})

		t.Run("missing from context", func(t *testing.T) {
			r := newTestRecipe()
			sr := newSolveRequest(
				withBuildTarget("manifest"),
				withRecipe(ctx, t, r),
				withMainContext(ctx, t, llb.Scratch()),
			)

			_, err := gwc.Solve(ctx, sr)
			assert.Check(t, err != nil, "expected solve to fail when the manifest is not in the build context")
		})

		return gwclient.NewResult(), nil
	})
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		r := newTestRecipe(func(r *glaze.Recipe) {
			r.Base = "${BASE_IMAGE}"
			r.Args = map[string]string{
				"BASE_IMAGE":  testBaseImage,
				"INDEX_MODE":  "",
				"PIP_TIMEOUT": "60",
			}
			r.Build.Env = map[string]string{
				"PIP_DEFAULT_TIMEOUT": "${PIP_TIMEOUT}",
				"PIP_INDEX_MODE":      "${INDEX_MODE:-strict}",
			}
		})

		sr := newSolveRequest(
			withBuildTarget("resolve"),
			withRecipe(ctx, t, r),
			withBuildArg("BASE_IMAGE", "docker.io/library/python:3.12-bookworm"),
		)
		res := solveT(ctx, t, gwc, sr)

		dt := readFile(ctx, t, glaze.RecipeFile, res)

		var resolved glaze.Recipe
		err := yaml.Unmarshal(dt, &resolved)
		assert.NilError(t, err)

		assert.Check(t, cmp.Equal(resolved.Base, "docker.io/library/python:3.12-bookworm"))
		// Defaults are filled in before the recipe is echoed back.
		assert.Check(t, cmp.Equal(resolved.Build.User, glaze.DefaultBuildUser))
		assert.Check(t, cmp.Equal(resolved.Python.Dest, "/requirements.txt"))

		wantEnv := map[string]string{
			"PIP_DEFAULT_TIMEOUT": "60",
			"PIP_INDEX_MODE":      "strict",
		}
		if !gocmp.Equal(wantEnv, resolved.Build.Env) {
			t.Fatalf("resolved build env does not match: %v", gocmp.Diff(wantEnv, resolved.Build.Env))
		}

		return gwclient.NewResult(), nil
	})
}

func TestImage(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		r := newTestRecipe(func(r *glaze.Recipe) {
			r.Runtime = glaze.RuntimeConfig{
				User:       "nobody",
				Entrypoint: "python -m app",
				Cmd:        "--help",
				Env:        []string{"APP_MODE=production", "LANG=C.UTF-8"},
				WorkingDir: "/srv/app",
				Labels: map[string]string{
					"com.example.owner": "platform-team",
				},
				Volumes: map[string]struct{}{
					"/srv/app/data": {},
				},
				StopSignal: "SIGINT",
			}
		})

		// No explicit target, the image target is the default.
		sr := newSolveRequest(
			withRecipe(ctx, t, r),
			withMainContext(ctx, t, manifestState("requirements.txt", []byte(testManifest))),
		)
		res := solveT(ctx, t, gwc, sr)
		img := readImageConfig(t, res)

		t.Run("runtime config", func(t *testing.T) {
			cfg := img.Config
			assert.Check(t, cmp.Equal(cfg.User, "nobody"))
			assert.Check(t, cmp.DeepEqual(cfg.Entrypoint, []string{"python", "-m", "app"}))
			assert.Check(t, cmp.DeepEqual(cfg.Cmd, []string{"--help"}))
			assert.Check(t, cmp.Equal(cfg.WorkingDir, "/srv/app"))
			assert.Check(t, cmp.Equal(cfg.Labels["com.example.owner"], "platform-team"))
			assert.Check(t, cmp.Equal(cfg.StopSignal, "SIGINT"))

			_, ok := cfg.Volumes["/srv/app/data"]
			assert.Check(t, ok, "expected volume to be set")
		})

		t.Run("env merged with base", func(t *testing.T) {
			var havePath, haveMode bool
			var langs []string
			for _, env := range img.Config.Env {
				k, _, _ := strings.Cut(env, "=")
				switch k {
				case "PATH":
					havePath = true
				case "APP_MODE":
					haveMode = true
				case "LANG":
					langs = append(langs, env)
				}
			}

			assert.Check(t, havePath, "base image env should be preserved: %v", img.Config.Env)
			assert.Check(t, haveMode, "recipe env should be added: %v", img.Config.Env)
			// The recipe's LANG replaces the base's rather than being
			// appended next to it.
			assert.Check(t, cmp.DeepEqual(langs, []string{"LANG=C.UTF-8"}))
		})

		t.Run("manifest ownership is preserved", func(t *testing.T) {
			checkFile(ctx, t, "/requirements.txt", res, []byte(testManifest))

			stat := statFile(ctx, t, "/requirements.txt", res)
			assert.Check(t, cmp.Equal(stat.Uid, uint32(0)))
			assert.Check(t, cmp.Equal(stat.Gid, uint32(0)))
		})

		return gwclient.NewResult(), nil
	})
}

func TestImageEntrypointResetsCmd(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		r := newTestRecipe(func(r *glaze.Recipe) {
			r.Runtime.Entrypoint = "python -m app"
		})

		sr := newSolveRequest(
			withBuildTarget("image"),
			withRecipe(ctx, t, r),
			withMainContext(ctx, t, manifestState("requirements.txt", []byte(testManifest))),
		)
		res := solveT(ctx, t, gwc, sr)
		img := readImageConfig(t, res)

		// Setting the entrypoint drops the base image's cmd, same as a
		// Dockerfile ENTRYPOINT would.
		assert.Check(t, cmp.DeepEqual(img.Config.Entrypoint, []string{"python", "-m", "app"}))
		assert.Check(t, cmp.Len(img.Config.Cmd, 0))

		return gwclient.NewResult(), nil
	})
}

func TestImagePlatform(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		platform := ocispecs.Platform{OS: "linux", Architecture: "amd64"}

		sr := newSolveRequest(
			withBuildTarget("image"),
			withRecipe(ctx, t, newTestRecipe()),
			withMainContext(ctx, t, manifestState("requirements.txt", []byte(testManifest))),
			withPlatform(platform),
		)
		res := solveT(ctx, t, gwc, sr)
		img := readImageConfig(t, res)

		assert.Check(t, cmp.Equal(img.OS, "linux"))
		assert.Check(t, cmp.Equal(img.Architecture, "amd64"))

		return gwclient.NewResult(), nil
	})
}

func TestImageBaseNotResolvable(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		r := newTestRecipe(func(r *glaze.Recipe) {
			// RFC 2606 reserves .invalid, the lookup can never succeed.
			r.Base = "registry.invalid/glaze/does-not-exist:latest"
		})

		sr := newSolveRequest(
			withBuildTarget("image"),
			withRecipe(ctx, t, r),
			withMainContext(ctx, t, manifestState("requirements.txt", []byte(testManifest))),
		)

		// There is no fallback for an unresolvable base, the build stops
		// with the resolver's error.
		_, err := gwc.Solve(ctx, sr)
		assert.Check(t, err != nil, "expected solve to fail for an unresolvable base image")

		return gwclient.NewResult(), nil
	})
}

func TestImageMissingManifest(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		sr := newSolveRequest(
			withBuildTarget("image"),
			withRecipe(ctx, t, newTestRecipe()),
			withMainContext(ctx, t, llb.Scratch()),
		)

		_, err := gwc.Solve(ctx, sr)
		assert.Check(t, err != nil, "expected solve to fail when the manifest is not in the build context")
		if err != nil {
			assert.Check(t, cmp.Contains(err.Error(), "requirements.txt"))
		}

		return gwclient.NewResult(), nil
	})
}

func TestImageInstallFailure(t *testing.T) {
	t.Parallel()

	ctx := startTestSpan(baseCtx, t)
	testEnv.RunTest(ctx, t, func(ctx context.Context, gwc gwclient.Client) (*gwclient.Result, error) {
		// No index can serve this name, so the installer exits nonzero.
		manifest := "glaze-test-package-that-cannot-exist==99.99.99\n"

		sr := newSolveRequest(
			withBuildTarget("image"),
			withRecipe(ctx, t, newTestRecipe()),
			withMainContext(ctx, t, manifestState("requirements.txt", []byte(manifest))),
		)

		_, err := gwc.Solve(ctx, sr)
		assert.Check(t, err != nil, "expected solve to fail when the install exits nonzero")
		if err != nil {
			assert.Check(t, cmp.Contains(err.Error(), "pip install"))
		}

		return gwclient.NewResult(), nil
	})
}
