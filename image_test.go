package glaze

import (
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestMergeRuntimeConfig(t *testing.T) {
	t.Run("nil source is a no-op", func(t *testing.T) {
		dst := &DockerImageConfig{}
		dst.User = "root"

		assert.NilError(t, MergeRuntimeConfig(dst, nil))
		assert.Check(t, cmp.Equal(dst.User, "root"))
	})

	t.Run("entrypoint is split and resets cmd", func(t *testing.T) {
		dst := &DockerImageConfig{}
		dst.Entrypoint = []string{"/docker-entrypoint.sh"}
		dst.Cmd = []string{"python3"}

		src := &RuntimeConfig{
			User:       "app",
			Entrypoint: "python -m app serve",
		}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.DeepEqual(dst.Entrypoint, []string{"python", "-m", "app", "serve"}))
		// cmd from the base image may not make sense with the new entrypoint
		assert.Check(t, cmp.Len(dst.Cmd, 0))
	})

	t.Run("cmd alone keeps the base entrypoint", func(t *testing.T) {
		dst := &DockerImageConfig{}
		dst.Entrypoint = []string{"/docker-entrypoint.sh"}

		src := &RuntimeConfig{
			User: "app",
			Cmd:  "trade --config /config.json",
		}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.DeepEqual(dst.Entrypoint, []string{"/docker-entrypoint.sh"}))
		assert.Check(t, cmp.DeepEqual(dst.Cmd, []string{"trade", "--config", "/config.json"}))
	})

	t.Run("unbalanced quoting in entrypoint is an error", func(t *testing.T) {
		dst := &DockerImageConfig{}
		src := &RuntimeConfig{
			User:       "app",
			Entrypoint: `python -c "print(`,
		}

		err := MergeRuntimeConfig(dst, src)
		assert.ErrorContains(t, err, "error splitting entrypoint")
	})

	t.Run("unbalanced quoting in cmd is an error", func(t *testing.T) {
		dst := &DockerImageConfig{}
		src := &RuntimeConfig{
			User: "app",
			Cmd:  `"unterminated`,
		}

		err := MergeRuntimeConfig(dst, src)
		assert.ErrorContains(t, err, "error splitting cmd")
	})

	t.Run("unset fields keep base values", func(t *testing.T) {
		dst := &DockerImageConfig{}
		dst.WorkingDir = "/srv"
		dst.StopSignal = "SIGQUIT"
		dst.Labels = map[string]string{"com.example.base": "true"}

		src := &RuntimeConfig{User: "app"}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.Equal(dst.WorkingDir, "/srv"))
		assert.Check(t, cmp.Equal(dst.StopSignal, "SIGQUIT"))
		assert.Check(t, cmp.Equal(dst.Labels["com.example.base"], "true"))
	})

	t.Run("labels and volumes merge into nil maps", func(t *testing.T) {
		dst := &DockerImageConfig{}

		src := &RuntimeConfig{
			User:    "app",
			Labels:  map[string]string{"com.example.owner": "trading"},
			Volumes: map[string]struct{}{"/data": {}},
		}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.Equal(dst.Labels["com.example.owner"], "trading"))
		_, ok := dst.Volumes["/data"]
		assert.Check(t, ok)
	})

	t.Run("labels override base labels with the same key", func(t *testing.T) {
		dst := &DockerImageConfig{}
		dst.Labels = map[string]string{"com.example.channel": "stable", "com.example.base": "true"}

		src := &RuntimeConfig{
			User:   "app",
			Labels: map[string]string{"com.example.channel": "nightly"},
		}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.Equal(dst.Labels["com.example.channel"], "nightly"))
		assert.Check(t, cmp.Equal(dst.Labels["com.example.base"], "true"))
	})

	t.Run("working dir and stop signal are replaced", func(t *testing.T) {
		dst := &DockerImageConfig{}
		dst.WorkingDir = "/"
		dst.StopSignal = "SIGKILL"

		src := &RuntimeConfig{
			User:       "app",
			WorkingDir: "/srv/app",
			StopSignal: "SIGINT",
		}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.Equal(dst.WorkingDir, "/srv/app"))
		assert.Check(t, cmp.Equal(dst.StopSignal, "SIGINT"))
	})

	t.Run("runtime user replaces the account the build ran as", func(t *testing.T) {
		// Base images for build recipes typically run as root, and the
		// install step runs as the build account. The merged config must
		// come out with the runtime account no matter what was there.
		dst := &DockerImageConfig{}
		dst.User = "root"

		src := &RuntimeConfig{
			User:       "appuser",
			Entrypoint: "python -m app",
			Env:        []string{"PATH=/home/appuser/.local/bin:/usr/bin"},
			WorkingDir: "/srv/app",
		}

		err := MergeRuntimeConfig(dst, src)
		assert.NilError(t, err)

		assert.Check(t, cmp.Equal(dst.User, "appuser"))
	})
}
