package glaze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerd/platforms"
	"github.com/google/shlex"
	"github.com/moby/buildkit/client/llb/sourceresolver"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

type DockerImageSpec = dockerspec.DockerOCIImage
type DockerImageConfig = dockerspec.DockerOCIImageConfig

type imageBuilderConfig struct {
	platform *ocispecs.Platform
}

type ConfigOpt func(*imageBuilderConfig)

func WithPlatform(p ocispecs.Platform) ConfigOpt {
	return func(c *imageBuilderConfig) {
		c.platform = &p
	}
}

// BuildImageConfig resolves the config of the recipe's base image and stamps
// the recipe's runtime metadata onto it.
// The base reference is resolved exactly as written in the recipe, so a
// reference the resolver cannot handle fails here with the resolver's error.
func BuildImageConfig(ctx context.Context, client gwclient.Client, r *Recipe, opts ...ConfigOpt) (*DockerImageSpec, error) {
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, err
	}

	builderCfg := imageBuilderConfig{}
	for _, optFunc := range opts {
		optFunc(&builderCfg)
	}

	platform := platforms.DefaultSpec()
	if builderCfg.platform != nil {
		platform = *builderCfg.platform
	}

	_, _, dt, err := client.ResolveImageConfig(ctx, r.Base, sourceresolver.Opt{
		Platform: &platform,
		ImageOpt: &sourceresolver.ResolveImageOpt{
			ResolveMode: dc.ImageResolveMode.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error resolving image config: %w", err)
	}

	var img DockerImageSpec
	if err := json.Unmarshal(dt, &img); err != nil {
		return nil, fmt.Errorf("error unmarshalling image config: %w", err)
	}

	cfg := img.Config
	if err := MergeRuntimeConfig(&cfg, &r.Runtime); err != nil {
		return nil, err
	}

	img.Config = cfg
	return &img, nil
}

// MergeRuntimeConfig copies the fields from the source [RuntimeConfig] into
// the destination image config.
// If a field is not set in the source, it is not modified in the destination.
// Envs from [RuntimeConfig] are merged into the destination by key and take
// precedence.
//
// The runtime account is applied after every other field, the same way a
// trailing USER instruction would be. It only updates the image metadata.
// Ownership of anything written earlier in the build is left as is.
func MergeRuntimeConfig(dst *DockerImageConfig, src *RuntimeConfig) error {
	if src == nil {
		return nil
	}

	if src.Entrypoint != "" {
		split, err := shlex.Split(src.Entrypoint)
		if err != nil {
			return errors.Wrap(err, "error splitting entrypoint into args")
		}
		dst.Entrypoint = split
		// Reset cmd as this may be totally invalid now
		// This is the same behavior as the Dockerfile frontend
		dst.Cmd = nil
	}
	if src.Cmd != "" {
		split, err := shlex.Split(src.Cmd)
		if err != nil {
			return errors.Wrap(err, "error splitting cmd into args")
		}
		dst.Cmd = split
	}

	if len(src.Env) > 0 {
		// Env is append only
		// If an env var with the same key already exists, replace it
		envIdx := make(map[string]int)
		for i, env := range dst.Env {
			k, _, _ := strings.Cut(env, "=")
			envIdx[k] = i
		}

		for _, env := range src.Env {
			k, _, _ := strings.Cut(env, "=")
			if idx, ok := envIdx[k]; ok {
				dst.Env[idx] = env
			} else {
				dst.Env = append(dst.Env, env)
			}
		}
	}

	if src.WorkingDir != "" {
		dst.WorkingDir = src.WorkingDir
	}

	if len(src.Labels) > 0 {
		if dst.Labels == nil {
			dst.Labels = make(map[string]string, len(src.Labels))
		}
		for k, v := range src.Labels {
			dst.Labels[k] = v
		}
	}

	if len(src.Volumes) > 0 {
		if dst.Volumes == nil {
			dst.Volumes = make(map[string]struct{}, len(src.Volumes))
		}
		for k, v := range src.Volumes {
			dst.Volumes[k] = v
		}
	}

	if src.StopSignal != "" {
		dst.StopSignal = src.StopSignal
	}

	if src.User != "" {
		dst.User = src.User
	}

	return nil
}
