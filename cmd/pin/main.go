// pin resolves image references to their digest form so recipes can pin
// their base image to exact bytes.
//
// Without a platform the digest of whatever the tag points at is printed,
// which for multi-platform images is the index digest and keeps the pinned
// reference usable for every platform. With -platform the digest of that
// platform's manifest is printed instead.
//
// With -recipe the reference is read from the recipe's base field and the
// file is rewritten in place with the pinned form.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/parser"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

func main() {
	platformFl := flag.String("platform", "", "resolve the digest for a specific platform (e.g. linux/amd64)")
	recipeFl := flag.String("recipe", "", "rewrite the base field of the given recipe file in place")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *recipeFl != "" {
		if flag.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "usage: pin -recipe FILE [-platform os/arch]")
			os.Exit(1)
		}
		if err := pinRecipe(ctx, *recipeFl, *platformFl); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", *recipeFl, err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: pin [-platform os/arch] IMAGE...\n       pin -recipe FILE [-platform os/arch]")
		os.Exit(1)
	}

	var failed bool
	for _, arg := range flag.Args() {
		pinned, err := pin(ctx, arg, *platformFl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", arg, err)
			failed = true
			continue
		}
		fmt.Println(pinned)
	}
	if failed {
		os.Exit(1)
	}
}

func pin(ctx context.Context, image, platform string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("invalid image reference: %w", err)
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}

	if platform != "" {
		p, err := v1.ParsePlatform(platform)
		if err != nil {
			return "", fmt.Errorf("could not parse platform: %w", err)
		}

		img, err := remote.Image(ref, append(opts, remote.WithPlatform(*p))...)
		if err != nil {
			return "", fmt.Errorf("fetch image: %w", err)
		}

		dgst, err := img.Digest()
		if err != nil {
			return "", fmt.Errorf("get image digest: %w", err)
		}
		return ref.Context().String() + "@" + dgst.String(), nil
	}

	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	return ref.Context().String() + "@" + desc.Digest.String(), nil
}

// pinRecipe rewrites the recipe's base field with its digest-pinned form.
// Only the base value is touched, the rest of the document (including
// comments) is written back as is.
func pinRecipe(ctx context.Context, recipePath, platform string) error {
	dt, err := os.ReadFile(recipePath)
	if err != nil {
		return err
	}

	fi, err := os.Stat(recipePath)
	if err != nil {
		return err
	}

	file, err := parser.ParseBytes(dt, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("could not parse recipe: %w", err)
	}

	basePath, err := yaml.PathString("$.base")
	if err != nil {
		return err
	}

	node, err := basePath.FilterFile(file)
	if err != nil {
		return fmt.Errorf("recipe has no base field: %w", err)
	}

	var base string
	if err := yaml.NodeToValue(node, &base); err != nil {
		return fmt.Errorf("could not read base field: %w", err)
	}

	pinned, err := pin(ctx, base, platform)
	if err != nil {
		return err
	}

	if pinned == base {
		return nil
	}

	if err := basePath.ReplaceWithReader(file, strings.NewReader(pinned)); err != nil {
		return fmt.Errorf("could not replace base field: %w", err)
	}

	fmt.Printf("%s: %s -> %s\n", recipePath, base, pinned)
	return os.WriteFile(recipePath, []byte(file.String()), fi.Mode().Perm())
}
