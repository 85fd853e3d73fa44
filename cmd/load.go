package cmd

import (
	"os"
	"path/filepath"

	"github.com/moby/buildkit/client/llb"
)

const (
	// CurrentFrontendKey is the frontend input holding the binary of the
	// frontend currently being executed.
	CurrentFrontendKey = "glaze-current-frontend"

	// RedirectioPath is where the frontend binary is staged inside check
	// containers so stdio streams can be redirected to files.
	RedirectioPath = "/glaze-redirectio"
)

// CurrentFrontend returns a state with the running frontend binary staged at
// [RedirectioPath]. The binary dispatches on its basename, so the copy
// behaves as the stdio redirector.
func CurrentFrontend() (*llb.State, error) {
	filename := filepath.Base(os.Args[0])
	base := llb.Local(CurrentFrontendKey, llb.IncludePatterns([]string{filename}))

	st := llb.Scratch().File(llb.Copy(base, filename, RedirectioPath))
	return &st, nil
}
