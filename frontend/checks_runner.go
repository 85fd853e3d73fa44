package frontend

import (
	"context"
	stderrors "errors"
	"io/fs"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/glaze-build/glaze"
	"github.com/glaze-build/glaze/frontend/pkg/bkfs"
	"github.com/google/shlex"
	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/identity"
	"github.com/moby/buildkit/solver/errdefs"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

const skipChecksVar = "GLAZE_SKIP_CHECKS"

// RunChecks runs the checks defined in the recipe against the assembled
// image. Checks run in parallel and all of them are evaluated even when an
// earlier one fails.
func RunChecks(ctx context.Context, client gwclient.Client, r *glaze.Recipe, ref gwclient.Reference, platform *ocispecs.Platform) error {
	if skipVar, ok := GetBuildArg(client, skipChecksVar); ok {
		skip, err := strconv.ParseBool(skipVar)
		if err != nil {
			return errors.Wrapf(err, "could not parse build-arg %s", skipChecksVar)
		}
		if skip {
			Warn(ctx, client, llb.Scratch(), "Checks skipped due to build-arg "+skipChecksVar+"="+skipVar)
			return nil
		}
	}

	if len(r.Checks) == 0 {
		return nil
	}

	if err := ref.Evaluate(ctx); err != nil {
		// Force evaluation here so that any errors for the build itself can surface
		// more cleanly.
		// Otherwise an error for something wrong in the build (e.g. a failed install)
		// will look like an error in a check (or all checks).
		return err
	}

	ctr, err := ref.ToState()
	if err != nil {
		return err
	}

	type checkPair struct {
		st     llb.State
		c      *glaze.Check
		stdios map[int]llb.State
		opts   []llb.ConstraintsOpt
	}

	runs := make([]checkPair, 0, len(r.Checks))
	for _, check := range r.Checks {
		worker := ctr
		for _, k := range glaze.SortMapKeys(check.Env) {
			worker = worker.AddEnv(k, check.Env[k])
		}
		if check.Dir != "" {
			worker = worker.Dir(check.Dir)
		}

		pg := llb.ProgressGroup(identity.NewID(), "Check: "+check.Name, false)
		opts := []llb.RunOption{pg}

		if len(check.Steps) == 0 {
			runs = append(runs, checkPair{st: worker, c: check, opts: []llb.ConstraintsOpt{pg, glaze.Platform(platform)}})
			continue
		}

		ios := map[int]llb.State{}
		for i := range check.Steps {
			step := &check.Steps[i]

			var stepOpts []llb.RunOption
			var needsStdioMount bool
			id := identity.NewID()
			ioSt := llb.Scratch()
			if step.Stdin != "" {
				needsStdioMount = true
				stepOpts = append(stepOpts, llb.AddEnv("STDIN_FILE", filepath.Join("/tmp", id, "stdin")))
				ioSt = ioSt.File(llb.Mkfile("stdin", 0o444, []byte(step.Stdin)), pg)
			}
			if !step.Stdout.IsEmpty() {
				needsStdioMount = true
				stepOpts = append(stepOpts, llb.AddEnv("STDOUT_FILE", path.Join("/tmp", id, "stdout")))
				ioSt = ioSt.File(llb.Mkfile("stdout", 0o664, nil), pg)
			}
			if !step.Stderr.IsEmpty() {
				needsStdioMount = true
				stepOpts = append(stepOpts, llb.AddEnv("STDERR_FILE", path.Join("/tmp", id, "stderr")))
				ioSt = ioSt.File(llb.Mkfile("stderr", 0o664, nil), pg)
			}

			cmd, err := shlex.Split(step.Command)
			if err != nil {
				return err
			}
			if needsStdioMount {
				fc, ok := client.(CurrentFrontend)
				if !ok {
					return errors.New("client does not support mounting the current frontend")
				}
				fSt, err := fc.CurrentFrontend()
				if err != nil {
					return err
				}
				if fSt == nil {
					// The client supports the call but has no frontend
					// image metadata to hand back, e.g. an older buildkit.
					return errors.New("client does not support mounting the current frontend")
				}
				p := filepath.Join("/tmp", id+"-2", "glaze-redirectio")
				stepOpts = append(stepOpts, llb.AddMount(p, *fSt, llb.SourcePath("/glaze-redirectio")))
				cmd = append([]string{p}, cmd...)
			}

			stepOpts = append(stepOpts, llb.Args(cmd))
			stepOpts = append(stepOpts, glaze.WithEnv(step.Env))
			stepOpts = append(opts, stepOpts...)

			est := worker.Run(stepOpts...)
			if needsStdioMount {
				ioSt = est.AddMount(filepath.Join("/tmp", id), ioSt)
				ios[i] = ioSt
			}
			worker = est.Root()
		}

		runs = append(runs, checkPair{st: worker, c: check, stdios: ios, opts: []llb.ConstraintsOpt{pg, glaze.Platform(platform)}})
	}

	var errs errorList
	var wg sync.WaitGroup
	for _, pair := range runs {
		pair := pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runCheck(ctx, pair.c, pair.st, pair.stdios, client, pair.opts...); err != nil {
				errs.Append(errors.Wrap(err, "FAILED: "+pair.c.Name))
			}
		}()
	}

	wg.Wait()

	return errs.Join()
}

func runCheck(ctx context.Context, check *glaze.Check, st llb.State, ios map[int]llb.State, client gwclient.Client, opts ...llb.ConstraintsOpt) error {
	def, err := st.Marshal(ctx, opts...)
	if err != nil {
		return err
	}

	res, err := client.Solve(ctx, gwclient.SolveRequest{
		Definition: def.ToPB(),
		Evaluate:   true,
	})
	if err != nil {
		return err
	}

	ref, err := res.SingleRef()
	if err != nil {
		return err
	}

	var outErr error
	for _, p := range glaze.SortMapKeys(check.Files) {
		fileCheck := check.Files[p]

		stat, err := ref.StatFile(ctx, gwclient.StatRequest{
			Path: p,
		})
		if err != nil {
			if fileCheck.NotExist {
				// TODO: buildkit just gives a generic error here (with grpc code `Unknown`)
				// There's not really a good way to determine if the error is because the file is missing or something else.
				continue
			}
			return errors.Wrapf(err, "stat failed: %s", p)
		}

		if fileCheck.NotExist {
			err := &glaze.CheckOutputError{Kind: glaze.CheckFileNotExistsKind, Expected: "not exist", Actual: "exists", Path: p}
			outErr = stderrors.Join(outErr, withCheckErrSource(err, fileCheck.GetErrSource))
			continue
		}

		var dt []byte
		if !fileCheck.IsEmpty() {
			dt, err = ref.ReadFile(ctx, gwclient.ReadRequest{
				Filename: p,
			})
			if err != nil {
				outErr = stderrors.Join(outErr, errors.Wrapf(err, "read failed: %s", p))
			}
		}
		if err := fileCheck.Check(string(dt), stat, p); err != nil {
			outErr = stderrors.Join(outErr, withCheckErrSource(err, fileCheck.GetErrSource))
		}
	}

	for i, st := range ios {
		fsys, err := bkfs.EvalFromState(ctx, &st, client, opts...)
		if err != nil {
			outErr = stderrors.Join(outErr, errors.Wrap(err, "failed to solve stdio state"))
			continue
		}

		step := &check.Steps[i]

		checkStream := func(c *glaze.CheckOutput, name string) error {
			if c.IsEmpty() {
				return nil
			}
			dt, err := fs.ReadFile(fsys, name)
			if err != nil {
				return errors.Wrapf(err, "%s: read failed", name)
			}
			if err := c.Check(string(dt), name); err != nil {
				return withCheckErrSource(errors.Wrap(err, name), c.GetErrSource)
			}
			return nil
		}

		if err := checkStream(&step.Stdout, "stdout"); err != nil {
			outErr = stderrors.Join(outErr, err)
		}
		if err := checkStream(&step.Stderr, "stderr"); err != nil {
			outErr = stderrors.Join(outErr, err)
		}
	}

	return outErr
}

// withCheckErrSource attaches the recipe source location of the failed
// assertion so build errors point back at the recipe line.
func withCheckErrSource(err error, get func(*glaze.CheckOutputError) *errdefs.Source) error {
	var coErr *glaze.CheckOutputError
	if !errors.As(err, &coErr) {
		return err
	}

	src := get(coErr)
	if src == nil {
		return err
	}
	return errdefs.WithSource(err, *src)
}

type errorList struct {
	mu sync.Mutex
	ls []error
}

func (e *errorList) Append(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.ls = append(e.ls, err)
	e.mu.Unlock()
}

func (e *errorList) Join() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.ls) == 0 {
		return nil
	}

	return stderrors.Join(e.ls...)
}
