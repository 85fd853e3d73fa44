package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/glaze-build/glaze"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/frontend/subrequests"
	bktargets "github.com/moby/buildkit/frontend/subrequests/targets"
	"github.com/moby/buildkit/util/bklog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// BuildMux implements a buildkit BuildFunc via its Handle method. With a
// BuildMux you register routes with mux.Add("someKey", SomeHandler,
// optionalTargetInfo).
//
// When a build request is made, BuildMux tries to match the requested build
// target to a registered handler. The correct handler to use is determined
// with the following logic:
//
//  1. Build target is an exact match to a registered route
//  2. Build target is empty, check if a default handler is registered
//  3. Check if any of the registered
//     handlers have a route that is a prefix match to the build target
//
// BuildMux route handlers also must be buildkit BuildFuncs. As such a handler
// can itself also be a distinct BuildMux with its own set of routes. This
// allows handlers to also do their own routing. All logic for what to route is
// handled outside of the BuildMux.
//
// BuildMux and buildkit BuildFunc have a similar relationship as http.ServeMux
// and http.Handler (where http.ServeMux is an http.Handler). In the same way
// BuildMux is a BuildFunc (or rather BuildMux.Handle is). So BuildMux can be
// nested.
//
// When BuildMux calls a handler, it modifies the client to chomp off the
// matched route prefix. So a BuildMux receiving a build target of
// image/debug will match on the registered handler for image then
// call the handler with the build target changed to just debug.
type BuildMux struct {
	handlers map[string]handler
	defaultH *handler
	// cached recipe so we don't have to load it every time its needed
	recipe *glaze.Recipe
}

type handler struct {
	f gwclient.BuildFunc
	t *bktargets.Target
}

// Add adds a handler for the given target
// [targetPath] is the resource path to be handled
func (m *BuildMux) Add(targetPath string, bf gwclient.BuildFunc, info *bktargets.Target) {
	if m.handlers == nil {
		m.handlers = make(map[string]handler)
	}

	h := handler{bf, info}
	m.handlers[targetPath] = h

	if info != nil && info.Default {
		m.defaultH = &h
	}

	bklog.G(context.TODO()).WithField("target", targetPath).Info("Added handler to router")
}

const (
	keyTarget = "target"
	// keyTopLevelTarget stores the target the router matched on so nested
	// handlers can tell they are not the first hop.
	keyTopLevelTarget = "glaze.target"
)

// describe returns the subrequests that are supported
func (m *BuildMux) describe() (*gwclient.Result, error) {
	subs := []subrequests.Request{bktargets.SubrequestsTargetsDefinition, subrequests.SubrequestsDescribeDefinition}

	dt, err := json.Marshal(subs)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling describe result to json")
	}

	buf := bytes.NewBuffer(nil)
	if err := subrequests.PrintDescribe(dt, buf); err != nil {
		return nil, err
	}

	res := gwclient.NewResult()
	res.Metadata = map[string][]byte{
		"result.json": dt,
		"result.txt":  buf.Bytes(),
		"version":     []byte(subrequests.SubrequestsDescribeDefinition.Version),
	}
	return res, nil
}

func (m *BuildMux) handleSubrequest(ctx context.Context, client gwclient.Client, opts map[string]string) (*gwclient.Result, bool, error) {
	switch opts[requestIDKey] {
	case "":
		return nil, false, nil
	case subrequests.RequestSubrequestsDescribe:
		res, err := m.describe()
		return res, true, err
	case bktargets.SubrequestsTargetsDefinition.Name:
		res, err := m.list(ctx, client, opts[keyTarget])
		return res, true, err
	default:
		return nil, false, errors.Errorf("unsupported subrequest %q", opts[requestIDKey])
	}
}

func (m *BuildMux) loadRecipe(ctx context.Context, client gwclient.Client) (*glaze.Recipe, error) {
	if m.recipe != nil {
		return m.recipe, nil
	}
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, err
	}

	// Note: this is not suitable for passing to builds since it does not have platform information
	r, err := RecipeFromClient(ctx, dc, nil)
	if err != nil {
		return nil, err
	}
	m.recipe = r

	return r, nil
}

func maybeSetTargetKey(client gwclient.Client, key string) gwclient.Client {
	opts := client.BuildOpts()
	if opts.Opts[keyTopLevelTarget] != "" {
		// do nothing since this is already set
		return client
	}

	// optimization to help prevent unnecessary grpc requests
	// The gateway client will make a grpc request to get the build opts from the gateway.
	// This just caches those opts locally.
	// If the client is already a clientWithCustomOpts, then the opts are already cached.
	if _, ok := client.(*clientWithCustomOpts); !ok {
		// this forces the client to use our cached opts from above
		client = &clientWithCustomOpts{opts: opts, Client: client}
	}
	return setClientOptOption(client, keyTopLevelTarget, key)
}

// list outputs the list of targets that are supported by the mux
func (m *BuildMux) list(ctx context.Context, client gwclient.Client, target string) (*gwclient.Result, error) {
	var ls bktargets.List

	var check []string
	if target == "" {
		check = maps.Keys(m.handlers)
	} else {
		// Use the target as a filter so the response only includes routes that are underneath the target
		check = append(check, target)
	}

	slices.Sort(check)

	bklog.G(ctx).WithField("checks", check).Debug("Checking targets")

	for _, t := range check {
		ctx := bklog.WithLogger(ctx, bklog.G(ctx).WithField("check", t))
		bklog.G(ctx).Debug("Lookup target")
		matched, h, err := m.lookupTarget(ctx, t)
		if err != nil {
			bklog.G(ctx).WithError(err).Warn("Error looking up target, skipping")
			continue
		}

		ctx = bklog.WithLogger(ctx, bklog.G(ctx).WithField("matched", matched))
		bklog.G(ctx).Debug("Matched target")

		if h.t != nil {
			t := *h.t
			// We have the target info, we can use this directly
			ls.Targets = append(ls.Targets, t)
			continue
		}

		bklog.G(ctx).Info("No target info, calling handler")
		// No target info, so call the handler to get the info
		// This calls the route handler.
		// The route handler must be setup to handle the subrequest
		// Today we assume all route handlers are setup to handle the subrequest.
		res, err := h.f(ctx, maybeSetTargetKey(trimTargetOpt(client, matched), matched))
		if err != nil {
			bklog.G(ctx).Errorf("%+v", err)
			return nil, err
		}

		var _ls bktargets.List
		if err := unmarshalResult(res, &_ls); err != nil {
			return nil, err
		}

		for _, t := range _ls.Targets {
			t.Name = path.Join(matched, t.Name)
			ls.Targets = append(ls.Targets, t)
		}
	}

	return ls.ToResult()
}

type noSuchHandlerError struct {
	Target    string
	Available []string
}

func handlerNotFound(target string, available []string) error {
	return &noSuchHandlerError{Target: target, Available: available}
}

func (err *noSuchHandlerError) Error() string {
	return fmt.Sprintf("no such handler for target %q: available targets: %s", err.Target, strings.Join(err.Available, ", "))
}

func (m *BuildMux) lookupTarget(ctx context.Context, target string) (matchedPattern string, _ *handler, _ error) {
	// `target` is from `docker build --target=<target>`
	// cases for `t` are as follows:
	//    1. may have an exact match in the handlers (ideal)
	//    2. No matching handler and `target == ""` and there is a default handler set (assume default handler)
	//    3. may have a prefix match in the handlers, e.g. handler for `foo`, `target == "foo/bar"` (assume nested route)
	//    4. No match in the handlers (error)
	h, ok := m.handlers[target]
	if ok {
		return target, &h, nil
	}

	if target == "" && m.defaultH != nil {
		bklog.G(ctx).Info("Using default target")
		return target, m.defaultH, nil
	}

	for k, h := range m.handlers {
		if strings.HasPrefix(target, k+"/") {
			bklog.G(ctx).WithField("prefix", k).WithField("matching request", target).Info("Using prefix match for target")
			return k, &h, nil
		}
	}

	return "", nil, handlerNotFound(target, maps.Keys(m.handlers))
}

// Handle is a [gwclient.BuildFunc] that routes requests to registered handlers
func (m *BuildMux) Handle(ctx context.Context, client gwclient.Client) (_ *gwclient.Result, retErr error) {
	// Cache the opts in case this is the raw client
	// This prevents a grpc request for multiple calls to BuildOpts
	opts := client.BuildOpts().Opts
	origOpts := glaze.DuplicateMap(opts)

	t := opts[keyTarget]

	defer func() {
		if retErr != nil {
			if _, ok := origOpts[keyTopLevelTarget]; !ok {
				retErr = errors.Wrapf(retErr, "error handling requested build target %q", t)

				// If we have a recipe name, load it to make the error message more helpful
				r, _ := m.loadRecipe(ctx, client)
				if r != nil && r.Name != "" {
					retErr = errors.Wrapf(retErr, "recipe: %s", r.Name)
				}
			}
		}
	}()

	ctx = bklog.WithLogger(ctx, bklog.G(ctx).
		WithFields(logrus.Fields{
			"handlers":  maps.Keys(m.handlers),
			"target":    opts[keyTarget],
			"requestid": opts[requestIDKey],
			"routed":    opts[keyTopLevelTarget],
		}))

	bklog.G(ctx).Info("Handling request")

	res, handled, err := m.handleSubrequest(ctx, client, opts)
	if err != nil {
		return nil, err
	}
	if handled {
		return res, nil
	}

	matched, h, err := m.lookupTarget(ctx, t)
	if err != nil {
		return nil, err
	}

	ctx = bklog.WithLogger(ctx, bklog.G(ctx).WithField("matched", matched))

	// each call to `Handle` handles the next part of the target
	// When we call the handler, we want to remove the part of the target that is being handled so the next handler can handle the next part
	client = trimTargetOpt(client, matched)
	client = maybeSetTargetKey(client, matched)

	res, err = h.f(ctx, client)
	if err != nil {
		err = injectPathsToNotFoundError(matched, err)
		return res, err
	}

	// If this request was a request to list targets, we need to modify the response a bit
	// Otherwise we can just return the result as is.
	if opts[requestIDKey] == bktargets.SubrequestsTargetsDefinition.Name {
		return m.fixupListResult(matched, res)
	}
	return res, nil
}

// fixupListResult updates the targets to include the matched key in their path
// This is used when a list request is made.
//
// The target handler does not know the full path of the target.
// Specifically it does not include the `matched` part of the target path
// because the matched part is removed from the target path before the handler
// is called.
// This function adds the matched part back to the target path so the response includes the full path.
func (m *BuildMux) fixupListResult(matched string, res *gwclient.Result) (*gwclient.Result, error) {
	var v bktargets.List
	if err := unmarshalResult(res, &v); err != nil {
		return nil, err
	}

	updated := make([]bktargets.Target, 0, len(v.Targets))
	for _, t := range v.Targets {
		t.Name = path.Join(matched, t.Name)
		updated = append(updated, t)
	}

	v.Targets = updated
	if err := marshalResult(res, &v); err != nil {
		return nil, err
	}

	asResult, err := v.ToResult()
	if err != nil {
		return nil, err
	}

	// update the original result with the new data
	// See `v.ToResult()` for the metadata keys
	res.AddMeta("result.json", asResult.Metadata["result.json"])
	res.AddMeta("result.txt", asResult.Metadata["result.txt"])
	res.AddMeta("version", asResult.Metadata["version"])
	return res, nil
}

// If the error is from noSuchHandlerError, we want to update the error to include the matched target
// This makes sure the returned error message has the full target path.
func injectPathsToNotFoundError(matched string, err error) error {
	if err == nil {
		return nil
	}

	var e *noSuchHandlerError
	if !errors.As(err, &e) {
		return err
	}

	e.Target = path.Join(matched, e.Target)
	for i, v := range e.Available {
		e.Available[i] = path.Join(matched, v)
	}
	return e
}

func unmarshalResult[T any](res *gwclient.Result, v *T) error {
	dt, ok := res.Metadata["result.json"]
	if !ok {
		return errors.Errorf("no result.json metadata in response")
	}
	return json.Unmarshal(dt, v)
}

func marshalResult[T any](res *gwclient.Result, v *T) error {
	dt, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "error marshalling result to json")
	}
	res.Metadata["result.json"] = dt
	res.Metadata["result.txt"] = dt
	return nil
}

// CurrentFrontend is an interface typically implemented by a [gwclient.Client]
// This is used to get the rootfs of the current frontend.
type CurrentFrontend interface {
	CurrentFrontend() (*llb.State, error)
}

var (
	_ gwclient.Client = (*clientWithCustomOpts)(nil)
	_ CurrentFrontend = (*clientWithCustomOpts)(nil)
)

type clientWithCustomOpts struct {
	opts gwclient.BuildOpts
	gwclient.Client
}

func trimTargetOpt(client gwclient.Client, prefix string) *clientWithCustomOpts {
	opts := client.BuildOpts()

	updated := strings.TrimPrefix(opts.Opts[keyTarget], prefix)
	if len(updated) > 0 && updated[0] == '/' {
		updated = updated[1:]
	}
	opts.Opts[keyTarget] = updated
	return &clientWithCustomOpts{
		Client: client,
		opts:   opts,
	}
}

func setClientOptOption(client gwclient.Client, key, value string) *clientWithCustomOpts {
	opts := client.BuildOpts()
	opts.Opts[key] = value
	return &clientWithCustomOpts{
		Client: client,
		opts:   opts,
	}
}

func (d *clientWithCustomOpts) BuildOpts() gwclient.BuildOpts {
	return d.opts
}

func (d *clientWithCustomOpts) CurrentFrontend() (*llb.State, error) {
	return d.Client.(CurrentFrontend).CurrentFrontend()
}
