package main

import (
	"os"
	"path/filepath"

	"github.com/glaze-build/glaze/cmd/glaze-redirectio/redirectio"
	"github.com/glaze-build/glaze/frontend"
	"github.com/moby/buildkit/frontend/gateway/grpcclient"
	"github.com/moby/buildkit/util/appcontext"
	"github.com/moby/buildkit/util/bklog"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/grpclog"
)

const (
	redirectioBasename = "glaze-redirectio"
)

func main() {
	// The frontend image ships a single binary linked under multiple names.
	// Each "sub-main" function handles its own exit.
	switch filepath.Base(os.Args[0]) {
	case redirectioBasename:
		redirectio.Main(os.Args[1:])
	default:
		frontendMain()
	}
}

func frontendMain() {
	bklog.L.Logger.SetOutput(os.Stderr)
	grpclog.SetLoggerV2(grpclog.NewLoggerV2WithVerbosity(bklog.L.WriterLevel(logrus.InfoLevel), bklog.L.WriterLevel(logrus.WarnLevel), bklog.L.WriterLevel(logrus.ErrorLevel), 1))

	ctx := appcontext.Context()

	if err := grpcclient.RunFromEnvironment(ctx, frontend.Build); err != nil {
		bklog.L.WithError(err).Fatal("error running frontend")
		os.Exit(137)
	}
}
