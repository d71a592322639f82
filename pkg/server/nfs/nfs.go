package nfs

import (
	"context"
	"net"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	nfsproto "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"github.com/jacktea/hyport/pkg/dispatch"
)

// Options control the exported NFS service.
type Options struct {
	// Export is the root path presented to clients (default "/").
	Export string
	// HandleCache controls how many active file handles are cached (default 1024).
	HandleCache int
	Logger      logrus.FieldLogger
}

// Serve exposes d over NFSv3 at addr until ctx is cancelled.
func Serve(ctx context.Context, d *dispatch.Dispatcher, addr string, opts Options) error {
	if addr == "" {
		addr = ":2049"
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "nfs: listen")
	}
	return ServeListener(ctx, d, l, opts)
}

// ServeListener is Serve on an existing listener, which it closes.
func ServeListener(ctx context.Context, d *dispatch.Dispatcher, l net.Listener, opts Options) error {
	if d == nil {
		l.Close()
		return errors.New("nfs: dispatcher is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	export := strings.TrimSpace(opts.Export)
	if export == "" {
		export = "/"
	}
	cacheSize := opts.HandleCache
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "nfs")

	bfs, err := newFilesystem(ctx, d, export)
	if err != nil {
		l.Close()
		return errors.Wrap(err, "nfs")
	}
	handler := nfshelper.NewNullAuthHandler(bfs)
	handler = nfshelper.NewCachingHandler(handler, cacheSize)

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	log.WithFields(logrus.Fields{"addr": l.Addr().String(), "export": export}).Info("serving nfs")
	srv := &nfsproto.Server{
		Handler: handler,
		Context: ctx,
	}
	err = srv.Serve(l)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var _ billy.Filesystem = (*filesystem)(nil)
