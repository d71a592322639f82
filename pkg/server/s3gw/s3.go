// Package s3gw serves a dispatcher through a subset of the S3 API.
package s3gw

import (
	"context"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/server/middleware"
	"github.com/jacktea/hyport/pkg/xerrors"
)

// Options configure the S3 gateway.
type Options struct {
	// Bucket, when set, is created on first use and receives requests whose
	// path does not name it.
	Bucket    string
	APIKey    string
	RateLimit middleware.RateLimitOptions
	ETagCache int
}

// Server exposes D as S3 buckets, one per top-level directory.
type Server struct {
	D   *dispatch.Dispatcher
	Log logrus.FieldLogger
	Opt Options

	handlerOnce sync.Once
	handler     http.Handler
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ctx, l)
}

// Serve answers requests on l until ctx is canceled. Dispatcher calls made on
// behalf of requests are bound to ctx.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	handler, err := s.build(ctx)
	if err != nil {
		l.Close()
		return err
	}
	s.handlerOnce.Do(func() { s.handler = handler })
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().WithFields(logrus.Fields{"addr": l.Addr().String(), "bucket": s.Opt.Bucket}).Info("serving s3")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "s3 server")
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handlerOnce.Do(func() {
		handler, err := s.build(context.Background())
		if err != nil {
			s.logger().WithError(err).Error("s3 gateway unavailable")
			handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			})
		}
		s.handler = handler
	})
	s.handler.ServeHTTP(w, r)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) build(ctx context.Context) (http.Handler, error) {
	backend, err := NewBackend(ctx, s.D, s.Opt.ETagCache)
	if err != nil {
		return nil, err
	}
	if s.Opt.Bucket != "" {
		ok, err := backend.BucketExists(s.Opt.Bucket)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := backend.CreateBucket(s.Opt.Bucket); err != nil {
				return nil, errors.Wrapf(err, "create bucket %s", s.Opt.Bucket)
			}
		}
	}
	s3 := gofakes3.New(backend).Server()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handleRename(w, r, backend) {
			return
		}
		ensureContentLength(r)
		s.rewriteBucketPath(r)
		s3.ServeHTTP(w, r)
	})
	return middleware.Wrap(handler,
		middleware.RequestLog(s.logger()),
		middleware.APIKeyAuth(s.Opt.APIKey),
		middleware.RateLimit(s.Opt.RateLimit),
	), nil
}

func (s *Server) objectKey(p string) string {
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if s.Opt.Bucket == "" {
		return cleaned
	}
	if cleaned == "/" {
		return "/" + s.Opt.Bucket
	}
	trimmed := strings.TrimPrefix(cleaned, "/")
	if trimmed == s.Opt.Bucket || strings.HasPrefix(trimmed, s.Opt.Bucket+"/") {
		return cleaned
	}
	return path.Join("/", s.Opt.Bucket, trimmed)
}

// handleRename serves POST <key>?rename=<key>, which plain S3 lacks.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, backend *Backend) bool {
	if r.Method != http.MethodPost {
		return false
	}
	renameTo := r.URL.Query().Get("rename")
	if renameTo == "" {
		return false
	}
	src := s.objectKey(r.URL.Path)
	dst := s.objectKey(renameTo)
	if err := backend.rename(src, dst); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return true
	}
	w.WriteHeader(http.StatusOK)
	return true
}

func (s *Server) rewriteBucketPath(r *http.Request) {
	if s.Opt.Bucket == "" {
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, s.Opt.Bucket+"/") || trimmed == s.Opt.Bucket {
		return
	}
	// Clean as a rooted path first so ".." cannot climb out of the bucket.
	newPath := path.Join("/", s.Opt.Bucket, path.Clean("/"+trimmed))
	if strings.HasSuffix(trimmed, "/") {
		newPath += "/"
	}
	r.URL.Path = newPath
	r.URL.RawPath = ""
}

func ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

func statusFromError(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindAlreadyExists, xerrors.KindConflict, xerrors.KindRejected:
		return http.StatusConflict
	case xerrors.KindNotSupported:
		return http.StatusNotImplemented
	case xerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
