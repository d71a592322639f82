// Package httpapi exposes a dispatcher over a small HTTP+JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/server/middleware"
	"github.com/jacktea/hyport/pkg/xerrors"
)

// Server serves the files behind D.
type Server struct {
	D    *dispatch.Dispatcher
	Log  logrus.FieldLogger
	Opts Options
}

// Options configure auth, pagination, and rate limiting.
type Options struct {
	APIKey          string
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ctx, l)
}

// Serve answers requests on l until ctx is canceled. A canceled context is
// not an error.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().WithField("addr", l.Addr().String()).Info("serving http")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/files/", s.handleFiles)
	mux.HandleFunc("/dirs/", s.handleDirs)
	return s.applyMiddleware(mux)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := cleanPath(strings.TrimPrefix(r.URL.Path, "/files"))
	switch r.Method {
	case http.MethodGet:
		s.serveFile(ctx, w, r, p)
	case http.MethodHead:
		s.headFile(ctx, w, p)
	case http.MethodPut:
		s.putFile(ctx, w, r, p)
	case http.MethodDelete:
		s.deletePath(ctx, w, p)
	case http.MethodPatch:
		s.patchFile(ctx, w, r, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// statFile fetches the attributes of a regular file.
func (s *Server) statFile(ctx context.Context, p string) (dispatch.Attr, error) {
	attr, errno := s.D.Stat(ctx, p)
	if errno != 0 {
		return attr, dispatch.Error("stat", p, errno)
	}
	if attr.IsDir() {
		return attr, dispatch.Error("stat", p, syscall.EISDIR)
	}
	return attr, nil
}

func setFileHeaders(w http.ResponseWriter, attr dispatch.Attr) {
	w.Header().Set("Accept-Ranges", "bytes")
	if !attr.ModTime.IsZero() {
		w.Header().Set("Last-Modified", attr.ModTime.UTC().Format(http.TimeFormat))
	}
}

func (s *Server) serveFile(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	attr, err := s.statFile(ctx, p)
	if err != nil {
		s.httpError(w, err)
		return
	}
	size := attr.Size
	setFileHeaders(w, attr)

	var start, end int64 = 0, size - 1
	partial := false
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err = parseRangeHeader(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		partial = true
	}

	h, errno := s.D.Open(ctx, p, os.O_RDONLY)
	if errno != 0 {
		s.httpError(w, dispatch.Error("open", p, errno))
		return
	}
	defer s.D.Release(ctx, h)

	length := end - start + 1
	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	// The status is on the wire; a failure past this point can only be logged.
	if _, err := io.CopyN(w, s.D.NewReader(ctx, h, start), length); err != nil {
		s.logger().WithError(err).WithField("path", p).Warn("stream aborted")
	}
}

func (s *Server) headFile(ctx context.Context, w http.ResponseWriter, p string) {
	attr, err := s.statFile(ctx, p)
	if err != nil {
		s.httpError(w, err)
		return
	}
	setFileHeaders(w, attr)
	w.Header().Set("Content-Length", strconv.FormatInt(attr.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) putFile(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	if _, err := s.D.WriteFile(ctx, p, r.Body); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deletePath(ctx context.Context, w http.ResponseWriter, p string) {
	attr, errno := s.D.Stat(ctx, p)
	if errno == 0 {
		if attr.IsDir() {
			errno = s.D.Rmdir(ctx, p)
		} else {
			errno = s.D.Unlink(ctx, p)
		}
	}
	if errno != 0 {
		s.httpError(w, dispatch.Error("delete", p, errno))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attrPayload struct {
	Size     *int64 `json:"size"`
	RenameTo string `json:"rename_to"`
}

func (s *Server) patchFile(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	var payload attrPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	switch {
	case payload.RenameTo != "":
		target := cleanPath(payload.RenameTo)
		if errno := s.D.Rename(ctx, p, target); errno != 0 {
			s.httpError(w, dispatch.Error("rename", p, errno))
			return
		}
	case payload.Size != nil:
		// Truncate would create a missing file.
		if _, err := s.statFile(ctx, p); err != nil {
			s.httpError(w, err)
			return
		}
		if errno := s.D.Truncate(ctx, p, *payload.Size); errno != 0 {
			s.httpError(w, dispatch.Error("truncate", p, errno))
			return
		}
	default:
		http.Error(w, "no attributes to update", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type dirEntry struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mtime,omitzero"`
}

func (s *Server) handleDirs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := cleanPath(strings.TrimPrefix(r.URL.Path, "/dirs"))
	switch r.Method {
	case http.MethodGet:
		s.listDir(ctx, w, r, p)
	case http.MethodPost:
		if errno := s.D.Mkdir(ctx, p); errno != 0 {
			s.httpError(w, dispatch.Error("mkdir", p, errno))
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// listDir pages through the sorted child names. The page token is the last
// name of the previous page.
func (s *Server) listDir(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	attr, errno := s.D.Stat(ctx, p)
	if errno != 0 {
		s.httpError(w, dispatch.Error("list", p, errno))
		return
	}
	if !attr.IsDir() {
		s.httpError(w, xerrors.E(xerrors.KindInvalid, "list", p))
		return
	}
	var names []string
	if errno := s.D.List(ctx, p, func(name string) {
		if name != "." && name != ".." {
			names = append(names, name)
		}
	}); errno != 0 {
		s.httpError(w, dispatch.Error("list", p, errno))
		return
	}
	sort.Strings(names)

	limit, token := s.listingParams(r)
	if token != "" {
		names = names[sort.SearchStrings(names, token):]
		if len(names) > 0 && names[0] == token {
			names = names[1:]
		}
	}
	var nextToken string
	if len(names) > limit {
		names = names[:limit]
		nextToken = names[limit-1]
	}

	entries := make([]dirEntry, 0, len(names))
	for _, name := range names {
		child, errno := s.D.Stat(ctx, path.Join(p, name))
		if errno != 0 {
			// Removed between listing and stat.
			continue
		}
		entries = append(entries, toDirEntry(name, child))
	}
	response := struct {
		Entries       []dirEntry `json:"entries"`
		NextPageToken string     `json:"next_page_token,omitempty"`
	}{
		Entries:       entries,
		NextPageToken: nextToken,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func toDirEntry(name string, attr dispatch.Attr) dirEntry {
	if attr.IsDir() {
		return dirEntry{Name: name, Type: "dir", ModTime: attr.ModTime}
	}
	return dirEntry{Name: name, Type: "file", Size: attr.Size, ModTime: attr.ModTime}
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindAlreadyExists, xerrors.KindConflict, xerrors.KindRejected:
		status = http.StatusConflict
	case xerrors.KindIsDir, xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindPermission:
		status = http.StatusForbidden
	case xerrors.KindNotSupported:
		status = http.StatusNotImplemented
	case xerrors.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger().WithError(err).Warn("request failed")
	}
	http.Error(w, err.Error(), status)
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errors.New("resource empty")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, errors.New("unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, errors.New("invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(rangeSpec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errors.New("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	startStr, endStr, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return 0, 0, errors.New("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errors.New("invalid range start")
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, errors.New("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, errors.New("start beyond size")
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, errors.New("start greater than end")
	}
	return start, end, nil
}

func (s *Server) listingParams(r *http.Request) (limit int, token string) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit, r.URL.Query().Get("page_token")
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	return middleware.Wrap(handler,
		middleware.RequestLog(s.logger()),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}
