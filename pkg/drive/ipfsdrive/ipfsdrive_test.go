package ipfsdrive_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/hyport/pkg/drive"
	"github.com/jacktea/hyport/pkg/drive/drivetest"
	"github.com/jacktea/hyport/pkg/drive/ipfsdrive"
)

// fakeMFS serves the subset of the files/* RPC commands used by the drive.
type fakeMFS struct {
	mu       sync.Mutex
	nodes    map[string]*mfsNode
	writes   int
	flush    int
	versions int
}

type mfsNode struct {
	dir  bool
	data []byte
}

func newFakeMFS() *fakeMFS {
	return &fakeMFS{nodes: map[string]*mfsNode{"/": {dir: true}}}
}

func (f *fakeMFS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query()
	args := q["arg"]
	arg := func(i int) string {
		if i < len(args) {
			return path.Clean(args[i])
		}
		return "/"
	}
	switch strings.TrimPrefix(r.URL.Path, "/api/v0/") {
	case "files/stat":
		n, ok := f.nodes[arg(0)]
		if !ok {
			fail(w, "file does not exist")
			return
		}
		typ := "file"
		if n.dir {
			typ = "directory"
		}
		reply(w, map[string]any{"Hash": "bafy", "Size": len(n.data), "Type": typ})
	case "files/ls":
		dir := arg(0)
		if n, ok := f.nodes[dir]; !ok || !n.dir {
			fail(w, "file does not exist")
			return
		}
		var entries []map[string]any
		for _, name := range f.children(dir) {
			n := f.nodes[path.Join(dir, name)]
			typ := 0
			if n.dir {
				typ = 1
			}
			entries = append(entries, map[string]any{"Name": name, "Type": typ, "Size": len(n.data), "Hash": ""})
		}
		reply(w, map[string]any{"Entries": entries})
	case "files/mkdir":
		p := arg(0)
		if _, ok := f.nodes[p]; ok {
			fail(w, "file already exists")
			return
		}
		if q.Get("parents") == "true" {
			for cur := p; cur != "/"; cur = path.Dir(cur) {
				if _, ok := f.nodes[cur]; !ok {
					f.nodes[cur] = &mfsNode{dir: true}
				}
			}
		} else {
			if !f.isDir(path.Dir(p)) {
				fail(w, "file does not exist")
				return
			}
			f.nodes[p] = &mfsNode{dir: true}
		}
		reply(w, nil)
	case "files/rm":
		p := arg(0)
		if _, ok := f.nodes[p]; !ok {
			fail(w, "file does not exist")
			return
		}
		for k := range f.nodes {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(f.nodes, k)
			}
		}
		reply(w, nil)
	case "files/mv":
		src, dst := arg(0), arg(1)
		if _, ok := f.nodes[src]; !ok || !f.isDir(path.Dir(dst)) {
			fail(w, "file does not exist")
			return
		}
		moved := map[string]*mfsNode{}
		for k, n := range f.nodes {
			if k == src || strings.HasPrefix(k, src+"/") {
				moved[dst+strings.TrimPrefix(k, src)] = n
				delete(f.nodes, k)
			}
		}
		for k, n := range moved {
			f.nodes[k] = n
		}
		reply(w, nil)
	case "files/read":
		n, ok := f.nodes[arg(0)]
		if !ok || n.dir {
			fail(w, "file does not exist")
			return
		}
		off, _ := strconv.Atoi(q.Get("offset"))
		end := len(n.data)
		if c := q.Get("count"); c != "" {
			cnt, _ := strconv.Atoi(c)
			if off+cnt < end {
				end = off + cnt
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		if off < end {
			w.Write(n.data[off:end])
		}
	case "files/write":
		p := arg(0)
		n, ok := f.nodes[p]
		if !ok {
			if q.Get("create") != "true" || !f.isDir(path.Dir(p)) {
				fail(w, "file does not exist")
				return
			}
			n = &mfsNode{}
			f.nodes[p] = n
		}
		body, err := readPart(r)
		if err != nil {
			fail(w, err.Error())
			return
		}
		if q.Get("truncate") == "true" {
			n.data = nil
		}
		off, _ := strconv.Atoi(q.Get("offset"))
		if end := off + len(body); end > len(n.data) {
			grown := make([]byte, end)
			copy(grown, n.data)
			n.data = grown
		}
		copy(n.data[off:], body)
		f.writes++
		reply(w, nil)
	case "version":
		// The client asks before building a files/write body.
		f.versions++
		reply(w, map[string]any{"Version": "0.30.0", "Commit": "", "Repo": "16", "System": "amd64/linux", "Golang": "go1.22"})
	case "files/flush":
		f.flush++
		reply(w, map[string]any{"Cid": "bafyflushed"})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeMFS) isDir(p string) bool {
	n, ok := f.nodes[p]
	return ok && n.dir
}

func (f *fakeMFS) children(dir string) []string {
	var names []string
	for k := range f.nodes {
		if k != dir && path.Dir(k) == dir {
			names = append(names, path.Base(k))
		}
	}
	sort.Strings(names)
	return names
}

func readPart(r *http.Request) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	part, err := mr.NextPart()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return io.ReadAll(part)
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]any{"Message": msg, "Code": 0, "Type": "error"})
}

func nodeFor(t *testing.T, ts *httptest.Server) ipfsdrive.Node {
	t.Helper()
	addr := ts.Listener.Addr().(*net.TCPAddr)
	return ipfsdrive.Node{IPv4: addr.IP.String(), Port: addr.Port}
}

func startFake(t *testing.T) (*fakeMFS, ipfsdrive.Node) {
	t.Helper()
	fake := newFakeMFS()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)
	return fake, nodeFor(t, ts)
}

func TestConformance(t *testing.T) {
	drivetest.RunConformance(t, func(t *testing.T) drive.Drive {
		_, node := startFake(t)
		d, err := ipfsdrive.New(context.Background(), ipfsdrive.Config{Nodes: []ipfsdrive.Node{node}})
		require.NoError(t, err)
		return d
	})
}

func TestConformanceUnderRoot(t *testing.T) {
	drivetest.RunConformance(t, func(t *testing.T) drive.Drive {
		_, node := startFake(t)
		d, err := ipfsdrive.New(context.Background(), ipfsdrive.Config{
			Nodes: []ipfsdrive.Node{node},
			Root:  "/hyport/data",
		})
		require.NoError(t, err)
		return d
	})
}

func TestSkipsUnreachableNode(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	_, live := startFake(t)
	d, err := ipfsdrive.New(context.Background(), ipfsdrive.Config{
		Nodes: []ipfsdrive.Node{{IPv4: dead.IP.String(), Port: dead.Port}, live},
	})
	require.NoError(t, err)
	require.Equal(t, live.Addr(), d.Addr())
}

func TestNoNodes(t *testing.T) {
	_, err := ipfsdrive.New(context.Background(), ipfsdrive.Config{})
	require.Error(t, err)
}

func TestWritesForwardedImmediately(t *testing.T) {
	ctx := context.Background()
	fake, node := startFake(t)
	d, err := ipfsdrive.New(ctx, ipfsdrive.Config{Nodes: []ipfsdrive.Node{node}})
	require.NoError(t, err)

	f, err := d.OpenFile(ctx, "/a", drive.ModeUpdate)
	require.NoError(t, err)
	fake.mu.Lock()
	base := fake.writes
	fake.mu.Unlock()

	_, err = f.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = f.Write([]byte("cd"))
	require.NoError(t, err)

	fake.mu.Lock()
	require.Equal(t, base+2, fake.writes)
	require.Equal(t, "abcd", string(fake.nodes["/a"].data))
	require.Positive(t, fake.versions)
	fake.mu.Unlock()

	require.NoError(t, f.Commit())
	require.NoError(t, f.Close())
	fake.mu.Lock()
	require.Equal(t, 1, fake.flush)
	fake.mu.Unlock()
}

func TestRegisteredFromConfigMap(t *testing.T) {
	_, node := startFake(t)
	d, err := drive.Open(context.Background(), "ipfs", map[string]any{
		"nodes": []any{map[string]any{"ipv4": node.IPv4, "port": strconv.Itoa(node.Port)}},
		"root":  "/mnt",
	})
	require.NoError(t, err)
	require.Equal(t, "ipfs", d.Name())
}

func TestNodeAddr(t *testing.T) {
	require.Equal(t, "10.0.0.1:5001", ipfsdrive.Node{IPv4: "10.0.0.1"}.Addr())
	require.Equal(t, "[::1]:9000", ipfsdrive.Node{IPv6: "::1", Port: 9000}.Addr())
}
