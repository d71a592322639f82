// Package ipfsdrive implements a drive on the mutable file system (MFS) of
// an IPFS node reached through its RPC API.
package ipfsdrive

import (
	"bytes"
	"context"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/hyport/pkg/drive"
)

func init() {
	drive.Register("ipfs", func(ctx context.Context, cfg map[string]any) (drive.Drive, error) {
		var c Config
		if err := drive.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(ctx, c)
	})
}

// Node is one RPC endpoint of an IPFS daemon.
type Node struct {
	IPv4 string `mapstructure:"ipv4"`
	IPv6 string `mapstructure:"ipv6"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port, preferring the IPv4 address.
func (n Node) Addr() string {
	host := n.IPv4
	if host == "" {
		host = n.IPv6
	}
	port := n.Port
	if port == 0 {
		port = 5001
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Config configures the ipfs driver.
type Config struct {
	Nodes   []Node        `mapstructure:"nodes"`
	Root    string        `mapstructure:"root"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Drive maps drive paths below Root in the node's MFS.
type Drive struct {
	sh   *shell.Shell
	addr string
	root string
	log  logrus.FieldLogger
}

var _ drive.Drive = (*Drive)(nil)

// New connects to the first configured node that answers an MFS stat of
// the drive root. A missing root directory is created.
func New(ctx context.Context, cfg Config) (*Drive, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("ipfs drive: at least one rpc node is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	root := drive.Clean(cfg.Root)
	log := logrus.WithField("component", "ipfsdrive")

	var lastErr error
	for _, node := range cfg.Nodes {
		addr := node.Addr()
		sh := shell.NewShellWithClient(addr, cleanhttp.DefaultPooledClient())
		sh.SetTimeout(cfg.Timeout)
		d := &Drive{sh: sh, addr: addr, root: root, log: log.WithField("node", addr)}
		if err := d.ensureRoot(ctx); err != nil {
			log.WithError(err).WithField("node", addr).Debug("ipfs node unavailable")
			lastErr = err
			continue
		}
		return d, nil
	}
	return nil, errors.WithMessage(lastErr, "ipfs drive: no reachable rpc node")
}

func (d *Drive) ensureRoot(ctx context.Context) error {
	_, err := d.sh.FilesStat(ctx, d.root)
	if err == nil {
		return nil
	}
	if !isNotExist(err) {
		return err
	}
	return d.sh.FilesMkdir(ctx, d.root, shell.FilesMkdir.Parents(true))
}

// Name implements drive.Drive.
func (d *Drive) Name() string { return "ipfs" }

// Addr reports the RPC node in use.
func (d *Drive) Addr() string { return d.addr }

func (d *Drive) mfsPath(p string) string {
	return path.Join(d.root, drive.Clean(p))
}

// Stat implements drive.Drive.
func (d *Drive) Stat(ctx context.Context, p string) (drive.FileInfo, error) {
	st, err := d.sh.FilesStat(ctx, d.mfsPath(p))
	if err != nil {
		return drive.FileInfo{}, mapErr(err, p)
	}
	if st.Type == drive.TypeFile {
		return drive.FileInfo{Type: drive.TypeFile, Size: int64(st.Size)}, nil
	}
	return drive.FileInfo{Type: drive.TypeDirectory}, nil
}

// List implements drive.Drive.
func (d *Drive) List(ctx context.Context, p string, fn drive.ListFunc) error {
	info, err := d.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.Errorf("list %s: not a directory", p)
	}
	entries, err := d.sh.FilesLs(ctx, d.mfsPath(p), shell.FilesLs.Stat(true))
	if err != nil {
		return mapErr(err, p)
	}
	for _, e := range entries {
		typ, size := drive.TypeFile, int64(e.Size)
		if e.Type == 1 {
			typ, size = drive.TypeDirectory, 0
		}
		if !fn([]drive.Property{
			{Key: drive.PropName, Value: e.Name},
			{Key: drive.PropType, Value: typ},
			{Key: drive.PropSize, Value: strconv.FormatInt(size, 10)},
		}) {
			return nil
		}
	}
	return nil
}

// Mkdir implements drive.Drive.
func (d *Drive) Mkdir(ctx context.Context, p string) error {
	if _, err := d.Stat(ctx, p); err == nil {
		return errors.Wrap(drive.ErrExist, p)
	}
	return mapErr(d.sh.FilesMkdir(ctx, d.mfsPath(p)), p)
}

// Delete implements drive.Drive.
func (d *Drive) Delete(ctx context.Context, p string) error {
	if drive.Clean(p) == "/" {
		return errors.Wrap(drive.ErrNotSupported, "delete root")
	}
	info, err := d.Stat(ctx, p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := d.sh.FilesLs(ctx, d.mfsPath(p))
		if err != nil {
			return mapErr(err, p)
		}
		if len(entries) > 0 {
			return errors.Wrap(drive.ErrNotEmpty, p)
		}
	}
	return mapErr(d.sh.FilesRm(ctx, d.mfsPath(p), true), p)
}

// Move implements drive.Drive.
func (d *Drive) Move(ctx context.Context, from, to string) error {
	if _, err := d.Stat(ctx, from); err != nil {
		return err
	}
	return mapErr(d.sh.FilesMv(ctx, d.mfsPath(from), d.mfsPath(to)), from)
}

// OpenFile implements drive.Drive. Reads and writes go straight to the node.
func (d *Drive) OpenFile(ctx context.Context, p string, mode drive.OpenMode) (drive.File, error) {
	p = drive.Clean(p)
	info, err := d.Stat(ctx, p)
	switch {
	case err == nil && info.IsDir():
		return nil, errors.Wrap(drive.ErrIsDir, p)
	case err != nil && !(errors.Is(err, drive.ErrNotFound) && mode.Has(drive.OpenCreate)):
		return nil, err
	}
	if err != nil || mode.Has(drive.OpenTruncate) {
		werr := d.sh.FilesWrite(ctx, d.mfsPath(p), bytes.NewReader(nil),
			shell.FilesWrite.Create(true),
			shell.FilesWrite.Truncate(mode.Has(drive.OpenTruncate)))
		if werr != nil {
			return nil, mapErr(werr, p)
		}
	}
	return &file{
		d:    d,
		ctx:  context.WithoutCancel(ctx),
		path: p,
		mode: mode,
	}, nil
}

// Close implements drive.Drive.
func (d *Drive) Close() error { return nil }

type file struct {
	d    *Drive
	ctx  context.Context
	path string
	mode drive.OpenMode

	mu     sync.Mutex
	off    int64
	closed bool
}

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, drive.ErrClosed
	}
	if !f.mode.Has(drive.OpenRead) {
		return 0, errors.Errorf("read %s: not opened for reading", f.path)
	}
	if len(p) == 0 {
		return 0, nil
	}
	rc, err := f.d.sh.FilesRead(f.ctx, f.d.mfsPath(f.path),
		shell.FilesRead.Offset(f.off),
		shell.FilesRead.Count(int64(len(p))))
	if err != nil {
		return 0, mapErr(err, f.path)
	}
	defer rc.Close()
	n, err := io.ReadFull(rc, p)
	f.off += int64(n)
	switch {
	case err == io.ErrUnexpectedEOF:
		return n, nil
	case err == io.EOF:
		return 0, io.EOF
	case err != nil:
		return n, errors.Wrapf(err, "read %s", f.path)
	}
	return n, nil
}

func (f *file) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, drive.ErrClosed
	}
	if !f.mode.Has(drive.OpenWrite) {
		return 0, errors.Errorf("write %s: not opened for writing", f.path)
	}
	err := f.d.sh.FilesWrite(f.ctx, f.d.mfsPath(f.path), bytes.NewReader(p),
		shell.FilesWrite.Offset(f.off),
		shell.FilesWrite.Create(true))
	if err != nil {
		return 0, mapErr(err, f.path)
	}
	f.off += int64(len(p))
	return len(p), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		st, err := f.d.sh.FilesStat(f.ctx, f.d.mfsPath(f.path))
		if err != nil {
			return 0, mapErr(err, f.path)
		}
		abs = int64(st.Size) + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.Errorf("negative offset %d", abs)
	}
	f.off = abs
	return abs, nil
}

// Commit flushes the file's MFS node.
func (f *file) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return drive.ErrClosed
	}
	cid, err := f.d.sh.FilesFlush(f.ctx, f.d.mfsPath(f.path))
	if err != nil {
		return mapErr(err, f.path)
	}
	f.d.log.WithFields(logrus.Fields{"path": f.path, "cid": cid}).Debug("flushed")
	return nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return drive.ErrClosed
	}
	f.closed = true
	return nil
}

func isNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}

func mapErr(err error, p string) error {
	switch {
	case err == nil:
		return nil
	case isNotExist(err):
		return errors.Wrap(drive.ErrNotFound, p)
	case strings.Contains(err.Error(), "already exists"):
		return errors.Wrap(drive.ErrExist, p)
	default:
		return errors.Wrap(err, p)
	}
}
