package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/johannesboyne/gofakes3"
	"github.com/pkg/errors"

	"github.com/jacktea/hyport/pkg/dispatch"
)

// DefaultETagCache is the number of object hashes remembered between
// requests.
const DefaultETagCache = 4096

// Backend implements gofakes3.Backend on top of a Dispatcher. Buckets are
// directories directly under the root; object keys are paths below them.
type Backend struct {
	ctx   context.Context
	d     *dispatch.Dispatcher
	etags *lru.Cache[string, etagEntry]
}

var _ gofakes3.Backend = (*Backend)(nil)

// etagEntry is the md5 of an object as written through the gateway. Drives
// keep no per-object metadata, so hashes only live in memory. Not every drive
// reports a stable mtime, so an entry is matched on size and dropped whenever
// the gateway changes the path.
type etagEntry struct {
	size int64
	hash []byte
}

// NewBackend wraps d with an S3-compatible backend. ctx bounds every
// dispatcher call the backend makes.
func NewBackend(ctx context.Context, d *dispatch.Dispatcher, etagCache int) (*Backend, error) {
	if etagCache <= 0 {
		etagCache = DefaultETagCache
	}
	etags, err := lru.New[string, etagEntry](etagCache)
	if err != nil {
		return nil, errors.Wrap(err, "etag cache")
	}
	return &Backend{ctx: ctx, d: d, etags: etags}, nil
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	names, err := b.children("/")
	if err != nil {
		return nil, err
	}
	var buckets []gofakes3.BucketInfo
	for _, name := range names {
		if isReservedName(name) {
			continue
		}
		attr, errno := b.d.Stat(b.ctx, "/"+name)
		if errno != 0 || !attr.IsDir() {
			continue
		}
		ts := attr.ModTime
		if ts.IsZero() {
			ts = time.Now()
		}
		buckets = append(buckets, gofakes3.BucketInfo{
			Name:         name,
			CreationDate: gofakes3.NewContentTime(ts),
		})
	}
	return buckets, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.ensureBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(name, prefix.Prefix)
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	var lastKey string
	count := 0
	for _, item := range objects {
		if page.Marker != "" && item.Key <= page.Marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: item.Key, MatchedPart: item.Key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(item.Key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
		}
		if count == limit {
			results.IsTruncated = true
			break
		}
		count++
		if match.CommonPrefix {
			results.AddPrefix(match.MatchedPart)
			lastKey = match.MatchedPart
			continue
		}
		results.Add(item)
		lastKey = item.Key
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if isReservedName(name) {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	p := bucketPath(name)
	if _, errno := b.d.Stat(b.ctx, p); errno == 0 {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	return dispatch.Error("create bucket", p, b.d.Mkdir(b.ctx, p))
}

func (b *Backend) BucketExists(name string) (bool, error) {
	if name == "" || isReservedName(name) {
		return false, nil
	}
	attr, errno := b.d.Stat(b.ctx, bucketPath(name))
	switch errno {
	case 0:
		return attr.IsDir(), nil
	case dispatch.ErrNotExist:
		return false, nil
	default:
		return false, dispatch.Error("stat", bucketPath(name), errno)
	}
}

func (b *Backend) DeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	names, err := b.children(bucketPath(name))
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
	}
	return dispatch.Error("delete bucket", bucketPath(name), b.d.Rmdir(b.ctx, bucketPath(name)))
}

func (b *Backend) ForceDeleteBucket(name string) error {
	if err := b.ensureBucket(name); err != nil {
		return err
	}
	return b.removeAll(bucketPath(name))
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	target := objectPath(bucket, object)
	attr, err := b.statObject(target, object)
	if err != nil {
		return nil, err
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		if rng, err = rangeRequest.Range(attr.Size); err != nil {
			return nil, err
		}
	}
	h, errno := b.d.Open(b.ctx, target, os.O_RDONLY)
	if errno != 0 {
		return nil, dispatch.Error("open", target, errno)
	}
	start, length := int64(0), attr.Size
	if rng != nil {
		start, length = rng.Start, rng.Length
	}
	return &gofakes3.Object{
		Name:     object,
		Metadata: objectMetadata(attr),
		Size:     attr.Size,
		Contents: &objectReader{Reader: io.LimitReader(b.d.NewReader(b.ctx, h, start), length), b: b, h: h},
		Hash:     b.etag(target, attr),
		Range:    rng,
	}, nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	target := objectPath(bucket, object)
	attr, err := b.statObject(target, object)
	if err != nil {
		return nil, err
	}
	return &gofakes3.Object{
		Name:     object,
		Metadata: objectMetadata(attr),
		Size:     attr.Size,
		Contents: io.NopCloser(bytes.NewReader(nil)),
		Hash:     b.etag(target, attr),
	}, nil
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	target := objectPath(bucket, object)
	attr, errno := b.d.Stat(b.ctx, target)
	switch {
	case errno == dispatch.ErrNotExist:
		// Deleting a missing key succeeds in S3.
		return gofakes3.ObjectDeleteResult{}, nil
	case errno != 0:
		return gofakes3.ObjectDeleteResult{}, dispatch.Error("stat", target, errno)
	case attr.IsDir():
		errno = b.d.Rmdir(b.ctx, target)
	default:
		errno = b.d.Unlink(b.ctx, target)
	}
	b.etags.Remove(target)
	return gofakes3.ObjectDeleteResult{}, dispatch.Error("delete", target, errno)
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	target := objectPath(bucket, key)
	if conditions != nil {
		info, err := b.objectInfo(target)
		if err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	if err := b.mkdirAll(path.Dir(target)); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	// Console-style folder markers become directories.
	if strings.HasSuffix(key, "/") {
		if _, err := io.Copy(io.Discard, input); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		return gofakes3.PutObjectResult{}, b.mkdirAll(target)
	}
	if err := b.writeObject(target, input); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.ensureBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	if err := b.ensureBucket(srcBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.ensureBucket(dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	src := objectPath(srcBucket, srcKey)
	dst := objectPath(dstBucket, dstKey)
	attr, err := b.statObject(src, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if src != dst {
		if err := b.mkdirAll(path.Dir(dst)); err != nil {
			return gofakes3.CopyObjectResult{}, err
		}
		pr, pw := io.Pipe()
		go func() {
			_, err := b.d.ReadFile(b.ctx, src, pw)
			pw.CloseWithError(err)
		}()
		err := b.writeObject(dst, pr)
		pr.Close()
		if err != nil {
			return gofakes3.CopyObjectResult{}, err
		}
		if attr, err = b.statObject(dst, dstKey); err != nil {
			return gofakes3.CopyObjectResult{}, err
		}
	}
	// Copying onto itself only rewrites metadata, which drives do not keep.
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(b.etag(dst, attr)),
		LastModified: gofakes3.NewContentTime(modTime(attr)),
	}, nil
}

// writeObject replaces target with input and remembers its md5.
func (b *Backend) writeObject(target string, input io.Reader) error {
	hasher := md5.New()
	if _, err := b.d.WriteFile(b.ctx, target, io.TeeReader(input, hasher)); err != nil {
		b.etags.Remove(target)
		return err
	}
	attr, errno := b.d.Stat(b.ctx, target)
	if errno != 0 {
		return dispatch.Error("stat", target, errno)
	}
	b.etags.Add(target, etagEntry{size: attr.Size, hash: hasher.Sum(nil)})
	return nil
}

// etag returns the remembered md5 of target when its size still matches.
// Otherwise it derives a tag from the path and size so unchanged objects keep
// their ETag across requests without being read back.
func (b *Backend) etag(target string, attr dispatch.Attr) []byte {
	if e, ok := b.etags.Get(target); ok && e.size == attr.Size {
		return e.hash
	}
	sum := md5.Sum(fmt.Appendf(nil, "%s\x00%d", target, attr.Size))
	return sum[:]
}

// forget drops remembered hashes for p and everything below it.
func (b *Backend) forget(p string) {
	b.etags.Remove(p)
	for _, k := range b.etags.Keys() {
		if strings.HasPrefix(k, p+"/") {
			b.etags.Remove(k)
		}
	}
}

func (b *Backend) ensureBucket(name string) error {
	ok, err := b.BucketExists(name)
	if err != nil {
		return err
	}
	if !ok {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

// statObject returns the attributes of a regular file, reporting anything
// else as a missing key.
func (b *Backend) statObject(target, key string) (dispatch.Attr, error) {
	attr, errno := b.d.Stat(b.ctx, target)
	switch {
	case errno == dispatch.ErrNotExist:
		return attr, gofakes3.KeyNotFound(key)
	case errno != 0:
		return attr, dispatch.Error("stat", target, errno)
	case attr.IsDir():
		return attr, gofakes3.KeyNotFound(key)
	}
	return attr, nil
}

func (b *Backend) objectInfo(target string) (*gofakes3.ConditionalObjectInfo, error) {
	attr, errno := b.d.Stat(b.ctx, target)
	switch {
	case errno == dispatch.ErrNotExist, errno == 0 && attr.IsDir():
		return &gofakes3.ConditionalObjectInfo{Exists: false}, nil
	case errno != 0:
		return nil, dispatch.Error("stat", target, errno)
	}
	return &gofakes3.ConditionalObjectInfo{
		Exists: true,
		Hash:   b.etag(target, attr),
	}, nil
}

// children lists the entries of dir without "." and "..", sorted.
func (b *Backend) children(dir string) ([]string, error) {
	var names []string
	errno := b.d.List(b.ctx, dir, func(name string) {
		if name != "." && name != ".." {
			names = append(names, name)
		}
	})
	if errno != 0 {
		return nil, dispatch.Error("list", dir, errno)
	}
	sort.Strings(names)
	return names, nil
}

// listObjects walks the bucket and returns every file whose key could match
// prefix, sorted by key.
func (b *Backend) listObjects(bucket, prefix string) ([]*gofakes3.Content, error) {
	base := bucketPath(bucket)
	var out []*gofakes3.Content
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		names, err := b.children(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			p := path.Join(dir, name)
			key := rel + name
			attr, errno := b.d.Stat(b.ctx, p)
			if errno != 0 {
				// Removed while walking.
				continue
			}
			if attr.IsDir() {
				sub := key + "/"
				if strings.HasPrefix(sub, prefix) || strings.HasPrefix(prefix, sub) {
					if err := walk(p, sub); err != nil {
						return err
					}
				}
				continue
			}
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			out = append(out, &gofakes3.Content{
				Key:          key,
				LastModified: gofakes3.NewContentTime(modTime(attr)),
				Size:         attr.Size,
				ETag:         gofakes3.FormatETag(b.etag(p, attr)),
			})
		}
		return nil
	}
	if err := walk(base, ""); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// mkdirAll creates dir and any missing parents.
func (b *Backend) mkdirAll(dir string) error {
	if dir == "/" {
		return nil
	}
	attr, errno := b.d.Stat(b.ctx, dir)
	if errno == 0 {
		if !attr.IsDir() {
			return dispatch.Error("mkdir", dir, syscall.ENOTDIR)
		}
		return nil
	}
	if err := b.mkdirAll(path.Dir(dir)); err != nil {
		return err
	}
	return dispatch.Error("mkdir", dir, b.d.Mkdir(b.ctx, dir))
}

// removeAll deletes dir and everything below it, children first.
func (b *Backend) removeAll(dir string) error {
	names, err := b.children(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		p := path.Join(dir, name)
		attr, errno := b.d.Stat(b.ctx, p)
		switch {
		case errno != 0:
			continue
		case attr.IsDir():
			if err := b.removeAll(p); err != nil {
				return err
			}
		default:
			if errno := b.d.Unlink(b.ctx, p); errno != 0 {
				return dispatch.Error("delete", p, errno)
			}
			b.etags.Remove(p)
		}
	}
	b.forget(dir)
	return dispatch.Error("delete", dir, b.d.Rmdir(b.ctx, dir))
}

// rename moves an object or directory and drops hashes for both paths.
func (b *Backend) rename(from, to string) error {
	err := dispatch.Error("rename", from, b.d.Rename(b.ctx, from, to))
	if err == nil {
		b.forget(from)
		b.forget(to)
	}
	return err
}

func bucketPath(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "/"))
}

func objectPath(bucket, key string) string {
	base := bucketPath(bucket)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return base
	}
	// Clean as a rooted path first so ".." cannot leave the bucket.
	return path.Join(base, path.Clean("/"+key))
}

func isReservedName(name string) bool {
	return strings.HasPrefix(name, ".")
}

func modTime(attr dispatch.Attr) time.Time {
	if attr.ModTime.IsZero() {
		return time.Now()
	}
	return attr.ModTime
}

func objectMetadata(attr dispatch.Attr) map[string]string {
	return map[string]string{
		"Last-Modified": modTime(attr).UTC().Format(http.TimeFormat),
	}
}

// objectReader streams an open handle and releases it on Close.
type objectReader struct {
	io.Reader
	b      *Backend
	h      dispatch.Handle
	closed bool
}

func (r *objectReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return dispatch.Error("release", "", r.b.d.Release(r.b.ctx, r.h))
}
