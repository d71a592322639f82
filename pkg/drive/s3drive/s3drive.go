// Package s3drive implements a drive on an S3 bucket. Directories are
// represented by zero-length "name/" marker objects and by any key sharing
// their prefix.
package s3drive

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"github.com/jacktea/hyport/pkg/drive"
)

func init() {
	drive.Register("s3", func(ctx context.Context, cfg map[string]any) (drive.Drive, error) {
		var c Config
		if err := drive.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(ctx, c)
	})
}

// Config configures the s3 driver.
type Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SessionToken string `mapstructure:"session_token"`
	PathStyle    bool   `mapstructure:"path_style"`
	// MaxFileSize caps the staged size of an open object. Zero means
	// drive.DefaultMaxBufferSize.
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// Drive maps drive paths onto keys below Prefix in Bucket.
type Drive struct {
	client  *s3.Client
	bucket  string
	prefix  string
	maxSize int64
}

var _ drive.Drive = (*Drive)(nil)

// New builds an S3 client from cfg. Static keys take precedence over the
// default credential chain.
func New(ctx context.Context, cfg Config) (*Drive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 drive: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		// The client must stay buildable so AWS_CA_BUNDLE can install its
		// root CAs on the transport.
		config.WithHTTPClient(awshttp.NewBuildableClient().WithTransportOptions(pooledTransport)),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3 drive: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	d := NewWithClient(client, cfg.Bucket, cfg.Prefix)
	d.maxSize = cfg.MaxFileSize
	return d, nil
}

// pooledTransport applies go-cleanhttp's pooling defaults to tr.
func pooledTransport(tr *http.Transport) {
	pooled := cleanhttp.DefaultPooledTransport()
	tr.Proxy = pooled.Proxy
	tr.MaxIdleConns = pooled.MaxIdleConns
	tr.MaxIdleConnsPerHost = pooled.MaxIdleConnsPerHost
	tr.IdleConnTimeout = pooled.IdleConnTimeout
	tr.TLSHandshakeTimeout = pooled.TLSHandshakeTimeout
	tr.ExpectContinueTimeout = pooled.ExpectContinueTimeout
	tr.ForceAttemptHTTP2 = pooled.ForceAttemptHTTP2
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Drive {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Drive{client: client, bucket: bucket, prefix: prefix}
}

// Name implements drive.Drive.
func (d *Drive) Name() string { return "s3" }

func (d *Drive) key(p string) string {
	return d.prefix + strings.TrimPrefix(drive.Clean(p), "/")
}

func (d *Drive) dirKey(p string) string {
	p = drive.Clean(p)
	if p == "/" {
		return d.prefix
	}
	return d.key(p) + "/"
}

// Stat implements drive.Drive.
func (d *Drive) Stat(ctx context.Context, p string) (drive.FileInfo, error) {
	p = drive.Clean(p)
	if p == "/" {
		return drive.FileInfo{Type: drive.TypeDirectory}, nil
	}
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	if err == nil {
		return drive.FileInfo{
			Type:    drive.TypeFile,
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return drive.FileInfo{}, errors.Wrapf(err, "head %s", p)
	}
	list, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(d.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return drive.FileInfo{}, errors.Wrapf(err, "list %s", p)
	}
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return drive.FileInfo{}, errors.Wrap(drive.ErrNotFound, p)
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
	prefix := d.dirKey(p)
	pager := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.Wrapf(err, "list %s", p)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			if !fn([]drive.Property{
				{Key: drive.PropName, Value: name},
				{Key: drive.PropType, Value: drive.TypeDirectory},
				{Key: drive.PropSize, Value: "0"},
			}) {
				return nil
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// Directory markers are already listed as common prefixes.
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			if !fn([]drive.Property{
				{Key: drive.PropName, Value: name},
				{Key: drive.PropType, Value: drive.TypeFile},
				{Key: drive.PropSize, Value: strconv.FormatInt(aws.ToInt64(obj.Size), 10)},
			}) {
				return nil
			}
		}
	}
	return nil
}

// Mkdir implements drive.Drive.
func (d *Drive) Mkdir(ctx context.Context, p string) error {
	p = drive.Clean(p)
	if _, err := d.Stat(ctx, p); err == nil {
		return errors.Wrap(drive.ErrExist, p)
	} else if !errors.Is(err, drive.ErrNotFound) {
		return err
	}
	if err := d.checkParent(ctx, p); err != nil {
		return err
	}
	return d.put(ctx, d.dirKey(p), nil)
}

// Delete implements drive.Drive.
func (d *Drive) Delete(ctx context.Context, p string) error {
	p = drive.Clean(p)
	if p == "/" {
		return errors.Wrap(drive.ErrNotSupported, "delete root")
	}
	info, err := d.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return d.deleteKey(ctx, d.key(p))
	}
	marker := d.dirKey(p)
	list, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(marker),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return errors.Wrapf(err, "list %s", p)
	}
	for _, obj := range list.Contents {
		if aws.ToString(obj.Key) != marker {
			return errors.Wrap(drive.ErrNotEmpty, p)
		}
	}
	return d.deleteKey(ctx, marker)
}

// Move implements drive.Drive. Objects are copied then deleted one at a
// time, so a failed directory move may leave both trees partially populated.
func (d *Drive) Move(ctx context.Context, from, to string) error {
	from, to = drive.Clean(from), drive.Clean(to)
	if from == "/" || strings.HasPrefix(to, from+"/") {
		return errors.Errorf("move %s to %s: invalid destination", from, to)
	}
	info, err := d.Stat(ctx, from)
	if err != nil {
		return err
	}
	if err := d.checkParent(ctx, to); err != nil {
		return err
	}
	if !info.IsDir() {
		return d.moveKey(ctx, d.key(from), d.key(to))
	}
	src, dst := d.dirKey(from), d.dirKey(to)
	var keys []string
	pager := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(src),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.Wrapf(err, "list %s", from)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	for _, k := range keys {
		if err := d.moveKey(ctx, k, dst+strings.TrimPrefix(k, src)); err != nil {
			return err
		}
	}
	return nil
}

// OpenFile implements drive.Drive. The object body is staged in memory and
// uploaded on Commit.
func (d *Drive) OpenFile(ctx context.Context, p string, mode drive.OpenMode) (drive.File, error) {
	p = drive.Clean(p)
	info, err := d.Stat(ctx, p)
	exists := err == nil
	switch {
	case err != nil && !errors.Is(err, drive.ErrNotFound):
		return nil, err
	case !exists && !mode.Has(drive.OpenCreate):
		return nil, err
	case exists && info.IsDir():
		return nil, errors.Wrap(drive.ErrIsDir, p)
	}
	if !exists {
		if err := d.checkParent(ctx, p); err != nil {
			return nil, err
		}
	}

	f := &file{d: d, ctx: ctx, path: p, mode: mode}
	switch {
	case !exists || mode.Has(drive.OpenTruncate):
		f.buf = drive.NewBuffer(nil)
		f.buf.Truncate()
	default:
		body, err := d.get(ctx, d.key(p))
		if err != nil {
			return nil, err
		}
		f.buf = drive.NewBuffer(body)
	}
	f.buf.SetLimit(d.maxSize)
	return f, nil
}

// Close implements drive.Drive.
func (d *Drive) Close() error { return nil }

func (d *Drive) checkParent(ctx context.Context, p string) error {
	parent, err := d.Stat(ctx, path.Dir(p))
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return errors.Errorf("%s: parent is not a directory", p)
	}
	return nil
}

func (d *Drive) get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(drive.ErrNotFound, key)
		}
		return nil, errors.Wrapf(err, "get %s", key)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return body, nil
}

func (d *Drive) put(ctx context.Context, key string, body []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	return errors.Wrapf(err, "put %s", key)
}

func (d *Drive) deleteKey(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "delete %s", key)
}

func (d *Drive) moveKey(ctx context.Context, from, to string) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(d.bucket + "/" + url.PathEscape(from)),
	})
	if err != nil {
		return errors.Wrapf(err, "copy %s to %s", from, to)
	}
	return d.deleteKey(ctx, from)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

type file struct {
	d    *Drive
	ctx  context.Context
	path string
	mode drive.OpenMode
	buf  *drive.Buffer

	mu     sync.Mutex
	closed bool
}

func (f *file) Read(p []byte) (int, error) {
	if !f.mode.Has(drive.OpenRead) {
		return 0, errors.Errorf("read %s: not opened for reading", f.path)
	}
	return f.buf.Read(p)
}

func (f *file) Write(p []byte) (int, error) {
	if !f.mode.Has(drive.OpenWrite) {
		return 0, errors.Errorf("write %s: not opened for writing", f.path)
	}
	return f.buf.Write(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	return f.buf.Seek(offset, whence)
}

// Commit uploads the staged body when it changed.
func (f *file) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return drive.ErrClosed
	}
	return f.flush()
}

func (f *file) flush() error {
	if !f.mode.Has(drive.OpenWrite) || !f.buf.Dirty() {
		return nil
	}
	if err := f.d.put(context.WithoutCancel(f.ctx), f.d.key(f.path), f.buf.Bytes()); err != nil {
		return err
	}
	f.buf.MarkClean()
	return nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return drive.ErrClosed
	}
	f.closed = true
	return f.flush()
}
