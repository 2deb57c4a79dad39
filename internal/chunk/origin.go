package chunk

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"ldtcast/internal/faults"
)

// Origin is a forward-only byte source. Read returns up to max bytes and
// reports whether the origin is exhausted; a zero-length read always means
// the end.
type Origin interface {
	Read(max int) (data []byte, end bool, err error)
	// Size is the total length in bytes, or -1 when unknown.
	Size() int64
	Close() error
}

// Options tunes origin construction. Zero values pick defaults.
type Options struct {
	HTTPClient  *fasthttp.Client
	HTTPTimeout time.Duration
	S3          s3iface.S3API
}

const defaultHTTPTimeout = 5 * time.Minute

// Open resolves rawURL to an origin: bare paths and file:// URLs open a local
// file, http(s):// URLs fetch with ranged requests, s3://bucket/key streams an
// S3 object.
func Open(ctx context.Context, rawURL string, opts Options) (Origin, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return openHTTP(ctx, rawURL, opts)
	case strings.HasPrefix(rawURL, "s3://"):
		bucket, key := parseS3(rawURL)
		if bucket == "" || key == "" {
			return nil, faults.Errorf(faults.Configuration, "open origin", "bad s3 url %q", rawURL)
		}
		return openS3(ctx, bucket, key, opts)
	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, faults.Wrap(faults.Configuration, "open origin", err)
		}
		return openFile(u.Path)
	case strings.Contains(rawURL, "://"):
		return nil, faults.Errorf(faults.Configuration, "open origin", "unsupported url %q", rawURL)
	}
	return openFile(rawURL)
}

// BaseName is the file name a URL's content is stored under.
func BaseName(rawURL string) string {
	if strings.Contains(rawURL, "://") {
		if u, err := url.Parse(rawURL); err == nil {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(rawURL)
}

func parseS3(target string) (string, string) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(target, "s3://"), "/")
	bucket, key, _ := strings.Cut(trimmed, "/")
	return bucket, key
}

// streamOrigin serves any sequential reader.
type streamOrigin struct {
	r    io.Reader
	c    io.Closer
	size int64
	done bool
}

func (o *streamOrigin) Read(max int) ([]byte, bool, error) {
	if o.done {
		return nil, true, nil
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(o.r, buf)
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		o.done = true
	default:
		return nil, false, err
	}
	return buf[:n], o.done, nil
}

func (o *streamOrigin) Size() int64 { return o.size }

func (o *streamOrigin) Close() error { return o.c.Close() }

func openFile(p string) (Origin, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "open origin")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "open origin")
	}
	if fi.IsDir() {
		f.Close()
		return nil, faults.Errorf(faults.Configuration, "open origin", "%s is a directory", p)
	}
	return &streamOrigin{r: f, c: f, size: fi.Size()}, nil
}
