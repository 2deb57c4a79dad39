package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("object not found")

// maxDeleteBatch is the DeleteObjects request limit.
const maxDeleteBatch = 1000

// Store holds spool objects. Put must publish atomically: a Get either sees
// the whole object or ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, body io.ReadSeeker) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes every object under prefix. Nothing there is not an
	// error.
	Delete(ctx context.Context, prefix string) error
}

// DirStore keeps objects as files under root, typically a shared mount.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (d *DirStore) Put(_ context.Context, key string, body io.ReadSeeker) error {
	dst := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (d *DirStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (d *DirStore) Delete(_ context.Context, prefix string) error {
	dir := strings.TrimSuffix(filepath.FromSlash(prefix), string(filepath.Separator))
	if dir == "" || dir == "." {
		return errors.Errorf("refusing to delete spool root for prefix %q", prefix)
	}
	return os.RemoveAll(filepath.Join(d.root, dir))
}

// S3Store keeps objects in a bucket under a key prefix.
type S3Store struct {
	svc    s3iface.S3API
	bucket string
	prefix string
}

// NewS3Store parses an s3://bucket/prefix target. A nil svc uses the default
// AWS session.
func NewS3Store(target string, svc s3iface.S3API) (*S3Store, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(target, "s3://"), "/")
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return nil, errors.Errorf("bad s3 target %q", target)
	}
	if svc == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrap(err, "aws session")
		}
		svc = s3.New(sess)
	}
	return &S3Store{svc: svc, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	_, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   body,
	})
	return errors.Wrapf(err, "put s3://%s/%s", s.bucket, s.key(key))
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get s3://%s/%s", s.bucket, s.key(key))
	}
	return obj.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return errors.Errorf("refusing to delete s3://%s/%s", s.bucket, s.prefix)
	}
	var keys []*s3.ObjectIdentifier
	err := s.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, &s3.ObjectIdentifier{Key: obj.Key})
		}
		return true
	})
	if err != nil {
		return errors.Wrapf(err, "list s3://%s/%s", s.bucket, s.key(prefix))
	}
	for len(keys) > 0 {
		n := len(keys)
		if n > maxDeleteBatch {
			n = maxDeleteBatch
		}
		_, err := s.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: keys[:n], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return errors.Wrapf(err, "delete s3://%s/%s", s.bucket, s.key(prefix))
		}
		keys = keys[n:]
	}
	return nil
}
