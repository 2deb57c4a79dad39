package chunk

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

func openS3(ctx context.Context, bucket, key string, o Options) (Origin, error) {
	svc := o.S3
	if svc == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrap(err, "open origin: aws session")
		}
		svc = s3.New(sess)
	}
	obj, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open origin s3://%s/%s", bucket, key)
	}
	size := int64(-1)
	if obj.ContentLength != nil {
		size = *obj.ContentLength
	}
	return &streamOrigin{r: obj.Body, c: obj.Body, size: size}, nil
}
