package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"
)

// S3 accepts at most this many keys per DeleteObjects call.
const s3DeleteBatchSize = 1000

type S3Store struct {
	bucket string
	svc    s3iface.S3API
	log    *logrus.Entry
}

// NewS3Store builds a client from the default AWS credential chain and
// verifies the bucket is reachable.
func NewS3Store(bucket, region string) (*S3Store, error) {
	s, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	cfg := &aws.Config{
		MaxRetries: aws.Int(3),
	}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	svc := s3.New(s, cfg)

	if _, err := svc.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s is not reachable: %w", bucket, err)
	}

	return NewS3StoreWithClient(bucket, svc), nil
}

func NewS3StoreWithClient(bucket string, svc s3iface.S3API) *S3Store {
	return &S3Store{
		bucket: bucket,
		svc:    svc,
		log:    logrus.WithFields(logrus.Fields{"store": "s3", "bucket": bucket}),
	}
}

func (s *S3Store) Mode() string {
	return "s3"
}

func (s *S3Store) Put(ctx context.Context, objectPath string, body []byte, contentType string) error {
	key, err := cleanPath(objectPath)
	if err != nil {
		return err
	}

	_, err = s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(CacheControlImmutable),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3 object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, objectPath string) (bool, error) {
	key, err := cleanPath(objectPath)
	if err != nil {
		return false, err
	}

	_, err = s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head s3 object %s: %w", key, err)
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix(prefix)),
	}

	var keys []string
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				keys = append(keys, aws.StringValue(obj.Key))
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3 prefix %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *S3Store) DeleteAll(ctx context.Context, prefix string) (int, error) {
	if err := CheckPrefix(prefix); err != nil {
		return 0, err
	}

	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(keys); start += s3DeleteBatchSize {
		end := start + s3DeleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete s3 objects under %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted + len(objects) - len(out.Errors), fmt.Errorf("failed to delete %d s3 objects under %s, first: %s: %s",
				len(out.Errors), prefix, aws.StringValue(first.Key), aws.StringValue(first.Message))
		}
		deleted += len(objects)
	}

	s.log.WithField("prefix", prefix).Debugf("deleted %d objects", deleted)
	return deleted, nil
}

func (s *S3Store) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	key, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}

	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	u, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign s3 object %s: %w", key, err)
	}
	return u, nil
}

func isS3NotFound(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusNotFound {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
