package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"
	"github.com/sirupsen/logrus"
)

type OSSConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
}

// OSSStore keeps artifacts in an Aliyun OSS bucket.
type OSSStore struct {
	bucket string
	client *oss.Client
	log    *logrus.Entry
}

func NewOSSStore(cfg OSSConfig) (*OSSStore, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, fmt.Errorf("oss bucket and credentials are required")
	}

	provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")
	ossCfg := oss.LoadDefaultConfig().
		WithCredentialsProvider(provider).
		WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		ossCfg = ossCfg.WithEndpoint(cfg.Endpoint)
	}

	return &OSSStore{
		bucket: cfg.Bucket,
		client: oss.NewClient(ossCfg),
		log:    logrus.WithFields(logrus.Fields{"store": "oss", "bucket": cfg.Bucket}),
	}, nil
}

func (s *OSSStore) Mode() string {
	return "oss"
}

func (s *OSSStore) Put(ctx context.Context, objectPath string, body []byte, contentType string) error {
	key, err := cleanPath(objectPath)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &oss.PutObjectRequest{
		Bucket:       oss.Ptr(s.bucket),
		Key:          oss.Ptr(key),
		Body:         bytes.NewReader(body),
		ContentType:  oss.Ptr(contentType),
		CacheControl: oss.Ptr(CacheControlImmutable),
	})
	if err != nil {
		return fmt.Errorf("failed to put oss object %s: %w", key, err)
	}
	return nil
}

func (s *OSSStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	key, err := cleanPath(objectPath)
	if err != nil {
		return false, err
	}

	ok, err := s.client.IsObjectExist(ctx, s.bucket, key)
	if err != nil {
		return false, fmt.Errorf("failed to head oss object %s: %w", key, err)
	}
	return ok, nil
}

func (s *OSSStore) List(ctx context.Context, prefix string) ([]string, error) {
	p := s.client.NewListObjectsV2Paginator(&oss.ListObjectsV2Request{
		Bucket: oss.Ptr(s.bucket),
		Prefix: oss.Ptr(listPrefix(prefix)),
	})

	var keys []string
	for p.HasNext() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list oss prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, oss.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *OSSStore) DeleteAll(ctx context.Context, prefix string) (int, error) {
	if err := CheckPrefix(prefix); err != nil {
		return 0, err
	}

	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	for i, key := range keys {
		_, err := s.client.DeleteObject(ctx, &oss.DeleteObjectRequest{
			Bucket: oss.Ptr(s.bucket),
			Key:    oss.Ptr(key),
		})
		if err != nil {
			return i, fmt.Errorf("failed to delete oss object %s: %w", key, err)
		}
	}

	s.log.WithField("prefix", prefix).Debugf("deleted %d objects", len(keys))
	return len(keys), nil
}

func (s *OSSStore) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	key, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}

	result, err := s.client.Presign(ctx, &oss.GetObjectRequest{
		Bucket: oss.Ptr(s.bucket),
		Key:    oss.Ptr(key),
	}, oss.PresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign oss object %s: %w", key, err)
	}
	return result.URL, nil
}
