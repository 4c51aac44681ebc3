package avatar

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore keeps uploaded pictures in an S3-compatible bucket. When it is
// not configured the caller stores the data URI inline instead.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewObjectStore connects to MinIO and makes sure the avatar bucket exists.
func NewObjectStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return &ObjectStore{
		client:  client,
		bucket:  bucket,
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// Put stores an uploaded image under a per-user key and returns its URL.
// Re-uploading overwrites the previous picture for the same user.
func (s *ObjectStore) Put(ctx context.Context, userID string, img Image) (string, error) {
	key := fmt.Sprintf("%s.%s", userID, img.Ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(img.Data), int64(len(img.Data)), minio.PutObjectOptions{
		ContentType: img.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}
	return s.baseURL + "/" + key, nil
}
