package docqw

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
)

// MinIOResultStore keeps results as JSON objects in an S3-compatible bucket.
// It suits deployments where zip archives are too large for Redis.
type MinIOResultStore struct {
	client *minio.Client
	bucket string
	prefix string
	enc    Encoder
}

// NewMinIOResultStore creates a store writing objects <prefix>/<id>.json into bucket.
func NewMinIOResultStore(client *minio.Client, bucket, prefix string) *MinIOResultStore {
	return &MinIOResultStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), enc: &ResultEncoder{}}
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinIOResultStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

func (s *MinIOResultStore) object(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return s.prefix + "/" + id + ".json"
}

func (s *MinIOResultStore) Put(ctx context.Context, id string, res *TaskResult) (string, error) {
	b, err := s.enc.Encode(res)
	if err != nil {
		return "", err
	}
	name := s.object(id)
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(b), int64(len(b)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (s *MinIOResultStore) Get(ctx context.Context, key string) (*TaskResult, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, err
	}
	var res TaskResult
	if err := s.enc.Decode(b, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *MinIOResultStore) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
