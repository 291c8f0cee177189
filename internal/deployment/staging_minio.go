package deployment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

// MinioStaging stages files in an S3-compatible bucket under runs/<run_id>/,
// so staging and commit may run on different workers.
type MinioStaging struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
	logger  *logging.Logger
}

var _ Staging = (*MinioStaging)(nil)

func NewMinioStaging(client *minio.Client, bucket string, timeout time.Duration, logger *logging.Logger) *MinioStaging {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MinioStaging{client: client, bucket: bucket, timeout: timeout, logger: logger.Named("staging")}
}

func (s *MinioStaging) Put(ctx context.Context, runID, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucket, stagingKey(runID, path), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return classifyStaging("put_object", err)
	}
	return nil
}

func (s *MinioStaging) Get(ctx context.Context, runID, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, stagingKey(runID, path), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyStaging("get_object", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s in run %s", ErrNotStaged, path, runID)
		}
		return nil, classifyStaging("read_object", err)
	}
	return data, nil
}

func (s *MinioStaging) Clear(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    stagingKey(runID, ""),
		Recursive: true,
	})
	removed := 0
	for obj := range objects {
		if obj.Err != nil {
			return classifyStaging("list_objects", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return classifyStaging("remove_object", err)
		}
		removed++
	}
	s.logger.Debug(ctx, "cleared staging", zap.String("run_id", runID), zap.Int("objects", removed))
	return nil
}

func classifyStaging(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotStaged, err)
	}
	return remote.Classify("staging_"+op, resp.StatusCode, 0, err)
}
