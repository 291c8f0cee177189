package examples

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/config"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

// maxObjectSize bounds a single example file.
const maxObjectSize = 10 << 20

// errObjectTooLarge marks an object over maxObjectSize. Callers report it as
// an invalid example version.
var errObjectTooLarge = errors.New("object exceeds the size limit")

// NewMinioClient connects to the configured object storage.
func NewMinioClient(cfg config.StorageConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey.Value(), cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return client, nil
}

// EnsureBucket creates bucket if it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string, logger *logging.Logger) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %q: %w", bucket, err)
	}
	logger.Info(ctx, "created bucket", zap.String("bucket", bucket))
	return nil
}

// MinioStore reads examples from an S3-compatible bucket laid out as
// <example_id>/<version>/meta.yaml and <example_id>/<version>/<file>.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
	logger  *logging.Logger
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore returns a MinioStore.
func NewMinioStore(client *minio.Client, bucket string, timeout time.Duration, logger *logging.Logger) *MinioStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MinioStore{client: client, bucket: bucket, timeout: timeout, logger: logger.Named("examples")}
}

func (s *MinioStore) GetManifest(ctx context.Context, exampleID, version string) (*Manifest, error) {
	data, err := s.read(ctx, objectKey(exampleID, version, ManifestFile))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, exampleID, version)
	}
	if errors.Is(err, errObjectTooLarge) {
		return nil, &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return ParseManifest(exampleID, version, data)
}

func (s *MinioStore) DownloadFiles(ctx context.Context, exampleID, version string, files []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := s.read(ctx, objectKey(exampleID, version, f))
		if errors.Is(err, ErrNotFound) {
			return nil, &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: fmt.Sprintf("declared file %q is missing", f)}
		}
		if errors.Is(err, errObjectTooLarge) {
			return nil, &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: fmt.Sprintf("declared file %q: %v", f, err)}
		}
		if err != nil {
			return nil, err
		}
		out[f] = data
	}
	s.logger.Debug(ctx, "downloaded example files",
		zap.String("example_id", exampleID),
		zap.String("version", version),
		zap.Int("files", len(out)),
	)
	return out, nil
}

func (s *MinioStore) read(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyStorage("get_object", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, classifyStorage("stat_object", err)
	}
	if info.Size > maxObjectSize {
		return nil, fmt.Errorf("%w: %q is %d bytes, limit is %d", errObjectTooLarge, key, info.Size, maxObjectSize)
	}
	data, err := io.ReadAll(io.LimitReader(obj, maxObjectSize+1))
	if err != nil {
		return nil, classifyStorage("read_object", err)
	}
	if len(data) > maxObjectSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", errObjectTooLarge, key, maxObjectSize)
	}
	return data, nil
}

// classifyStorage maps storage errors: missing keys become ErrNotFound,
// timeouts and server errors become transient remote errors.
func classifyStorage(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return ErrNotFound
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	}
	return remote.Classify("storage_"+op, resp.StatusCode, 0, err)
}
