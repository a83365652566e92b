package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
)

// S3Config configures the S3-backed file store.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Store implements interfaces.FileStore on AWS S3 (or an S3-compatible endpoint),
// extending the same append+fsync/CountLines/Truncate semantics filestore.Store gives the
// local-disk backend (spec.md §4.3, §4.5) onto object storage. S3 has no append primitive,
// so AppendOutputLine/Truncate read-modify-write the whole object under a per-file mutex —
// the same serialisation Store.lockFor uses, just guarding a GetObject+PutObject pair
// instead of an OpenFile+Write.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *common.Logger

	mu      sync.Mutex
	appends map[string]*sync.Mutex
}

// NewS3Store builds an S3-backed file store. Region/Endpoint/AccessKey/SecretKey are
// optional: when empty, the AWS SDK's default credential chain and region resolution apply
// (environment, shared config, EC2/ECS instance role), matching how the rest of this
// repo's config layer lets ambient defaults take over when a field is left unset.
func NewS3Store(ctx context.Context, logger *common.Logger, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 file store requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for s3 file store: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Debug().Str("bucket", cfg.Bucket).Str("prefix", cfg.Prefix).Msg("S3 FileStore initialized")
	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		logger:  logger,
		appends: make(map[string]*sync.Mutex),
	}, nil
}

func (s *S3Store) key(fileID string) string {
	clean := sanitizeKey(fileID)
	if s.prefix == "" {
		return clean
	}
	return s.prefix + "/" + clean
}

func (s *S3Store) lockFor(fileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.appends[fileID]
	if !ok {
		m = &sync.Mutex{}
		s.appends[fileID] = m
	}
	return m
}

func (s *S3Store) getObject(ctx context.Context, fileID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(s.key(fileID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) putObject(ctx context.Context, fileID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(s.key(fileID)),
		Body:   bytes.NewReader(data),
	})
	return err
}

// PutInput stores an immutable input file under a fresh opaque id.
func (s *S3Store) PutInput(ctx context.Context, data []byte) (string, error) {
	fileID := "file-" + uuid.New().String()
	if err := s.putObject(ctx, fileID, data); err != nil {
		return "", fmt.Errorf("failed to put input object %s: %w", fileID, err)
	}
	return fileID, nil
}

func (s *S3Store) Get(ctx context.Context, fileID string) ([]byte, error) {
	data, err := s.getObject(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", fileID, err)
	}
	if data == nil {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

// AppendOutputLine appends one line under a read-modify-write cycle serialised per fileID,
// the object-storage equivalent of Store's OpenFile(O_APPEND)+fsync.
func (s *S3Store) AppendOutputLine(ctx context.Context, fileID string, line []byte) error {
	lock := s.lockFor(fileID)
	lock.Lock()
	defer lock.Unlock()

	data, err := s.getObject(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to read output object %s for append: %w", fileID, err)
	}

	data = append(data, line...)
	if !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	if err := s.putObject(ctx, fileID, data); err != nil {
		return fmt.Errorf("failed to write output object %s: %w", fileID, err)
	}
	return nil
}

// CountLines counts complete (newline-terminated) lines the same way Store.CountLines
// does — a dangling partial final line from a crash mid-append is excluded.
func (s *S3Store) CountLines(ctx context.Context, fileID string) (int, error) {
	data, err := s.getObject(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to read output object %s: %w", fileID, err)
	}
	if data == nil {
		return 0, nil
	}
	return bytes.Count(data, []byte("\n")), nil
}

// Truncate trims an object down to exactly n complete lines.
func (s *S3Store) Truncate(ctx context.Context, fileID string, n int) error {
	lock := s.lockFor(fileID)
	lock.Lock()
	defer lock.Unlock()

	data, err := s.getObject(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to read output object %s for truncate: %w", fileID, err)
	}
	if data == nil {
		return nil
	}

	lines := bytes.SplitAfter(data, []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	if n < 0 {
		n = 0
	}
	if n > len(lines) {
		n = len(lines)
	}
	kept := bytes.Join(lines[:n], nil)

	if err := s.putObject(ctx, fileID, kept); err != nil {
		return fmt.Errorf("failed to write truncated output object %s: %w", fileID, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, fileID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(s.key(fileID)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head object %s: %w", fileID, err)
}

func (s *S3Store) Close() error { return nil }

var _ interfaces.FileStore = (*S3Store)(nil)
