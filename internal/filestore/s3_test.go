package filestore

import (
	"context"
	"os"
	"testing"

	"github.com/bobmcallan/batchd/internal/common"
)

// newTestS3Store builds an S3Store against a real S3-compatible endpoint (e.g. MinIO or
// LocalStack). No such endpoint is wired into this pack's Docker test harness, so — mirroring
// tests/common/containers.go's VIRE_TEST_DOCKER skip convention — these tests only run when the
// operator points BATCHD_TEST_S3_ENDPOINT/BATCHD_TEST_S3_BUCKET at one.
func newTestS3Store(t *testing.T) *S3Store {
	t.Helper()
	endpoint := os.Getenv("BATCHD_TEST_S3_ENDPOINT")
	bucket := os.Getenv("BATCHD_TEST_S3_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("S3 integration tests disabled (set BATCHD_TEST_S3_ENDPOINT and BATCHD_TEST_S3_BUCKET to enable)")
	}

	s, err := NewS3Store(context.Background(), common.NewSilentLogger(), S3Config{
		Bucket:    bucket,
		Prefix:    "batchd-test",
		Region:    envOr("BATCHD_TEST_S3_REGION", "us-east-1"),
		Endpoint:  endpoint,
		AccessKey: os.Getenv("BATCHD_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("BATCHD_TEST_S3_SECRET_KEY"),
	})
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestS3Store_PutInputAndGet_RoundTrip(t *testing.T) {
	s := newTestS3Store(t)
	ctx := context.Background()

	content := []byte(`{"custom_id":"1"}` + "\n")
	id, err := s.PutInput(ctx, content)
	if err != nil {
		t.Fatalf("PutInput failed: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Get = %q, want %q", got, content)
	}
}

func TestS3Store_AppendAndCountLines(t *testing.T) {
	s := newTestS3Store(t)
	ctx := context.Background()
	fileID := "s3-output-1"

	if err := s.AppendOutputLine(ctx, fileID, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("AppendOutputLine #1 failed: %v", err)
	}
	if err := s.AppendOutputLine(ctx, fileID, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("AppendOutputLine #2 failed: %v", err)
	}

	count, err := s.CountLines(ctx, fileID)
	if err != nil {
		t.Fatalf("CountLines failed: %v", err)
	}
	if count != 2 {
		t.Errorf("CountLines = %d, want 2", count)
	}
}

func TestS3Store_Truncate_DropsExtraLines(t *testing.T) {
	s := newTestS3Store(t)
	ctx := context.Background()
	fileID := "s3-truncate-me"

	for i := 0; i < 3; i++ {
		if err := s.AppendOutputLine(ctx, fileID, []byte(`{"ok":true}`)); err != nil {
			t.Fatalf("AppendOutputLine #%d failed: %v", i, err)
		}
	}
	if err := s.Truncate(ctx, fileID, 1); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	count, err := s.CountLines(ctx, fileID)
	if err != nil {
		t.Fatalf("CountLines failed: %v", err)
	}
	if count != 1 {
		t.Errorf("CountLines after truncate = %d, want 1", count)
	}
}

func TestS3Store_Exists(t *testing.T) {
	s := newTestS3Store(t)
	ctx := context.Background()

	id, err := s.PutInput(ctx, []byte("data"))
	if err != nil {
		t.Fatalf("PutInput failed: %v", err)
	}

	ok, err := s.Exists(ctx, id)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Error("Exists = false, want true for an object just written")
	}

	ok, err = s.Exists(ctx, "never-written")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("Exists = true, want false for an object that was never written")
	}
}
