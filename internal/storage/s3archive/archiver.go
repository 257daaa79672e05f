package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"triagebot/internal/report"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver writes audit records to paths like
//
//	s3://<bucket>/<prefix>/triage/YYYY/MM/DD/<runID>.json
type Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
	logger   *zap.Logger
}

// New picks up region and credentials from the standard AWS environment.
func New(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newArchiver(bucket, prefix, manager.NewUploader(client), logger), nil
}

func newArchiver(bucket, prefix string, up uploader, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{bucket: bucket, prefix: prefix, uploader: up, logger: logger.Named("s3archive")}
}

// ObjectKey is derived from the run start time so reruns overwrite the
// same object.
func (a *Archiver) ObjectKey(audit report.AuditRecord) string {
	ts := audit.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(a.prefix, "triage",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", audit.RunID),
	)
}

func (a *Archiver) Persist(ctx context.Context, audit report.AuditRecord) error {
	data, err := audit.JSON()
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	key := a.ObjectKey(audit)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	a.logger.Info("s3 audit archived", zap.String("run_id", audit.RunID), zap.String("key", key))
	return nil
}
