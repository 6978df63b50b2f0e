// Package archive keeps a copy of every finished batch run in object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jkkn/solutionshub-batch/internal/archive/config"
	"github.com/jkkn/solutionshub-batch/internal/model"
)

type Archiver interface {
	ArchiveRun(ctx context.Context, run model.BatchRun) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes runs to s3://<bucket>/<prefix>/batch-runs/YYYY/MM/DD/<batchID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Archiver{
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

type runDocument struct {
	BatchID     string             `json:"batch_id"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	TriggeredBy string             `json:"triggered_by"`
	Summary     model.BatchSummary `json:"summary"`
	Results     []resultDocument   `json:"results"`
}

type resultDocument struct {
	PaymentID string          `json:"payment_id"`
	Outcome   string          `json:"outcome"`
	Reason    string          `json:"reason"`
	Stage     string          `json:"stage,omitempty"`
	Split     []splitDocument `json:"split,omitempty"`
}

type splitDocument struct {
	RecipientType string `json:"recipient_type"`
	RecipientID   string `json:"recipient_id"`
	Amount        int64  `json:"amount"`
	Share         string `json:"share"`
}

func objectKey(prefix string, run model.BatchRun) string {
	year, month, day := run.StartedAt.UTC().Date()
	return path.Join(prefix, "batch-runs",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", run.BatchID),
	)
}

func encodeRun(run model.BatchRun) ([]byte, error) {
	doc := runDocument{
		BatchID:     run.BatchID,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		TriggeredBy: run.TriggeredBy,
		Summary:     run.Summary,
		Results:     make([]resultDocument, 0, len(run.Results)),
	}
	for _, d := range run.Results {
		r := resultDocument{PaymentID: d.PaymentID, Outcome: d.Outcome, Reason: d.Reason, Stage: d.Stage}
		for _, e := range d.Split {
			r.Split = append(r.Split, splitDocument{
				RecipientType: e.Key.RecipientType,
				RecipientID:   e.Key.RecipientID,
				Amount:        e.Data.Amount,
				Share:         e.Data.Share.String(),
			})
		}
		doc.Results = append(doc.Results, r)
	}
	return json.Marshal(doc)
}

// ArchiveRun uploads the run and returns the object key.
func (a *S3Archiver) ArchiveRun(ctx context.Context, run model.BatchRun) (string, error) {
	body, err := encodeRun(run)
	if err != nil {
		return "", fmt.Errorf("encode run: %w", err)
	}
	key := objectKey(a.prefix, run)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
