package archive

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jkkn/solutionshub-batch/internal/archive/config"
	"github.com/jkkn/solutionshub-batch/internal/model"
)

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = input
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &manager.UploadOutput{}, nil
}

func TestArchiveRun(t *testing.T) {
	up := &fakeUploader{}
	a := &S3Archiver{bucket: "jkkn-audit", prefix: "prod", uploader: up}

	started := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	run := model.BatchRun{
		BatchID:     "batch-1",
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
		TriggeredBy: "cron",
		Summary:     model.BatchSummary{Total: 1, Processed: 1},
		Results: []model.Disposition{{
			PaymentID: "pay-1",
			Outcome:   model.OutcomeApproved,
			Reason:    "auto-approved",
			Split: []model.EarningsEntry{{
				Key:  model.EarningsKey{PaymentID: "pay-1", RecipientType: model.RecipientBuilder, RecipientID: "b-1"},
				Data: model.EarningsData{Amount: 1000, Share: decimal.NewFromInt(1)},
			}},
		}},
	}

	key, err := a.ArchiveRun(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, "prod/batch-runs/2026/10/19/batch-1.json", key)
	require.Equal(t, "jkkn-audit", aws.ToString(up.input.Bucket))
	require.Equal(t, key, aws.ToString(up.input.Key))

	var doc runDocument
	require.NoError(t, json.Unmarshal(up.body, &doc))
	require.Equal(t, "batch-1", doc.BatchID)
	require.Len(t, doc.Results, 1)
	require.Equal(t, "1", doc.Results[0].Split[0].Share)
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), config.Config{})
	require.Error(t, err)
}
