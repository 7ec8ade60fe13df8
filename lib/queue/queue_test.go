package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/s3control"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ecastell92/bucketbackup/lib/aggregator"
	"github.com/ecastell92/bucketbackup/lib/batcher"
	"github.com/ecastell92/bucketbackup/lib/checkpoint"
	"github.com/ecastell92/bucketbackup/lib/tagging"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

type mockSQS struct {
	receives     []*sqs.ReceiveMessageOutput
	receiveErrs  []error
	receiveCalls int
	deletes      []*sqs.DeleteMessageBatchInput
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveCalls++
	if len(m.receiveErrs) > 0 {
		err := m.receiveErrs[0]
		m.receiveErrs = m.receiveErrs[1:]
		return nil, err
	}
	if len(m.receives) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	out := m.receives[0]
	m.receives = m.receives[1:]
	return out, nil
}

func (m *mockSQS) DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	m.deletes = append(m.deletes, in)
	return &sqs.DeleteMessageBatchOutput{}, nil
}

type mockTagClient struct{}

func (mockTagClient) GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, _ ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	return &s3.GetBucketTaggingOutput{TagSet: []s3types.Tag{{
		Key:   aws.String("BackupCriticality"),
		Value: aws.String("Critical"),
	}}}, nil
}

type mockCheckpointS3 struct {
	objects map[string][]byte
}

func (m *mockCheckpointS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *mockCheckpointS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockCheckpointS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := m.objects[aws.ToString(in.Key)]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{}, nil
}

type mockUploader struct{}

func (mockUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{ETag: aws.String(`"manifest-etag"`)}, nil
}

type mockHead struct{}

func (mockHead) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{ETag: aws.String(`"manifest-etag"`)}, nil
}

type mockControl struct {
	jobs int
}

func (m *mockControl) CreateJob(ctx context.Context, in *s3control.CreateJobInput, _ ...func(*s3control.Options)) (*s3control.CreateJobOutput, error) {
	m.jobs++
	return &s3control.CreateJobOutput{JobId: aws.String(fmt.Sprintf("job-%d", m.jobs))}, nil
}

func newTestConsumer(t *testing.T, clt *mockSQS, clock clockwork.Clock) *Consumer {
	t.Helper()
	resolver, err := tagging.NewResolver(tagging.Config{Client: mockTagClient{}})
	require.NoError(t, err)
	checkpoints, err := checkpoint.New(checkpoint.Config{
		Bucket: "central-backups",
		Client: &mockCheckpointS3{objects: make(map[string][]byte)},
	})
	require.NoError(t, err)
	submitter, err := batcher.NewSubmitter(batcher.SubmitterConfig{
		AccountID:       "123456789012",
		RoleARN:         "arn:aws:iam::123456789012:role/batch-copy",
		TargetBucketARN: "arn:aws:s3:::central-backups",
		Client:          &mockControl{},
		Head:            mockHead{},
	})
	require.NoError(t, err)
	agg, err := aggregator.New(aggregator.Config{
		CentralBucket: "central-backups",
		Initiative:    "backup",
		Policy:        tiers.DefaultPolicy(),
		Resolver:      resolver,
		Checkpoints:   checkpoints,
		Uploader:      mockUploader{},
		Head:          mockHead{},
		Submitter:     submitter,
		Clock:         clockwork.NewFakeClockAt(time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	consumer, err := New(Config{
		QueueURL:   "https://sqs.eu-west-1.amazonaws.com/123456789012/backup-events",
		Client:     clt,
		Aggregator: agg,
		Clock:      clock,
	})
	require.NoError(t, err)
	return consumer
}

func queueMessage(t *testing.T, id, receipt, key string) sqstypes.Message {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"Records": []map[string]any{{
			"eventTime": "2025-10-20T10:00:00Z",
			"s3": map[string]any{
				"bucket": map[string]any{"name": "dev-raw"},
				"object": map[string]any{"key": key},
			},
		}},
	})
	require.NoError(t, err)
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(string(body)),
	}
}

func TestPollDeletesConsumedMessages(t *testing.T) {
	clt := &mockSQS{receives: []*sqs.ReceiveMessageOutput{{
		Messages: []sqstypes.Message{
			queueMessage(t, "m1", "r1", "data/a.dat"),
			queueMessage(t, "m2", "r2", "data/b.dat"),
		},
	}}}
	consumer := newTestConsumer(t, clt, nil)

	res, err := consumer.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, aggregator.StatusSubmitted, res.Status)
	require.Empty(t, res.FailedMessages)

	require.Len(t, clt.deletes, 1)
	require.Len(t, clt.deletes[0].Entries, 2)
	receipts := []string{
		aws.ToString(clt.deletes[0].Entries[0].ReceiptHandle),
		aws.ToString(clt.deletes[0].Entries[1].ReceiptHandle),
	}
	require.ElementsMatch(t, []string{"r1", "r2"}, receipts)
}

func TestPollKeepsFailedMessages(t *testing.T) {
	poisoned := sqstypes.Message{
		MessageId:     aws.String("bad"),
		ReceiptHandle: aws.String("r-bad"),
		Body:          aws.String("{not json"),
	}
	clt := &mockSQS{receives: []*sqs.ReceiveMessageOutput{{
		Messages: []sqstypes.Message{
			poisoned,
			queueMessage(t, "good", "r-good", "data/a.dat"),
		},
	}}}
	consumer := newTestConsumer(t, clt, nil)

	res, err := consumer.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, res.FailedMessages)

	// Only the committed message is acknowledged.
	require.Len(t, clt.deletes, 1)
	require.Len(t, clt.deletes[0].Entries, 1)
	require.Equal(t, "r-good", aws.ToString(clt.deletes[0].Entries[0].ReceiptHandle))
}

func TestPollEmptyReceive(t *testing.T) {
	clt := &mockSQS{}
	consumer := newTestConsumer(t, clt, nil)

	res, err := consumer.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, aggregator.StatusNoObjects, res.Status)
	require.Empty(t, clt.deletes)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer := newTestConsumer(t, &mockSQS{}, nil)
	require.Error(t, consumer.Run(ctx))
}

func TestRunBacksOffAfterPollFault(t *testing.T) {
	clock := clockwork.NewFakeClock()
	clt := &mockSQS{receiveErrs: []error{
		&smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "throttled"},
	}}
	consumer := newTestConsumer(t, clt, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// The consumer parks on the backoff timer instead of hammering the
	// queue after a receive fault.
	clock.BlockUntil(1)
	require.Equal(t, 1, clt.receiveCalls)

	cancel()
	require.Error(t, <-done)
}
