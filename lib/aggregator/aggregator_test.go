package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/s3control"
	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ecastell92/bucketbackup/lib/batcher"
	"github.com/ecastell92/bucketbackup/lib/checkpoint"
	"github.com/ecastell92/bucketbackup/lib/filter"
	"github.com/ecastell92/bucketbackup/lib/tagging"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

type mockTagClient struct {
	tags map[string]map[string]string
	err  error
}

func (m *mockTagClient) GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, _ ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	tags, ok := m.tags[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchTagSet", Message: "no tags"}
	}
	out := &s3.GetBucketTaggingOutput{}
	for k, v := range tags {
		out.TagSet = append(out.TagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
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

type upload struct {
	key  string
	body []byte
}

type mockUploader struct {
	uploads []upload
}

func (m *mockUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.uploads = append(m.uploads, upload{key: aws.ToString(in.Key), body: body})
	return &manager.UploadOutput{ETag: aws.String(`"manifest-etag"`)}, nil
}

type mockHead struct{}

func (mockHead) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{ETag: aws.String(`"manifest-etag"`)}, nil
}

type mockControl struct {
	inputs []*s3control.CreateJobInput
	err    error
}

func (m *mockControl) CreateJob(ctx context.Context, in *s3control.CreateJobInput, _ ...func(*s3control.Options)) (*s3control.CreateJobOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &s3control.CreateJobOutput{JobId: aws.String(fmt.Sprintf("job-%d", len(m.inputs)))}, nil
}

// fixture wires an aggregator over in-memory fakes.
type fixture struct {
	aggregator  *Aggregator
	uploader    *mockUploader
	control     *mockControl
	checkpoints *mockCheckpointS3
}

func newFixture(t *testing.T, tags map[string]map[string]string, tagErr error) *fixture {
	t.Helper()
	resolver, err := tagging.NewResolver(tagging.Config{Client: &mockTagClient{tags: tags, err: tagErr}})
	require.NoError(t, err)

	ckS3 := &mockCheckpointS3{objects: make(map[string][]byte)}
	checkpoints, err := checkpoint.New(checkpoint.Config{Bucket: "central-backups", Client: ckS3})
	require.NoError(t, err)

	control := &mockControl{}
	submitter, err := batcher.NewSubmitter(batcher.SubmitterConfig{
		AccountID:       "123456789012",
		RoleARN:         "arn:aws:iam::123456789012:role/batch-copy",
		TargetBucketARN: "arn:aws:s3:::central-backups",
		Client:          control,
		Head:            mockHead{},
	})
	require.NoError(t, err)

	uploader := &mockUploader{}
	agg, err := New(Config{
		CentralBucket: "central-backups",
		Initiative:    "backup",
		Policy:        tiers.DefaultPolicy(),
		Filter:        filter.Filter{},
		Resolver:      resolver,
		Checkpoints:   checkpoints,
		Uploader:      uploader,
		Head:          mockHead{},
		Submitter:     submitter,
		Clock:         clockwork.NewFakeClockAt(time.Date(2025, 10, 20, 12, 34, 56, 0, time.UTC)),
	})
	require.NoError(t, err)
	return &fixture{aggregator: agg, uploader: uploader, control: control, checkpoints: ckS3}
}

func eventBody(t *testing.T, at time.Time, source string, keys ...string) string {
	t.Helper()
	records := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		records = append(records, map[string]any{
			"eventTime": at.Format(time.RFC3339),
			"s3": map[string]any{
				"bucket": map[string]any{"name": source},
				"object": map[string]any{"key": url.QueryEscape(key)},
			},
		})
	}
	body, err := json.Marshal(map[string]any{"Records": records})
	require.NoError(t, err)
	return string(body)
}

func critTags() map[string]map[string]string {
	return map[string]map[string]string{
		"dev-raw": {"BackupCriticality": "Critical"},
	}
}

func TestProcessGroupsEventsIntoOneWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, critTags(), nil)

	at := time.Date(2025, 10, 20, 10, 15, 0, 0, time.UTC)
	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, at, "dev-raw", "data/a.dat", "data/b.dat")},
		{ID: "m2", Body: eventBody(t, at.Add(30*time.Minute), "dev-raw", "data/c.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status)
	require.Empty(t, res.FailedMessages)
	require.Len(t, res.Jobs, 1)

	job := res.Jobs[0]
	require.Equal(t, "job-1", job.JobID)
	require.Equal(t, "dev-raw", job.Source)
	require.Equal(t, tiers.Critical, job.Tier)
	require.Equal(t, "20251020T0000Z", job.Window)
	require.Equal(t, 3, job.Objects)
	require.Equal(t, 3, res.TotalObjects)

	require.Len(t, f.uploader.uploads, 1)
	require.Equal(t,
		"manifests/criticality=Critical/backup_type=incremental/initiative=backup/bucket=dev-raw/window=20251020T0000Z/manifest-20251020-123456.csv",
		f.uploader.uploads[0].key)
	require.Equal(t, "dev-raw,data/a.dat\ndev-raw,data/b.dat\ndev-raw,data/c.dat\n",
		string(f.uploader.uploads[0].body))

	// The marker commits the window.
	require.Contains(t, f.checkpoints.objects,
		"checkpoints/incremental/dev-raw/Critical/20251020T0000Z.marker")

	require.Len(t, f.control.inputs, 1)
	require.Contains(t,
		aws.ToString(f.control.inputs[0].Operation.S3PutObjectCopy.TargetKeyPrefix),
		"window=20251020T0000Z")
}

func TestProcessSplitsWindowsAndTiers(t *testing.T) {
	ctx := context.Background()
	tags := critTags()
	tags["dev-logs"] = map[string]string{"BackupCriticality": "LessCritical"}
	f := newFixture(t, tags, nil)

	res, err := f.aggregator.Process(ctx, []Message{
		// Critical, 12h windows: morning and afternoon split.
		{ID: "m1", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "dev-raw", "a.dat")},
		{ID: "m2", Body: eventBody(t, time.Date(2025, 10, 20, 14, 0, 0, 0, time.UTC), "dev-raw", "b.dat")},
		// LessCritical, 24h windows: same day collapses into one.
		{ID: "m3", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "dev-logs", "c.log")},
	})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 3)

	// Jobs come out in deterministic source, tier, window order.
	require.Equal(t, "dev-logs", res.Jobs[0].Source)
	require.Equal(t, "20251020T0000Z", res.Jobs[0].Window)
	require.Equal(t, "dev-raw", res.Jobs[1].Source)
	require.Equal(t, "20251020T0000Z", res.Jobs[1].Window)
	require.Equal(t, "dev-raw", res.Jobs[2].Source)
	require.Equal(t, "20251020T1200Z", res.Jobs[2].Window)
}

func TestProcessSkipsMarkedWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, critTags(), nil)
	f.checkpoints.objects["checkpoints/incremental/dev-raw/Critical/20251020T0000Z.marker"] = []byte("r1")

	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "dev-raw", "a.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusNoObjects, res.Status)
	require.Empty(t, res.Jobs)
	require.Empty(t, res.FailedMessages)
	require.Empty(t, f.uploader.uploads)
}

func TestProcessMalformedMessageFailsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, critTags(), nil)

	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "bad", Body: "{not json"},
		{ID: "good", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "dev-raw", "a.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status)
	require.Len(t, res.Jobs, 1)
	require.Equal(t, []string{"bad"}, res.FailedMessages)
}

func TestProcessInvalidTagValueSkipsEvent(t *testing.T) {
	ctx := context.Background()
	tags := critTags()
	tags["odd-bucket"] = map[string]string{"BackupCriticality": "SuperCritical"}
	f := newFixture(t, tags, nil)

	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "odd-bucket", "a.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusNoObjects, res.Status)
	// An invalid tag is a configuration problem, not a transient one; the
	// message is consumed rather than redelivered forever.
	require.Empty(t, res.FailedMessages)
}

func TestProcessResolverFaultFailsMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"})

	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "dev-raw", "a.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, res.FailedMessages)
}

func TestProcessTierWithoutWindowsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]map[string]string{
		"archive-bucket": {"BackupCriticality": "NonCritical"},
	}, nil)

	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC), "archive-bucket", "a.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusNoObjects, res.Status)
	require.Empty(t, res.FailedMessages)
}

func TestProcessSubmitFailureFailsContributors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, critTags(), nil)
	f.control.err = &smithy.GenericAPIError{Code: "InternalError", Message: "try again"}

	at := time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC)
	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, at, "dev-raw", "a.dat")},
		{ID: "m2", Body: eventBody(t, at, "dev-raw", "b.dat")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusNoObjects, res.Status)
	require.Equal(t, []string{"m1", "m2"}, res.FailedMessages)
	// No marker: the window must be retried on redelivery.
	require.NotContains(t, f.checkpoints.objects,
		"checkpoints/incremental/dev-raw/Critical/20251020T0000Z.marker")
}

func TestProcessDecodesObjectKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, critTags(), nil)

	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC),
			"dev-raw", "data/report 2025 (final).csv")},
	})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	require.Len(t, f.uploader.uploads, 1)
	require.Contains(t, string(f.uploader.uploads[0].body), "data/report 2025 (final).csv")
}

func TestProcessDeduplicatesKeysWithinWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, critTags(), nil)

	at := time.Date(2025, 10, 20, 10, 0, 0, 0, time.UTC)
	res, err := f.aggregator.Process(ctx, []Message{
		{ID: "m1", Body: eventBody(t, at, "dev-raw", "a.dat")},
		{ID: "m2", Body: eventBody(t, at.Add(time.Hour), "dev-raw", "a.dat")},
	})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	require.Equal(t, 1, res.Jobs[0].Objects)
}
