package manifest

import (
	"bytes"
	"context"
	"encoding/csv"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
)

// Uploader uploads a whole object in one call. Satisfied by
// manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// PutConfig configures Put.
type PutConfig struct {
	// Bucket and Key locate the manifest.
	Bucket string
	Key    string
	// Uploader performs the upload.
	Uploader Uploader
	// Head verifies the integrity tag after upload.
	Head HeadClient
	// Metadata is attached to the object.
	Metadata map[string]string
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *PutConfig) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	if c.Key == "" {
		return trace.BadParameter("missing parameter Key")
	}
	if c.Uploader == nil {
		return trace.BadParameter("missing parameter Uploader")
	}
	if c.Head == nil {
		return trace.BadParameter("missing parameter Head")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentManifest)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Put writes a small, fully-buffered manifest in one upload. Rows are
// sorted before encoding so identical sets produce identical manifests.
// With zero rows nothing is uploaded and a nil Result is returned.
func Put(ctx context.Context, cfg PutConfig, rows []Row) (*Result, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	SortRows(rows)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := encodeRow(w, row); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, trace.Wrap(err)
	}

	input := &s3.PutObjectInput{
		Bucket:               aws.String(cfg.Bucket),
		Key:                  aws.String(cfg.Key),
		Body:                 bytes.NewReader(buf.Bytes()),
		ContentType:          aws.String("text/csv"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if len(cfg.Metadata) != 0 {
		input.Metadata = cfg.Metadata
	}
	out, err := cfg.Uploader.Upload(ctx, input)
	if err != nil {
		return nil, convertS3(err, "uploading manifest %v", cfg.Key)
	}

	etag, err := VerifyETag(ctx, cfg.Head, cfg.Bucket, cfg.Key, aws.ToString(out.ETag), cfg.Clock, cfg.Logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Logger.InfoContext(ctx, "Uploaded manifest", "key", cfg.Key, "rows", len(rows), "etag", etag)
	return &Result{
		Bucket: cfg.Bucket,
		Key:    cfg.Key,
		ETag:   etag,
		Rows:   len(rows),
	}, nil
}
