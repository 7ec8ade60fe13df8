// Package checkpoint persists sweep high-water marks and incremental window
// markers as small objects in the central bucket.
//
// Checkpoints provide coarse at-least-once semantics: a lost sweep
// checkpoint re-processes a window of history, and the window marker keeps
// a replayed event batch from producing a second batch job.
package checkpoint

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// S3Client is the subset of the S3 API the store uses.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config configures a Store.
type Config struct {
	// Bucket is the central bucket holding checkpoint objects.
	Bucket string
	// Client is the S3 client to use.
	Client S3Client
	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentCheckpoint)
	}
	return nil
}

// Store reads and writes checkpoint objects.
type Store struct {
	cfg Config
}

// New returns a checkpoint store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// ReadSweep returns the timestamp of the last successful sweep for a
// (source, mode) pair. It fails soft: absence and read faults both yield
// ok=false, which callers treat as "process everything". Faults other than
// not-found are logged as warnings.
func (s *Store) ReadSweep(ctx context.Context, sourceBucket string, mode paths.Mode) (time.Time, bool) {
	key := paths.SweepCheckpointKey(sourceBucket, mode)
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err := awsutils.ConvertS3Error(err); !trace.IsNotFound(err) {
			s.cfg.Logger.WarnContext(ctx, "Failed to read sweep checkpoint, treating as absent",
				"key", key, "error", err)
		}
		return time.Time{}, false
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to read sweep checkpoint body, treating as absent",
			"key", key, "error", err)
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(bytes.TrimSpace(raw)))
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Sweep checkpoint is not a valid timestamp, treating as absent",
			"key", key, "error", err)
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// WriteSweep records the sweep high-water mark for a (source, mode) pair.
func (s *Store) WriteSweep(ctx context.Context, sourceBucket string, mode paths.Mode, ts time.Time) error {
	key := paths.SweepCheckpointKey(sourceBucket, mode)
	body := []byte(ts.UTC().Format(time.RFC3339Nano))
	_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "writing sweep checkpoint %v", key)
	}
	s.cfg.Logger.InfoContext(ctx, "Wrote sweep checkpoint", "key", key, "timestamp", ts.UTC())
	return nil
}

// HasWindow reports whether the marker for an incremental window exists.
func (s *Store) HasWindow(ctx context.Context, sourceBucket string, tier tiers.Tier, windowLabel string) (bool, error) {
	key := paths.WindowMarkerKey(sourceBucket, tier, windowLabel)
	_, err := s.cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err := awsutils.ConvertS3Error(err); trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(awsutils.ConvertS3Error(err), "checking window marker %v", key)
	}
	return true, nil
}

// MarkWindow writes the marker for an incremental window. The payload is
// the run id purely for operator forensics; only existence matters.
func (s *Store) MarkWindow(ctx context.Context, sourceBucket string, tier tiers.Tier, windowLabel, runID string) error {
	key := paths.WindowMarkerKey(sourceBucket, tier, windowLabel)
	_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte(runID)),
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "writing window marker %v", key)
	}
	return nil
}
