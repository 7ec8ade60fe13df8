package manifest

import (
	"bytes"
	"context"
	"encoding/csv"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/defaults"
)

// S3Client is the subset of the S3 API the streaming writer uses.
type S3Client interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// WriterConfig configures a streaming Writer.
type WriterConfig struct {
	// Bucket and Key locate the manifest being written.
	Bucket string
	Key    string
	// Client is the S3 client to use.
	Client S3Client
	// Metadata is attached to the finalized object.
	Metadata map[string]string
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *WriterConfig) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	if c.Key == "" {
		return trace.BadParameter("missing parameter Key")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentManifest)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Writer streams manifest rows into a multipart upload, flushing a part
// whenever the buffered CSV reaches the part threshold. The upload is
// aborted on any error and on Close with zero rows.
type Writer struct {
	cfg      WriterConfig
	uploadID string
	buf      bytes.Buffer
	csv      *csv.Writer
	parts    []types.CompletedPart
	partNum  int32
	rows     int
	done     bool
}

// NewWriter starts the multipart upload and returns a Writer for it.
func NewWriter(ctx context.Context, cfg WriterConfig) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	input := &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(cfg.Bucket),
		Key:                  aws.String(cfg.Key),
		ContentType:          aws.String("text/csv"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if len(cfg.Metadata) != 0 {
		input.Metadata = cfg.Metadata
	}
	resp, err := cfg.Client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, convertS3(err, "CreateMultipartUpload %v", cfg.Key)
	}
	w := &Writer{
		cfg:      cfg,
		uploadID: aws.ToString(resp.UploadId),
		partNum:  1,
	}
	w.csv = csv.NewWriter(&w.buf)
	return w, nil
}

// Append adds one row. A failed part flush aborts the upload before the
// error is returned.
func (w *Writer) Append(ctx context.Context, row Row) error {
	if w.done {
		return trace.BadParameter("manifest writer already finalized")
	}
	if err := encodeRow(w.csv, row); err != nil {
		return trace.Wrap(err)
	}
	w.rows++
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.abort(ctx)
		return trace.Wrap(err)
	}
	if w.buf.Len() >= defaults.MinPartBytes {
		if err := w.flushPart(ctx); err != nil {
			w.abort(ctx)
			return trace.Wrap(err)
		}
	}
	return nil
}

// Rows returns the number of rows appended so far.
func (w *Writer) Rows() int { return w.rows }

// Close finalizes the manifest and verifies its integrity tag. With zero
// rows the pending upload is aborted and a nil Result is returned.
func (w *Writer) Close(ctx context.Context) (*Result, error) {
	if w.done {
		return nil, trace.BadParameter("manifest writer already finalized")
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.abort(ctx)
		return nil, trace.Wrap(err)
	}
	if w.rows == 0 {
		w.cfg.Logger.InfoContext(ctx, "No rows written, aborting manifest upload", "key", w.cfg.Key)
		return nil, trace.Wrap(w.abort(ctx))
	}
	if w.buf.Len() > 0 {
		if err := w.flushPart(ctx); err != nil {
			w.abort(ctx)
			return nil, trace.Wrap(err)
		}
	}
	resp, err := w.cfg.Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.cfg.Bucket),
		Key:             aws.String(w.cfg.Key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		w.abort(ctx)
		return nil, convertS3(err, "CompleteMultipartUpload %v", w.cfg.Key)
	}
	w.done = true

	etag, err := VerifyETag(ctx, w.cfg.Client, w.cfg.Bucket, w.cfg.Key, aws.ToString(resp.ETag), w.cfg.Clock, w.cfg.Logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w.cfg.Logger.InfoContext(ctx, "Finalized manifest",
		"key", w.cfg.Key, "rows", w.rows, "etag", etag)
	return &Result{
		Bucket: w.cfg.Bucket,
		Key:    w.cfg.Key,
		ETag:   etag,
		Rows:   w.rows,
	}, nil
}

// Abort discards the pending upload. Safe to call after Close.
func (w *Writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	return trace.Wrap(w.abort(ctx))
}

func (w *Writer) abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	_, err := w.cfg.Client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.cfg.Bucket),
		Key:      aws.String(w.cfg.Key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		w.cfg.Logger.WarnContext(ctx, "Failed to abort manifest upload",
			"key", w.cfg.Key, "upload", w.uploadID, "error", err)
		return convertS3(err, "AbortMultipartUpload %v", w.cfg.Key)
	}
	return nil
}

func (w *Writer) flushPart(ctx context.Context) error {
	if w.partNum > defaults.MaxPartsPerUpload {
		return trace.LimitExceeded("manifest exceeds %d multipart parts", defaults.MaxPartsPerUpload)
	}
	resp, err := w.cfg.Client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.cfg.Bucket),
		Key:        aws.String(w.cfg.Key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return convertS3(err, "UploadPart(%v) %v", w.partNum, w.cfg.Key)
	}
	w.parts = append(w.parts, types.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	w.partNum++
	w.buf.Reset()
	return nil
}

// SortRows orders rows lexicographically by bucket then key so identical
// input sets always produce byte-identical manifests.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Bucket != rows[j].Bucket {
			return rows[i].Bucket < rows[j].Bucket
		}
		return rows[i].Key < rows[j].Key
	})
}
