// Package inventory reads the native S3 Inventory enumerations delivered
// into the central bucket: locating the most recent descriptor for a source
// and streaming the gzip CSV data files it points at.
package inventory

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/defaults"
)

// S3Client is the subset of the S3 API the reader uses.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Descriptor is the JSON document the store writes alongside each delivered
// enumeration, listing the data files and their column schema.
type Descriptor struct {
	SourceBucket      string     `json:"sourceBucket"`
	DestinationBucket string     `json:"destinationBucket"`
	FileFormat        string     `json:"fileFormat"`
	FileSchema        string     `json:"fileSchema"`
	Files             []DataFile `json:"files"`
}

// DataFile is one gzip CSV shard of an enumeration.
type DataFile struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"MD5checksum"`
}

// Record is one enumerated object.
type Record struct {
	// Bucket and Key identify the object in its source bucket.
	Bucket string
	Key    string
	// LastModified is the object's modification time from the enumeration.
	LastModified time.Time
}

// Config configures a Reader.
type Config struct {
	// Bucket is the central bucket enumerations are delivered to.
	Bucket string
	// Client is the S3 client for the central bucket.
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
		c.Logger = slog.With(bucketbackup.ComponentKey, "inventory")
	}
	return nil
}

// Reader reads delivered enumerations.
type Reader struct {
	cfg Config
}

// NewReader returns a Reader.
func NewReader(cfg Config) (*Reader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reader{cfg: cfg}, nil
}

// FindLatestDescriptor locates the most recently delivered descriptor under
// the given prefix and parses it. Returns NotFound when no enumeration has
// been delivered yet, which callers treat as a signal to fall back to a
// direct listing.
func (r *Reader) FindLatestDescriptor(ctx context.Context, prefix string) (*Descriptor, string, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var latestKey string
	var latestTime time.Time
	var token *string
	for i := 0; i < defaults.MaxIterationLimit; i++ {
		out, err := r.cfg.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, "", trace.Wrap(awsutils.ConvertS3Error(err), "listing enumerations under %v", prefix)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, "manifest.json") {
				continue
			}
			if modified := aws.ToTime(obj.LastModified); latestKey == "" || modified.After(latestTime) {
				latestKey, latestTime = key, modified
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if latestKey == "" {
		return nil, "", trace.NotFound("no enumeration descriptor under %v", prefix)
	}

	r.cfg.Logger.InfoContext(ctx, "Found latest enumeration descriptor",
		"key", latestKey, "delivered", latestTime)
	obj, err := r.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(latestKey),
	})
	if err != nil {
		return nil, "", trace.Wrap(awsutils.ConvertS3Error(err), "reading descriptor %v", latestKey)
	}
	defer obj.Body.Close()

	var desc Descriptor
	if err := json.NewDecoder(obj.Body).Decode(&desc); err != nil {
		return nil, "", trace.BadParameter("malformed enumeration descriptor %v: %v", latestKey, err)
	}
	return &desc, latestKey, nil
}

// columns holds the indices of the fields the engine consumes.
type columns struct {
	bucket, key, lastModified int
}

// parseSchema resolves column positions from the descriptor's comma-joined
// schema string. The three consumed fields are mandatory; anything else in
// the schema is ignored.
func parseSchema(schema string) (*columns, error) {
	fields := strings.Split(schema, ",")
	cols := &columns{bucket: -1, key: -1, lastModified: -1}
	for i, f := range fields {
		switch strings.TrimSpace(f) {
		case "Bucket":
			cols.bucket = i
		case "Key":
			cols.key = i
		case "LastModifiedDate":
			cols.lastModified = i
		}
	}
	if cols.bucket < 0 || cols.key < 0 || cols.lastModified < 0 {
		return nil, trace.BadParameter(
			"enumeration schema %q is missing a required field (Bucket, Key, LastModifiedDate)", schema)
	}
	return cols, nil
}

// StreamRecords reads every data file of the descriptor and calls fn for
// each record. A missing data file is logged and skipped, as is a record
// whose modification time does not parse. fn returning an error stops the
// stream.
func (r *Reader) StreamRecords(ctx context.Context, desc *Descriptor, fn func(Record) error) error {
	cols, err := parseSchema(desc.FileSchema)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, file := range desc.Files {
		if file.Key == "" {
			r.cfg.Logger.WarnContext(ctx, "Skipping empty data file entry in descriptor")
			continue
		}
		if err := r.streamFile(ctx, normalizeDataKey(file.Key, desc.SourceBucket), cols, fn); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (r *Reader) streamFile(ctx context.Context, key string, cols *columns, fn func(Record) error) error {
	obj, err := r.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if trace.IsNotFound(awsutils.ConvertS3Error(err)) {
			r.cfg.Logger.WarnContext(ctx, "Enumeration data file not found, skipping", "key", key)
			return nil
		}
		return trace.Wrap(awsutils.ConvertS3Error(err), "reading enumeration data file %v", key)
	}
	defer obj.Body.Close()

	gz, err := gzip.NewReader(obj.Body)
	if err != nil {
		return trace.BadParameter("enumeration data file %v is not valid gzip: %v", key, err)
	}
	defer gz.Close()

	reader := csv.NewReader(gz)
	reader.FieldsPerRecord = -1
	maxIdx := max(cols.bucket, cols.key, cols.lastModified)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.BadParameter("malformed row in enumeration data file %v: %v", key, err)
		}
		if len(row) <= maxIdx {
			r.cfg.Logger.WarnContext(ctx, "Skipping short enumeration row", "file", key, "fields", len(row))
			continue
		}
		modified, err := time.Parse(time.RFC3339, row[cols.lastModified])
		if err != nil {
			r.cfg.Logger.WarnContext(ctx, "Skipping enumeration row with unparseable timestamp",
				"file", key, "timestamp", row[cols.lastModified])
			continue
		}
		if err := fn(Record{
			Bucket:       row[cols.bucket],
			Key:          row[cols.key],
			LastModified: modified,
		}); err != nil {
			return trace.Wrap(err)
		}
	}
}

// normalizeDataKey repairs the doubled path segment some deliveries carry
// and collapses duplicate slashes.
func normalizeDataKey(key, sourceBucket string) string {
	if sourceBucket != "" {
		doubled := "/" + sourceBucket + "//" + sourceBucket + "/"
		key = strings.ReplaceAll(key, doubled, "/"+sourceBucket+"/")
	}
	return strings.ReplaceAll(key, "//", "/")
}
