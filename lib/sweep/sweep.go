// Package sweep plans full and checkpoint-delta backups for a single source
// bucket: it turns the latest delivered enumeration (or, before the first
// delivery, a direct listing) into a temporary manifest and advances the
// sweep checkpoint.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/checkpoint"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/filter"
	"github.com/ecastell92/bucketbackup/lib/inventory"
	"github.com/ecastell92/bucketbackup/lib/manifest"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// Run statuses reported by the planner.
const (
	// StatusSuccess means a manifest was produced.
	StatusSuccess = "SUCCESS"
	// StatusEmpty means no object qualified and nothing was written.
	StatusEmpty = "EMPTY"
)

// SourceS3Client lists the source bucket when no enumeration exists yet.
type SourceS3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures a Planner.
type Config struct {
	// CentralBucket is where manifests and checkpoints live.
	CentralBucket string
	// Inventory reads delivered enumerations.
	Inventory *inventory.Reader
	// Checkpoints is the checkpoint store.
	Checkpoints *checkpoint.Store
	// ManifestS3 is the central-bucket client the manifest writer uses.
	ManifestS3 manifest.S3Client
	// SourceS3 lists the source bucket for the pre-enumeration fallback.
	SourceS3 SourceS3Client
	// Filter decides key eligibility.
	Filter filter.Filter
	// ForceFullOnFirstRun escalates an incremental sweep with no prior
	// checkpoint into a full one.
	ForceFullOnFirstRun bool
	// FallbackMaxObjects caps the fallback listing; zero means no cap.
	FallbackMaxObjects int
	// FallbackTimeLimit bounds the fallback listing; zero means no bound.
	FallbackTimeLimit time.Duration
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.CentralBucket == "" {
		return trace.BadParameter("missing parameter CentralBucket")
	}
	if c.Inventory == nil {
		return trace.BadParameter("missing parameter Inventory")
	}
	if c.Checkpoints == nil {
		return trace.BadParameter("missing parameter Checkpoints")
	}
	if c.ManifestS3 == nil {
		return trace.BadParameter("missing parameter ManifestS3")
	}
	if c.SourceS3 == nil {
		return trace.BadParameter("missing parameter SourceS3")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentSweep)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Request asks for one sweep over one source bucket.
type Request struct {
	// Source is the source bucket.
	Source string
	// Mode is the requested backup mode.
	Mode paths.Mode
	// Tier is the source's criticality.
	Tier tiers.Tier
}

// Result is the outcome of a sweep.
type Result struct {
	// Status is StatusSuccess or StatusEmpty.
	Status string `json:"status"`
	// Manifest locates the produced temporary manifest; nil when empty.
	Manifest *manifest.Result `json:"manifest,omitempty"`
	// EffectiveMode is the mode actually executed, which differs from the
	// requested one when the first run escalates to full.
	EffectiveMode paths.Mode `json:"effective_mode"`
	// FromListing is true when the pre-enumeration fallback produced the
	// manifest.
	FromListing bool `json:"from_listing,omitempty"`
}

// Planner produces sweep manifests.
type Planner struct {
	cfg Config
}

// New returns a Planner.
func New(cfg Config) (*Planner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Planner{cfg: cfg}, nil
}

// Plan runs one sweep. An incremental sweep includes only objects modified
// strictly after the stored checkpoint; a full sweep includes everything
// that passes the filter. The checkpoint advances to the run start time,
// and only after the manifest is finalized, so a crashed run re-processes
// its delta instead of losing it. An empty sweep leaves the checkpoint
// untouched.
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	if req.Source == "" {
		return nil, trace.BadParameter("missing parameter Source")
	}
	mode, err := paths.ParseMode(string(req.Mode))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tier, err := tiers.Parse(string(req.Tier))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	start := p.cfg.Clock.Now().UTC()

	cutoff, haveCheckpoint := p.cfg.Checkpoints.ReadSweep(ctx, req.Source, mode)
	effective := mode
	if mode == paths.ModeIncremental && !haveCheckpoint && p.cfg.ForceFullOnFirstRun {
		p.cfg.Logger.InfoContext(ctx, "No prior checkpoint, escalating first run to full",
			"source", req.Source)
		effective = paths.ModeFull
	}
	if effective == paths.ModeFull {
		cutoff = time.Time{}
	}

	writer, err := manifest.NewWriter(ctx, manifest.WriterConfig{
		Bucket: p.cfg.CentralBucket,
		Key:    paths.TempManifestKey(req.Source, uuid.NewString()),
		Client: p.cfg.ManifestS3,
		Metadata: map[string]string{
			"source-bucket": req.Source,
			"backup-type":   effective.String(),
			"criticality":   tier.String(),
		},
		Logger: p.cfg.Logger,
		Clock:  p.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	fromListing := false
	desc, _, err := p.cfg.Inventory.FindLatestDescriptor(ctx, paths.InventoryPrefix(req.Source))
	switch {
	case err == nil:
		err = p.cfg.Inventory.StreamRecords(ctx, desc, func(rec inventory.Record) error {
			if !p.keep(tier, rec.Key, rec.LastModified, cutoff) {
				return nil
			}
			bucket := rec.Bucket
			if bucket == "" {
				bucket = req.Source
			}
			return trace.Wrap(writer.Append(ctx, manifest.Row{Bucket: bucket, Key: rec.Key}))
		})
	case trace.IsNotFound(err):
		p.cfg.Logger.WarnContext(ctx, "No enumeration delivered yet, listing source directly",
			"source", req.Source)
		fromListing = true
		err = p.listSource(ctx, writer, req.Source, tier, cutoff, start)
	}
	if err != nil {
		writer.Abort(ctx)
		return nil, trace.Wrap(err)
	}

	res, err := writer.Close(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if res == nil {
		p.cfg.Logger.InfoContext(ctx, "Sweep found no qualifying objects",
			"source", req.Source, "mode", effective)
		return &Result{Status: StatusEmpty, EffectiveMode: effective, FromListing: fromListing}, nil
	}

	// The checkpoint records the requested mode so the escalation fires at
	// most once, and the run start time so objects modified mid-run land in
	// the next delta.
	if err := p.cfg.Checkpoints.WriteSweep(ctx, req.Source, mode, start); err != nil {
		return nil, trace.Wrap(err)
	}
	p.cfg.Logger.InfoContext(ctx, "Sweep complete",
		"source", req.Source, "mode", effective, "objects", res.Rows, "manifest", res.Key)
	return &Result{
		Status:        StatusSuccess,
		Manifest:      res,
		EffectiveMode: effective,
		FromListing:   fromListing,
	}, nil
}

func (p *Planner) keep(tier tiers.Tier, key string, modified, cutoff time.Time) bool {
	if !p.cfg.Filter.Keep(tier, key) {
		return false
	}
	if !cutoff.IsZero() && !modified.After(cutoff) {
		return false
	}
	return true
}

// listSource walks the source bucket directly, bounded by the configured
// object and time caps. Used only before the first enumeration delivery.
func (p *Planner) listSource(ctx context.Context, writer *manifest.Writer, source string, tier tiers.Tier, cutoff, start time.Time) error {
	prefixes := p.cfg.Filter.AllowedPrefixes[tier]
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, prefix := range prefixes {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(source)}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		for i := 0; i < defaults.MaxIterationLimit; i++ {
			out, err := p.cfg.SourceS3.ListObjectsV2(ctx, input)
			if err != nil {
				return trace.Wrap(awsutils.ConvertS3Error(err), "listing source bucket %v", source)
			}
			for _, obj := range out.Contents {
				key := aws.ToString(obj.Key)
				if !p.keep(tier, key, aws.ToTime(obj.LastModified), cutoff) {
					continue
				}
				if err := writer.Append(ctx, manifest.Row{Bucket: source, Key: key}); err != nil {
					return trace.Wrap(err)
				}
				if p.cfg.FallbackMaxObjects > 0 && writer.Rows() >= p.cfg.FallbackMaxObjects {
					p.cfg.Logger.InfoContext(ctx, "Fallback listing reached object cap",
						"source", source, "objects", writer.Rows())
					return nil
				}
			}
			if p.cfg.FallbackTimeLimit > 0 && p.cfg.Clock.Now().UTC().Sub(start) >= p.cfg.FallbackTimeLimit {
				p.cfg.Logger.InfoContext(ctx, "Fallback listing reached time limit",
					"source", source, "objects", writer.Rows())
				return nil
			}
			if !aws.ToBool(out.IsTruncated) {
				break
			}
			input.ContinuationToken = out.NextContinuationToken
		}
	}
	return nil
}
