// Package aggregator implements the event-driven incremental path: object
// creation events are grouped into quantized time windows per source and
// tier, each group becomes one canonical manifest and one batch-copy job.
//
// Processing is batch-oriented with per-message failure: a poisoned or
// unlucky message never blocks the rest of its batch, it is reported back
// for redelivery instead.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/batcher"
	"github.com/ecastell92/bucketbackup/lib/checkpoint"
	"github.com/ecastell92/bucketbackup/lib/filter"
	"github.com/ecastell92/bucketbackup/lib/manifest"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tagging"
	"github.com/ecastell92/bucketbackup/lib/tiers"
	"github.com/ecastell92/bucketbackup/lib/windows"
)

// Batch outcome statuses.
const (
	// StatusSubmitted means at least one batch-copy job was created.
	StatusSubmitted = "BATCH_SUBMITTED"
	// StatusNoObjects means no event in the batch qualified.
	StatusNoObjects = "NO_OBJECTS"
)

// Message is one queue delivery: an opaque id used for failure reporting
// and the raw event envelope body.
type Message struct {
	ID   string
	Body string
}

// Config configures an Aggregator.
type Config struct {
	// CentralBucket receives manifests and backup data.
	CentralBucket string
	// Initiative partitions the central bucket between deployments.
	Initiative string
	// Generation is the retention generation stamped on incremental data.
	Generation tiers.Generation
	// Policy supplies per-tier window lengths.
	Policy tiers.Policy
	// Filter decides key eligibility.
	Filter filter.Filter
	// Resolver resolves source bucket criticality.
	Resolver *tagging.Resolver
	// Checkpoints stores window markers.
	Checkpoints *checkpoint.Store
	// Uploader uploads manifests to the central bucket.
	Uploader manifest.Uploader
	// Head reads manifest metadata for integrity tag verification.
	Head manifest.HeadClient
	// Submitter creates the batch-copy jobs.
	Submitter *batcher.Submitter
	// DisableWindowMarkers turns off duplicate-window suppression.
	DisableWindowMarkers bool
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
	if c.Initiative == "" {
		return trace.BadParameter("missing parameter Initiative")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Checkpoints == nil {
		return trace.BadParameter("missing parameter Checkpoints")
	}
	if c.Uploader == nil {
		return trace.BadParameter("missing parameter Uploader")
	}
	if c.Head == nil {
		return trace.BadParameter("missing parameter Head")
	}
	if c.Submitter == nil {
		return trace.BadParameter("missing parameter Submitter")
	}
	gen, err := tiers.ParseGeneration(string(c.Generation))
	if err != nil {
		return trace.Wrap(err)
	}
	c.Generation = gen
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentAggregator)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Job summarizes one created batch-copy job.
type Job struct {
	JobID   string     `json:"job_id"`
	Source  string     `json:"bucket"`
	Tier    tiers.Tier `json:"criticality"`
	Window  string     `json:"window"`
	Objects int        `json:"objects"`
}

// Result is the outcome of one batch.
type Result struct {
	// Status is StatusSubmitted or StatusNoObjects.
	Status string `json:"status"`
	// Jobs lists the created jobs.
	Jobs []Job `json:"jobs"`
	// TotalObjects is the number of objects across all jobs.
	TotalObjects int `json:"total_objects"`
	// FailedMessages are the ids of messages to redeliver: their events were
	// not fully committed to a job.
	FailedMessages []string `json:"failed_messages,omitempty"`
}

// event envelope as delivered by the store through the queue.
type eventEnvelope struct {
	Records []eventRecord `json:"Records"`
}

type eventRecord struct {
	EventTime time.Time `json:"eventTime"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// groupKey identifies one aggregation group.
type groupKey struct {
	tier   tiers.Tier
	source string
	window string
}

type group struct {
	start    time.Time
	keys     map[string]struct{}
	messages map[string]struct{}
}

// Aggregator turns event batches into batch-copy jobs.
type Aggregator struct {
	cfg Config
}

// New returns an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Aggregator{cfg: cfg}, nil
}

// Process handles one batch of queue messages. It never fails the batch as
// a whole: messages whose events could not be committed are listed in the
// result for redelivery, everything else is considered consumed.
func (a *Aggregator) Process(ctx context.Context, msgs []Message) (*Result, error) {
	groups := make(map[groupKey]*group)
	failed := make(map[string]struct{})

	for _, msg := range msgs {
		if err := a.collect(ctx, msg, groups); err != nil {
			a.cfg.Logger.ErrorContext(ctx, "Failed to process queue message",
				"message_id", msg.ID, "error", err)
			failed[msg.ID] = struct{}{}
		}
	}

	result := &Result{Status: StatusNoObjects}
	for _, key := range sortedGroupKeys(groups) {
		grp := groups[key]
		if len(grp.keys) == 0 {
			continue
		}
		job, err := a.flushGroup(ctx, key, grp)
		if err != nil {
			a.cfg.Logger.ErrorContext(ctx, "Failed to commit window group",
				"source", key.source, "tier", key.tier, "window", key.window, "error", err)
			for id := range grp.messages {
				failed[id] = struct{}{}
			}
			continue
		}
		if job != nil {
			result.Jobs = append(result.Jobs, *job)
			result.TotalObjects += job.Objects
		}
	}

	if len(result.Jobs) > 0 {
		result.Status = StatusSubmitted
	}
	for id := range failed {
		result.FailedMessages = append(result.FailedMessages, id)
	}
	sort.Strings(result.FailedMessages)
	a.cfg.Logger.InfoContext(ctx, "Processed event batch",
		"messages", len(msgs), "jobs", len(result.Jobs),
		"objects", result.TotalObjects, "failed", len(result.FailedMessages))
	return result, nil
}

// collect decodes one message and folds its events into the window groups.
func (a *Aggregator) collect(ctx context.Context, msg Message, groups map[groupKey]*group) error {
	var envelope eventEnvelope
	if err := json.Unmarshal([]byte(msg.Body), &envelope); err != nil {
		return trace.BadParameter("malformed event envelope: %v", err)
	}
	for _, rec := range envelope.Records {
		source := rec.S3.Bucket.Name
		if source == "" {
			a.cfg.Logger.WarnContext(ctx, "Skipping event record without bucket name",
				"message_id", msg.ID)
			continue
		}
		// Keys arrive URL-encoded, with + for space.
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			a.cfg.Logger.WarnContext(ctx, "Skipping event with undecodable object key",
				"bucket", source, "raw_key", rec.S3.Object.Key)
			continue
		}

		tier, err := a.cfg.Resolver.Resolve(ctx, source)
		if err != nil {
			if trace.IsBadParameter(err) {
				a.cfg.Logger.WarnContext(ctx, "Skipping event from bucket with invalid criticality tag",
					"bucket", source, "error", err)
				continue
			}
			return trace.Wrap(err)
		}
		hours, ok := a.cfg.Policy.WindowHoursFor(tier)
		if !ok {
			continue
		}
		if !a.cfg.Filter.Keep(tier, key) {
			continue
		}

		start := windows.Start(rec.EventTime, hours)
		gk := groupKey{tier: tier, source: source, window: windows.Label(start)}
		grp := groups[gk]
		if grp == nil {
			grp = &group{
				start:    start,
				keys:     make(map[string]struct{}),
				messages: make(map[string]struct{}),
			}
			groups[gk] = grp
		}
		grp.keys[key] = struct{}{}
		grp.messages[msg.ID] = struct{}{}
	}
	return nil
}

// flushGroup commits one window group: manifest upload, job submission,
// window marker. A window already marked as processed is skipped, which is
// what makes a redelivered batch idempotent.
func (a *Aggregator) flushGroup(ctx context.Context, key groupKey, grp *group) (*Job, error) {
	if !a.cfg.DisableWindowMarkers {
		done, err := a.cfg.Checkpoints.HasWindow(ctx, key.source, key.tier, key.window)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if done {
			a.cfg.Logger.InfoContext(ctx, "Window already processed, skipping",
				"source", key.source, "tier", key.tier, "window", key.window)
			return nil, nil
		}
	}

	runID := windows.RunID(a.cfg.Clock.Now())
	rows := make([]manifest.Row, 0, len(grp.keys))
	for k := range grp.keys {
		rows = append(rows, manifest.Row{Bucket: key.source, Key: k})
	}
	res, err := manifest.Put(ctx, manifest.PutConfig{
		Bucket:   a.cfg.CentralBucket,
		Key:      paths.IncrementalManifestKey(key.tier, a.cfg.Initiative, key.source, key.window, runID),
		Uploader: a.cfg.Uploader,
		Head:     a.cfg.Head,
		Metadata: map[string]string{
			"criticality":   key.tier.String(),
			"object-count":  fmt.Sprintf("%d", len(rows)),
			"source-bucket": key.source,
			"window-start":  key.window,
			"created-at":    runID,
		},
		Logger: a.cfg.Logger,
		Clock:  a.cfg.Clock,
	}, rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	jobID, err := a.cfg.Submitter.Submit(ctx, batcher.JobRequest{
		ManifestBucket: res.Bucket,
		ManifestKey:    res.Key,
		ManifestETag:   res.ETag,
		TargetPrefix:   paths.WindowDataPrefix(key.tier, a.cfg.Generation, a.cfg.Initiative, key.source, grp.start, key.window),
		ReportsPrefix:  paths.WindowReportsPrefix(key.tier, a.cfg.Initiative, key.source, key.window, runID),
		Description: fmt.Sprintf("Incremental backup for %s (%s) window %s",
			key.source, key.tier, key.window),
		ClientToken: batcher.ClientToken(key.source, paths.ModeIncremental, a.cfg.Generation, key.tier, key.window),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if !a.cfg.DisableWindowMarkers {
		if err := a.cfg.Checkpoints.MarkWindow(ctx, key.source, key.tier, key.window, runID); err != nil {
			// The job exists; a lost marker means a redelivery re-submits
			// with the same client token and gets the same job back.
			a.cfg.Logger.WarnContext(ctx, "Failed to write window marker",
				"source", key.source, "window", key.window, "error", err)
		}
	}
	return &Job{
		JobID:   jobID,
		Source:  key.source,
		Tier:    key.tier,
		Window:  key.window,
		Objects: len(rows),
	}, nil
}

func sortedGroupKeys(groups map[groupKey]*group) []groupKey {
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		if keys[i].tier != keys[j].tier {
			return keys[i].tier < keys[j].tier
		}
		return keys[i].window < keys[j].window
	})
	return keys
}
