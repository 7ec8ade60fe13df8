// Package defaults holds shared constants for the backup engine.
package defaults

import "time"

const (
	// MinPartBytes is the part size at which the streaming manifest writer
	// flushes a multipart part (6 MiB, comfortably above the S3 minimum).
	MinPartBytes = 6 * 1024 * 1024

	// MaxPartsPerUpload is the S3 limit on parts in a single multipart upload.
	MaxPartsPerUpload = 10000

	// MaxIterationLimit caps paginated listing loops so a misbehaving
	// endpoint cannot spin them forever.
	MaxIterationLimit = 10000

	// InventoryID is the identifier of the S3 Inventory configuration the
	// reconciler manages on every source bucket.
	InventoryID = "AutoBackupInventory"

	// InventoryPrefix is where source bucket inventories land inside the
	// central bucket.
	InventoryPrefix = "inventory-source"

	// NotificationID identifies the event notification entry the reconciler
	// manages on source buckets. Other entries on the bucket are never touched.
	NotificationID = "BckIncrementalTrigger-SQS"

	// BatchJobPriority is the priority assigned to every batch-copy job.
	BatchJobPriority = 10

	// BatchReportFormat is the S3 Batch Operations completion report format.
	BatchReportFormat = "Report_CSV_20180820"

	// BatchManifestFormat is the manifest format accepted by S3 Batch Operations.
	BatchManifestFormat = "S3BatchOperations_CSV_20180820"

	// RestoreMaxObjects is the default cap on objects restored in one run.
	RestoreMaxObjects = 10000

	// QueueBatchSize is how many messages one receive call asks for, the
	// SQS maximum.
	QueueBatchSize = 10

	// QueueWaitSeconds is the long-poll duration of a receive call, the
	// SQS maximum.
	QueueWaitSeconds = 20
)

const (
	// ETagVerifyAttempts is how many times the manifest writer re-reads
	// object metadata before declaring the integrity tag unstable.
	ETagVerifyAttempts = 3

	// ETagVerifyDelay is the pause between integrity tag verification reads.
	ETagVerifyDelay = 2 * time.Second

	// NotificationWriteAttempts bounds retries of the per-bucket notification
	// configuration write, which S3 serializes globally per bucket.
	NotificationWriteAttempts = 7

	// NotificationRetryBase is the first backoff step for notification
	// write conflicts. Subsequent steps double, with jitter.
	NotificationRetryBase = 500 * time.Millisecond

	// NotificationRetryMax caps the notification write backoff.
	NotificationRetryMax = 15 * time.Second

	// QueueBackoffStep grows the consumer's poll backoff after each
	// consecutive receive fault.
	QueueBackoffStep = 2 * time.Second

	// QueueBackoffMax caps the consumer's poll backoff.
	QueueBackoffMax = 30 * time.Second
)
