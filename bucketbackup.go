package bucketbackup

const (
	// ComponentKey is the logging field name used to identify the
	// component a log line originates from.
	ComponentKey = "component"

	// ComponentDiscovery is the tag-scan and bucket configuration reconciler.
	ComponentDiscovery = "discovery"

	// ComponentAggregator is the event-driven incremental window aggregator.
	ComponentAggregator = "aggregator"

	// ComponentSweep is the inventory-based sweep planner.
	ComponentSweep = "sweep"

	// ComponentLauncher is the batch-copy job launcher.
	ComponentLauncher = "launcher"

	// ComponentRestore is the restore resolver.
	ComponentRestore = "restore"

	// ComponentQueue is the SQS event consumer loop.
	ComponentQueue = "queue"

	// ComponentManifest is the streaming manifest writer.
	ComponentManifest = "manifest"

	// ComponentCheckpoint is the checkpoint store.
	ComponentCheckpoint = "checkpoint"
)

const (
	// BackupEnabledTagKey marks a source bucket as protected. Buckets are
	// discovered by scanning for this tag with value "true".
	BackupEnabledTagKey = "BackupEnabled"

	// CriticalityTagKey holds the criticality tier of a source bucket.
	CriticalityTagKey = "BackupCriticality"
)
