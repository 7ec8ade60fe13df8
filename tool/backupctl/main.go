// Command backupctl operates the multi-account object-store backup engine:
// it discovers and configures source buckets, consumes the event queue, and
// triggers sweeps and restores against managed accounts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3control"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup/lib/aggregator"
	"github.com/ecastell92/bucketbackup/lib/awsauth"
	"github.com/ecastell92/bucketbackup/lib/batcher"
	"github.com/ecastell92/bucketbackup/lib/checkpoint"
	"github.com/ecastell92/bucketbackup/lib/config"
	"github.com/ecastell92/bucketbackup/lib/discovery"
	"github.com/ecastell92/bucketbackup/lib/filter"
	"github.com/ecastell92/bucketbackup/lib/inventory"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/queue"
	"github.com/ecastell92/bucketbackup/lib/restore"
	"github.com/ecastell92/bucketbackup/lib/sweep"
	"github.com/ecastell92/bucketbackup/lib/tagging"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	app := kingpin.New("backupctl", "Operator tool for the multi-account object-store backup engine.")
	app.HelpFlag.Short('h')
	configPath := app.Flag("config", "Path to the accounts YAML file.").Default("backupctl.yaml").String()
	debug := app.Flag("debug", "Enable verbose logging.").Bool()

	listCmd := app.Command("list-accounts", "List the managed accounts.")

	discoverCmd := app.Command("discover", "Scan an account for buckets tagged for backup and converge their configuration.")
	discoverAccount := discoverCmd.Flag("account", "Account key from the accounts file.").Required().String()

	consumeCmd := app.Command("consume", "Consume the event queue and submit incremental batch-copy jobs.")
	consumeOnce := consumeCmd.Flag("once", "Process a single batch and exit.").Bool()

	backupCmd := app.Command("trigger-backup", "Sweep one source bucket and launch its batch-copy job.")
	backupAccount := backupCmd.Flag("account", "Account key from the accounts file.").Required().String()
	backupSource := backupCmd.Flag("source-bucket", "Source bucket to back up.").Required().String()
	backupTier := backupCmd.Flag("criticality", "Criticality tier of the source.").Default(string(tiers.Critical)).String()
	backupMode := backupCmd.Flag("backup-type", "Backup type: full or incremental.").Default(string(paths.ModeIncremental)).String()
	backupGen := backupCmd.Flag("generation", "Retention generation; defaults to the account's default_generation.").String()
	backupWindow := backupCmd.Flag("window", "Window label (YYYYMMDDTHHMMZ) pinning the job idempotency token; defaults to the current hour.").String()

	restoreCmd := app.Command("trigger-restore", "Restore objects from the central bucket into a source bucket.")
	restoreAccount := restoreCmd.Flag("account", "Account key from the accounts file.").Required().String()
	restoreSource := restoreCmd.Flag("source-bucket", "Bucket to restore into.").Required().String()
	restoreTier := restoreCmd.Flag("criticality", "Criticality tier of the dataset.").Default(string(tiers.LessCritical)).String()
	restoreMode := restoreCmd.Flag("backup-type", "Backup type of the dataset: full or incremental.").Default(string(paths.ModeIncremental)).String()
	restoreGen := restoreCmd.Flag("generation", "Retention generation; defaults to the account's default_generation.").String()
	restoreWindow := restoreCmd.Flag("window", "Window label (YYYYMMDDTHHMMZ); empty restores the latest recovery point.").String()
	restoreYear := restoreCmd.Flag("year", "Calendar partition year, an alternative to --window.").Int()
	restoreMonth := restoreCmd.Flag("month", "Calendar partition month.").Int()
	restoreDay := restoreCmd.Flag("day", "Calendar partition day.").Int()
	restoreHour := restoreCmd.Flag("hour", "Calendar partition hour, defaults to the start of the day.").Int()
	restorePrefix := restoreCmd.Flag("prefix", "Restore only keys under this prefix.").String()
	restoreMax := restoreCmd.Flag("max-objects", "Cap the number of restored objects.").Int()
	restoreDryRun := restoreCmd.Flag("dry-run", "Count objects without copying; use --no-dry-run to apply.").Default("true").Bool()

	cmd, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	switch cmd {
	case listCmd.FullCommand():
		return trace.Wrap(listAccounts(*configPath))
	case discoverCmd.FullCommand():
		return trace.Wrap(runDiscover(ctx, *configPath, *discoverAccount))
	case consumeCmd.FullCommand():
		return trace.Wrap(runConsume(ctx, *consumeOnce))
	case backupCmd.FullCommand():
		return trace.Wrap(runBackup(ctx, *configPath, *backupAccount, *backupSource, *backupTier, *backupMode, *backupGen, *backupWindow))
	case restoreCmd.FullCommand():
		return trace.Wrap(runRestore(ctx, *configPath, *restoreAccount, restore.Request{
			Source:      *restoreSource,
			Tier:        tiers.Tier(*restoreTier),
			Mode:        paths.Mode(*restoreMode),
			Generation:  tiers.Generation(*restoreGen),
			WindowLabel: *restoreWindow,
			Year:        *restoreYear,
			Month:       *restoreMonth,
			Day:         *restoreDay,
			Hour:        *restoreHour,
			Prefix:      *restorePrefix,
			MaxObjects:  *restoreMax,
			DryRun:      *restoreDryRun,
		}, *restoreGen))
	}
	return trace.BadParameter("unknown command %q", cmd)
}

func listAccounts(configPath string) error {
	accounts, err := loadAccounts(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, a := range accounts.Accounts {
		gen, _ := tiers.ParseGeneration(a.DefaultGeneration)
		fmt.Printf("- %s: %s (%s) region=%s default_generation=%s\n",
			a.Key, a.Name, a.AccountID, a.Region, gen)
	}
	return nil
}

// accountConfig builds an aws.Config operating under the account's operator
// role.
func accountConfig(ctx context.Context, configPath, key string) (*Account, aws.Config, error) {
	accounts, err := loadAccounts(configPath)
	if err != nil {
		return nil, aws.Config{}, trace.Wrap(err)
	}
	acct, err := accounts.Get(key)
	if err != nil {
		return nil, aws.Config{}, trace.Wrap(err)
	}
	cfg, err := awsauth.LoadConfig(ctx, acct.Region, awsauth.WithAssumeRole(awsauth.AssumeRole{
		RoleARN:     acct.RoleARN,
		ExternalID:  acct.ExternalID,
		SessionName: "backupctl",
	}))
	if err != nil {
		return nil, aws.Config{}, trace.Wrap(err)
	}
	return acct, cfg, nil
}

func runDiscover(ctx context.Context, configPath, accountKey string) error {
	settings, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	acct, acctCfg, err := accountConfig(ctx, configPath, accountKey)
	if err != nil {
		return trace.Wrap(err)
	}
	centralCfg, err := awsauth.LoadConfig(ctx, acct.Region)
	if err != nil {
		return trace.Wrap(err)
	}
	centralAccountID, err := awsauth.ResolveAccountID(ctx, sts.NewFromConfig(centralCfg), settings.CentralAccountID)
	if err != nil {
		return trace.Wrap(err)
	}
	s3Client := s3.NewFromConfig(acctCfg)
	resolver, err := tagging.NewResolver(tagging.Config{Client: s3Client})
	if err != nil {
		return trace.Wrap(err)
	}
	reconciler, err := discovery.New(discovery.Config{
		CentralBucket:    settings.CentralBucket,
		CentralAccountID: centralAccountID,
		QueueARN:         settings.QueueARN,
		Policy:           settings.Policy,
		S3:               s3Client,
		Tags:             resourcegroupstaggingapi.NewFromConfig(acctCfg),
		Resolver:         resolver,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := reconciler.Run(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(result))
}

func runConsume(ctx context.Context, once bool) error {
	settings, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	if settings.QueueURL == "" {
		return trace.BadParameter("SQS_QUEUE_URL is required to consume the event queue")
	}
	cfg, err := awsauth.LoadConfig(ctx, "")
	if err != nil {
		return trace.Wrap(err)
	}
	s3Client := s3.NewFromConfig(cfg)
	submitter, err := newSubmitter(ctx, cfg, settings, s3Client)
	if err != nil {
		return trace.Wrap(err)
	}
	resolver, err := tagging.NewResolver(tagging.Config{Client: s3Client})
	if err != nil {
		return trace.Wrap(err)
	}
	checkpoints, err := checkpoint.New(checkpoint.Config{
		Bucket: settings.CentralBucket,
		Client: s3Client,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	agg, err := aggregator.New(aggregator.Config{
		CentralBucket: settings.CentralBucket,
		Initiative:    settings.Initiative,
		Generation:    settings.IncrementalGeneration,
		Policy:        settings.Policy,
		Filter:        newFilter(settings),
		Resolver:      resolver,
		Checkpoints:   checkpoints,
		Uploader:      manager.NewUploader(s3Client),
		Head:          s3Client,
		Submitter:     submitter,

		DisableWindowMarkers: settings.DisableWindowCheckpoint,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	consumer, err := queue.New(queue.Config{
		QueueURL:   settings.QueueURL,
		Client:     sqs.NewFromConfig(cfg),
		Aggregator: agg,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if once {
		result, err := consumer.Poll(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(printJSON(result))
	}
	return trace.Wrap(consumer.Run(ctx))
}

func runBackup(ctx context.Context, configPath, accountKey, source, tier, mode, generation, window string) error {
	settings, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	acct, acctCfg, err := accountConfig(ctx, configPath, accountKey)
	if err != nil {
		return trace.Wrap(err)
	}
	centralCfg, err := awsauth.LoadConfig(ctx, acct.Region)
	if err != nil {
		return trace.Wrap(err)
	}
	if generation == "" {
		generation = acct.DefaultGeneration
	}
	s3Central := s3.NewFromConfig(centralCfg)

	reader, err := inventory.NewReader(inventory.Config{
		Bucket: settings.CentralBucket,
		Client: s3Central,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	checkpoints, err := checkpoint.New(checkpoint.Config{
		Bucket: settings.CentralBucket,
		Client: s3Central,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	planner, err := sweep.New(sweep.Config{
		CentralBucket:       settings.CentralBucket,
		Inventory:           reader,
		Checkpoints:         checkpoints,
		ManifestS3:          s3Central,
		SourceS3:            s3.NewFromConfig(acctCfg),
		Filter:              newFilter(settings),
		ForceFullOnFirstRun: settings.ForceFullOnFirstRun,
		FallbackMaxObjects:  settings.FallbackMaxObjects,
		FallbackTimeLimit:   settings.FallbackTimeLimit,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	plan, err := planner.Plan(ctx, sweep.Request{
		Source: source,
		Mode:   paths.Mode(mode),
		Tier:   tiers.Tier(tier),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if plan.Status == sweep.StatusEmpty {
		return trace.Wrap(printJSON(plan))
	}

	submitter, err := newSubmitter(ctx, centralCfg, settings, s3Central)
	if err != nil {
		return trace.Wrap(err)
	}
	launcher, err := batcher.NewLauncher(batcher.LauncherConfig{
		CentralBucket: settings.CentralBucket,
		Initiative:    settings.Initiative,
		S3:            s3Central,
		Submitter:     submitter,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	launch, err := launcher.Launch(ctx, batcher.LaunchRequest{
		ManifestKey: plan.Manifest.Key,
		Source:      source,
		Mode:        plan.EffectiveMode,
		Generation:  tiers.Generation(generation),
		Tier:        tiers.Tier(tier),
		WindowLabel: window,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(map[string]any{
		"sweep":  plan,
		"launch": launch,
	}))
}

func runRestore(ctx context.Context, configPath, accountKey string, req restore.Request, generation string) error {
	settings, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	acct, acctCfg, err := accountConfig(ctx, configPath, accountKey)
	if err != nil {
		return trace.Wrap(err)
	}
	if generation == "" {
		req.Generation = tiers.Generation(acct.DefaultGeneration)
	}
	resolver, err := restore.New(restore.Config{
		CentralBucket: settings.CentralBucket,
		Initiative:    settings.Initiative,
		S3:            s3.NewFromConfig(acctCfg),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := resolver.Run(ctx, req)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(result))
}

// newSubmitter wires the batch-copy job submitter from settings, resolving
// the job account through STS when not configured.
func newSubmitter(ctx context.Context, cfg aws.Config, settings *config.Settings, head *s3.Client) (*batcher.Submitter, error) {
	if settings.BatchRoleARN == "" {
		return nil, trace.BadParameter("BATCH_ROLE_ARN is required to submit batch-copy jobs")
	}
	accountID, err := awsauth.ResolveAccountID(ctx, sts.NewFromConfig(cfg), settings.AccountID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	submitter, err := batcher.NewSubmitter(batcher.SubmitterConfig{
		AccountID:       accountID,
		RoleARN:         settings.BatchRoleARN,
		TargetBucketARN: settings.BackupBucketARN,
		Client:          s3control.NewFromConfig(cfg),
		Head:            head,
	})
	return submitter, trace.Wrap(err)
}

func newFilter(settings *config.Settings) filter.Filter {
	return filter.Filter{
		ExcludePrefixes: settings.ExcludePrefixes,
		ExcludeSuffixes: settings.ExcludeSuffixes,
		AllowedPrefixes: settings.AllowedPrefixes,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return trace.Wrap(enc.Encode(v))
}
