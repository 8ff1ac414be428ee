package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	awslightsail "github.com/aws/aws-sdk-go/service/lightsail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grid-x/aws-auto-backup/pkg/backup"
	"github.com/grid-x/aws-auto-backup/pkg/backup/ec2"
	"github.com/grid-x/aws-auto-backup/pkg/backup/lightsail"
	"github.com/grid-x/aws-auto-backup/pkg/datastore"
	"github.com/grid-x/aws-auto-backup/pkg/datastore/dynamodb"
)

var (
	completionTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aws_auto_backup_last_completion_timestamp_seconds",
		Help: "The timestamp of the last successful completion of a aws auto backup run",
	})
)

func init() {
	prometheus.MustRegister(completionTime)
}

func main() {

	var (
		logger             = log.New()
		output             = kingpin.Flag("output", "Output format").Short('o').Default("").String()
		logLevel           = kingpin.Flag("log-level", "Log level").Default("info").Enum("debug", "info", "warn", "error")
		region             = kingpin.Flag("region", "AWS region to use").Default("eu-central-1").String()
		pushgatewayURL     = kingpin.Flag("pushgateway-url", "URL of Prometheus' pushgateway").String()
		awsAccessKeyID     = kingpin.Flag("aws-access-key-id", "AWS Access Key ID to use (default: the SDK's credential chain)").Envar("AWS_ACCESS_KEY_ID").String()
		awsSecretAccessKey = kingpin.Flag("aws-secret-access-key", "AWS Secret Access Key to use").Envar("AWS_SECRET_ACCESS_KEY").String()
		assumeRole         = kingpin.Flag("assume-role", "ARN of the role to assume for all API calls").String()

		backupCmd       = kingpin.Command("backup", "Back up all tagged instances and rotate their old backups")
		disablePrune    = backupCmd.Flag("disable-prune", "Disable rotation of old backups").Default("false").Bool()
		disableBackup   = backupCmd.Flag("disable-backup", "Disable creation of new backups").Default("false").Bool()
		dryRun          = backupCmd.Flag("dry-run", "Only log what would be created and deleted").Default("false").Bool()
		backupTag       = backupCmd.Flag("backup-tag", "Tag that needs to be set for an instance to be backed up").Default("AutoBackup").String()
		retentionTag    = backupCmd.Flag("retention-tag", "Tag that holds the number of backups to keep").Default("Backup").String()
		sourceTag       = backupCmd.Flag("source-tag", "Tag linking backups to their instance").Default("SourceInstanceId").String()
		legacyNameMatch = backupCmd.Flag("legacy-name-match", "Also rotate untagged backups by their generated name").Default("false").Bool()
		dynamodbTable   = backupCmd.Flag("dynamodb-table", "DynamoDB table to record backups in").String()
		waitAttempts    = backupCmd.Flag("wait-attempts", "How often to poll for the metadata of a new image").Default("20").Int()
		waitDelay       = backupCmd.Flag("wait-delay", "Initial delay between polls, doubled after every attempt").Default("5s").Duration()
		waitMaxDelay    = backupCmd.Flag("wait-max-delay", "Maximum delay between polls").Default("30s").Duration()
		instanceTimeout = backupCmd.Flag("instance-timeout", "Maximum time to process a single instance").Default("15m").Duration()

		backupEC2Cmd = backupCmd.Command("ec2", "Back up EC2 instances as AMIs")
		reboot       = backupEC2Cmd.Flag("reboot", "Allow EC2 to reboot instances for consistent images").Default("false").Bool()

		_ = backupCmd.Command("lightsail", "Back up Lightsail instances as instance snapshots")

		restoreCmd    = kingpin.Command("restore", "Restore a resource")
		restoreEBSCmd = restoreCmd.Command("ebs", "Restore an EBS volume from a backup")

		restoreEBSSnapshotID         = restoreEBSCmd.Flag("from-snapshot", "Snapshot to restore from").String()
		restoreEBSInstance           = restoreEBSCmd.Flag("from-instance", "Instance whose latest backup to restore from").String()
		restoreEBSDevice             = restoreEBSCmd.Flag("device", "Device of the backup to restore (with --from-instance)").Default("/dev/xvda").String()
		restoreEBSSourceTag          = restoreEBSCmd.Flag("source-tag", "Tag linking backups to their instance").Default("SourceInstanceId").String()
		restoreEBSDynamoDBTable      = restoreEBSCmd.Flag("dynamodb-table", "DynamoDB Table used for storing backup infos").String()
		restoreEBSDynamoDBAssumeRole = restoreEBSCmd.Flag("dynamodb-assume-role", "ARN of the role to assume for accessing DynamoDB table").String()

		restoreEBSAZ        = restoreEBSCmd.Flag("availability-zone", "AZ to create volume in ").Required().String()
		restoreEBSSize      = restoreEBSCmd.Flag("size", "The size of the volume (default: the snapshot's size)").Int64()
		restoreEBSIOPS      = restoreEBSCmd.Flag("iops", "Only valid for Provisioned IOPS SSD volumes. The number of I/O operations per second (IOPS) to provision for the volume").Int64()
		restoreEBSType      = restoreEBSCmd.Flag("type", "The type of the volume, e.g. gp3, io1, st1, sc1 or standard").Default("").String()
		restoreEBSEncrypted = restoreEBSCmd.Flag("encrypted", "Encrypt volume").Default("false").Bool()
		restoreEBSKMSKeyID  = restoreEBSCmd.Flag("kms-key-id", "ARN of the KMS Key to use when encrypting (requires encrypt flag)").Default("").String()
	)
	cmd := kingpin.Parse()
	if strings.HasPrefix(cmd, "backup ") {
		if err := backup.ValidateWait(*waitAttempts, *waitDelay, *waitMaxDelay); err != nil {
			kingpin.Fatalf("%v", err)
		}
		if *instanceTimeout <= 0 {
			kingpin.Fatalf("instance timeout must be positive, got %s", *instanceTimeout)
		}
	}

	level, _ := log.ParseLevel(*logLevel)
	logger.Level = level

	*output = strings.ToLower(*output)
	switch *output {
	case "json":
		logger.Out = os.Stderr
		logger.Formatter = &log.JSONFormatter{}
	}

	conf := aws.NewConfig().WithRegion(*region)
	if *awsAccessKeyID != "" {
		conf = conf.WithCredentials(credentials.NewCredentials(&credentials.StaticProvider{
			Value: credentials.Value{
				AccessKeyID:     *awsAccessKeyID,
				SecretAccessKey: *awsSecretAccessKey,
			},
		}))
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		logger.Fatalf("session.NewSession: %+v", err)
	}
	if *assumeRole != "" {
		sess = sess.Copy(&aws.Config{Credentials: stscreds.NewCredentials(sess, *assumeRole)})
	}
	ec2Client := awsec2.New(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var platform backup.Platform
	switch cmd {
	case "backup ec2":
		platform = ec2.NewPlatform(ec2Client, ec2.WithReboot(*reboot), ec2.WithLogger(logger))
	case "backup lightsail":
		platform = lightsail.NewPlatform(awslightsail.New(sess), lightsail.WithLogger(logger))
	case "restore ebs":
		opts := []ec2.RestoreOption{}
		if *restoreEBSSize > 0 {
			logger.Infof("setting size to: %d", *restoreEBSSize)
			opts = append(opts, ec2.RestoreWithSize(*restoreEBSSize))
		}
		if *restoreEBSIOPS > 0 {
			logger.Infof("setting iops to: %d", *restoreEBSIOPS)
			opts = append(opts, ec2.RestoreWithIOPS(*restoreEBSIOPS))
		}
		if *restoreEBSType != "" {
			logger.Infof("setting volume type to: %s", *restoreEBSType)
			opts = append(opts, ec2.RestoreWithType(*restoreEBSType))
		}
		logger.Infof("setting encryption to: %t", *restoreEBSEncrypted)
		opts = append(opts, ec2.RestoreWithEncrypted(*restoreEBSEncrypted))
		if *restoreEBSKMSKeyID != "" {
			logger.Infof("setting encryption to true with KMS key: %s", *restoreEBSKMSKeyID)
			opts = append(opts, ec2.RestoreWithEncrypted(true), ec2.RestoreWithKMSKeyID(*restoreEBSKMSKeyID))
		}

		var ds datastore.Datastore
		if *restoreEBSDynamoDBTable != "" {
			dsess := sess
			if *restoreEBSDynamoDBAssumeRole != "" {
				dsess = sess.Copy(&aws.Config{Credentials: stscreds.NewCredentials(sess, *restoreEBSDynamoDBAssumeRole)})
			}
			ds = dynamodb.New(awsdynamodb.New(dsess), *restoreEBSDynamoDBTable).WithLogger(logger)
		}

		src, err := resolveRestoreSource(ctx, restoreSource{
			snapshotID: *restoreEBSSnapshotID,
			instance:   *restoreEBSInstance,
			device:     *restoreEBSDevice,
			sourceTag:  *restoreEBSSourceTag,
			datastore:  ds,
			platform:   ec2.NewPlatform(ec2Client, ec2.WithLogger(logger)),
		})
		if err != nil {
			logger.Fatalf("resolveRestoreSource: %+v", err)
		}
		if src.imageName != "" {
			opts = append(opts, ec2.RestoreWithTags(map[string]string{
				backup.NameTagKey:    "restore-" + src.imageName,
				*restoreEBSSourceTag: *restoreEBSInstance,
			}))
		}

		logger.Infof("running restore manager for snapshot %s in AZ %s", src.snapshotID, *restoreEBSAZ)
		if volumeID, err := ec2.NewRestoreManager(ec2Client, src.snapshotID, *restoreEBSAZ, opts...).Run(ctx); err != nil {
			logger.Fatalf("restoreManager: %+v", err)
		} else {
			switch *output {
			case "json":
				fmt.Printf("{ \"volumeID\": \"%s\"}", volumeID)
			default:
				fmt.Printf("created volume with ID: %s\n", volumeID)
			}
		}
		return
	default:
		logger.Fatalf("Invalid command %q", cmd)
	}

	opts := []backup.Opt{
		backup.WithLogger(logger),
		backup.WithBackupTagKey(*backupTag),
		backup.WithRetentionTagKey(*retentionTag),
		backup.WithSourceTagKey(*sourceTag),
		backup.WithLegacyNameMatch(*legacyNameMatch),
		backup.WithDisableBackup(*disableBackup),
		backup.WithDisablePrune(*disablePrune),
		backup.WithDryRun(*dryRun),
		backup.WithWait(*waitAttempts, *waitDelay, *waitMaxDelay),
		backup.WithInstanceTimeout(*instanceTimeout),
	}
	if *dynamodbTable != "" {
		opts = append(opts, backup.WithDatastore(
			dynamodb.New(awsdynamodb.New(sess), *dynamodbTable).WithLogger(logger),
		))
	}

	summary, err := backup.NewOrchestrator(platform, opts...).Run(ctx)
	if err != nil {
		logger.Fatal(err)
	}

	switch *output {
	case "json":
		if err := json.NewEncoder(os.Stdout).Encode(summary.Report()); err != nil {
			logger.Errorf("cannot encode report: %+v", err)
		}
	default:
		for _, r := range summary.Report() {
			fmt.Printf("%s\t%s\t%s\t%d deleted\t%s\n", r.InstanceID, r.Outcome, r.ImageID, len(r.Deleted), r.Error)
		}
	}

	if *pushgatewayURL != "" {
		if summary.OK() {
			completionTime.SetToCurrentTime()
		}
		if err := push.New(*pushgatewayURL, "aws_auto_backup").
			Gatherer(prometheus.DefaultGatherer).
			Add(); err != nil {
			logger.Errorf("cannot push metrics to pushgateway at %s: %+v", *pushgatewayURL, err)
		}
	}

	if !summary.OK() {
		os.Exit(1)
	}
}

type restoreSource struct {
	snapshotID string
	instance   string
	device     string
	sourceTag  string
	datastore  datastore.Datastore
	platform   backup.Platform

	imageName string
}

// resolveRestoreSource determines the snapshot to restore from: either given
// directly, or the device's snapshot of the instance's latest backup as found
// in the datastore or on the platform
func resolveRestoreSource(ctx context.Context, src restoreSource) (restoreSource, error) {
	if src.snapshotID != "" {
		return src, nil
	}
	if src.instance == "" {
		return src, errors.New("need either snapshot or instance")
	}

	if src.datastore != nil {
		info, err := src.datastore.GetLatestBackupInfo(ctx, datastore.InstanceID(src.instance))
		if err != nil {
			return src, fmt.Errorf("getLatestBackupInfo: %w", err)
		}
		snap, ok := info.Devices[src.device]
		if !ok {
			return src, fmt.Errorf("backup %s of %s has no snapshot for device %s", info.ImageID, src.instance, src.device)
		}
		src.snapshotID, src.imageName = snap, info.Name
		return src, nil
	}

	images, err := src.platform.ListImages(ctx, backup.ImageFilter{
		TagKey:     src.sourceTag,
		InstanceID: src.instance,
	})
	if err != nil {
		return src, fmt.Errorf("listImages: %w", err)
	}
	latest := backup.Latest(images)
	if latest == nil {
		return src, fmt.Errorf("no backups found for %s", src.instance)
	}
	snap, ok := latest.SnapshotFor(src.device)
	if !ok {
		return src, fmt.Errorf("backup %s of %s has no snapshot for device %s", latest.ID, src.instance, src.device)
	}
	src.snapshotID, src.imageName = snap, latest.Name
	return src, nil
}
