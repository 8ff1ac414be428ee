package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws/session"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grid-x/aws-auto-backup/pkg/backup"
	"github.com/grid-x/aws-auto-backup/pkg/backup/ec2"
	"github.com/grid-x/aws-auto-backup/pkg/datastore/dynamodb"
)

// Response is returned to the invoker of the function. Message reports
// whether every instance was processed without failure.
type Response struct {
	Message   bool                    `json:"message"`
	Instances []backup.InstanceReport `json:"instances,omitempty"`
}

const (
	waitDelay    = 5 * time.Second
	waitMaxDelay = 30 * time.Second
)

type config struct {
	backupTag       string
	retentionTag    string
	sourceTag       string
	legacyNameMatch bool
	dynamodbTable   string
	waitAttempts    int
	logLevel        string
	reboot          bool
}

func parseConfig(args []string) (*config, error) {
	var (
		c   config
		app = kingpin.New("aws-auto-backup-lambda", "Back up tagged EC2 instances and rotate their old backups")
	)
	app.Flag("backup-tag", "Tag that needs to be set for an instance to be backed up").Envar("BACKUP_TAG_KEY").Default("AutoBackup").StringVar(&c.backupTag)
	app.Flag("retention-tag", "Tag that holds the number of backups to keep").Envar("RETENTION_TAG_KEY").Default("Backup").StringVar(&c.retentionTag)
	app.Flag("source-tag", "Tag linking backups to their instance").Envar("SOURCE_TAG_KEY").Default("SourceInstanceId").StringVar(&c.sourceTag)
	app.Flag("legacy-name-match", "Also rotate untagged backups by their generated name").Envar("LEGACY_NAME_MATCH").Default("false").BoolVar(&c.legacyNameMatch)
	app.Flag("dynamodb-table", "DynamoDB table to record backups in").Envar("DYNAMODB_TABLE").StringVar(&c.dynamodbTable)
	app.Flag("wait-attempts", "How often to poll for the metadata of a new image").Envar("WAIT_ATTEMPTS").Default("20").IntVar(&c.waitAttempts)
	app.Flag("log-level", "Log level").Envar("LOG_LEVEL").Default("info").EnumVar(&c.logLevel, "debug", "info", "warn", "error")
	app.Flag("reboot", "Allow EC2 to reboot instances for consistent images").Envar("REBOOT").Default("false").BoolVar(&c.reboot)

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}
	if err := backup.ValidateWait(c.waitAttempts, waitDelay, waitMaxDelay); err != nil {
		return nil, err
	}
	return &c, nil
}

type handler struct {
	platform backup.Platform
	opts     []backup.Opt
	logger   log.FieldLogger
}

// Handle runs the backup. The trigger event is not inspected.
func (h *handler) Handle(ctx context.Context, event json.RawMessage) (*Response, error) {
	summary, err := backup.NewOrchestrator(h.platform, h.opts...).Run(ctx)
	if err != nil {
		h.logger.Errorf("AutoBackup error: %+v", err)
		return nil, err
	}
	return &Response{
		Message:   summary.OK(),
		Instances: summary.Report(),
	}, nil
}

func newHandler(conf *config, sess *session.Session, logger log.FieldLogger) *handler {
	opts := []backup.Opt{
		backup.WithLogger(logger),
		backup.WithBackupTagKey(conf.backupTag),
		backup.WithRetentionTagKey(conf.retentionTag),
		backup.WithSourceTagKey(conf.sourceTag),
		backup.WithLegacyNameMatch(conf.legacyNameMatch),
		backup.WithWait(conf.waitAttempts, waitDelay, waitMaxDelay),
	}
	if conf.dynamodbTable != "" {
		opts = append(opts, backup.WithDatastore(
			dynamodb.New(awsdynamodb.New(sess), conf.dynamodbTable).WithLogger(logger),
		))
	}
	return &handler{
		platform: ec2.NewPlatform(awsec2.New(sess), ec2.WithReboot(conf.reboot), ec2.WithLogger(logger)),
		opts:     opts,
		logger:   logger,
	}
}

func main() {
	logger := log.New()
	logger.Formatter = &log.JSONFormatter{}

	conf, err := parseConfig(os.Args[1:])
	if err != nil {
		logger.Fatalf("parseConfig: %+v", err)
	}
	level, _ := log.ParseLevel(conf.logLevel)
	logger.Level = level

	sess, err := session.NewSession()
	if err != nil {
		logger.Fatalf("session.NewSession: %+v", err)
	}

	lambda.Start(newHandler(conf, sess, logger).Handle)
}
