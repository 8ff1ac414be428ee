package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-auto-backup/pkg/datastore"
)

const (
	defaultBackupTagKey    = "AutoBackup"
	defaultRetentionTagKey = "Backup"
	defaultSourceTagKey    = "SourceInstanceId"

	// NameTagKey is the tag carrying the generated image name on the image
	// and all of its snapshots
	NameTagKey = "Name"

	defaultWaitAttempts    = 20
	defaultWaitDelay       = 5 * time.Second
	defaultWaitMaxDelay    = 30 * time.Second
	defaultInstanceTimeout = 15 * time.Minute
)

var (
	errImagePending = errors.New("image metadata not yet populated")
	errImageFailed  = errors.New("image creation failed")
)

// Orchestrator creates backup images of all instances marked for backup and
// rotates their older backups
type Orchestrator struct {
	platform  Platform
	datastore datastore.Datastore

	backupTagKey    string
	retentionTagKey string
	sourceTagKey    string
	legacyNameMatch bool

	disableBackup bool
	disablePrune  bool
	dryRun        bool

	waitAttempts    int
	waitDelay       time.Duration
	waitMaxDelay    time.Duration
	instanceTimeout time.Duration

	clock  clock.Clock
	logger log.FieldLogger
}

// Opt is the type for Options of the Orchestrator
type Opt func(*Orchestrator)

// WithBackupTagKey sets the tag key marking instances for backup. It is also
// used as the prefix of the image names.
func WithBackupTagKey(k string) Opt {
	return func(o *Orchestrator) {
		o.backupTagKey = k
	}
}

// WithRetentionTagKey sets the tag key holding the number of backup
// generations to keep
func WithRetentionTagKey(k string) Opt {
	return func(o *Orchestrator) {
		o.retentionTagKey = k
	}
}

// WithSourceTagKey sets the tag key that links backup images to their
// instance
func WithSourceTagKey(k string) Opt {
	return func(o *Orchestrator) {
		o.sourceTagKey = k
	}
}

// WithLegacyNameMatch additionally matches images by their generated name
// prefix, for images created before the source tag was written
func WithLegacyNameMatch(b bool) Opt {
	return func(o *Orchestrator) {
		o.legacyNameMatch = b
	}
}

// WithDatastore records created and deleted backups in the given datastore
func WithDatastore(ds datastore.Datastore) Opt {
	return func(o *Orchestrator) {
		o.datastore = ds
	}
}

// WithDisableBackup disables the creation of new backup images
func WithDisableBackup(b bool) Opt {
	return func(o *Orchestrator) {
		o.disableBackup = b
	}
}

// WithDisablePrune disables the rotation of old backup images
func WithDisablePrune(b bool) Opt {
	return func(o *Orchestrator) {
		o.disablePrune = b
	}
}

// WithDryRun only logs what would be created and deleted
func WithDryRun(b bool) Opt {
	return func(o *Orchestrator) {
		o.dryRun = b
	}
}

// WithWait sets how often and how long to poll for the metadata of a new
// image. The delay doubles after every attempt up to maxDelay.
func WithWait(attempts int, delay, maxDelay time.Duration) Opt {
	return func(o *Orchestrator) {
		o.waitAttempts = attempts
		o.waitDelay = delay
		o.waitMaxDelay = maxDelay
	}
}

// ValidateWait checks the settings given to WithWait. Polling needs at least
// one attempt and a positive delay that does not exceed maxDelay.
func ValidateWait(attempts int, delay, maxDelay time.Duration) error {
	if attempts <= 0 {
		return fmt.Errorf("wait attempts must be positive, got %d", attempts)
	}
	if delay <= 0 {
		return fmt.Errorf("wait delay must be positive, got %s", delay)
	}
	if maxDelay < delay {
		return fmt.Errorf("wait max delay %s is shorter than the delay %s", maxDelay, delay)
	}
	return nil
}

// WithInstanceTimeout sets the time processing a single instance may take
func WithInstanceTimeout(d time.Duration) Opt {
	return func(o *Orchestrator) {
		o.instanceTimeout = d
	}
}

// WithClock sets the clock used for image names and polling
func WithClock(c clock.Clock) Opt {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(o *Orchestrator) {
		o.logger = l.WithField("component", "backup-orchestrator")
	}
}

// NewOrchestrator creates a new Orchestrator given a Platform and a set of
// Opts
func NewOrchestrator(platform Platform, opts ...Opt) *Orchestrator {
	o := &Orchestrator{
		platform: platform,

		backupTagKey:    defaultBackupTagKey,
		retentionTagKey: defaultRetentionTagKey,
		sourceTagKey:    defaultSourceTagKey,

		waitAttempts:    defaultWaitAttempts,
		waitDelay:       defaultWaitDelay,
		waitMaxDelay:    defaultWaitMaxDelay,
		instanceTimeout: defaultInstanceTimeout,

		clock: clock.WallClock,
		logger: log.New().WithFields(
			log.Fields{
				"component": "backup-orchestrator",
			}),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run backs up and rotates every instance carrying the backup tag. Instances
// are processed one after another and independently of each other: the error
// of one instance is recorded in its result and does not stop the run. Only
// a failure to select the instances is returned as error.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := o.clock.Now()
	o.logger.Infof("AutoBackup started at %s", start.UTC().Format(nameTimeFormat))

	instances, err := o.platform.ListInstances(ctx, o.backupTagKey)
	if err != nil {
		return nil, fmt.Errorf("list instances with tag %q: %w", o.backupTagKey, err)
	}

	summary := &Summary{}
	for _, instance := range instances {
		o.logger.Infof("AutoBackup target instance: %s", instance.ID)
		res := o.processInstance(ctx, instance)
		instancesProcessed.WithLabelValues(string(res.Outcome)).Inc()
		if res.Outcome == OutcomeFailed {
			o.logger.WithField("instance-id", instance.ID).Errorf("backup failed: %+v", res.Err)
		}
		summary.Results = append(summary.Results, res)
	}

	o.logger.WithFields(log.Fields{
		"succeeded": summary.Count(OutcomeSucceeded),
		"skipped":   summary.Count(OutcomeSkippedNoPolicy),
		"failed":    summary.Count(OutcomeFailed),
	}).Infof("AutoBackup finished after %s", o.clock.Now().Sub(start))
	return summary, nil
}

func (o *Orchestrator) processInstance(ctx context.Context, instance *Instance) *InstanceResult {
	ctx, cancel := context.WithTimeout(ctx, o.instanceTimeout)
	defer cancel()

	logger := o.logger.WithField("instance-id", instance.ID)
	res := &InstanceResult{
		InstanceID: instance.ID,
		Outcome:    OutcomeSucceeded,
	}

	if !o.disableBackup {
		img, err := o.createBackup(ctx, logger, instance)
		res.Image = img
		if err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
	}

	if o.disablePrune {
		return res
	}

	retention, err := ParseRetention(instance, o.retentionTagKey)
	if err != nil {
		logger.Warnf("Skipping rotation: %v", err)
		res.Outcome, res.Err = OutcomeSkippedNoPolicy, err
		return res
	}

	res.Deleted, err = o.rotate(ctx, logger, instance, res.Image, retention)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
	}
	return res
}

func (o *Orchestrator) imageTags(instanceID, name string) map[string]string {
	return map[string]string{
		NameTagKey:     name,
		o.sourceTagKey: instanceID,
	}
}

func (o *Orchestrator) imageFilter(instanceID string) ImageFilter {
	f := ImageFilter{
		TagKey:     o.sourceTagKey,
		InstanceID: instanceID,
	}
	if o.legacyNameMatch {
		f.NamePrefix = ImageNamePrefix(o.backupTagKey, instanceID)
	}
	return f
}

// createBackup creates the image tagged with its name and source instance and
// tags its snapshots once they are known. The returned image is non-nil as
// soon as the platform accepted the creation.
func (o *Orchestrator) createBackup(ctx context.Context, logger log.FieldLogger, instance *Instance) (*Image, error) {
	now := o.clock.Now()
	name := ImageName(o.backupTagKey, instance.ID, now)
	logger = logger.WithField("image-name", name)

	if o.dryRun {
		logger.Infof("Dry run: would create image %s", name)
		return nil, nil
	}

	tags := o.imageTags(instance.ID, name)
	logger.Infof("Creating image %s", name)
	img, err := o.platform.CreateImage(ctx, instance.ID, name, tags)
	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", name, err)
	}
	imagesCreated.Inc()
	logger = logger.WithField("image-id", img.ID)

	resolved, err := o.waitForImage(ctx, logger, img.ID)
	if err != nil {
		return img, err
	}
	if resolved.Name == "" {
		resolved.Name = name
	}
	if resolved.CreatedAt.IsZero() {
		resolved.CreatedAt = now
	}
	if resolved.Tags == nil {
		resolved.Tags = map[string]string{}
	}
	for k, v := range tags {
		resolved.Tags[k] = v
	}

	// rotation finds the image by its own tags and deletes the snapshots
	// through its device mappings, so the snapshot tags are informational
	if snaps := resolved.Snapshots(); len(snaps) > 0 {
		if err := o.platform.TagResources(ctx, snaps, tags); err != nil {
			logger.Warnf("Cannot tag snapshots %v: %v", snaps, err)
		} else {
			logger.Infof("Tagged snapshots %v", snaps)
		}
	}

	o.storeBackupInfo(ctx, logger, instance, resolved)
	return resolved, nil
}

// waitForImage polls the platform until the image's device metadata is
// populated
func (o *Orchestrator) waitForImage(ctx context.Context, logger log.FieldLogger, imageID string) (*Image, error) {
	var img *Image
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			got, err := o.platform.DescribeImage(ctx, imageID)
			if err != nil {
				return err
			}
			if got.State == ImageStateFailed {
				return fmt.Errorf("image %s: %w", imageID, errImageFailed)
			}
			if !got.Resolved() {
				return errImagePending
			}
			img = got
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrImageNotFound) && !errors.Is(err, errImagePending)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("waiting for image %s, attempt %d: %v", imageID, attempt, err)
		},
		Attempts:    o.waitAttempts,
		Delay:       o.waitDelay,
		MaxDelay:    o.waitMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       o.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		return nil, fmt.Errorf("wait for image %s: %w", imageID, err)
	}
	return img, nil
}

func (o *Orchestrator) rotate(ctx context.Context, logger log.FieldLogger, instance *Instance, created *Image, retention int) ([]string, error) {
	images, err := o.platform.ListImages(ctx, o.imageFilter(instance.ID))
	if err != nil {
		return nil, fmt.Errorf("list images of %s: %w", instance.ID, err)
	}
	// the new image may not be listed yet
	if created != nil && !containsImage(images, created.ID) {
		images = append(images, created)
	}

	candidates := SelectForDeletion(images, retention)
	logger.Infof("Found %d backup images, keeping %d, deleting %d", len(images), retention, len(candidates))

	var deleted []string
	for _, img := range candidates {
		if o.dryRun {
			logger.Infof("Dry run: would delete image %s (%s)", img.ID, img.Name)
			continue
		}
		if err := o.deleteImage(ctx, logger, instance, img); err != nil {
			return deleted, err
		}
		deleted = append(deleted, img.ID)
	}
	return deleted, nil
}

// deleteImage deregisters the image and deletes its snapshots afterwards. The
// snapshot IDs are collected up front since deregistration removes the
// image's metadata.
func (o *Orchestrator) deleteImage(ctx context.Context, logger log.FieldLogger, instance *Instance, img *Image) error {
	logger = logger.WithField("image-id", img.ID)
	snaps := img.Snapshots()

	logger.Infof("Deregistering image %s (%s)", img.ID, img.Name)
	if err := o.platform.DeregisterImage(ctx, img.ID); err != nil {
		return fmt.Errorf("deregister image %s: %w", img.ID, err)
	}
	imagesDeleted.Inc()

	for _, snap := range snaps {
		logger.Infof("Deleting snapshot %s", snap)
		if err := o.platform.DeleteSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("delete snapshot %s of image %s: %w", snap, img.ID, err)
		}
		snapshotsDeleted.Inc()
	}

	if o.datastore != nil {
		if err := o.datastore.DeleteBackupInfo(ctx, &datastore.BackupInfo{
			Instance: datastore.InstanceID(instance.ID),
			ImageID:  datastore.ImageID(img.ID),
		}); err != nil {
			logger.Errorf("deleteBackupInfo: %+v", err)
		}
	}
	return nil
}

func (o *Orchestrator) storeBackupInfo(ctx context.Context, logger log.FieldLogger, instance *Instance, img *Image) {
	if o.datastore == nil {
		return
	}
	devices := make(map[string]string, len(img.Devices))
	for _, d := range img.Devices {
		if d.SnapshotID != "" {
			devices[d.Name] = d.SnapshotID
		}
	}
	if err := o.datastore.StoreBackupInfo(ctx, &datastore.BackupInfo{
		Instance:  datastore.InstanceID(instance.ID),
		ImageID:   datastore.ImageID(img.ID),
		Name:      img.Name,
		CreatedAt: img.CreatedAt,
		Devices:   devices,
		Labels: datastore.BackupLabels{
			o.backupTagKey: instance.Tags[o.backupTagKey],
		},
	}); err != nil {
		logger.Errorf("storeBackupInfo: %+v", err)
	}
}

func containsImage(images []*Image, id string) bool {
	for _, img := range images {
		if img.ID == id {
			return true
		}
	}
	return false
}
