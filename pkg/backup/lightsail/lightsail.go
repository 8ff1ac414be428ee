package lightsail

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/lightsail"
	"github.com/aws/aws-sdk-go/service/lightsail/lightsailiface"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-auto-backup/pkg/backup"
)

var (
	getInstancesRequest = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsail_get_instances_requests_total",
		Help: "Total number of get instances requests",
	})
	createInstanceSnapshotRequest = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsail_create_instance_snapshot_requests_total",
		Help: "Total number of create instance snapshot requests",
	})
	getInstanceSnapshotRequest = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsail_get_instance_snapshot_requests_total",
		Help: "Total number of get instance snapshot requests",
	})
	deleteInstanceSnapshotRequest = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsail_delete_instance_snapshot_requests_total",
		Help: "Total number of delete instance snapshot requests",
	})
	tagResourceRequest = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lightsail_tag_resource_requests_total",
		Help: "Total number of tag resource requests",
	})
)

func init() {
	prometheus.MustRegister(getInstancesRequest)
	prometheus.MustRegister(createInstanceSnapshotRequest)
	prometheus.MustRegister(getInstanceSnapshotRequest)
	prometheus.MustRegister(deleteInstanceSnapshotRequest)
	prometheus.MustRegister(tagResourceRequest)
}

// Platform implements backup.Platform on top of Lightsail. Backup images are
// instance snapshots, identified by their name. They have no separate disk
// snapshots: attached disks are part of the instance snapshot.
type Platform struct {
	client lightsailiface.LightsailAPI

	logger log.FieldLogger
}

// Opt represents Options that can be passed to the Platform
type Opt func(*Platform)

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(p *Platform) {
		p.logger = l.WithField("component", "lightsail-platform")
	}
}

// NewPlatform creates a new Lightsail Platform given a lightsail client and a
// set of Opts
func NewPlatform(client lightsailiface.LightsailAPI, opts ...Opt) *Platform {
	p := &Platform{
		client: client,
		logger: log.New().WithFields(
			log.Fields{
				"component": "lightsail-platform",
			}),
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// ListInstances returns all instances having the given tag key set
func (p *Platform) ListInstances(ctx context.Context, tagKey string) ([]*backup.Instance, error) {
	var result []*backup.Instance
	var token *string
	for {
		in := &lightsail.GetInstancesInput{}
		if token != nil {
			in.PageToken = token
		}

		resp, err := p.client.GetInstancesWithContext(ctx, in)
		getInstancesRequest.Inc()
		if err != nil {
			return nil, err
		}
		for _, instance := range resp.Instances {
			if instance.Name == nil {
				//skip
				continue
			}
			tags := tagMap(instance.Tags)
			if _, ok := tags[tagKey]; !ok {
				continue
			}
			result = append(result, &backup.Instance{
				ID:   *instance.Name,
				Tags: tags,
			})
		}

		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}

	return result, nil
}

// CreateImage creates an instance snapshot named name, tagged with tags
func (p *Platform) CreateImage(ctx context.Context, instanceID, name string, tags map[string]string) (*backup.Image, error) {
	p.logger.Infof("Creating snapshot with name %s", name)
	in := &lightsail.CreateInstanceSnapshotInput{
		InstanceName:         aws.String(instanceID),
		InstanceSnapshotName: aws.String(name),
	}
	if len(tags) > 0 {
		in.Tags = lightsailTags(tags)
	}
	_, err := p.client.CreateInstanceSnapshotWithContext(ctx, in)
	createInstanceSnapshotRequest.Inc()
	if err != nil {
		return nil, err
	}
	return &backup.Image{
		ID:    name,
		Name:  name,
		State: backup.ImageStatePending,
	}, nil
}

// DescribeImage returns the current state of an instance snapshot
func (p *Platform) DescribeImage(ctx context.Context, imageID string) (*backup.Image, error) {
	resp, err := p.client.GetInstanceSnapshotWithContext(ctx, &lightsail.GetInstanceSnapshotInput{
		InstanceSnapshotName: aws.String(imageID),
	})
	getInstanceSnapshotRequest.Inc()
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == lightsail.ErrCodeNotFoundException {
			return nil, fmt.Errorf("%s: %w", imageID, backup.ErrImageNotFound)
		}
		return nil, err
	}
	if resp.InstanceSnapshot == nil {
		return nil, fmt.Errorf("%s: %w", imageID, backup.ErrImageNotFound)
	}
	return convertSnapshot(resp.InstanceSnapshot), nil
}

// TagResources tags the given instance snapshots
func (p *Platform) TagResources(ctx context.Context, ids []string, tags map[string]string) error {
	for _, id := range ids {
		_, err := p.client.TagResourceWithContext(ctx, &lightsail.TagResourceInput{
			ResourceName: aws.String(id),
			Tags:         lightsailTags(tags),
		})
		tagResourceRequest.Inc()
		if err != nil {
			return err
		}
	}
	return nil
}

// ListImages returns all instance snapshots matching the filter
func (p *Platform) ListImages(ctx context.Context, filter backup.ImageFilter) ([]*backup.Image, error) {
	var result []*backup.Image
	var token *string

	for {
		in := &lightsail.GetInstanceSnapshotsInput{}
		if token != nil {
			in.PageToken = token
		}
		resp, err := p.client.GetInstanceSnapshotsWithContext(ctx, in)
		getInstanceSnapshotRequest.Inc()
		if err != nil {
			return nil, err
		}

		for _, snapshot := range resp.InstanceSnapshots {
			if snapshot.Name == nil {
				continue
			}
			// snapshots of other instances may carry a copied tag or a
			// name sharing the prefix
			if aws.StringValue(snapshot.FromInstanceName) != filter.InstanceID {
				continue
			}
			img := convertSnapshot(snapshot)
			if !filter.Match(img.Name, img.Tags) {
				continue
			}
			result = append(result, img)
		}
		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeregisterImage deletes an instance snapshot
func (p *Platform) DeregisterImage(ctx context.Context, imageID string) error {
	p.logger.Infof("Deleting snapshot %s", imageID)
	_, err := p.client.DeleteInstanceSnapshotWithContext(
		ctx,
		&lightsail.DeleteInstanceSnapshotInput{
			InstanceSnapshotName: aws.String(imageID),
		})
	deleteInstanceSnapshotRequest.Inc()
	return err
}

// DeleteSnapshot is not supported: instance snapshots reference no separate
// disk snapshots
func (p *Platform) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return fmt.Errorf("lightsail: cannot delete snapshot %s separately from its instance snapshot", snapshotID)
}

func convertSnapshot(snapshot *lightsail.InstanceSnapshot) *backup.Image {
	img := &backup.Image{
		ID:    aws.StringValue(snapshot.Name),
		Name:  aws.StringValue(snapshot.Name),
		State: backup.ImageStatePending,
		Tags:  tagMap(snapshot.Tags),
	}
	if snapshot.CreatedAt != nil {
		img.CreatedAt = *snapshot.CreatedAt
	}
	switch aws.StringValue(snapshot.State) {
	case lightsail.InstanceSnapshotStateAvailable:
		img.State = backup.ImageStateAvailable
	case lightsail.InstanceSnapshotStateError:
		img.State = backup.ImageStateFailed
	}
	return img
}

func tagMap(tags []*lightsail.Tag) map[string]string {
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		if tag.Key == nil {
			continue
		}
		result[*tag.Key] = aws.StringValue(tag.Value)
	}
	return result
}

func lightsailTags(tags map[string]string) []*lightsail.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*lightsail.Tag, 0, len(keys))
	for _, k := range keys {
		result = append(result, &lightsail.Tag{
			Key:   aws.String(k),
			Value: aws.String(tags[k]),
		})
	}
	return result
}
