package ec2

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-auto-backup/pkg/backup"
)

const (
	defaultDescription = "auto backup created by grid-x/aws-auto-backup"

	errCodeAMINotFound = "InvalidAMIID.NotFound"
)

var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ec2_api_requests_total",
		Help: "Total number of EC2 API requests, by operation",
	}, []string{"operation"})

	// instances in these states can be imaged
	liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}
)

func init() {
	prometheus.MustRegister(apiRequests)
}

// Platform implements backup.Platform on top of EC2: backup images are AMIs
// and their EBS snapshots
type Platform struct {
	client ec2iface.EC2API

	description string
	noReboot    bool

	logger log.FieldLogger
}

// Opt is the type for Options of the Platform
type Opt func(*Platform)

// WithDescription sets the description of created images
func WithDescription(d string) Opt {
	return func(p *Platform) {
		p.description = d
	}
}

// WithReboot allows EC2 to reboot the instance for a consistent image
func WithReboot(b bool) Opt {
	return func(p *Platform) {
		p.noReboot = !b
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(p *Platform) {
		p.logger = l.WithField("component", "ec2-platform")
	}
}

// NewPlatform creates a new EC2 Platform given an EC2 client and a set of
// Opts
func NewPlatform(client ec2iface.EC2API, opts ...Opt) *Platform {
	p := &Platform{
		client: client,

		description: defaultDescription,
		noReboot:    true,

		logger: log.New().WithFields(
			log.Fields{
				"component": "ec2-platform",
			}),
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// ListInstances returns all live instances having the given tag key set
func (p *Platform) ListInstances(ctx context.Context, tagKey string) ([]*backup.Instance, error) {
	var result []*backup.Instance
	var token *string
	for {
		in := &ec2.DescribeInstancesInput{}
		if token != nil {
			in.NextToken = token
		}

		// Filter so we get only instances that have the backup tag set
		in.SetFilters([]*ec2.Filter{
			{
				Name:   aws.String("tag-key"),
				Values: []*string{aws.String(tagKey)},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: aws.StringSlice(liveInstanceStates),
			},
		})

		resp, err := p.client.DescribeInstancesWithContext(ctx, in)
		apiRequests.WithLabelValues("DescribeInstances").Inc()
		if err != nil {
			return nil, err
		}
		for _, reservation := range resp.Reservations {
			for _, instance := range reservation.Instances {
				if instance.InstanceId == nil {
					//skip
					continue
				}
				result = append(result, &backup.Instance{
					ID:   *instance.InstanceId,
					Tags: tagMap(instance.Tags),
				})
			}
		}

		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		token = resp.NextToken
	}

	return result, nil
}

// CreateImage creates an AMI of the instance. The tags are applied to the AMI
// and its snapshots by EC2 itself, so they cannot be lost between creating and
// tagging.
func (p *Platform) CreateImage(ctx context.Context, instanceID, name string, tags map[string]string) (*backup.Image, error) {
	in := &ec2.CreateImageInput{
		InstanceId:  aws.String(instanceID),
		Name:        aws.String(name),
		Description: aws.String(p.description),
		NoReboot:    aws.Bool(p.noReboot),
	}
	if len(tags) > 0 {
		in.TagSpecifications = []*ec2.TagSpecification{
			{
				ResourceType: aws.String(ec2.ResourceTypeImage),
				Tags:         ec2Tags(tags),
			},
			{
				ResourceType: aws.String(ec2.ResourceTypeSnapshot),
				Tags:         ec2Tags(tags),
			},
		}
	}
	out, err := p.client.CreateImageWithContext(ctx, in)
	apiRequests.WithLabelValues("CreateImage").Inc()
	if err != nil {
		return nil, err
	}
	if out.ImageId == nil {
		return nil, fmt.Errorf("image ID of %s is nil", name)
	}
	return &backup.Image{
		ID:    *out.ImageId,
		Name:  name,
		State: backup.ImageStatePending,
	}, nil
}

// DescribeImage returns the current state of an AMI
func (p *Platform) DescribeImage(ctx context.Context, imageID string) (*backup.Image, error) {
	out, err := p.client.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{
		ImageIds: []*string{aws.String(imageID)},
	})
	apiRequests.WithLabelValues("DescribeImages").Inc()
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == errCodeAMINotFound {
			return nil, fmt.Errorf("%s: %w", imageID, backup.ErrImageNotFound)
		}
		return nil, err
	}
	for _, img := range out.Images {
		if img.ImageId != nil && *img.ImageId == imageID {
			return p.convertImage(img), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", imageID, backup.ErrImageNotFound)
}

// TagResources tags the given AMIs and snapshots
func (p *Platform) TagResources(ctx context.Context, ids []string, tags map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: aws.StringSlice(ids),
		Tags:      ec2Tags(tags),
	})
	apiRequests.WithLabelValues("CreateTags").Inc()
	return err
}

// ListImages returns all AMIs owned by this account matching the filter
func (p *Platform) ListImages(ctx context.Context, filter backup.ImageFilter) ([]*backup.Image, error) {
	byID := map[string]*backup.Image{}

	filters := [][]*ec2.Filter{
		{
			{
				Name:   aws.String("tag:" + filter.TagKey),
				Values: []*string{aws.String(filter.InstanceID)},
			},
		},
	}
	if filter.NamePrefix != "" {
		filters = append(filters, []*ec2.Filter{
			{
				Name:   aws.String("name"),
				Values: []*string{aws.String(filter.NamePrefix + "*")},
			},
		})
	}

	for _, f := range filters {
		images, err := p.describeImages(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			// the API filters are only a pre-selection
			if !filter.Match(img.Name, img.Tags) {
				continue
			}
			byID[img.ID] = img
		}
	}

	result := make([]*backup.Image, 0, len(byID))
	for _, img := range byID {
		result = append(result, img)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (p *Platform) describeImages(ctx context.Context, filters []*ec2.Filter) ([]*backup.Image, error) {
	var result []*backup.Image
	var token *string
	for {
		in := &ec2.DescribeImagesInput{
			Owners:  []*string{aws.String("self")},
			Filters: filters,
		}
		if token != nil {
			in.NextToken = token
		}

		resp, err := p.client.DescribeImagesWithContext(ctx, in)
		apiRequests.WithLabelValues("DescribeImages").Inc()
		if err != nil {
			return nil, err
		}
		for _, img := range resp.Images {
			if img.ImageId == nil {
				//skip
				continue
			}
			result = append(result, p.convertImage(img))
		}

		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		token = resp.NextToken
	}
	return result, nil
}

// DeregisterImage deregisters an AMI
func (p *Platform) DeregisterImage(ctx context.Context, imageID string) error {
	_, err := p.client.DeregisterImageWithContext(ctx, &ec2.DeregisterImageInput{
		ImageId: aws.String(imageID),
	})
	apiRequests.WithLabelValues("DeregisterImage").Inc()
	return err
}

// DeleteSnapshot deletes an EBS snapshot
func (p *Platform) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := p.client.DeleteSnapshotWithContext(ctx, &ec2.DeleteSnapshotInput{
		SnapshotId: aws.String(snapshotID),
	})
	apiRequests.WithLabelValues("DeleteSnapshot").Inc()
	return err
}

func (p *Platform) convertImage(img *ec2.Image) *backup.Image {
	result := &backup.Image{
		ID:    aws.StringValue(img.ImageId),
		Name:  aws.StringValue(img.Name),
		State: convertState(aws.StringValue(img.State)),
		Tags:  tagMap(img.Tags),
	}
	if img.CreationDate != nil {
		createdAt, err := time.Parse(time.RFC3339, *img.CreationDate)
		if err != nil {
			p.logger.WithField("image-id", result.ID).Warnf("Couldn't parse creation date %q: %+v", *img.CreationDate, err)
		} else {
			result.CreatedAt = createdAt
		}
	}
	for _, bdm := range img.BlockDeviceMappings {
		// instance store volumes have no snapshot
		if bdm.Ebs == nil {
			continue
		}
		result.Devices = append(result.Devices, backup.Device{
			Name:       aws.StringValue(bdm.DeviceName),
			SnapshotID: aws.StringValue(bdm.Ebs.SnapshotId),
		})
	}
	return result
}

func convertState(s string) string {
	switch s {
	case ec2.ImageStateAvailable:
		return backup.ImageStateAvailable
	case ec2.ImageStateFailed, ec2.ImageStateError, ec2.ImageStateInvalid, ec2.ImageStateDeregistered:
		return backup.ImageStateFailed
	default:
		return backup.ImageStatePending
	}
}

func tagMap(tags []*ec2.Tag) map[string]string {
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		if tag.Key == nil {
			continue
		}
		result[*tag.Key] = aws.StringValue(tag.Value)
	}
	return result
}

func ec2Tags(tags map[string]string) []*ec2.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*ec2.Tag, 0, len(keys))
	for _, k := range keys {
		result = append(result, &ec2.Tag{
			Key:   aws.String(k),
			Value: aws.String(tags[k]),
		})
	}
	return result
}
