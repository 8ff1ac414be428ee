package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
)

// RestoreManager manages a restore operation of an EBS volume from a snapshot
// of a backup image
type RestoreManager struct {
	client ec2iface.EC2API

	snapshotID string
	az         string
	iops, size *int64
	encrypted  bool
	kmsKeyID   *string
	volumeType *string
	tags       map[string]string
}

// RestoreOption is an option passed to the RestoreManager
type RestoreOption func(*RestoreManager)

// RestoreWithSize sets the size of the volume being restored
func RestoreWithSize(v int64) RestoreOption {
	return func(mgr *RestoreManager) {
		mgr.size = aws.Int64(v)
	}
}

// RestoreWithIOPS sets the IOPS to be provisioned for the EBS volume
func RestoreWithIOPS(v int64) RestoreOption {
	return func(mgr *RestoreManager) {
		mgr.iops = aws.Int64(v)
	}
}

// RestoreWithType sets the type of the volume
func RestoreWithType(t string) RestoreOption {
	return func(mgr *RestoreManager) {
		mgr.volumeType = aws.String(t)
	}
}

// RestoreWithEncrypted sets whether the volume should be encrypted
func RestoreWithEncrypted(enc bool) RestoreOption {
	return func(mgr *RestoreManager) {
		mgr.encrypted = enc
	}
}

// RestoreWithKMSKeyID sets the id of KMS key to be used
func RestoreWithKMSKeyID(id string) RestoreOption {
	return func(mgr *RestoreManager) {
		mgr.kmsKeyID = aws.String(id)
	}
}

// RestoreWithTags sets tags to put on the restored volume
func RestoreWithTags(tags map[string]string) RestoreOption {
	return func(mgr *RestoreManager) {
		mgr.tags = tags
	}
}

// NewRestoreManager creates a new RestoreManager with the given settings
func NewRestoreManager(client ec2iface.EC2API, snapshotID, az string, opts ...RestoreOption) *RestoreManager {
	mgr := &RestoreManager{
		client:     client,
		snapshotID: snapshotID,
		az:         az,
		encrypted:  false,
	}

	for _, opt := range opts {
		opt(mgr)
	}

	return mgr
}

// Run will perform the actual request and restore the volume. It returns the
// ID of the new volume.
func (mgr *RestoreManager) Run(ctx context.Context) (string, error) {
	input := &awsec2.CreateVolumeInput{
		AvailabilityZone: aws.String(mgr.az),
		SnapshotId:       aws.String(mgr.snapshotID),
	}

	if mgr.size != nil && *mgr.size > 0 {
		input.Size = mgr.size
	}

	if mgr.iops != nil && *mgr.iops > 0 {
		input.Iops = mgr.iops
	}

	if mgr.volumeType != nil && *mgr.volumeType != "" {
		input.VolumeType = mgr.volumeType
	}

	if mgr.encrypted {
		input.Encrypted = aws.Bool(mgr.encrypted)
		if mgr.kmsKeyID != nil && *mgr.kmsKeyID != "" {
			input.KmsKeyId = mgr.kmsKeyID
		}
	}

	if len(mgr.tags) > 0 {
		input.TagSpecifications = []*awsec2.TagSpecification{
			{
				ResourceType: aws.String(awsec2.ResourceTypeVolume),
				Tags:         ec2Tags(mgr.tags),
			},
		}
	}

	out, err := mgr.client.CreateVolumeWithContext(ctx, input)
	apiRequests.WithLabelValues("CreateVolume").Inc()
	if err != nil {
		return "", err
	}
	if out.VolumeId == nil {
		return "", fmt.Errorf("volume ID of restore from %s is nil", mgr.snapshotID)
	}
	return *out.VolumeId, nil
}
