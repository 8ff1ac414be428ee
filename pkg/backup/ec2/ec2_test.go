package ec2_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/google/go-cmp/cmp"

	"github.com/grid-x/aws-auto-backup/pkg/backup"
	"github.com/grid-x/aws-auto-backup/pkg/backup/ec2"
)

type fakeEC2 struct {
	ec2iface.EC2API

	instancePages  []*awsec2.DescribeInstancesOutput
	instanceInputs []*awsec2.DescribeInstancesInput

	images       []*awsec2.Image
	imageInputs  []*awsec2.DescribeImagesInput
	describeErr  error
	createInput  *awsec2.CreateImageInput
	tagInputs    []*awsec2.CreateTagsInput
	volumeInput  *awsec2.CreateVolumeInput
	deregistered []string
	deleted      []string
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx aws.Context, in *awsec2.DescribeInstancesInput, _ ...request.Option) (*awsec2.DescribeInstancesOutput, error) {
	f.instanceInputs = append(f.instanceInputs, in)
	return f.instancePages[len(f.instanceInputs)-1], nil
}

func (f *fakeEC2) CreateImageWithContext(ctx aws.Context, in *awsec2.CreateImageInput, _ ...request.Option) (*awsec2.CreateImageOutput, error) {
	f.createInput = in
	return &awsec2.CreateImageOutput{ImageId: aws.String("ami-new")}, nil
}

func (f *fakeEC2) DescribeImagesWithContext(ctx aws.Context, in *awsec2.DescribeImagesInput, _ ...request.Option) (*awsec2.DescribeImagesOutput, error) {
	f.imageInputs = append(f.imageInputs, in)
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if len(in.ImageIds) > 0 {
		var out []*awsec2.Image
		for _, img := range f.images {
			if *img.ImageId == *in.ImageIds[0] {
				out = append(out, img)
			}
		}
		return &awsec2.DescribeImagesOutput{Images: out}, nil
	}
	return &awsec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeEC2) CreateTagsWithContext(ctx aws.Context, in *awsec2.CreateTagsInput, _ ...request.Option) (*awsec2.CreateTagsOutput, error) {
	f.tagInputs = append(f.tagInputs, in)
	return &awsec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) DeregisterImageWithContext(ctx aws.Context, in *awsec2.DeregisterImageInput, _ ...request.Option) (*awsec2.DeregisterImageOutput, error) {
	f.deregistered = append(f.deregistered, *in.ImageId)
	return &awsec2.DeregisterImageOutput{}, nil
}

func (f *fakeEC2) DeleteSnapshotWithContext(ctx aws.Context, in *awsec2.DeleteSnapshotInput, _ ...request.Option) (*awsec2.DeleteSnapshotOutput, error) {
	f.deleted = append(f.deleted, *in.SnapshotId)
	return &awsec2.DeleteSnapshotOutput{}, nil
}

func (f *fakeEC2) CreateVolumeWithContext(ctx aws.Context, in *awsec2.CreateVolumeInput, _ ...request.Option) (*awsec2.Volume, error) {
	f.volumeInput = in
	return &awsec2.Volume{VolumeId: aws.String("vol-restored")}, nil
}

func ec2Image(id, name, created, state string, tags map[string]string, snaps ...string) *awsec2.Image {
	img := &awsec2.Image{
		ImageId:      aws.String(id),
		Name:         aws.String(name),
		CreationDate: aws.String(created),
		State:        aws.String(state),
	}
	for k, v := range tags {
		img.Tags = append(img.Tags, &awsec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	for i, s := range snaps {
		bdm := &awsec2.BlockDeviceMapping{
			DeviceName: aws.String([]string{"/dev/xvda", "/dev/xvdb"}[i]),
			Ebs:        &awsec2.EbsBlockDevice{},
		}
		if s != "" {
			bdm.Ebs.SnapshotId = aws.String(s)
		}
		img.BlockDeviceMappings = append(img.BlockDeviceMappings, bdm)
	}
	// instance store volumes are ignored
	img.BlockDeviceMappings = append(img.BlockDeviceMappings, &awsec2.BlockDeviceMapping{
		DeviceName:  aws.String("/dev/sdb"),
		VirtualName: aws.String("ephemeral0"),
	})
	return img
}

func Test_ListInstances(t *testing.T) {
	f := &fakeEC2{
		instancePages: []*awsec2.DescribeInstancesOutput{
			{
				Reservations: []*awsec2.Reservation{
					{
						Instances: []*awsec2.Instance{
							{
								InstanceId: aws.String("i-1"),
								Tags: []*awsec2.Tag{
									{Key: aws.String("AutoBackup"), Value: aws.String("true")},
									{Key: aws.String("Backup"), Value: aws.String("3")},
								},
							},
							{},
						},
					},
				},
				NextToken: aws.String("page-2"),
			},
			{
				Reservations: []*awsec2.Reservation{
					{
						Instances: []*awsec2.Instance{
							{
								InstanceId: aws.String("i-2"),
								Tags: []*awsec2.Tag{
									{Key: aws.String("AutoBackup"), Value: aws.String("")},
								},
							},
						},
					},
				},
			},
		},
	}

	got, err := ec2.NewPlatform(f).ListInstances(context.Background(), "AutoBackup")
	if err != nil {
		t.Fatalf("listInstances: %+v", err)
	}
	want := []*backup.Instance{
		{ID: "i-1", Tags: map[string]string{"AutoBackup": "true", "Backup": "3"}},
		{ID: "i-2", Tags: map[string]string{"AutoBackup": ""}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listInstances unexpected output: %s", diff)
	}

	if len(f.instanceInputs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(f.instanceInputs))
	}
	if got := aws.StringValue(f.instanceInputs[1].NextToken); got != "page-2" {
		t.Errorf("expected second request with token page-2, got %q", got)
	}
	filter := f.instanceInputs[0].Filters[0]
	if *filter.Name != "tag-key" || *filter.Values[0] != "AutoBackup" {
		t.Errorf("unexpected tag filter: %v", filter)
	}
}

func Test_CreateImage(t *testing.T) {
	f := &fakeEC2{}
	tags := map[string]string{"SourceInstanceId": "i-123", "Name": "AutoBackup-i-123-20240301000000"}
	img, err := ec2.NewPlatform(f).CreateImage(context.Background(), "i-123", "AutoBackup-i-123-20240301000000", tags)
	if err != nil {
		t.Fatalf("createImage: %+v", err)
	}
	if img.ID != "ami-new" || img.State != backup.ImageStatePending {
		t.Errorf("unexpected image: %+v", img)
	}
	if !aws.BoolValue(f.createInput.NoReboot) {
		t.Errorf("image must be created without reboot")
	}
	if aws.StringValue(f.createInput.InstanceId) != "i-123" {
		t.Errorf("unexpected instance: %v", f.createInput.InstanceId)
	}

	wantTags := []*awsec2.Tag{
		{Key: aws.String("Name"), Value: aws.String("AutoBackup-i-123-20240301000000")},
		{Key: aws.String("SourceInstanceId"), Value: aws.String("i-123")},
	}
	want := []*awsec2.TagSpecification{
		{ResourceType: aws.String("image"), Tags: wantTags},
		{ResourceType: aws.String("snapshot"), Tags: wantTags},
	}
	if diff := cmp.Diff(want, f.createInput.TagSpecifications); diff != "" {
		t.Errorf("createImage unexpected tag specifications: %s", diff)
	}
}

func Test_DescribeImage(t *testing.T) {
	f := &fakeEC2{
		images: []*awsec2.Image{
			ec2Image("ami-1", "AutoBackup-i-123-20240301000000", "2024-03-01T00:00:05.000Z", "pending",
				map[string]string{"Name": "AutoBackup-i-123-20240301000000"}, "snap-1", ""),
		},
	}
	p := ec2.NewPlatform(f)

	got, err := p.DescribeImage(context.Background(), "ami-1")
	if err != nil {
		t.Fatalf("describeImage: %+v", err)
	}
	want := &backup.Image{
		ID:        "ami-1",
		Name:      "AutoBackup-i-123-20240301000000",
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 5, 0, time.UTC),
		State:     backup.ImageStatePending,
		Devices: []backup.Device{
			{Name: "/dev/xvda", SnapshotID: "snap-1"},
			{Name: "/dev/xvdb"},
		},
		Tags: map[string]string{"Name": "AutoBackup-i-123-20240301000000"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("describeImage unexpected output: %s", diff)
	}
	if got.Resolved() {
		t.Errorf("image with missing snapshot must not be resolved")
	}

	if _, err := p.DescribeImage(context.Background(), "ami-missing"); !errors.Is(err, backup.ErrImageNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	f.describeErr = awserr.New("InvalidAMIID.NotFound", "not found", nil)
	if _, err := p.DescribeImage(context.Background(), "ami-1"); !errors.Is(err, backup.ErrImageNotFound) {
		t.Errorf("expected not found for API error, got %v", err)
	}

	f.describeErr = awserr.New("RequestLimitExceeded", "slow down", nil)
	if _, err := p.DescribeImage(context.Background(), "ami-1"); err == nil || errors.Is(err, backup.ErrImageNotFound) {
		t.Errorf("expected API error to be passed through, got %v", err)
	}
}

func Test_ListImages(t *testing.T) {
	f := &fakeEC2{
		images: []*awsec2.Image{
			ec2Image("ami-2", "AutoBackup-i-123-20240302000000", "2024-03-02T00:00:00.000Z", "available",
				map[string]string{"SourceInstanceId": "i-123"}, "snap-2"),
			ec2Image("ami-1", "AutoBackup-i-123-20240301000000", "2024-03-01T00:00:00.000Z", "available",
				nil, "snap-1"),
			ec2Image("ami-x", "AutoBackup-i-1234-20240301000000", "2024-03-01T00:00:00.000Z", "available",
				map[string]string{"SourceInstanceId": "i-1234"}, "snap-x"),
		},
	}
	p := ec2.NewPlatform(f)

	testcases := []struct {
		filter   backup.ImageFilter
		want     []string
		requests int
	}{
		{
			filter:   backup.ImageFilter{TagKey: "SourceInstanceId", InstanceID: "i-123"},
			want:     []string{"ami-2"},
			requests: 1,
		},
		{
			filter:   backup.ImageFilter{TagKey: "SourceInstanceId", InstanceID: "i-123", NamePrefix: "AutoBackup-i-123-"},
			want:     []string{"ami-1", "ami-2"},
			requests: 2,
		},
	}

	for _, tc := range testcases {
		f.imageInputs = nil
		images, err := p.ListImages(context.Background(), tc.filter)
		if err != nil {
			t.Fatalf("listImages: %+v", err)
		}
		var got []string
		for _, img := range images {
			got = append(got, img.ID)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("listImages unexpected output: %s", diff)
		}
		if len(f.imageInputs) != tc.requests {
			t.Errorf("expected %d requests, got %d", tc.requests, len(f.imageInputs))
		}
		if got := aws.StringValue(f.imageInputs[0].Owners[0]); got != "self" {
			t.Errorf("expected owner self, got %s", got)
		}
		if got := aws.StringValue(f.imageInputs[0].Filters[0].Name); got != "tag:SourceInstanceId" {
			t.Errorf("expected tag filter, got %s", got)
		}
	}
}

func Test_TagResources(t *testing.T) {
	f := &fakeEC2{}
	p := ec2.NewPlatform(f)
	tags := map[string]string{"SourceInstanceId": "i-123", "Name": "AutoBackup-i-123-20240301000000"}

	// tagging twice with the same values sends identical requests
	for i := 0; i < 2; i++ {
		if err := p.TagResources(context.Background(), []string{"ami-1", "snap-1"}, tags); err != nil {
			t.Fatalf("tagResources: %+v", err)
		}
	}
	if err := p.TagResources(context.Background(), nil, tags); err != nil {
		t.Fatalf("tagResources: %+v", err)
	}

	if len(f.tagInputs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(f.tagInputs))
	}
	want := &awsec2.CreateTagsInput{
		Resources: aws.StringSlice([]string{"ami-1", "snap-1"}),
		Tags: []*awsec2.Tag{
			{Key: aws.String("Name"), Value: aws.String("AutoBackup-i-123-20240301000000")},
			{Key: aws.String("SourceInstanceId"), Value: aws.String("i-123")},
		},
	}
	for _, in := range f.tagInputs {
		if diff := cmp.Diff(want, in); diff != "" {
			t.Errorf("createTags unexpected input: %s", diff)
		}
	}
}

func Test_DeregisterAndDelete(t *testing.T) {
	f := &fakeEC2{}
	p := ec2.NewPlatform(f)
	if err := p.DeregisterImage(context.Background(), "ami-1"); err != nil {
		t.Fatalf("deregisterImage: %+v", err)
	}
	if err := p.DeleteSnapshot(context.Background(), "snap-1"); err != nil {
		t.Fatalf("deleteSnapshot: %+v", err)
	}
	if !cmp.Equal([]string{"ami-1"}, f.deregistered) || !cmp.Equal([]string{"snap-1"}, f.deleted) {
		t.Errorf("unexpected calls: deregistered=%v deleted=%v", f.deregistered, f.deleted)
	}
}

func Test_Restore(t *testing.T) {
	f := &fakeEC2{}
	id, err := ec2.NewRestoreManager(f, "snap-1", "eu-central-1a",
		ec2.RestoreWithSize(100),
		ec2.RestoreWithType("gp3"),
		ec2.RestoreWithKMSKeyID("key"),
		ec2.RestoreWithTags(map[string]string{"Name": "restored"}),
	).Run(context.Background())
	if err != nil {
		t.Fatalf("restore: %+v", err)
	}
	if id != "vol-restored" {
		t.Errorf("unexpected volume id %s", id)
	}
	in := f.volumeInput
	if aws.Int64Value(in.Size) != 100 || aws.StringValue(in.VolumeType) != "gp3" {
		t.Errorf("unexpected volume input: %v", in)
	}
	if in.Encrypted != nil || in.KmsKeyId != nil {
		t.Errorf("kms key must only be set on encrypted volumes: %v", in)
	}
	if len(in.TagSpecifications) != 1 || aws.StringValue(in.TagSpecifications[0].ResourceType) != "volume" {
		t.Errorf("unexpected tag specifications: %v", in.TagSpecifications)
	}
}
