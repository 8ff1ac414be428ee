package backup

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	// ImageStatePending is the state of an image that is still being created
	ImageStatePending = "pending"
	// ImageStateAvailable is the state of an image that is ready for use
	ImageStateAvailable = "available"
	// ImageStateFailed is the state of an image whose creation failed
	ImageStateFailed = "failed"
)

var (
	// ErrImageNotFound is returned by a Platform if an image cannot be found
	// (yet)
	ErrImageNotFound = errors.New("image not found")
)

// Instance is the read-only view of a compute instance
type Instance struct {
	ID   string
	Tags map[string]string
}

// Device is a storage device mapping of an image, optionally backed by a
// snapshot
type Device struct {
	Name       string
	SnapshotID string
}

// Image is a backup image of an instance
type Image struct {
	ID        string
	Name      string
	CreatedAt time.Time
	State     string
	Devices   []Device
	Tags      map[string]string
}

// Snapshots returns the IDs of all snapshots referenced by the image's
// device mappings
func (img *Image) Snapshots() []string {
	var ids []string
	for _, d := range img.Devices {
		if d.SnapshotID == "" {
			continue
		}
		ids = append(ids, d.SnapshotID)
	}
	return ids
}

// SnapshotFor returns the snapshot backing the given device name
func (img *Image) SnapshotFor(device string) (string, bool) {
	for _, d := range img.Devices {
		if d.Name == device && d.SnapshotID != "" {
			return d.SnapshotID, true
		}
	}
	return "", false
}

// Resolved reports whether the device metadata of the image is fully
// populated, i.e. the image is available or every device already references a
// snapshot
func (img *Image) Resolved() bool {
	if img.State == ImageStateAvailable {
		return true
	}
	if len(img.Devices) == 0 {
		return false
	}
	for _, d := range img.Devices {
		if d.SnapshotID == "" {
			return false
		}
	}
	return true
}

// ImageFilter selects the backup images belonging to an instance. An image
// matches if its TagKey tag equals InstanceID or, if NamePrefix is set, its
// name starts with NamePrefix.
type ImageFilter struct {
	TagKey     string
	InstanceID string
	NamePrefix string
}

// Match reports whether the given image name and tags match the filter
func (f ImageFilter) Match(name string, tags map[string]string) bool {
	if v, ok := tags[f.TagKey]; ok && v == f.InstanceID {
		return true
	}
	return f.NamePrefix != "" && strings.HasPrefix(name, f.NamePrefix)
}

// Platform is the control API of the cloud platform hosting the instances
type Platform interface {
	// ListInstances returns all instances carrying the given tag key,
	// regardless of its value
	ListInstances(ctx context.Context, tagKey string) ([]*Instance, error)
	// CreateImage requests a new image of the instance without rebooting it.
	// The tags are set on the image, and on its snapshots where the platform
	// creates them, as part of the creation request.
	CreateImage(ctx context.Context, instanceID, name string, tags map[string]string) (*Image, error)
	// DescribeImage returns the current state of an image. ErrImageNotFound
	// is returned if the image is not (yet) visible.
	DescribeImage(ctx context.Context, imageID string) (*Image, error)
	// TagResources writes the given tags onto all resources
	TagResources(ctx context.Context, ids []string, tags map[string]string) error
	// ListImages returns all images matching the filter
	ListImages(ctx context.Context, filter ImageFilter) ([]*Image, error)
	// DeregisterImage deletes an image
	DeregisterImage(ctx context.Context, imageID string) error
	// DeleteSnapshot deletes a storage snapshot
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// Outcome is the result of processing a single instance
type Outcome string

const (
	// OutcomeSucceeded means backup and rotation completed
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeSkippedNoPolicy means the instance had no usable retention
	// policy, so rotation was skipped
	OutcomeSkippedNoPolicy Outcome = "skipped-no-policy"
	// OutcomeFailed means a platform call failed while processing the
	// instance
	OutcomeFailed Outcome = "failed"
)

// InstanceResult is the result of processing a single instance
type InstanceResult struct {
	InstanceID string
	Outcome    Outcome
	Image      *Image   // backup image created in this run, if any
	Deleted    []string // IDs of images deleted by rotation
	Err        error
}

// Summary aggregates the results of a run
type Summary struct {
	Results []*InstanceResult
}

// OK reports whether no instance failed
func (s *Summary) OK() bool {
	return s.Count(OutcomeFailed) == 0
}

// Count returns the number of results with the given outcome
func (s *Summary) Count(o Outcome) int {
	var n int
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Failed returns all failed results
func (s *Summary) Failed() []*InstanceResult {
	var failed []*InstanceResult
	for _, r := range s.Results {
		if r.Outcome == OutcomeFailed {
			failed = append(failed, r)
		}
	}
	return failed
}

// InstanceReport is the serializable form of an InstanceResult
type InstanceReport struct {
	InstanceID string   `json:"instanceId"`
	Outcome    Outcome  `json:"outcome"`
	ImageID    string   `json:"imageId,omitempty"`
	ImageName  string   `json:"imageName,omitempty"`
	Deleted    []string `json:"deleted,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Report returns the serializable form of all results
func (s *Summary) Report() []InstanceReport {
	reports := make([]InstanceReport, 0, len(s.Results))
	for _, r := range s.Results {
		rep := InstanceReport{
			InstanceID: r.InstanceID,
			Outcome:    r.Outcome,
			Deleted:    r.Deleted,
		}
		if r.Image != nil {
			rep.ImageID = r.Image.ID
			rep.ImageName = r.Image.Name
		}
		if r.Err != nil {
			rep.Error = r.Err.Error()
		}
		reports = append(reports, rep)
	}
	return reports
}
