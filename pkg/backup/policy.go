package backup

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const nameTimeFormat = "20060102150405"

var (
	// ErrMissingRetention is returned if an instance carries no retention tag
	ErrMissingRetention = errors.New("retention tag missing")
	// ErrInvalidRetention is returned if the retention tag is not a
	// non-negative integer
	ErrInvalidRetention = errors.New("retention tag invalid")
)

// PolicyError is a configuration error of an instance's retention policy
type PolicyError struct {
	InstanceID string
	TagKey     string
	Value      string
	Err        error
}

func (e *PolicyError) Error() string {
	if errors.Is(e.Err, ErrMissingRetention) {
		return fmt.Sprintf("instance %s: %v (%s)", e.InstanceID, e.Err, e.TagKey)
	}
	return fmt.Sprintf("instance %s: %v (%s=%q)", e.InstanceID, e.Err, e.TagKey, e.Value)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ImageName returns the name of a backup image, i.e.
// <backupTag>-<instanceID>-<YYYYMMDDHHMMSS>
func ImageName(backupTag, instanceID string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s", backupTag, instanceID, t.UTC().Format(nameTimeFormat))
}

// ImageNamePrefix returns the name prefix shared by all backup images of an
// instance
func ImageNamePrefix(backupTag, instanceID string) string {
	return fmt.Sprintf("%s-%s-", backupTag, instanceID)
}

// ParseRetention reads the number of backup generations to keep from the
// instance's tags
func ParseRetention(instance *Instance, tagKey string) (int, error) {
	v, ok := instance.Tags[tagKey]
	if !ok {
		return 0, &PolicyError{InstanceID: instance.ID, TagKey: tagKey, Err: ErrMissingRetention}
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, &PolicyError{InstanceID: instance.ID, TagKey: tagKey, Value: v, Err: ErrInvalidRetention}
	}
	return n, nil
}

// SelectForDeletion returns the images exceeding the retention count, oldest
// first. Images with equal creation times keep their given order. The input
// slice is not modified.
func SelectForDeletion(images []*Image, retention int) []*Image {
	excess := len(images) - retention
	if excess <= 0 {
		return nil
	}
	sorted := make([]*Image, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[:excess]
}

// Latest returns the most recently created image, or nil if there is none
func Latest(images []*Image) *Image {
	var latest *Image
	for _, img := range images {
		if latest == nil || img.CreatedAt.After(latest.CreatedAt) {
			latest = img
		}
	}
	return latest
}
