package datastore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned if no backup info exists for an instance
var ErrNotFound = errors.New("no backup info found")

// InstanceID is the ID of the instance a backup image was created from
type InstanceID string

// ImageID is the actual ID of the backup image created
type ImageID string

// BackupLabels represent arbitrary labels added to a backup
type BackupLabels map[string]string

// BackupInfo describes meta infos of a backup image
type BackupInfo struct {
	Instance  InstanceID
	ImageID   ImageID
	Name      string
	CreatedAt time.Time
	Devices   map[string]string // device name -> snapshot ID
	Labels    BackupLabels
}

// Datastore describes the interface needed by a storage for backup info
type Datastore interface {
	StoreBackupInfo(context.Context, *BackupInfo) error
	GetLatestBackupInfo(context.Context, InstanceID) (*BackupInfo, error)
	DeleteBackupInfo(context.Context, *BackupInfo) error
}
