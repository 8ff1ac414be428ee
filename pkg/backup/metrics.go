package backup

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	instancesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aws_auto_backup_instances_processed_total",
		Help: "Total number of instances processed, by outcome",
	}, []string{"outcome"})
	imagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aws_auto_backup_images_created_total",
		Help: "Total number of backup images created",
	})
	imagesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aws_auto_backup_images_deleted_total",
		Help: "Total number of backup images deregistered by rotation",
	})
	snapshotsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aws_auto_backup_snapshots_deleted_total",
		Help: "Total number of snapshots deleted by rotation",
	})
)

func init() {
	prometheus.MustRegister(instancesProcessed)
	prometheus.MustRegister(imagesCreated)
	prometheus.MustRegister(imagesDeleted)
	prometheus.MustRegister(snapshotsDeleted)
}
