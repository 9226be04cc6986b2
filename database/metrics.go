package database

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_frames_total",
		Help: "Number of frames ended.",
	})
	metricFrame = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framedb_frame",
		Help: "Frame being written.",
	})
	metricUpdateJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_update_jobs_total",
		Help: "Number of row update jobs submitted.",
	})
	metricRowsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_rows_created_total",
		Help: "Number of rows created.",
	})
	metricRowsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_rows_destroyed_total",
		Help: "Number of rows destroyed.",
	})
	metricLogsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_logs_applied_total",
		Help: "Number of logs folded into master files.",
	})
	metricIndexRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_index_rotations_total",
		Help: "Number of rotations made by index rebalancing.",
	})
	metricIndexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_index_rebuilds_total",
		Help: "Number of indexes rebuilt because they did not match their table.",
	})
	metricBackups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framedb_backups_total",
		Help: "Number of backups by result.",
	}, []string{"result"})
	metricBackupBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framedb_backup_bytes_total",
		Help: "Uncompressed bytes written to backups.",
	})
)
