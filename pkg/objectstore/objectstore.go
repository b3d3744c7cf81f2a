// Package objectstore is the log archive port: once a task finishes, its
// buffered log lines move out of pkg/logdrain's in-memory buffers and into
// durable object storage, keyed by task ID. The interface is kept narrow
// enough that a non-S3 backend could implement it, though only
// pkg/objectstore/s3 does today.
package objectstore

import "context"

// Store reads and appends log lines for a task's archived log object.
type Store interface {
	// GetLogs returns every line archived for taskID, or an empty slice
	// if nothing has been archived yet.
	GetLogs(ctx context.Context, taskID string) ([]string, error)

	// UploadLogParts appends lines to taskID's archived log object,
	// downloading and re-uploading the whole object — the object store
	// has no native append.
	UploadLogParts(ctx context.Context, taskID string, lines []string) error
}

// LogObjectKey returns the object key an implementation should use for
// a task's log object.
func LogObjectKey(taskID string) string {
	return "vicky-logs/" + taskID + ".log"
}
