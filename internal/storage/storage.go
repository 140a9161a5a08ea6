// Package storage holds the append-only sinks: the raw log archive written by
// backfill and the optional finding audit trail.
package storage

import (
	"context"

	"chainWatchdog/internal/model"
)

// LogArchive defines a sink for raw log records.
type LogArchive interface {
	PutLogBatch(logs []model.LogRecord) error
}

// FindingSink appends findings to an audit trail.
type FindingSink interface {
	PutFindings(ctx context.Context, findings []model.Finding) error
}
