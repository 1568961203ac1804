package domain

import (
	"context"
	"time"
)

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one append-only line of a deployment's log stream. IDs are
// assigned by the log sink, strictly increasing per deployment with no
// gaps, so consumers can read incrementally by id range.
type LogEntry struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Level        LogLevel  `json:"level"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

type LogRepository interface {
	Append(ctx context.Context, entry *LogEntry) error
	ListSince(ctx context.Context, deploymentID int64, afterID int64, limit int) ([]LogEntry, error)
	DeleteByDeployment(ctx context.Context, deploymentID int64) error
}
