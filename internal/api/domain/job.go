package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Job statuses published by the conversion worker.
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

var (
	ErrInvalidJobID    = errors.New("invalid job id")
	ErrArtifactMissing = errors.New("artifact not found")
)

// IsTerminalStatus reports whether status ends a job's event stream.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// JobDescriptor is the queue wire message handed to the conversion worker.
// It is created once at dispatch time and never mutated or re-read here.
type JobDescriptor struct {
	ID             string `json:"id"`
	InputFile      string `json:"inputFile"`
	OutputFile     string `json:"outputFile"`
	OutputFilename string `json:"outputFilename"`
	FileSize       int64  `json:"fileSize"`
	SlideWidth     int    `json:"slideWidth"`
	SlideHeight    int    `json:"slideHeight"`
	Timestamp      string `json:"timestamp"`
}

// NewDescriptorTimestamp formats t the way the worker expects.
func NewDescriptorTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// StatusEvent is one status update for a job, decoded from the bus. Events
// are transient; nothing stores or replays them.
type StatusEvent struct {
	JobID   string          `json:"-"`
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e StatusEvent) Terminal() bool {
	return IsTerminalStatus(e.Status)
}
