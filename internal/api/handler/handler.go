package handler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/slideforge/converter-gateway/internal/api/domain"
	"github.com/slideforge/converter-gateway/internal/api/storage"
	"github.com/slideforge/converter-gateway/internal/relay"
)

// QueuePublisher dispatches serialized job descriptors to the durable queue.
type QueuePublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// StatusSubscriber registers listeners for a job's status channel.
type StatusSubscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan domain.StatusEvent, relay.UnsubscribeFunc, error)
}

// Options holds the tunables for a ConversionHandler.
type Options struct {
	MaxUploadSize      int64
	HeartbeatInterval  time.Duration
	CloseGraceDelay    time.Duration
	DefaultSlideWidth  int
	DefaultSlideHeight int
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Producer  QueuePublisher
	Relay     StatusSubscriber
	Storage   *storage.Storage
	Options   Options
}

// ConversionHandler handles conversion-related HTTP requests. It owns the
// registry of active stream connections; nothing here is package-global, so
// tests can run independent instances.
type ConversionHandler struct {
	logger   *slog.Logger
	producer QueuePublisher
	relay    StatusSubscriber
	storage  *storage.Storage
	opts     Options
	streams  *connRegistry
}

// NewConversionHandler creates a new ConversionHandler instance
func NewConversionHandler(deps *Dependencies) *ConversionHandler {
	opts := deps.Options
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 10 << 20
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.CloseGraceDelay <= 0 {
		opts.CloseGraceDelay = time.Second
	}
	if opts.DefaultSlideWidth <= 0 {
		opts.DefaultSlideWidth = 16
	}
	if opts.DefaultSlideHeight <= 0 {
		opts.DefaultSlideHeight = 9
	}

	return &ConversionHandler{
		logger:   deps.Logger,
		producer: deps.Producer,
		relay:    deps.Relay,
		storage:  deps.Storage,
		opts:     opts,
		streams:  newConnRegistry(),
	}
}

// ActiveStreams returns the number of open stream connections.
func (h *ConversionHandler) ActiveStreams() int {
	return h.streams.len()
}

// validJobID rejects empty identifiers and anything that could escape the
// shared directory.
func validJobID(jobID string) bool {
	if jobID == "" {
		return false
	}
	if strings.Contains(jobID, "..") {
		return false
	}
	if strings.ContainsAny(jobID, `/\`) {
		return false
	}
	return true
}
