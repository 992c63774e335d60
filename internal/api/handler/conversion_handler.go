package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/slideforge/converter-gateway/internal/api/domain"
	"github.com/slideforge/converter-gateway/internal/api/dto"
)

const pptxContentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

// CreateConversion handles POST /api/v1/conversions
//
// Accepts a JSON slide document, stores it in the shared directory, and
// dispatches a conversion job to the queue. Acceptance and dispatch are
// decoupled: a queue failure is logged and counted but the response still
// reports success.
func (h *ConversionHandler) CreateConversion(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "missing file field in multipart form",
		})
		return
	}

	if fileHeader.Size > h.opts.MaxUploadSize {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: fmt.Sprintf("file exceeds the %d byte size limit", h.opts.MaxUploadSize),
		})
		return
	}

	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), ".json") {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "only .json documents are accepted",
		})
		return
	}

	slideWidth, slideHeight, err := h.parseGeometry(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: err.Error(),
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file",
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "failed to read upload",
		})
		return
	}
	defer file.Close()

	jobID := uuid.New().String()

	size, err := h.storage.SaveInput(jobID, file)
	if err != nil {
		h.logger.Error("Failed to store uploaded file",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "failed to store upload",
		})
		return
	}

	if size > h.opts.MaxUploadSize {
		// Declared size lied; drop the partial artifact.
		_ = h.storage.RemoveInput(jobID)
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: fmt.Sprintf("file exceeds the %d byte size limit", h.opts.MaxUploadSize),
		})
		return
	}

	if err := h.validateDocument(jobID); err != nil {
		_ = h.storage.RemoveInput(jobID)
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: err.Error(),
		})
		return
	}

	now := time.Now()
	descriptor := domain.JobDescriptor{
		ID:             jobID,
		InputFile:      h.storage.InputName(jobID),
		OutputFile:     h.storage.OutputName(jobID),
		OutputFilename: outputFilename(fileHeader.Filename),
		FileSize:       size,
		SlideWidth:     slideWidth,
		SlideHeight:    slideHeight,
		Timestamp:      domain.NewDescriptorTimestamp(now),
	}

	h.dispatch(c, descriptor)

	c.JSON(http.StatusOK, dto.ConversionResponse{
		Success:        true,
		JobID:          jobID,
		Filename:       fileHeader.Filename,
		Size:           size,
		UploadedAt:     now.UTC().Format(time.RFC3339),
		StreamURL:      fmt.Sprintf("/api/v1/conversions/%s/events", jobID),
		DownloadURL:    fmt.Sprintf("/api/v1/conversions/%s/download", jobID),
		OutputFilename: descriptor.OutputFilename,
	})
}

// dispatch hands the descriptor to the queue producer. Failures never reach
// the client; they are only observable in logs and the producer's counter.
func (h *ConversionHandler) dispatch(c *gin.Context, descriptor domain.JobDescriptor) {
	body, err := json.Marshal(descriptor)
	if err != nil {
		h.logger.Error("Failed to serialize job descriptor",
			slog.String("job_id", descriptor.ID),
			slog.Any("error", err),
		)
		return
	}

	if err := h.producer.Publish(c.Request.Context(), body); err != nil {
		h.logger.Error("Failed to dispatch job to queue",
			slog.String("job_id", descriptor.ID),
			slog.Any("error", err),
		)
		return
	}

	h.logger.Info("Job dispatched",
		slog.String("job_id", descriptor.ID),
		slog.Int64("file_size", descriptor.FileSize),
	)
}

// validateDocument checks the stored upload is syntactically valid JSON.
func (h *ConversionHandler) validateDocument(jobID string) error {
	data, err := h.storage.ReadInput(jobID)
	if err != nil {
		return fmt.Errorf("failed to read stored upload")
	}

	if mt := mimetype.Detect(data); !mt.Is("application/json") && !mt.Is("text/plain") {
		return fmt.Errorf("unsupported content type: %s", mt.String())
	}

	if !json.Valid(data) {
		return fmt.Errorf("document is not valid JSON")
	}

	return nil
}

// parseGeometry reads optional slideWidth/slideHeight form fields (inches).
func (h *ConversionHandler) parseGeometry(c *gin.Context) (int, int, error) {
	width := h.opts.DefaultSlideWidth
	height := h.opts.DefaultSlideHeight

	if v := c.PostForm("slideWidth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, fmt.Errorf("slideWidth must be an integer between 1 and 100")
		}
		width = n
	}

	if v := c.PostForm("slideHeight"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, fmt.Errorf("slideHeight must be an integer between 1 and 100")
		}
		height = n
	}

	return width, height, nil
}

// outputFilename derives the user-facing artifact name from the upload name.
func outputFilename(uploadName string) string {
	base := strings.TrimSuffix(filepath.Base(uploadName), filepath.Ext(uploadName))
	if base == "" || base == "." {
		base = "presentation"
	}
	return base + ".pptx"
}

// DownloadResult handles GET /api/v1/conversions/:job_id/download
//
// Streams the finished artifact, or returns a structured 404 while the job
// is still processing or after the artifact expired.
func (h *ConversionHandler) DownloadResult(c *gin.Context) {
	jobID := c.Param("job_id")
	if !validJobID(jobID) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "invalid job id",
		})
		return
	}

	f, size, err := h.storage.OpenArtifact(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactMissing) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{
				Error: "artifact not found",
			})
			return
		}
		h.logger.Error("Failed to open artifact",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "failed to open artifact",
		})
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.storage.OutputName(jobID)))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, size, pptxContentType, f, nil)
}
