package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/egov-messaging-api/internal/dto"
	"github.com/noah-isme/egov-messaging-api/internal/observability"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
)

var (
	// ErrAttachmentTooLarge indicates the payload exceeded the configured limit.
	ErrAttachmentTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrAttachmentTypeNotAllowed indicates the detected MIME type is not permitted.
	ErrAttachmentTypeNotAllowed = errors.New("file type not allowed")
	// ErrAttachmentRequired indicates no file was submitted.
	ErrAttachmentRequired = errors.New("file is required")
	// ErrAttachmentStorageDisabled indicates no storage backend is configured.
	ErrAttachmentStorageDisabled = errors.New("attachment storage is not configured")
)

var allowedAttachmentTypes = map[string]struct{}{
	"image/jpeg":         {},
	"image/png":          {},
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
}

// FileStorage abstracts attachment destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// AttachmentService validates and stores message attachments.
type AttachmentService interface {
	Upload(ctx context.Context, principal realtime.Principal, file *multipart.FileHeader) (dto.AttachmentPayload, error)
}

type attachmentService struct {
	storage FileStorage
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
	now     func() time.Time
}

// NewAttachmentService constructs an attachment service. storage may be nil when uploads are disabled.
func NewAttachmentService(storage FileStorage, maxSizeMB int, logger zerolog.Logger) AttachmentService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &attachmentService{
		storage: storage,
		logger:  logger.With().Str("component", "attachment_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/egov-messaging-api/internal/service/attachment"),
		now:     time.Now,
	}
}

func (s *attachmentService) Upload(ctx context.Context, principal realtime.Principal, file *multipart.FileHeader) (dto.AttachmentPayload, error) {
	ctx, span := s.tracer.Start(ctx, "attachment.store")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("attachment.max_bytes", s.maxSize),
		attribute.Int("attachment.user_id", int(principal.UserID)),
	)

	start := time.Now()
	defer func() {
		observability.AttachmentUploadLatency().Observe(time.Since(start).Seconds())
	}()

	if !principal.Authenticated() {
		return dto.AttachmentPayload{}, realtime.ErrAuthenticationRequired
	}
	if file == nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.AttachmentPayload{}, ErrAttachmentRequired
	}
	span.SetAttributes(
		attribute.String("attachment.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("attachment.request_size", file.Size),
	)

	if s.storage == nil {
		observability.AttachmentUploads().WithLabelValues("disabled").Inc()
		span.SetStatus(codes.Error, "storage disabled")
		return dto.AttachmentPayload{}, ErrAttachmentStorageDisabled
	}

	if file.Size > s.maxSize {
		return s.reject(span, "size", ErrAttachmentTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return dto.AttachmentPayload{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.AttachmentPayload{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		return s.reject(span, "size", ErrAttachmentTooLarge)
	}

	detected := normalizeMime(mimetype.Detect(buf.Bytes()).String())
	span.SetAttributes(attribute.String("attachment.detected_mime", detected))
	if _, ok := allowedAttachmentTypes[detected]; !ok {
		return s.reject(span, "type", ErrAttachmentTypeNotAllowed)
	}

	name := sanitizeFileName(file.Filename)
	url, err := s.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.AttachmentUploads().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		s.logger.Error().Err(err).Str("file", name).Msg("attachment storage failed")
		return dto.AttachmentPayload{}, fmt.Errorf("store attachment: %w", err)
	}

	observability.AttachmentUploads().WithLabelValues("stored").Inc()
	span.SetStatus(codes.Ok, "stored")

	return dto.AttachmentPayload{
		Name:       name,
		Path:       url,
		Size:       int64(buf.Len()),
		Mime:       detected,
		UploadedAt: s.now().UTC(),
	}, nil
}

func (s *attachmentService) reject(span trace.Span, reason string, err error) (dto.AttachmentPayload, error) {
	observability.AttachmentUploads().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason+" rejected")
	return dto.AttachmentPayload{}, err
}

func sanitizeFileName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("attachment-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}

// normalizeMime drops parameters such as charset from a detected type.
func normalizeMime(m string) string {
	lower := strings.ToLower(strings.TrimSpace(m))
	if idx := strings.Index(lower, ";"); idx >= 0 {
		lower = strings.TrimSpace(lower[:idx])
	}
	return lower
}
