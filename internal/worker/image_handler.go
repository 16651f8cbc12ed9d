package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"sql-task-queue/internal/config"
	"sql-task-queue/internal/queue"
)

// ImageResizeType is the task type served by ImageHandler.
const ImageResizeType = "image:resize"

// ErrPermanent marks image failures that no retry can fix.
var ErrPermanent = errors.New("permanent image failure")

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler resizes images for image:resize tasks and stores the result
// locally or in S3.
type ImageHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
	logger     *slog.Logger
}

// ImagePayload is the task payload accepted by ImageHandler.
type ImagePayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewImageHandler constructs the handler and chooses an uploader (local or S3).
func NewImageHandler(ctx context.Context, cfg config.Config, logger *slog.Logger) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var s3Upload imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &ImageHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		logger:     logger.With("handler", ImageResizeType),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle is the normal-lane handler: any error fails the task with backoff.
func (h *ImageHandler) Handle(ctx context.Context, id int64, payload json.RawMessage) error {
	location, err := h.process(ctx, id, payload)
	if err != nil {
		return err
	}
	h.logger.Info("image stored", "task_id", id, "location", location)
	return nil
}

// Recover is the failed-lane handler. It retries the work once more; transient
// failures leave the task for another round, permanent ones end it.
func (h *ImageHandler) Recover(ctx context.Context, id int64, payload json.RawMessage, errorText string) (bool, error) {
	h.logger.Info("retrying image task", "task_id", id, "previous_error", errorText)
	location, err := h.process(ctx, id, payload)
	switch {
	case err == nil:
		h.logger.Info("image stored on retry", "task_id", id, "location", location)
		return true, nil
	case errors.Is(err, ErrPermanent):
		return false, err
	default:
		h.logger.Warn("image retry failed", "task_id", id, "error", err)
		return false, nil
	}
}

func (h *ImageHandler) process(ctx context.Context, id int64, raw json.RawMessage) (string, error) {
	payload, err := decodeImagePayload(raw, h.cfg)
	if err != nil {
		return "", err
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: decode image: %v", ErrPermanent, err)
	}
	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%d.%s", id, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return "", err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, "", fmt.Errorf("%w: download image: status %d", ErrPermanent, resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("%w: image too large (>%d bytes)", ErrPermanent, limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeImagePayload(raw json.RawMessage, cfg config.Config) (ImagePayload, error) {
	payload, err := queue.Decode[ImagePayload](raw)
	if err != nil {
		return payload, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if payload.SourceURL == "" {
		return payload, fmt.Errorf("%w: source_url is required", ErrPermanent)
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = cfg.ImageDefaultWidth
		payload.Height = cfg.ImageDefaultHeight
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = 320
	}
	if payload.Destination == "" {
		if cfg.ImageS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *ImageHandler) pickUploader(destination string) (imageUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, fmt.Errorf("%w: destination s3 requested but IMAGE_S3_BUCKET is not configured", ErrPermanent)
	case "local", "":
		return h.local, nil
	default:
		return nil, fmt.Errorf("%w: unknown destination %q", ErrPermanent, destination)
	}
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

// sanitizeKey keeps keys relative so local writes stay under the output dir.
func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
