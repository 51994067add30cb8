package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"creative-job-scheduler/internal/ai"
	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/models"
)

// ImageHandler generates images through a provider and optionally archives
// them with a thumbnail.
type ImageHandler struct {
	provider ai.Provider
	archiver *Archiver
}

func NewImageHandler(provider ai.Provider, archiver *Archiver) *ImageHandler {
	return &ImageHandler{provider: provider, archiver: archiver}
}

// Handle implements Handler for image_generation jobs.
func (h *ImageHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	payload, ok := job.Payload.(models.ImagePayload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T for %s", job.Payload, job.Type)
	}
	report(10)
	generated, err := h.provider.GenerateImage(ctx, ai.ImageRequest{
		Model:  payload.Model,
		Prompt: payload.Prompt,
		Size:   payload.Size,
		Style:  payload.Style,
		Count:  payload.Count,
	})
	if err != nil {
		return nil, err
	}
	report(50)

	images := make([]map[string]any, 0, len(generated.Images))
	for i, img := range generated.Images {
		entry := map[string]any{"url": img.URL, "revised_prompt": img.RevisedPrompt}
		if h.archiver != nil {
			archived, err := h.archiver.Archive(ctx, job.ID, i, img.URL)
			if err != nil {
				return nil, fmt.Errorf("archive image %d: %w", i, err)
			}
			entry["archived_key"] = archived.Key
			entry["thumbnail_key"] = archived.ThumbnailKey
			report(50 + 40*(i+1)/len(generated.Images))
		}
		images = append(images, entry)
	}
	return map[string]any{"images": images, "model": generated.Model}, nil
}

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver copies generated images into durable storage together with a
// resized thumbnail.
type Archiver struct {
	httpClient     *http.Client
	uploader       imageUploader
	prefix         string
	maxBytes       int64
	thumbnailWidth int
}

// Archived names the stored copies of one image.
type Archived struct {
	Key          string
	ThumbnailKey string
}

// NewArchiver builds the archiver selected by cfg.ImageArchive. It returns
// nil when archival is disabled.
func NewArchiver(ctx context.Context, cfg config.Config) (*Archiver, error) {
	var up imageUploader
	switch cfg.ImageArchive {
	case "", "none":
		return nil, nil
	case "local":
		baseDir := cfg.ImageOutputDir
		if baseDir == "" {
			baseDir = "./output"
		}
		up = &localUploader{baseDir: baseDir}
	case "s3":
		if cfg.ImageS3Bucket == "" {
			return nil, errors.New("IMAGE_ARCHIVE=s3 requires IMAGE_S3_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	default:
		return nil, fmt.Errorf("unknown image archive %q", cfg.ImageArchive)
	}
	return newArchiver(up, cfg), nil
}

func newArchiver(up imageUploader, cfg config.Config) *Archiver {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.ImageMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	width := cfg.ThumbnailWidth
	if width <= 0 {
		width = 256
	}
	return &Archiver{
		httpClient:     &http.Client{Timeout: timeout},
		uploader:       up,
		prefix:         strings.Trim(cfg.ImageS3Prefix, "/"),
		maxBytes:       maxBytes,
		thumbnailWidth: width,
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archive downloads url, re-encodes it and uploads it with a thumbnail.
func (a *Archiver) Archive(ctx context.Context, jobID string, index int, url string) (Archived, error) {
	data, contentType, err := a.download(ctx, url)
	if err != nil {
		return Archived{}, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Archived{}, fmt.Errorf("decode image: %w", err)
	}
	outputFormat := chooseFormat(format, contentType)
	ext := formatExtension(outputFormat)

	full := &bytes.Buffer{}
	if err := imaging.Encode(full, img, outputFormat, imaging.JPEGQuality(90)); err != nil {
		return Archived{}, fmt.Errorf("encode image: %w", err)
	}
	thumb := &bytes.Buffer{}
	small := imaging.Resize(img, a.thumbnailWidth, 0, imaging.Lanczos)
	if err := imaging.Encode(thumb, small, outputFormat, imaging.JPEGQuality(80)); err != nil {
		return Archived{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	key := sanitizeKey(path.Join(a.prefix, jobID, fmt.Sprintf("%d.%s", index, ext)))
	thumbKey := sanitizeKey(path.Join(a.prefix, jobID, fmt.Sprintf("%d_thumb.%s", index, ext)))
	mime := mimeForFormat(outputFormat)
	if _, err := a.uploader.Upload(ctx, key, full.Bytes(), mime); err != nil {
		return Archived{}, fmt.Errorf("upload: %w", err)
	}
	if _, err := a.uploader.Upload(ctx, thumbKey, thumb.Bytes(), mime); err != nil {
		return Archived{}, fmt.Errorf("upload thumbnail: %w", err)
	}
	return Archived{Key: key, ThumbnailKey: thumbKey}, nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, a.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", a.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "jpeg":
		return imaging.JPEG
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimLeft(key, "/")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return strings.TrimPrefix(key, "./")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
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
