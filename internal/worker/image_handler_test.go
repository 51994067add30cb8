package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creative-job-scheduler/internal/ai"
	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/models"
)

type fixedImageProvider struct {
	*ai.SyntheticProvider
	url string
}

func (p fixedImageProvider) GenerateImage(_ context.Context, req ai.ImageRequest) (ai.ImageResult, error) {
	return ai.ImageResult{Model: "test-image", Images: []ai.Image{{URL: p.url, RevisedPrompt: req.Prompt + " (revised)"}}}, nil
}

func pngServer(t *testing.T, w, h int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImageHandlerArchivesLocally(t *testing.T) {
	srv := pngServer(t, 40, 20)
	dir := t.TempDir()
	cfg := config.Config{
		ImageArchive:         "local",
		ImageOutputDir:       dir,
		ImageS3Prefix:        "jobs",
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ThumbnailWidth:       10,
	}
	archiver, err := NewArchiver(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	h := NewImageHandler(fixedImageProvider{SyntheticProvider: ai.NewSyntheticProvider("", ""), url: srv.URL}, archiver)
	job := models.Job{ID: "job-1", Type: models.TypeImageGeneration, Payload: models.ImagePayload{Prompt: "red square"}}
	var reports []int
	result, err := h.Handle(context.Background(), job, func(p int) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("handle image: %v", err)
	}

	images := result["images"].([]map[string]any)
	require.Len(t, images, 1)
	require.Equal(t, "jobs/job-1/0.png", images[0]["archived_key"])
	require.Equal(t, "jobs/job-1/0_thumb.png", images[0]["thumbnail_key"])
	require.Equal(t, "red square (revised)", images[0]["revised_prompt"])
	require.Equal(t, "test-image", result["model"])
	require.Equal(t, []int{10, 50, 90}, reports)

	data, err := os.ReadFile(filepath.Join(dir, "jobs", "job-1", "0_thumb.png"))
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if thumb.Bounds().Dx() != 10 || thumb.Bounds().Dy() != 5 {
		t.Fatalf("expected 10x5 thumbnail, got %v", thumb.Bounds())
	}
	_, err = os.Stat(filepath.Join(dir, "jobs", "job-1", "0.png"))
	require.NoError(t, err)
}

func TestImageHandlerWithoutArchive(t *testing.T) {
	archiver, err := NewArchiver(context.Background(), config.Config{ImageArchive: "none"})
	require.NoError(t, err)
	require.Nil(t, archiver)

	h := NewImageHandler(ai.NewSyntheticProvider("", ""), nil)
	job := models.Job{ID: "job-2", Type: models.TypeImageGeneration, Payload: models.ImagePayload{Prompt: "fox", Count: 2}}
	result, err := h.Handle(context.Background(), job, func(int) {})
	require.NoError(t, err)
	images := result["images"].([]map[string]any)
	require.Len(t, images, 2)
	require.NotContains(t, images[0], "archived_key")
}

func TestArchiverRejectsOversizedImage(t *testing.T) {
	srv := pngServer(t, 64, 64)
	a := newArchiver(&localUploader{baseDir: t.TempDir()}, config.Config{ImageMaxBytes: 16})
	_, err := a.Archive(context.Background(), "job-3", 0, srv.URL)
	require.ErrorContains(t, err, "too large")
}

func TestArchiverDownloadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	a := newArchiver(&localUploader{baseDir: t.TempDir()}, config.Config{})
	_, err := a.Archive(context.Background(), "job-4", 0, srv.URL)
	require.ErrorContains(t, err, "status 404")
}

func TestSanitizeKey(t *testing.T) {
	require.Equal(t, "jobs/a/0.png", sanitizeKey("/jobs/a/0.png"))
	require.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
	require.Equal(t, "a/0.png", sanitizeKey("./a/0.png"))
}
