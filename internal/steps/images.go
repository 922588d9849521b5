package steps

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

// Illustration is one image placed in the book.
type Illustration struct {
	Key    string `json:"key"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Source string `json:"source,omitempty"`
}

// ImagesResult is jobs/<id>/images.json.
type ImagesResult struct {
	Images []Illustration `json:"images"`
}

// Illustrator fetches the configured illustration sources, scales them to
// the book width and stores them as JPEG. With no sources it generates a
// plain cover so the render step always has one image.
type Illustrator struct {
	objects  *objectstore.Client
	http     *http.Client
	sources  []string
	width    int
	maxBytes int64
	logger   *slog.Logger
}

func NewIllustrator(deps Deps) *Illustrator {
	width := deps.Config.ImageWidth
	if width <= 0 {
		width = 960
	}
	limit := deps.Config.ImageMaxBytes
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Illustrator{
		objects:  deps.Objects,
		http:     client,
		sources:  deps.Config.ImageSourceURLs,
		width:    width,
		maxBytes: limit,
		logger:   logger,
	}
}

func (il *Illustrator) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	var images []Illustration
	for i, src := range il.sources {
		img, err := il.download(ctx, src)
		if err != nil {
			il.logger.Warn("steps.images.source_skipped", "job_id", in.JobID, "source", src, "error", err)
			continue
		}
		ill, err := il.store(ctx, in.JobID, fmt.Sprintf("image-%02d.jpg", i+1), imaging.Resize(img, il.width, 0, imaging.Lanczos))
		if err != nil {
			return pipeline.Result{}, err
		}
		ill.Source = src
		images = append(images, ill)
	}
	if len(images) == 0 {
		ill, err := il.store(ctx, in.JobID, "cover.jpg", Placeholder(il.width, il.width*3/2, in.JobID))
		if err != nil {
			return pipeline.Result{}, err
		}
		images = append(images, ill)
	}

	res, err := saveResult(ctx, il.objects, in.JobID, models.StepImages, ImagesResult{Images: images})
	if err != nil {
		return pipeline.Result{}, err
	}
	res.Metadata = map[string]any{"imageCount": len(images)}
	return res, nil
}

func (il *Illustrator) download(ctx context.Context, src string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := il.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, il.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > il.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", il.maxBytes)
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (il *Illustrator) store(ctx context.Context, jobID, name string, img image.Image) (Illustration, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return Illustration{}, fmt.Errorf("encode image: %w", err)
	}
	key := manifest.ArtifactKey(jobID, models.StepImages, name)
	obj, err := il.objects.Put(ctx, key, buf.Bytes(), objectstore.PutOptions{ContentType: "image/jpeg", Overwrite: true})
	if err != nil {
		return Illustration{}, err
	}
	b := img.Bounds()
	return Illustration{Key: key, URL: obj.URL, Width: b.Dx(), Height: b.Dy()}, nil
}

// Placeholder draws a vertical two-tone gradient whose hue is derived
// from seed, so each job gets a stable cover.
func Placeholder(width, height int, seed string) image.Image {
	var h uint32 = 2166136261
	for i := 0; i < len(seed); i++ {
		h = (h ^ uint32(seed[i])) * 16777619
	}
	top := color.NRGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 255}
	bottom := color.NRGBA{R: top.R / 3, G: top.G / 3, B: top.B / 3, A: 255}

	img := imaging.New(width, height, top)
	for y := 0; y < height; y++ {
		t := float64(y) / float64(max(height-1, 1))
		c := color.NRGBA{
			R: lerp(top.R, bottom.R, t),
			G: lerp(top.G, bottom.G, t),
			B: lerp(top.B, bottom.B, t),
			A: 255,
		}
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return imaging.Blur(img, 1.5)
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}
