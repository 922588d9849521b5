package steps

import (
	"bytes"
	"context"
	"html/template"
	"path"
	"strings"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
	"pdf-ebook-pipeline/internal/pipeline"
)

// RenderResult is jobs/<id>/render.json.
type RenderResult struct {
	Title   string `json:"title"`
	BookKey string `json:"bookKey"`
	BookURL string `json:"bookUrl"`
}

var bookTemplate = template.Must(template.New("book").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { max-width: 40em; margin: 2em auto; font-family: Georgia, serif; line-height: 1.6; }
img { max-width: 100%; display: block; margin: 1.5em auto; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Images}}<img src="{{.Src}}" width="{{.Width}}" height="{{.Height}}" alt="">
{{end}}{{range .Paragraphs}}<p>{{.}}</p>
{{end}}</body>
</html>
`))

// Renderer assembles the rewritten text and images into one HTML book.
type Renderer struct {
	objects *objectstore.Client
}

func NewRenderer(deps Deps) *Renderer {
	return &Renderer{objects: deps.Objects}
}

func (r *Renderer) Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	var text RewriteResult
	if err := loadResult(ctx, r.objects, in, models.StepRewrite, &text); err != nil {
		return pipeline.Result{}, err
	}
	var images ImagesResult
	if err := loadResult(ctx, r.objects, in, models.StepImages, &images); err != nil {
		return pipeline.Result{}, err
	}

	type bookImage struct {
		Src           string
		Width, Height int
	}
	// the book sits in jobs/<id>/render/, so images are linked relative to it
	placed := make([]bookImage, 0, len(images.Images))
	for _, img := range images.Images {
		placed = append(placed, bookImage{
			Src:    "../" + strings.TrimPrefix(img.Key, manifest.JobPrefix(in.JobID)),
			Width:  img.Width,
			Height: img.Height,
		})
	}

	title := BookTitle(in.Manifest)
	var buf bytes.Buffer
	err := bookTemplate.Execute(&buf, struct {
		Title      string
		Images     []bookImage
		Paragraphs []string
	}{title, placed, text.Paragraphs})
	if err != nil {
		return pipeline.Result{}, err
	}

	bookKey := manifest.ArtifactKey(in.JobID, models.StepRender, "book.html")
	obj, err := r.objects.Put(ctx, bookKey, buf.Bytes(), objectstore.PutOptions{ContentType: "text/html; charset=utf-8", Overwrite: true})
	if err != nil {
		return pipeline.Result{}, err
	}
	res, err := saveResult(ctx, r.objects, in.JobID, models.StepRender, RenderResult{Title: title, BookKey: bookKey, BookURL: obj.URL})
	if err != nil {
		return pipeline.Result{}, err
	}
	res.File = obj.URL
	res.Outputs["book"] = bookKey
	res.Metadata = map[string]any{"title": title}
	return res, nil
}

// BookTitle prefers a title in metadata, then the uploaded filename.
func BookTitle(m *models.Manifest) string {
	if m == nil {
		return "Untitled"
	}
	if t, ok := m.Metadata["title"].(string); ok && strings.TrimSpace(t) != "" {
		return t
	}
	name := m.Filename
	if name == "" {
		name = path.Base(m.InputFile)
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(name))
	if name == "" || name == "." || name == "/" {
		return "Untitled"
	}
	return name
}
