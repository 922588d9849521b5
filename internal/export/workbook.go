// Package export renders job state as an XLSX workbook for offline review.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"pdf-ebook-pipeline/internal/models"
)

const (
	jobsSheet  = "Jobs"
	stepsSheet = "Steps"
)

// SummarySource enumerates every job.
type SummarySource interface {
	AllJobsSummaries(ctx context.Context) ([]models.Summary, error)
}

// ManifestLoader loads one manifest; a missing job is (nil, nil).
type ManifestLoader interface {
	LoadJobStatus(ctx context.Context, id string) (*models.Manifest, error)
}

type Exporter struct {
	summaries SummarySource
	manifests ManifestLoader
	logger    *slog.Logger
}

// NewExporter builds an exporter. manifests may be nil, in which case the
// Steps sheet is left empty.
func NewExporter(summaries SummarySource, manifests ManifestLoader, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{summaries: summaries, manifests: manifests, logger: logger}
}

// Workbook returns XLSX bytes with one row per job on the Jobs sheet and
// one row per job step on the Steps sheet.
func (e *Exporter) Workbook(ctx context.Context) ([]byte, error) {
	start := time.Now()
	summaries, err := e.summaries.AllJobsSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var manifests []*models.Manifest
	if e.manifests != nil {
		for _, s := range summaries {
			m, err := e.manifests.LoadJobStatus(ctx, s.ID)
			if err != nil || m == nil {
				e.logger.Warn("export.manifest.skipped", "job_id", s.ID, "error", err)
				continue
			}
			manifests = append(manifests, m)
		}
	}

	buf, err := Render(summaries, manifests)
	if err != nil {
		return nil, err
	}
	e.logger.Info("export.xlsx.ok",
		"jobs", len(summaries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf, nil
}

// Render builds the workbook from already loaded state.
func Render(summaries []models.Summary, manifests []*models.Manifest) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	if _, err := f.NewSheet(stepsSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	idx, _ := f.GetSheetIndex(jobsSheet)
	f.SetActiveSheet(idx)

	writeRow(f, jobsSheet, 1, "Job ID", "Filename", "Status", "Created", "Updated")
	for i, s := range summaries {
		writeRow(f, jobsSheet, i+2,
			s.ID,
			s.Filename,
			string(s.Status),
			formatTime(s.CreatedAt),
			formatTime(s.UpdatedAt),
		)
	}
	_ = f.SetColWidth(jobsSheet, "A", "A", 34)
	_ = f.SetColWidth(jobsSheet, "B", "B", 40)
	_ = f.SetColWidth(jobsSheet, "C", "C", 12)
	_ = f.SetColWidth(jobsSheet, "D", "E", 22)

	writeRow(f, stepsSheet, 1, "Job ID", "Step", "Status", "Output")
	row := 2
	for _, m := range manifests {
		for _, step := range models.Steps {
			writeRow(f, stepsSheet, row, m.ID, string(step), string(m.Steps[step]), m.Outputs[string(step)])
			row++
		}
	}
	_ = f.SetColWidth(stepsSheet, "A", "A", 34)
	_ = f.SetColWidth(stepsSheet, "B", "C", 12)
	_ = f.SetColWidth(stepsSheet, "D", "D", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...string) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
