package export

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pdf-ebook-pipeline/internal/models"
)

type fakeSource struct {
	summaries []models.Summary
	err       error
}

func (f fakeSource) AllJobsSummaries(context.Context) ([]models.Summary, error) {
	return f.summaries, f.err
}

type fakeLoader map[string]*models.Manifest

func (f fakeLoader) LoadJobStatus(_ context.Context, id string) (*models.Manifest, error) {
	return f[id], nil
}

func TestWorkbookWritesJobsAndSteps(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m := &models.Manifest{
		ID:        "job-1-abc",
		Filename:  "book.pdf",
		Steps:     models.NewSteps(),
		Outputs:   map[string]string{"extract": "jobs/job-1-abc/extract.json"},
		CreatedAt: created,
		UpdatedAt: created,
	}
	m.Steps[models.StepExtract] = models.StatusCompleted
	src := fakeSource{summaries: []models.Summary{m.Summary(), {ID: "job-2-gone", Status: models.StatusPending}}}

	data, err := NewExporter(src, fakeLoader{"job-1-abc": m}, nil).Workbook(context.Background())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(jobsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"job-1-abc", "book.pdf", "PENDING", "2024-05-01T10:00:00Z", "2024-05-01T10:00:00Z"}, rows[1])
	assert.Equal(t, "job-2-gone", rows[2][0])

	steps, err := f.GetRows(stepsSheet)
	require.NoError(t, err)
	require.Len(t, steps, 1+len(models.Steps))
	assert.Equal(t, []string{"job-1-abc", "extract", "COMPLETED", "jobs/job-1-abc/extract.json"}, steps[1])
}

func TestWorkbookPropagatesListError(t *testing.T) {
	_, err := NewExporter(fakeSource{err: errors.New("store down")}, nil, nil).Workbook(context.Background())
	assert.Error(t, err)
}
