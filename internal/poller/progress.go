package poller

import (
	"time"

	"pdf-ebook-pipeline/internal/models"
)

// Progress is what a watcher shows for one poll.
type Progress struct {
	JobID      string            `json:"jobId"`
	Percent    int               `json:"percent"`
	Completed  int               `json:"completed"`
	Total      int               `json:"total"`
	Status     models.StepStatus `json:"status"`
	Done       bool              `json:"done"`
	FailedStep models.StepName   `json:"failedStep,omitempty"`
	Stuck      bool              `json:"stuck"`
	Manifest   *models.Manifest  `json:"-"`
}

// Evaluate derives progress from a manifest. It is done when every step
// completed or any step failed. It is stuck when the first step is still
// PENDING more than stuckAfter after creation.
func Evaluate(m *models.Manifest, now time.Time, stuckAfter time.Duration) Progress {
	total := len(models.Steps)
	completed := models.CompletedCount(m.Steps)
	p := Progress{
		JobID:     m.ID,
		Percent:   completed * 100 / total,
		Completed: completed,
		Total:     total,
		Status:    models.DeriveStatus(m.Steps),
		Manifest:  m,
	}
	if step, failed := models.FailedStep(m.Steps); failed {
		p.FailedStep = step
	}
	p.Done = p.Percent == 100 || p.FailedStep != ""
	first := m.Steps[models.Steps[0]]
	if !p.Done && (first == models.StatusPending || first == "") && !m.CreatedAt.IsZero() && now.Sub(m.CreatedAt) > stuckAfter {
		p.Stuck = true
	}
	return p
}
