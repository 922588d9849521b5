package models

import (
	"time"
)

// StepName identifies one stage of the conversion pipeline.
type StepName string

const (
	StepExtract   StepName = "extract"
	StepNormalize StepName = "normalize"
	StepRewrite   StepName = "rewrite"
	StepImages    StepName = "images"
	StepRender    StepName = "render"
)

// Steps lists every pipeline stage in execution order.
var Steps = []StepName{StepExtract, StepNormalize, StepRewrite, StepImages, StepRender}

// StepStatus enumerates lifecycle states persisted in the manifest.
type StepStatus string

const (
	StatusPending   StepStatus = "PENDING"
	StatusRunning   StepStatus = "RUNNING"
	StatusCompleted StepStatus = "COMPLETED"
	StatusFailed    StepStatus = "FAILED"
)

// LogLevel is the severity of a manifest log line.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of a job's append-only log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Manifest is the canonical state document of one job, stored as
// jobs/<id>/manifest.json.
type Manifest struct {
	ID        string                  `json:"id"`
	Filename  string                  `json:"filename,omitempty"`
	InputFile string                  `json:"inputFile"`
	Steps     map[StepName]StepStatus `json:"steps"`
	Outputs   map[string]string       `json:"outputs"`
	Logs      []LogEntry              `json:"logs"`
	Metadata  map[string]any          `json:"metadata,omitempty"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Summary is the derived listing view of a manifest.
type Summary struct {
	ID        string     `json:"id"`
	Filename  string     `json:"filename,omitempty"`
	Status    StepStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NewSteps returns a step map with every stage PENDING.
func NewSteps() map[StepName]StepStatus {
	steps := make(map[StepName]StepStatus, len(Steps))
	for _, s := range Steps {
		steps[s] = StatusPending
	}
	return steps
}

// IsValidStep reports whether name is one of the five pipeline stages.
func IsValidStep(name StepName) bool {
	for _, s := range Steps {
		if s == name {
			return true
		}
	}
	return false
}

// NextStep returns the stage that follows step, if any.
func NextStep(step StepName) (StepName, bool) {
	for i, s := range Steps {
		if s == step && i+1 < len(Steps) {
			return Steps[i+1], true
		}
	}
	return "", false
}

// Normalize repairs a decoded manifest in place: steps holds exactly the
// known stages and the maps are non-nil.
func (m *Manifest) Normalize() {
	steps := NewSteps()
	for name, status := range m.Steps {
		if IsValidStep(name) && status != "" {
			steps[name] = status
		}
	}
	m.Steps = steps
	if m.Outputs == nil {
		m.Outputs = map[string]string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.Logs == nil {
		m.Logs = []LogEntry{}
	}
}

// Clone returns a deep copy so callers can mutate without sharing maps.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Steps = make(map[StepName]StepStatus, len(m.Steps))
	for k, v := range m.Steps {
		out.Steps[k] = v
	}
	out.Outputs = make(map[string]string, len(m.Outputs))
	for k, v := range m.Outputs {
		out.Outputs[k] = v
	}
	out.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		out.Metadata[k] = v
	}
	out.Logs = append([]LogEntry(nil), m.Logs...)
	return &out
}

// AppendLog adds a log line stamped at now.
func (m *Manifest) AppendLog(now time.Time, level LogLevel, message string) {
	m.Logs = append(m.Logs, LogEntry{Timestamp: now.UTC(), Level: level, Message: message})
}

// RetryRequestedMessage is the log line a retry of step leaves behind.
func RetryRequestedMessage(step StepName) string {
	return "Retry requested for " + string(step)
}

// RetriedStep reports whether the log shows step was ever retried.
func (m *Manifest) RetriedStep(step StepName) bool {
	want := RetryRequestedMessage(step)
	for _, entry := range m.Logs {
		if entry.Message == want {
			return true
		}
	}
	return false
}

// Summary derives the listing view.
func (m *Manifest) Summary() Summary {
	return Summary{
		ID:        m.ID,
		Filename:  m.Filename,
		Status:    DeriveStatus(m.Steps),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// DeriveStatus computes the overall job status: any FAILED wins, then all
// COMPLETED, then any RUNNING, else PENDING.
func DeriveStatus(steps map[StepName]StepStatus) StepStatus {
	allCompleted := true
	running := false
	for _, s := range Steps {
		switch steps[s] {
		case StatusFailed:
			return StatusFailed
		case StatusRunning:
			running = true
			allCompleted = false
		case StatusCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return StatusCompleted
	}
	if running {
		return StatusRunning
	}
	return StatusPending
}

// CompletedCount counts stages in COMPLETED.
func CompletedCount(steps map[StepName]StepStatus) int {
	n := 0
	for _, s := range Steps {
		if steps[s] == StatusCompleted {
			n++
		}
	}
	return n
}

// FailedStep returns the first stage in FAILED, if any.
func FailedStep(steps map[StepName]StepStatus) (StepName, bool) {
	for _, s := range Steps {
		if steps[s] == StatusFailed {
			return s, true
		}
	}
	return "", false
}
