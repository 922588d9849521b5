package manifest

import (
	"regexp"
	"strings"

	"pdf-ebook-pipeline/internal/models"
)

// JobsPrefix is the namespace every job lives under.
const JobsPrefix = "jobs/"

var (
	manifestKeyPattern = regexp.MustCompile(`^jobs/(job-[A-Za-z0-9_-]+)/manifest\.json$`)
	jobIDPattern       = regexp.MustCompile(`^job-[A-Za-z0-9_-]+$`)
)

// ValidJobID reports whether id follows the job-<...> convention that
// enumeration relies on.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// ManifestKey is jobs/<id>/manifest.json.
func ManifestKey(id string) string {
	return JobsPrefix + id + "/manifest.json"
}

// JobPrefix is the prefix of every object belonging to a job.
func JobPrefix(id string) string {
	return JobsPrefix + id + "/"
}

// ArtifactKey is jobs/<id>/<step>/<filename>, for intermediate outputs.
func ArtifactKey(id string, step models.StepName, filename string) string {
	return JobsPrefix + id + "/" + string(step) + "/" + strings.TrimLeft(filename, "/")
}

// StepResultKey is jobs/<id>/<step>.<ext>, for a step's result document.
func StepResultKey(id string, step models.StepName, ext string) string {
	return JobsPrefix + id + "/" + string(step) + "." + strings.TrimPrefix(ext, ".")
}

// JobIDFromKey recovers the job id from a manifest key.
func JobIDFromKey(key string) (string, bool) {
	m := manifestKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}
