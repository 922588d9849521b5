package manifest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var idClock struct {
	mu   sync.Mutex
	last int64
}

// GenerateJobID returns job-<unix-millis>-<6 hex>. The millisecond part is
// strictly increasing within the process, so ids never repeat here even if
// the random suffix does.
func GenerateJobID() string {
	idClock.mu.Lock()
	ms := time.Now().UnixMilli()
	if ms <= idClock.last {
		ms = idClock.last + 1
	}
	idClock.last = ms
	idClock.mu.Unlock()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("job-%d-%s", ms, suffix)
}
