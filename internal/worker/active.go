package worker

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ActiveJobs tracks jobs this process is running, keyed by job id.
type ActiveJobs struct {
	mu   sync.Mutex
	jobs map[string]activeJob
	now  func() time.Time
}

type activeJob struct {
	workDir string
	started time.Time
}

// NewActiveJobs creates an empty registry.
func NewActiveJobs() *ActiveJobs {
	return &ActiveJobs{jobs: make(map[string]activeJob), now: time.Now}
}

// Add registers jobID with its work directory, relative to the download
// root. It returns false if the job is already running or another running
// job's work directory overlaps workDir.
func (a *ActiveJobs) Add(jobID, workDir string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[jobID]; ok {
		return false
	}
	for _, j := range a.jobs {
		if overlaps(j.workDir, workDir) {
			return false
		}
	}
	a.jobs[jobID] = activeJob{workDir: workDir, started: a.now()}
	return true
}

func (a *ActiveJobs) Remove(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, jobID)
}

func (a *ActiveJobs) has(jobID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.jobs[jobID]
	return ok
}

// UsesWorkDir reports whether a running job's work directory is name or
// lies beneath it.
func (a *ActiveJobs) UsesWorkDir(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, j := range a.jobs {
		if within(name, j.workDir) {
			return true
		}
	}
	return false
}

func (a *ActiveJobs) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

// Snapshot returns job ids mapped to their start times.
func (a *ActiveJobs) Snapshot() map[string]time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]time.Time, len(a.jobs))
	for id, j := range a.jobs {
		out[id] = j.started
	}
	return out
}

// within reports whether dir is parent or a path below it.
func within(parent, dir string) bool {
	parent, dir = filepath.Clean(parent), filepath.Clean(dir)
	return dir == parent || strings.HasPrefix(dir, parent+string(filepath.Separator))
}

func overlaps(a, b string) bool {
	return within(a, b) || within(b, a)
}
