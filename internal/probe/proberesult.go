package probe

import (
	"time"

	"tork-perf/internal/process"
)

// Result records which observers of a phase actually ran.
type Result struct {
	Started  []string          `json:"started"`
	Failed   map[string]string `json:"failed,omitempty"`
	Began    time.Time         `json:"began"`
	Finished time.Time         `json:"finished"`
}

func newResult() *Result {
	return &Result{Began: time.Now()}
}

func (r *Result) fail(key process.Key, reason string) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[key.String()] = reason
}

// Degraded reports whether at least one observer failed to start.
func (r *Result) Degraded() bool {
	return len(r.Failed) > 0
}
