package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultToolFailureThreshold = 10
	defaultToolFailureWindow    = 5 * time.Minute
)

// ToolFailureTracker watches for tools that keep failing. A failed tool is
// still answered to the model as a tool message; the tracker only warns the
// operator once a tool fails threshold times inside window.
type ToolFailureTracker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	now       func() time.Time
	byTool    map[string]*toolFailures
}

type toolFailures struct {
	at      []time.Time
	warned  bool
	lastErr string
}

// prune drops failures at or before cutoff.
func (f *toolFailures) prune(cutoff time.Time) {
	i := sort.Search(len(f.at), func(i int) bool { return f.at[i].After(cutoff) })
	f.at = f.at[i:]
}

// NewToolFailureTracker returns a tracker. Non-positive arguments fall back
// to 10 failures in 5 minutes.
func NewToolFailureTracker(threshold int, window time.Duration) *ToolFailureTracker {
	if threshold <= 0 {
		threshold = defaultToolFailureThreshold
	}
	if window <= 0 {
		window = defaultToolFailureWindow
	}
	return &ToolFailureTracker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		byTool:    make(map[string]*toolFailures),
	}
}

// Record notes one failure of tool and returns true exactly when this
// failure pushes the tool over the threshold. The warning re-arms after the
// count drops back below it.
func (t *ToolFailureTracker) Record(tool, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.byTool[tool]
	if f == nil {
		f = &toolFailures{}
		t.byTool[tool] = f
	}
	now := t.now()
	f.prune(now.Add(-t.window))
	f.at = append(f.at, now)
	f.lastErr = errMsg

	switch {
	case len(f.at) < t.threshold:
		f.warned = false
		return false
	case f.warned:
		return false
	}
	f.warned = true
	log.Warn().
		Str("tool", tool).
		Str("last_error", errMsg).
		Int("failures", len(f.at)).
		Dur("window", t.window).
		Msg("tool_failing_repeatedly")
	return true
}

// Failures returns how many failures of tool fall inside the window.
func (t *ToolFailureTracker) Failures(tool string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.byTool[tool]
	if f == nil {
		return 0
	}
	f.prune(t.now().Add(-t.window))
	return len(f.at)
}

// LastError returns the most recent failure message recorded for tool.
func (t *ToolFailureTracker) LastError(tool string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f := t.byTool[tool]; f != nil {
		return f.lastErr
	}
	return ""
}
