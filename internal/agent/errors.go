package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrScanRejected marks a turn stopped because a scan pipeline was invalid.
	ErrScanRejected = errors.New("scan rejected")
	// ErrBackendTimeout marks a model call that exceeded its deadline.
	ErrBackendTimeout = errors.New("model backend timed out")
	// ErrBackendUnavailable marks any other model call failure, malformed
	// responses included.
	ErrBackendUnavailable = errors.New("model backend unavailable")
	// ErrToolLoopExceeded marks a model that kept requesting tools past
	// the configured round-trip bound.
	ErrToolLoopExceeded = errors.New("tool round-trip limit exceeded")
	// ErrCircuitOpen marks a turn refused because the backend circuit is open.
	ErrCircuitOpen = errors.New("model backend circuit open")
	// ErrHookAborted marks a turn stopped by a hook.
	ErrHookAborted = errors.New("aborted by hook")
	// ErrCancelled marks a turn whose context ended mid-flight.
	ErrCancelled = errors.New("orchestration cancelled")
)

// ScanRejection carries the diagnostics of a failed scan stage.
type ScanRejection struct {
	Stage  string // "input" or "output"
	Failed []string
	Scores map[string]float64
}

func (e *ScanRejection) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, id := range e.Failed {
		ids = append(ids, fmt.Sprintf("%s=%.2f", id, e.Scores[id]))
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s scan rejected: %s", e.Stage, strings.Join(ids, ", "))
}

// Is reports whether target is ErrScanRejected.
func (e *ScanRejection) Is(target error) bool { return target == ErrScanRejected }
