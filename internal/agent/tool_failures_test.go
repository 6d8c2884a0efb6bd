package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func trackerAt(threshold int, window time.Duration) (*ToolFailureTracker, *time.Time) {
	tr := NewToolFailureTracker(threshold, window)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	return tr, &clock
}

func TestToolFailureTracker_WarnsOncePerCrossing(t *testing.T) {
	tr, clock := trackerAt(3, time.Minute)

	warned := []bool{}
	for i := 0; i < 4; i++ {
		*clock = clock.Add(time.Second)
		warned = append(warned, tr.Record("calculate", "division by zero"))
	}
	assert.Equal(t, []bool{false, false, true, false}, warned)
	assert.Equal(t, 4, tr.Failures("calculate"))
	assert.Equal(t, "division by zero", tr.LastError("calculate"))
	assert.Zero(t, tr.Failures("solve_quadratic"))
	assert.Empty(t, tr.LastError("solve_quadratic"))
}

func TestToolFailureTracker_WindowRearms(t *testing.T) {
	tr, clock := trackerAt(2, time.Minute)

	tr.Record("add", "bad args")
	assert.True(t, tr.Record("add", "bad args"))

	*clock = clock.Add(2 * time.Minute)
	assert.Zero(t, tr.Failures("add"))

	assert.False(t, tr.Record("add", "bad args"), "count fell below threshold")
	assert.True(t, tr.Record("add", "bad args"), "warning re-armed")
}

func TestToolFailureTracker_Defaults(t *testing.T) {
	tr, _ := trackerAt(0, 0)
	for i := 0; i < defaultToolFailureThreshold-1; i++ {
		assert.False(t, tr.Record("add", "err"))
	}
	assert.True(t, tr.Record("add", "err"))
	assert.Equal(t, defaultToolFailureWindow, tr.window)
}
