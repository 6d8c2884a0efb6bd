package testutil

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrClassifierDown is what FailingClassifier returns.
var ErrClassifierDown = errors.New("classifier backend down")

// StaticClassifier returns the same score for every text and counts calls.
type StaticClassifier struct {
	ID    string
	Score float64
	calls int64
}

// Name returns ID, or "static".
func (c *StaticClassifier) Name() string {
	if c.ID == "" {
		return "static"
	}
	return c.ID
}

// Classify returns Score.
func (c *StaticClassifier) Classify(_ context.Context, _, _ string) (float64, error) {
	atomic.AddInt64(&c.calls, 1)
	return c.Score, nil
}

// Calls returns how many times Classify ran.
func (c *StaticClassifier) Calls() int { return int(atomic.LoadInt64(&c.calls)) }

// FailingClassifier always errors, or panics when Panic is set.
type FailingClassifier struct {
	Panic bool
}

// Name returns "failing".
func (c *FailingClassifier) Name() string { return "failing" }

// Classify fails.
func (c *FailingClassifier) Classify(_ context.Context, _, _ string) (float64, error) {
	if c.Panic {
		panic("classifier exploded")
	}
	return 0, ErrClassifierDown
}
