// Package decision holds the classifier boundary and the immutable audit
// recorder. The pipeline consumes classifier output without caring whether a
// rule table, a remote model, or a constant produced it.
package decision

import (
	"context"
	"time"

	"github.com/flowsentry/backend/internal/core"
	"github.com/flowsentry/backend/internal/metrics"
)

// Recommendations a classifier may return.
const (
	RecommendRetry    = "retry"
	RecommendEscalate = "escalate"
	RecommendManual   = "manual"
)

// Result is the classifier verdict for one incident.
type Result struct {
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Recommended string  `json:"recommended"`
	Reasoning   string  `json:"reasoning"`
	ModelTag    string  `json:"model_tag"`
}

// Classifier analyzes an incident with its recent events.
type Classifier interface {
	Classify(ctx context.Context, incident *core.Incident, recent []*core.Event) (*Result, error)
}

// StaticClassifier returns a fixed verdict; used as a stub and in tests.
type StaticClassifier struct {
	Result Result
}

func (s *StaticClassifier) Classify(context.Context, *core.Incident, []*core.Event) (*Result, error) {
	r := s.Result
	if r.ModelTag == "" {
		r.ModelTag = "static-v1"
	}
	return &r, nil
}

// =============================================================================
// TIMEOUT GUARD
// =============================================================================

// TimeoutResult is what a slow or failed classifier degrades to. The pipeline
// proceeds on it as if the classifier had answered.
func TimeoutResult() *Result {
	return &Result{
		Category:    "unknown",
		Confidence:  0,
		Recommended: RecommendEscalate,
		Reasoning:   "classifier_timeout",
		ModelTag:    "timeout-fallback",
	}
}

// Guard bounds a classifier with a deadline and swallows its failures:
// exceeded deadline or error both degrade to TimeoutResult, never an error.
type Guard struct {
	inner   Classifier
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewGuard(inner Classifier, timeout time.Duration, m *metrics.Metrics) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guard{inner: inner, timeout: timeout, metrics: m}
}

func (g *Guard) Classify(ctx context.Context, incident *core.Incident, recent []*core.Event) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.inner.Classify(ctx, incident, recent)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil || out.res == nil {
			g.metrics.RecordClassifier(time.Since(start).Seconds(), false)
			return TimeoutResult(), nil
		}
		res := *out.res
		normalize(&res)
		g.metrics.RecordClassifier(time.Since(start).Seconds(), true)
		return &res, nil
	case <-ctx.Done():
		g.metrics.RecordClassifier(time.Since(start).Seconds(), false)
		return TimeoutResult(), nil
	}
}

// normalize clamps confidence and coerces unknown recommendations to manual,
// so one misbehaving classifier cannot push the coordinator off the map.
func normalize(r *Result) {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	switch r.Recommended {
	case RecommendRetry, RecommendEscalate, RecommendManual:
	default:
		r.Recommended = RecommendManual
	}
	if r.Category == "" {
		r.Category = "unknown"
	}
}
