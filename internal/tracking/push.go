package tracking

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/daryltucker/forest-bench/internal/output"
)

const metricNamespace = "forest_bench"

// PushSink forwards each run to a Prometheus Pushgateway. Params become
// constant labels on every gauge and the run is pushed as one group when it
// ends. Files cannot be stored.
type PushSink struct {
	url string
	job string

	mu   sync.Mutex
	runs map[string]*pendingRun
}

type pendingRun struct {
	name    string
	params  map[string]string
	metrics map[string]float64
}

// NewPushSink creates a sink for the Pushgateway at url.
func NewPushSink(url, job string) *PushSink {
	if job == "" {
		job = "forest_bench"
	}
	return &PushSink{url: url, job: job, runs: make(map[string]*pendingRun)}
}

// DialPushgateway returns a Dialer for a Pushgateway. No request is made
// until the first run ends.
func DialPushgateway(url, job string) Dialer {
	return func(ctx context.Context) (Sink, error) {
		if url == "" {
			return nil, fmt.Errorf("pushgateway url is empty")
		}
		return NewPushSink(url, job), nil
	}
}

// StartRun opens a pending run; nothing is sent until EndRun.
func (p *PushSink) StartRun(ctx context.Context, runName string) (string, error) {
	id := uuid.NewString()
	p.mu.Lock()
	p.runs[id] = &pendingRun{
		name:    runName,
		params:  make(map[string]string),
		metrics: make(map[string]float64),
	}
	p.mu.Unlock()
	return id, nil
}

// LogParams records params as constant labels of the run's gauges.
func (p *PushSink) LogParams(ctx context.Context, runID string, params map[string]string) error {
	return p.with(runID, func(r *pendingRun) {
		for k, v := range params {
			r.params[sanitizeName(k)] = v
		}
	})
}

// LogMetrics sets one gauge per metric, sanitized to a valid metric name.
func (p *PushSink) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	return p.with(runID, func(r *pendingRun) {
		for k, v := range metrics {
			r.metrics[sanitizeName(k)] = v
		}
	})
}

// SetTags is a no-op: tags are free text and would explode label cardinality.
func (p *PushSink) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	return p.with(runID, func(*pendingRun) {})
}

// LogArtifact always fails: the Pushgateway stores no files.
func (p *PushSink) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	return ErrArtifactsUnsupported
}

// EndRun pushes every gauge of the run under grouping key run=<name>.
func (p *PushSink) EndRun(ctx context.Context, runID string, status RunStatus) error {
	p.mu.Lock()
	run, ok := p.runs[runID]
	delete(p.runs, runID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run %q", runID)
	}

	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{}
	for k, v := range run.params {
		labels[k] = v
	}

	for name, value := range run.metrics {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        name,
			Help:        "Benchmark metric " + name,
			ConstLabels: labels,
		})
		g.Set(value)
		if err := registry.Register(g); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	succeeded := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   metricNamespace,
		Name:        "run_succeeded",
		Help:        "1 when the run finished, 0 when it failed",
		ConstLabels: labels,
	})
	if status == RunFinished {
		succeeded.Set(1)
	}
	registry.MustRegister(succeeded)

	err := push.New(p.url, p.job).
		Gatherer(registry).
		Grouping("run", run.name).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push run %s: %w", run.name, err)
	}
	output.Logger.Debug("Pushed run to Pushgateway", "run", run.name, "metrics", len(run.metrics))
	return nil
}

func (p *PushSink) with(runID string, fn func(*pendingRun)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %q", runID)
	}
	fn(run)
	return nil
}

// sanitizeName maps a key onto the Prometheus name alphabet.
func sanitizeName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
