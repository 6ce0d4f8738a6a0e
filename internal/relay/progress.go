package relay

import (
	"sync"

	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/edirooss/mptcp-relay/pkg/ffprogress"
)

// lossWindowSeconds is the frame window used to estimate loss from drops.
const lossWindowSeconds = 10

// MetricPublisher receives metric events. *telemetry.Manager satisfies it.
type MetricPublisher interface {
	PublishMetric(m telemetry.Metric) int
}

// ProgressReporter turns worker progress lines into metric events labelled
// with the scheduler under test and the ingest port.
type ProgressReporter struct {
	pub       MetricPublisher
	scheduler string
	port      int
	metrics   *metrics.Metrics

	mu   sync.Mutex
	last ffprogress.Progress
}

func NewProgressReporter(pub MetricPublisher, scheduler string, port int, m *metrics.Metrics) *ProgressReporter {
	return &ProgressReporter{pub: pub, scheduler: scheduler, port: port, metrics: m}
}

// OnLine is suitable as Options.OnWorkerLine. It may be called concurrently.
func (r *ProgressReporter) OnLine(_ string, line string) {
	p, ok := ffprogress.Parse(line)
	if !ok {
		return
	}
	r.mu.Lock()
	r.last = p
	r.mu.Unlock()

	r.metrics.WorkerProgress(p.FPS, p.BitrateKbps, p.Dropped)

	m := telemetry.NewMetric(r.scheduler, r.port).
		Set("frameRate", p.FPS).
		Set("bitrate", p.BitrateKbps).
		Set("droppedFrames", float64(p.Dropped)).
		Set("packetLoss", p.LossPercent(lossWindowSeconds))
	if p.Speed > 0 {
		m = m.Set("speed", p.Speed)
	}
	r.pub.PublishMetric(m)
}

// Last returns the most recent progress line seen.
func (r *ProgressReporter) Last() ffprogress.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Reset clears the last progress, e.g. at a session boundary.
func (r *ProgressReporter) Reset() {
	r.mu.Lock()
	r.last = ffprogress.Progress{}
	r.mu.Unlock()
}
