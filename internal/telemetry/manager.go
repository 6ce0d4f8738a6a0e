package telemetry

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Stream names of the two push endpoints.
const (
	StreamSensor    = "sensor"
	StreamStreaming = "streaming"
)

// Manager owns one hub per stream kind and routes events to them: packets go
// to the sensor hub, metrics to the streaming hub.
type Manager struct {
	log       *zap.Logger
	sensor    *Hub
	streaming *Hub

	mu     sync.RWMutex
	taps   []func(Event)
	latest *Metric
}

// NewManager creates both hubs with the same options.
func NewManager(log *zap.Logger, opts HubOptions) *Manager {
	log = log.Named("telemetry")
	return &Manager{
		log:       log,
		sensor:    NewHub(log, StreamSensor, opts),
		streaming: NewHub(log, StreamStreaming, opts),
	}
}

// Hub returns the hub for stream.
func (m *Manager) Hub(stream string) (*Hub, bool) {
	switch stream {
	case StreamSensor:
		return m.sensor, true
	case StreamStreaming:
		return m.streaming, true
	}
	return nil, false
}

func (m *Manager) Sensor() *Hub    { return m.sensor }
func (m *Manager) Streaming() *Hub { return m.streaming }

// Tap registers fn to observe every published event, e.g. for mirroring to
// an external store. fn runs on the publisher's goroutine.
func (m *Manager) Tap(fn func(Event)) {
	m.mu.Lock()
	m.taps = append(m.taps, fn)
	m.mu.Unlock()
}

// LatestMetric returns the last published metric.
func (m *Manager) LatestMetric() (Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Metric{}, false
	}
	return *m.latest, true
}

// Publish encodes ev and broadcasts it on the hub for its kind. It returns the
// number of subscribers that accepted the message.
func (m *Manager) Publish(ev Event) int {
	var (
		hub *Hub
		msg []byte
		err error
	)

	switch ev.Kind {
	case KindPacket:
		hub = m.sensor
		msg, err = EncodeBatch(Batch{Packets: ev.Packets, Summary: ev.Summary})
	case KindMetric:
		if ev.Metric == nil {
			m.log.Warn("metric event without metric")
			return 0
		}
		hub = m.streaming
		msg, err = json.Marshal(ev.Metric)
		m.mu.Lock()
		mt := *ev.Metric
		m.latest = &mt
		m.mu.Unlock()
	default:
		m.log.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
		return 0
	}
	if err != nil {
		m.log.Error("encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return 0
	}

	m.mu.RLock()
	taps := m.taps
	m.mu.RUnlock()
	for _, fn := range taps {
		fn(ev)
	}

	return hub.Broadcast(msg)
}

// PublishPackets is shorthand for a bare packet array event.
func (m *Manager) PublishPackets(packets ...Packet) int {
	return m.Publish(PacketEvent(nil, packets...))
}

// PublishMetric is shorthand for a metric event.
func (m *Manager) PublishMetric(mt Metric) int {
	return m.Publish(MetricEvent(mt))
}

// Close closes both hubs.
func (m *Manager) Close() {
	m.sensor.Close()
	m.streaming.Close()
}
