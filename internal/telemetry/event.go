// Package telemetry defines the packet and metric events pushed to clients,
// the codec that normalizes the shapes different producers put on the wire,
// and the hubs that fan events out to push channel subscribers.
package telemetry

import (
	"encoding/json"
	"sort"
	"time"
)

// Kind tags an Event.
type Kind string

const (
	KindPacket Kind = "packet"
	KindMetric Kind = "metric"
)

// Status is the delivery classification of a probe packet.
type Status string

const (
	StatusDelivered Status = "delivered" // echoed within the delay threshold
	StatusDelayed   Status = "delayed"   // echoed, but late
	StatusLost      Status = "lost"      // never echoed within the loss window
)

// Packet is one sensor packet event. IsLost is the canonical loss flag; the
// wire may carry it as "isLost" or "lost".
type Packet struct {
	SequenceNumber int64  `json:"sequenceNumber"`
	Timestamp      int64  `json:"timestamp"` // epoch ms
	IsLost         bool   `json:"isLost"`
	Status         Status `json:"status,omitempty"`
	RTTMs          int64  `json:"rttMs,omitempty"`
	Scheduler      string `json:"scheduler,omitempty"`
	Port           int    `json:"port,omitempty"`
}

// Summary carries the running totals of an envelope message.
type Summary struct {
	Total    int64   `json:"total"`
	Lost     int64   `json:"lost"`
	LossRate float64 `json:"lossRate"`
}

// Batch is a decoded sensor message. Summary is nil for bare arrays.
type Batch struct {
	Packets []Packet
	Summary *Summary
}

// Metric is a flat set of named numeric fields labelled with the scheduler
// and port that produced them.
type Metric struct {
	Values    map[string]float64
	Scheduler string
	Port      int
	Timestamp int64 // epoch ms
}

// NewMetric returns an empty metric stamped with the current time.
func NewMetric(scheduler string, port int) Metric {
	return Metric{
		Values:    make(map[string]float64),
		Scheduler: scheduler,
		Port:      port,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Set stores one named value and returns the metric for chaining.
func (m Metric) Set(name string, v float64) Metric {
	if m.Values == nil {
		m.Values = make(map[string]float64)
	}
	m.Values[name] = v
	return m
}

// Names returns the value names in sorted order.
func (m Metric) Names() []string {
	names := make([]string, 0, len(m.Values))
	for k := range m.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON flattens Values next to the label fields.
func (m Metric) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Values)+3)
	for k, v := range m.Values {
		out[k] = v
	}
	if m.Scheduler != "" {
		out["scheduler"] = m.Scheduler
	}
	if m.Port != 0 {
		out["port"] = m.Port
	}
	out["timestamp"] = m.Timestamp
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON; see DecodeMetric.
func (m *Metric) UnmarshalJSON(data []byte) error {
	v, err := DecodeMetric(data)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Event is the tagged union routed by the Manager.
type Event struct {
	Kind    Kind
	Packets []Packet
	Summary *Summary
	Metric  *Metric
}

// PacketEvent wraps packets, with an optional summary, as an Event.
func PacketEvent(summary *Summary, packets ...Packet) Event {
	return Event{Kind: KindPacket, Packets: packets, Summary: summary}
}

// MetricEvent wraps m as an Event.
func MetricEvent(m Metric) Event {
	return Event{Kind: KindMetric, Metric: &m}
}
