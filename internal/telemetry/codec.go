package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed marks a message that cannot be normalized. Receivers drop such
// messages and keep the channel open.
var ErrMalformed = errors.New("malformed telemetry message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// wirePacket accepts every packet shape seen from producers.
type wirePacket struct {
	SequenceNumber *float64 `json:"sequenceNumber"`
	Timestamp      *float64 `json:"timestamp"`
	IsLost         *bool    `json:"isLost"`
	Lost           *bool    `json:"lost"`
	Status         string   `json:"status"`
	RTTMs          *float64 `json:"rttMs"`
	Scheduler      string   `json:"scheduler"`
	Port           int      `json:"port"`
}

type wireEnvelope struct {
	Packets  *[]json.RawMessage `json:"packets"`
	Total    int64              `json:"total"`
	Lost     int64              `json:"lost"`
	LossRate float64            `json:"lossRate"`
}

// DecodePackets normalizes a sensor message. Accepted shapes are a bare array
// of packets, an envelope {packets,total,lost,lossRate}, or a single packet
// object. Any invalid packet rejects the whole message.
func DecodePackets(data []byte) (Batch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Batch{}, malformed("empty message")
	}

	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return Batch{}, malformed("packet array: %v", err)
		}
		pkts, err := decodeAll(raw)
		if err != nil {
			return Batch{}, err
		}
		return Batch{Packets: pkts}, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return Batch{}, malformed("object: %v", err)
		}
		if _, ok := fields["packets"]; !ok {
			p, err := NormalizePacket(data)
			if err != nil {
				return Batch{}, err
			}
			return Batch{Packets: []Packet{p}}, nil
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Batch{}, malformed("envelope: %v", err)
		}
		if env.Packets == nil {
			return Batch{}, malformed("envelope packets is null")
		}
		pkts, err := decodeAll(*env.Packets)
		if err != nil {
			return Batch{}, err
		}
		return Batch{
			Packets: pkts,
			Summary: &Summary{Total: env.Total, Lost: env.Lost, LossRate: env.LossRate},
		}, nil
	}
	return Batch{}, malformed("unexpected leading byte %q", data[0])
}

func decodeAll(raw []json.RawMessage) ([]Packet, error) {
	out := make([]Packet, 0, len(raw))
	for i, r := range raw {
		p, err := NormalizePacket(r)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// NormalizePacket decodes one packet object into its canonical form.
// sequenceNumber and timestamp are required. The loss flag is taken from
// "isLost" or "lost" (lost if either says so), or from status when neither is
// present; Status is always set and agrees with IsLost.
func NormalizePacket(data []byte) (Packet, error) {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return Packet{}, malformed("packet: %v", err)
	}

	if w.SequenceNumber == nil {
		return Packet{}, malformed("missing sequenceNumber")
	}
	seq, ok := integral(*w.SequenceNumber)
	if !ok || seq < 0 {
		return Packet{}, malformed("sequenceNumber %v is not a non-negative integer", *w.SequenceNumber)
	}
	if w.Timestamp == nil {
		return Packet{}, malformed("missing timestamp")
	}
	ts, ok := integral(math.Round(*w.Timestamp))
	if !ok || ts < 0 {
		return Packet{}, malformed("invalid timestamp %v", *w.Timestamp)
	}

	status, err := parseStatus(w.Status)
	if err != nil {
		return Packet{}, err
	}

	var lost bool
	switch {
	case w.IsLost != nil || w.Lost != nil:
		lost = (w.IsLost != nil && *w.IsLost) || (w.Lost != nil && *w.Lost)
	default:
		lost = status == StatusLost
	}

	switch {
	case lost:
		status = StatusLost
	case status == "" || status == StatusLost:
		status = StatusDelivered
	}

	p := Packet{
		SequenceNumber: seq,
		Timestamp:      ts,
		IsLost:         lost,
		Status:         status,
		Scheduler:      w.Scheduler,
		Port:           w.Port,
	}
	if w.RTTMs != nil && *w.RTTMs >= 0 {
		p.RTTMs = int64(math.Round(*w.RTTMs))
	}
	return p, nil
}

func parseStatus(s string) (Status, error) {
	switch s {
	case "":
		return "", nil
	case string(StatusDelivered), "ok", "received":
		return StatusDelivered, nil
	case string(StatusDelayed), "retransmitted", "late":
		return StatusDelayed, nil
	case string(StatusLost):
		return StatusLost, nil
	}
	return "", malformed("unknown status %q", s)
}

func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// DecodeMetric normalizes a metric message: a flat object whose numeric fields
// become Values. "scheduler" (or "label") names the scheduler; "port" and
// "timestamp" are lifted out of Values. Non-numeric fields are ignored. A
// message with no numeric value is malformed.
func DecodeMetric(data []byte) (Metric, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metric{}, malformed("metric: %v", err)
	}
	if raw == nil {
		return Metric{}, malformed("metric is null")
	}

	m := Metric{Values: make(map[string]float64, len(raw))}
	for k, v := range raw {
		switch k {
		case "scheduler", "label":
			var s string
			if err := json.Unmarshal(v, &s); err == nil && m.Scheduler == "" {
				m.Scheduler = s
			}
			continue
		case "port":
			var p float64
			if err := json.Unmarshal(v, &p); err != nil {
				return Metric{}, malformed("port: %v", err)
			}
			m.Port = int(p)
			continue
		case "timestamp":
			var ts float64
			if err := json.Unmarshal(v, &ts); err != nil {
				return Metric{}, malformed("timestamp: %v", err)
			}
			m.Timestamp = int64(math.Round(ts))
			continue
		}

		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			continue
		}
		m.Values[k] = f
	}
	if len(m.Values) == 0 {
		return Metric{}, malformed("metric has no numeric fields")
	}
	return m, nil
}

// EncodePackets renders packets as a bare JSON array.
func EncodePackets(packets []Packet) ([]byte, error) {
	if packets == nil {
		packets = []Packet{}
	}
	return json.Marshal(packets)
}

// EncodeBatch renders b as an envelope when it has a summary and as a bare
// array otherwise.
func EncodeBatch(b Batch) ([]byte, error) {
	if b.Summary == nil {
		return EncodePackets(b.Packets)
	}
	packets := b.Packets
	if packets == nil {
		packets = []Packet{}
	}
	return json.Marshal(struct {
		Packets  []Packet `json:"packets"`
		Total    int64    `json:"total"`
		Lost     int64    `json:"lost"`
		LossRate float64  `json:"lossRate"`
	}{packets, b.Summary.Total, b.Summary.Lost, b.Summary.LossRate})
}
