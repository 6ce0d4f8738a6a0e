// Package probe measures a TCP path with numbered echo packets. A Sender
// writes "SEQ:TIMESTAMP" lines to an EchoServer and classifies every packet
// as delivered, delayed (echoed later than the delay threshold) or lost (not
// echoed within the loss window). A lost packet whose echo turns up later is
// reclassified as delayed, so it is never counted as permanently lost.
package probe

import (
	"sync"
	"time"

	"github.com/edirooss/mptcp-relay/internal/telemetry"
)

const (
	DefaultDelayThreshold = 1000 * time.Millisecond
	DefaultLossWindow     = 5 * time.Second
)

// Stats are the running totals of a Tracker. Received counts delivered and
// delayed packets; rates are percentages of Sent.
type Stats struct {
	Sent         int64   `json:"sentPackets"`
	Received     int64   `json:"receivedPackets"`
	Delivered    int64   `json:"deliveredPackets"`
	Delayed      int64   `json:"delayedPackets"`
	Lost         int64   `json:"lostPackets"`
	InFlight     int64   `json:"inFlightPackets"`
	LossRate     float64 `json:"packetLossRate"`
	DeliveryRate float64 `json:"deliveryRate"`
	AvgLatencyMs int64   `json:"avgLatency"`
	MinLatencyMs int64   `json:"minLatency"`
	MaxLatencyMs int64   `json:"maxLatency"`
}

// Tracker classifies probe packets. It is safe for concurrent use.
type Tracker struct {
	delayThreshold time.Duration
	lossWindow     time.Duration
	scheduler      string
	port           int

	mu       sync.Mutex
	inFlight map[int64]time.Time // sent, not echoed, not yet declared lost
	lost     map[int64]time.Time // declared lost; may still be reclassified

	sent, delivered, delayed, lostN int64
	rttSum, rttCount         int64
	rttMin, rttMax           int64
}

// NewTracker returns a tracker; non-positive durations take the defaults.
// scheduler and port label the packet events it produces.
func NewTracker(delayThreshold, lossWindow time.Duration, scheduler string, port int) *Tracker {
	if delayThreshold <= 0 {
		delayThreshold = DefaultDelayThreshold
	}
	if lossWindow <= 0 {
		lossWindow = DefaultLossWindow
	}
	return &Tracker{
		delayThreshold: delayThreshold,
		lossWindow:     lossWindow,
		scheduler:      scheduler,
		port:           port,
		inFlight:       make(map[int64]time.Time),
		lost:           make(map[int64]time.Time),
	}
}

// Sent records that seq left at at.
func (t *Tracker) Sent(seq int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.inFlight[seq]; dup {
		return
	}
	t.inFlight[seq] = at
	t.sent++
}

// Echoed classifies the echo of seq received at at. sentAt is the send time
// carried by the echo; when zero the recorded send time is used. It returns
// false for an unknown or duplicate sequence number.
func (t *Tracker) Echoed(seq int64, sentAt, at time.Time) (telemetry.Packet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recorded, ok := t.inFlight[seq]
	if ok {
		delete(t.inFlight, seq)
	} else if recorded, ok = t.lost[seq]; ok {
		delete(t.lost, seq)
		t.lostN--
	} else {
		return telemetry.Packet{}, false
	}
	if sentAt.IsZero() {
		sentAt = recorded
	}

	rtt := at.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	status := telemetry.StatusDelivered
	if rtt > t.delayThreshold {
		status = telemetry.StatusDelayed
		t.delayed++
	} else {
		t.delivered++
	}

	ms := rtt.Milliseconds()
	if t.rttCount == 0 || ms < t.rttMin {
		t.rttMin = ms
	}
	if ms > t.rttMax {
		t.rttMax = ms
	}
	t.rttSum += ms
	t.rttCount++

	return t.packet(seq, sentAt, status, ms), true
}

// Expire declares every packet in flight for longer than the loss window as
// lost and returns their events. Long-forgotten losses are pruned.
func (t *Tracker) Expire(now time.Time) []telemetry.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []telemetry.Packet
	deadline := now.Add(-t.lossWindow)
	for seq, sentAt := range t.inFlight {
		if sentAt.Before(deadline) {
			delete(t.inFlight, seq)
			t.lost[seq] = sentAt
			t.lostN++
			out = append(out, t.packet(seq, sentAt, telemetry.StatusLost, 0))
		}
	}

	// Past this point a late echo is treated as unknown; the packet stays lost.
	forget := now.Add(-10 * t.lossWindow)
	for seq, sentAt := range t.lost {
		if sentAt.Before(forget) {
			delete(t.lost, seq)
		}
	}
	return out
}

func (t *Tracker) packet(seq int64, sentAt time.Time, status telemetry.Status, rttMs int64) telemetry.Packet {
	return telemetry.Packet{
		SequenceNumber: seq,
		Timestamp:      sentAt.UnixMilli(),
		IsLost:         status == telemetry.StatusLost,
		Status:         status,
		RTTMs:          rttMs,
		Scheduler:      t.scheduler,
		Port:           t.port,
	}
}

// Stats returns the current totals.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Stats{
		Sent:         t.sent,
		Delivered:    t.delivered,
		Delayed:      t.delayed,
		Received:     t.delivered + t.delayed,
		Lost:         t.lostN,
		InFlight:     int64(len(t.inFlight)),
		MinLatencyMs: t.rttMin,
		MaxLatencyMs: t.rttMax,
	}
	if t.rttCount > 0 {
		st.AvgLatencyMs = t.rttSum / t.rttCount
	}
	if t.sent > 0 {
		st.LossRate = float64(st.Lost) * 100 / float64(t.sent)
		st.DeliveryRate = float64(st.Received) * 100 / float64(t.sent)
	}
	return st
}
