// Copyright 2025 MatchTalk, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for short operations like call setup.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
	}
	// durBucketsLong lists histogram buckets for call durations.
	durBucketsLong = []float64{
		1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600,
	}
)

type CallDir bool

func (d CallDir) String() string {
	if d == Incoming {
		return "in"
	}
	return "out"
}

const (
	Incoming = CallDir(false)
	Outgoing = CallDir(true)
)

type Monitor struct {
	nodeID string

	signalMessages  *prometheus.CounterVec
	signalDropped   *prometheus.CounterVec
	callsStarted    *prometheus.CounterVec
	callsActive     *prometheus.GaugeVec
	callsTerminated *prometheus.CounterVec
	durSetup        *prometheus.HistogramVec
	durRing         *prometheus.HistogramVec
	durCall         *prometheus.HistogramVec

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(nodeID string) *Monitor {
	return &Monitor{nodeID: nodeID}
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start() error {
	m.signalMessages = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "signal_messages",
		Help:        "Number of call signals sent or received",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"op", "kind"}))

	m.signalDropped = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "signal_dropped",
		Help:        "Number of incoming call signals rejected before a session was created",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"reason"}))

	m.callsStarted = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "calls_started",
		Help:        "Number of call sessions created",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"dir", "type"}))

	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "calls_active",
		Help:        "Number of currently active call sessions",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"dir", "type"}))

	m.callsTerminated = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "calls_terminated",
		Help:        "Number of call sessions that reached a terminal status",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"dir", "type", "reason"}))

	m.durSetup = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "dur_setup_sec",
		Help:        "Call setup duration (from session creation to record and join config ready)",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
		Buckets:     durBucketsOp,
	}, []string{"dir"}))

	m.durRing = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "dur_ring_sec",
		Help:        "Ring duration (from session creation to connected or terminal)",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
		Buckets:     durBucketsOp,
	}, []string{"dir"}))

	m.durCall = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "matchtalk",
		Subsystem:   "callkit",
		Name:        "dur_call_sec",
		Help:        "Connected call duration",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
		Buckets:     durBucketsLong,
	}, []string{"dir", "type"}))

	m.started.Break()
	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CanAccept() bool {
	return m.started.IsBroken() && !m.shutdown.IsBroken()
}

func (m *Monitor) SignalSent(kind string) {
	if m.signalMessages == nil {
		return
	}
	m.signalMessages.WithLabelValues("send", kind).Inc()
}

func (m *Monitor) SignalReceived(kind string) {
	if m.signalMessages == nil {
		return
	}
	m.signalMessages.WithLabelValues("recv", kind).Inc()
}

func (m *Monitor) SignalDropped(reason string) {
	if m.signalDropped == nil {
		return
	}
	m.signalDropped.WithLabelValues(reason).Inc()
}

func (m *Monitor) NewCall(dir CallDir, callType string) *CallMonitor {
	return &CallMonitor{
		m:        m,
		dir:      dir,
		callType: callType,
	}
}

type CallMonitor struct {
	m          *Monitor
	dir        CallDir
	callType   string
	started    atomic.Bool
	terminated atomic.Bool
}

func (c *CallMonitor) SignalSent(kind string) {
	if c == nil {
		return
	}
	c.m.SignalSent(kind)
}

func (c *CallMonitor) labels(l prometheus.Labels) prometheus.Labels {
	out := prometheus.Labels{"dir": c.dir.String(), "type": c.callType}
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (c *CallMonitor) CallStart() {
	if c == nil || c.m.callsActive == nil {
		return
	}
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.m.callsStarted.With(c.labels(nil)).Inc()
	c.m.callsActive.With(c.labels(nil)).Inc()
}

func (c *CallMonitor) CallEnd() {
	if c == nil || c.m.callsActive == nil {
		return
	}
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	c.m.callsActive.With(c.labels(nil)).Dec()
}

func (c *CallMonitor) CallTerminate(reason string) {
	if c == nil || c.m.callsTerminated == nil {
		return
	}
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.m.callsTerminated.With(c.labels(prometheus.Labels{"reason": reason})).Inc()
}

func (c *CallMonitor) SetupDur() func() time.Duration {
	if c == nil || c.m.durSetup == nil {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(c.m.durSetup.WithLabelValues(c.dir.String())).ObserveDuration
}

func (c *CallMonitor) RingDur() func() time.Duration {
	if c == nil || c.m.durRing == nil {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(c.m.durRing.WithLabelValues(c.dir.String())).ObserveDuration
}

func (c *CallMonitor) CallDur() func() time.Duration {
	if c == nil || c.m.durCall == nil {
		return func() time.Duration { return 0 }
	}
	return prometheus.NewTimer(c.m.durCall.With(c.labels(nil))).ObserveDuration
}
