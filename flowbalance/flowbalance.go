// Package flowbalance infers system health from per-consumer transport
// telemetry and emits causally-stamped node.down / system.down events
// when consumer lag crosses configured thresholds (spec §4.7).
package flowbalance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arc-self/happen/event"
)

// NodeHealth is the per-node health classification (spec §4.7, "State per
// node: {healthy, degraded, unhealthy}").
type NodeHealth int

const (
	Healthy NodeHealth = iota
	Degraded
	Unhealthy
)

func (h NodeHealth) String() string {
	switch h {
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// Thresholds configures both node health classification and pattern
// detection (spec §4.7).
type Thresholds struct {
	MinorLag    int64
	ModerateLag int64
	SevereLag   int64
	CriticalLag int64
	MinAckRate  float64
}

// ConsumerSnapshot is a point-in-time read of one durable consumer's
// telemetry (spec §4.7 "Inputs per consumer").
type ConsumerSnapshot struct {
	Name            string
	Delivered       uint64
	AckFloor        uint64
	NumPending      uint64
	NumRedelivered  uint64
	CreatedUnixSecs int64
}

// Metrics is the per-consumer derived telemetry computed each tick (spec
// §4.7 "Metrics per consumer per tick").
type Metrics struct {
	Name             string
	Lag              int64
	ProcessingRate   float64
	AckRate          float64
	DeliveryFailures uint64
}

// deriveMetrics computes Metrics from a raw snapshot, as of "now".
func deriveMetrics(s ConsumerSnapshot, now time.Time) Metrics {
	lag := int64(s.Delivered) - int64(s.AckFloor)
	age := now.Unix() - s.CreatedUnixSecs
	if age < 1 {
		age = 1
	}
	rate := float64(s.Delivered) / float64(age)

	denom := s.Delivered
	if denom < 1 {
		denom = 1
	}
	ackRate := float64(s.AckFloor) / float64(denom)

	return Metrics{
		Name:             s.Name,
		Lag:              lag,
		ProcessingRate:   rate,
		AckRate:          ackRate,
		DeliveryFailures: s.NumRedelivered,
	}
}

func classify(m Metrics, t Thresholds) NodeHealth {
	if m.Lag >= t.CriticalLag || m.AckRate < t.MinAckRate {
		return Unhealthy
	}
	if m.Lag >= t.ModerateLag {
		return Degraded
	}
	return Healthy
}

// Pattern is a named, severity-tagged health classification derived from
// consumer telemetry for one tick (spec §4.7 pattern detection table).
type Pattern struct {
	Name          string
	Severity      string
	AffectedNodes []string
	Detail        map[string]any
}

// TelemetrySource is the subset of the transport client Flow-Balance
// needs: the stream's current consumer names and each one's telemetry.
// Kept as an interface so the monitor can be tested without a live NATS
// connection.
type TelemetrySource interface {
	ListConsumers(stream string) ([]string, error)
	ConsumerInfo(stream, durable string) (ConsumerSnapshot, error)
}

// Emitter publishes a causally-stamped event, typically a node's
// Broadcast or a transport.Client.Publish bound to the broadcast
// subject.
type Emitter func(ctx context.Context, e event.Event) error

// LagRecorder receives each tick's per-consumer lag reading, typically
// *telemetry.Metrics.RecordConsumerLag.
type LagRecorder func(ctx context.Context, consumer string, lag int64)

// Options configures a Monitor.
type Options struct {
	Stream          string
	Thresholds      Thresholds
	PollingInterval time.Duration
	MonitorNodeID   event.NodeId
	Now             func() time.Time
	RecordLag       LagRecorder
}

// Monitor runs as an independent periodic task (spec §5, "The Flow-
// Balance monitor runs as an independent periodic task"), polling
// consumer telemetry on a cron-driven tick and emitting node.down /
// system.down events for detected patterns.
type Monitor struct {
	opts     Options
	source   TelemetrySource
	emit     Emitter
	logger   *zap.Logger
	cron     *cron.Cron
	entryID  cron.EntryID

	mu        sync.Mutex
	nodeState map[string]NodeHealth
}

// NewMonitor constructs a Monitor. source supplies consumer telemetry,
// emit publishes detected-pattern events.
func NewMonitor(opts Options, source TelemetrySource, emit Emitter, logger *zap.Logger) *Monitor {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		opts:      opts,
		source:    source,
		emit:      emit,
		logger:    logger,
		nodeState: make(map[string]NodeHealth),
	}
}

// Start schedules the periodic tick via robfig/cron's "@every" descriptor
// (mirroring the teacher's notification-service cron scheduler), running
// immediately once before the first scheduled tick.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.opts.PollingInterval)
	id, err := m.cron.AddFunc(spec, func() { m.Tick(ctx) })
	if err != nil {
		return fmt.Errorf("flowbalance: schedule tick: %w", err)
	}
	m.entryID = id
	m.Tick(ctx)
	m.cron.Start()
	m.logger.Info("flow-balance monitor started", zap.Duration("pollingInterval", m.opts.PollingInterval))
	return nil
}

// Stop halts the scheduler, waiting for any in-flight tick to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	done := m.cron.Stop()
	<-done.Done()
	m.logger.Info("flow-balance monitor stopped")
}

// NodeHealth reports the last-observed health of a named consumer.
func (m *Monitor) NodeHealth(name string) (NodeHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.nodeState[name]
	return h, ok
}

// Tick runs one full poll-classify-detect-emit cycle (spec §4.7). It is
// exported so tests (and a first eager run at Start) can drive it
// directly without waiting on the cron schedule.
func (m *Monitor) Tick(ctx context.Context) {
	names, err := m.source.ListConsumers(m.opts.Stream)
	if err != nil {
		m.logger.Warn("flow-balance: list consumers failed", zap.Error(err))
		return
	}
	sort.Strings(names)

	metrics := make([]Metrics, 0, len(names))
	for _, name := range names {
		snap, err := m.source.ConsumerInfo(m.opts.Stream, name)
		if err != nil {
			m.logger.Warn("flow-balance: consumer info failed", zap.String("consumer", name), zap.Error(err))
			continue
		}
		mm := deriveMetrics(snap, m.opts.Now())
		metrics = append(metrics, mm)
		if m.opts.RecordLag != nil {
			m.opts.RecordLag(ctx, mm.Name, mm.Lag)
		}
	}

	m.updateNodeStates(metrics)
	patterns := detectPatterns(metrics, m.opts.Thresholds)

	for _, p := range patterns {
		m.emitPattern(ctx, p)
	}
}

func (m *Monitor) updateNodeStates(metrics []Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range metrics {
		next := classify(mm, m.opts.Thresholds)
		prev, known := m.nodeState[mm.Name]
		if !known || prev != next {
			m.logger.Info("flow-balance: node health transition",
				zap.String("consumer", mm.Name),
				zap.String("from", prev.String()),
				zap.String("to", next.String()),
				zap.Int64("lag", mm.Lag),
			)
		}
		m.nodeState[mm.Name] = next
	}
}

// detectPatterns evaluates every rule in spec §4.7's table independently
// each tick — earlier rules do not preempt later ones, so a single node
// can surface in more than one pattern.
func detectPatterns(metrics []Metrics, t Thresholds) []Pattern {
	var patterns []Pattern

	for _, mm := range metrics {
		if mm.Lag >= t.CriticalLag {
			patterns = append(patterns, Pattern{
				Name:          "node-failure",
				Severity:      "critical",
				AffectedNodes: []string{mm.Name},
				Detail:        map[string]any{"lag": mm.Lag},
			})
		}
	}

	for _, mm := range metrics {
		if mm.Lag >= t.ModerateLag && mm.ProcessingRate < 1 {
			severity := "moderate"
			if mm.Lag >= t.SevereLag {
				severity = "severe"
			}
			patterns = append(patterns, Pattern{
				Name:          "bottleneck",
				Severity:      severity,
				AffectedNodes: []string{mm.Name},
				Detail:        map[string]any{"lag": mm.Lag, "processingRate": mm.ProcessingRate},
			})
		}
	}

	if p, ok := detectPartition(metrics, t); ok {
		patterns = append(patterns, p)
	}

	if p, ok := detectOverload(metrics, t); ok {
		patterns = append(patterns, p)
	}

	return patterns
}

func detectPartition(metrics []Metrics, t Thresholds) (Pattern, bool) {
	var affected []string
	for _, mm := range metrics {
		if mm.Lag >= t.SevereLag {
			affected = append(affected, mm.Name)
		}
	}
	if len(affected) < 2 {
		return Pattern{}, false
	}

	severity := "severe"
	if float64(len(affected)) >= float64(len(metrics))/2 {
		severity = "critical"
	}
	return Pattern{
		Name:          "partition",
		Severity:      severity,
		AffectedNodes: affected,
		Detail:        map[string]any{"affectedCount": len(affected), "totalNodes": len(metrics)},
	}, true
}

func detectOverload(metrics []Metrics, t Thresholds) (Pattern, bool) {
	if len(metrics) == 0 {
		return Pattern{}, false
	}

	var affected []string
	var lagSum int64
	for _, mm := range metrics {
		lagSum += mm.Lag
		if mm.Lag >= t.MinorLag {
			affected = append(affected, mm.Name)
		}
	}
	frac := float64(len(affected)) / float64(len(metrics))
	if frac < 0.7 {
		return Pattern{}, false
	}

	avgLag := float64(lagSum) / float64(len(metrics))
	severity := "moderate"
	if avgLag >= float64(t.SevereLag) {
		severity = "severe"
	}
	return Pattern{
		Name:          "overload",
		Severity:      severity,
		AffectedNodes: affected,
		Detail:        map[string]any{"averageLag": math.Round(avgLag), "fraction": frac},
	}, true
}

func (m *Monitor) emitPattern(ctx context.Context, p Pattern) {
	if m.emit == nil {
		return
	}

	typ := "system.down"
	payload := map[string]any{
		"pattern":       p.Name,
		"severity":      p.Severity,
		"affectedNodes": p.AffectedNodes,
		"detail":        p.Detail,
	}
	if p.Name == "node-failure" || p.Name == "bottleneck" {
		typ = "node.down"
		payload["nodeId"] = p.AffectedNodes[0]
	}

	e, err := event.Create(typ, payload, nil, m.opts.MonitorNodeID)
	if err != nil {
		m.logger.Error("flow-balance: build pattern event failed", zap.Error(err))
		return
	}
	if err := m.emit(ctx, e); err != nil {
		m.logger.Error("flow-balance: emit pattern event failed",
			zap.String("pattern", p.Name), zap.Error(err))
	}
}
