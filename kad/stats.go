package kad

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/bwrega/mldht/kad/krpc"
)

var (
	statsInitOnce sync.Once
	sharedVecs    *statsVecs
)

type statsVecs struct {
	messages *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	bytes    *prometheus.CounterVec

	meter          metric.Meter
	messageCounter metric.Int64Counter
	byteCounter    metric.Int64Counter
}

func newStatsVecs() *statsVecs {
	statsInitOnce.Do(func() {
		v := &statsVecs{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mldht_rpc_messages_total",
				Help: "Count of RPC messages by family, direction and method.",
			}, []string{"family", "direction", "method"}),
			timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mldht_rpc_timeouts_total",
				Help: "Count of timed out RPC calls by family and method.",
			}, []string{"family", "method"}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mldht_rpc_bytes_total",
				Help: "Datagram bytes on the wire, headers included.",
			}, []string{"family", "direction"}),
		}
		prometheus.MustRegister(v.messages, v.timeouts, v.bytes)
		v.initMeter()
		sharedVecs = v
	})
	return sharedVecs
}

func (v *statsVecs) initMeter() {
	meter := otel.GetMeterProvider().Meter("mldht/kad")
	messages, err := meter.Int64Counter("mldht.rpc.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("mldht/kad")
		messages, _ = fallback.Int64Counter("mldht.rpc.messages")
		meter = fallback
	}
	bytes, err := meter.Int64Counter("mldht.rpc.bytes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("mldht/kad")
		bytes, _ = fallback.Int64Counter("mldht.rpc.bytes")
		meter = fallback
	}
	v.meter = meter
	v.messageCounter = messages
	v.byteCounter = bytes
}

// RPCStats is the per-server statistics sink. Counters publish to the
// process-wide prometheus/otel vectors labeled by family, and keep local
// atomics for cheap snapshot reads.
type RPCStats struct {
	family string
	vecs   *statsVecs

	sentMessages     atomic.Int64
	receivedMessages atomic.Int64
	timeoutMessages  atomic.Int64
	sentBytes        atomic.Int64
	receivedBytes    atomic.Int64
}

func NewRPCStats(t *DHTType) *RPCStats {
	family := "ipv4"
	if t == IPv6DHT {
		family = "ipv6"
	}
	return &RPCStats{family: family, vecs: newStatsVecs()}
}

func (s *RPCStats) AddSentMessageToCount(m krpc.Message) {
	s.sentMessages.Add(1)
	s.record("out", m)
}

func (s *RPCStats) AddReceivedMessageToCount(m krpc.Message) {
	s.receivedMessages.Add(1)
	s.record("in", m)
}

func (s *RPCStats) AddTimeoutMessageToCount(m krpc.Message) {
	s.timeoutMessages.Add(1)
	s.vecs.timeouts.WithLabelValues(s.family, m.Method().String()).Inc()
}

func (s *RPCStats) AddSentBytes(n int) {
	s.sentBytes.Add(int64(n))
	s.recordBytes("out", n)
}

func (s *RPCStats) AddReceivedBytes(n int) {
	s.receivedBytes.Add(int64(n))
	s.recordBytes("in", n)
}

func (s *RPCStats) record(direction string, m krpc.Message) {
	method := m.Method().String()
	s.vecs.messages.WithLabelValues(s.family, direction, method).Inc()
	if s.vecs.messageCounter != nil {
		s.vecs.messageCounter.Add(contextBackground(), 1, metric.WithAttributes(
			attribute.String("family", s.family),
			attribute.String("direction", direction),
			attribute.String("method", method),
		))
	}
}

func (s *RPCStats) recordBytes(direction string, n int) {
	s.vecs.bytes.WithLabelValues(s.family, direction).Add(float64(n))
	if s.vecs.byteCounter != nil {
		s.vecs.byteCounter.Add(contextBackground(), int64(n), metric.WithAttributes(
			attribute.String("family", s.family),
			attribute.String("direction", direction),
		))
	}
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}

func (s *RPCStats) SentMessages() int64     { return s.sentMessages.Load() }
func (s *RPCStats) ReceivedMessages() int64 { return s.receivedMessages.Load() }
func (s *RPCStats) TimeoutMessages() int64  { return s.timeoutMessages.Load() }
func (s *RPCStats) SentBytes() int64        { return s.sentBytes.Load() }
func (s *RPCStats) ReceivedBytes() int64    { return s.receivedBytes.Load() }
