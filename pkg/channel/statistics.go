package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics tracks channel-level statistics
type Statistics struct {
	numBytesSent       atomic.Uint64
	numFlushes         atomic.Uint64
	numOpenAttempts    atomic.Uint64
	numOpens           atomic.Uint64
	numTransportErrors atomic.Uint64
	numStatusChanges   atomic.Uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// AddBytesSent adds transmitted bytes
func (s *Statistics) AddBytesSent(n uint64) {
	s.numBytesSent.Add(n)
}

// FlushDone increments successful flushes
func (s *Statistics) FlushDone() {
	s.numFlushes.Add(1)
}

// OpenAttempt increments connection open attempts
func (s *Statistics) OpenAttempt() {
	s.numOpenAttempts.Add(1)
}

// Opened increments successful connection opens
func (s *Statistics) Opened() {
	s.numOpens.Add(1)
}

// TransportError increments transport errors
func (s *Statistics) TransportError() {
	s.numTransportErrors.Add(1)
}

// StatusChange increments status transitions
func (s *Statistics) StatusChange() {
	s.numStatusChanges.Add(1)
}

// GetBytesSent returns transmitted bytes
func (s *Statistics) GetBytesSent() uint64 {
	return s.numBytesSent.Load()
}

// GetFlushes returns successful flushes
func (s *Statistics) GetFlushes() uint64 {
	return s.numFlushes.Load()
}

// GetOpenAttempts returns connection open attempts
func (s *Statistics) GetOpenAttempts() uint64 {
	return s.numOpenAttempts.Load()
}

// GetOpens returns successful connection opens
func (s *Statistics) GetOpens() uint64 {
	return s.numOpens.Load()
}

// GetTransportErrors returns transport errors
func (s *Statistics) GetTransportErrors() uint64 {
	return s.numTransportErrors.Load()
}

// GetStatusChanges returns status transitions
func (s *Statistics) GetStatusChanges() uint64 {
	return s.numStatusChanges.Load()
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	s.numBytesSent.Store(0)
	s.numFlushes.Store(0)
	s.numOpenAttempts.Store(0)
	s.numOpens.Store(0)
	s.numTransportErrors.Store(0)
	s.numStatusChanges.Store(0)
}

// StatisticsCollector exposes a channel's statistics as Prometheus
// metrics. Register it with a prometheus.Registerer.
type StatisticsCollector struct {
	stats *Statistics

	bytesSent       *prometheus.Desc
	flushes         *prometheus.Desc
	openAttempts    *prometheus.Desc
	opens           *prometheus.Desc
	transportErrors *prometheus.Desc
	statusChanges   *prometheus.Desc
}

// NewStatisticsCollector creates a collector for ch.
func NewStatisticsCollector(ch *Channel) *StatisticsCollector {
	labels := prometheus.Labels{"channel": fmt.Sprintf("%d", ch.Name())}
	return &StatisticsCollector{
		stats: ch.Statistics(),
		bytesSent: prometheus.NewDesc(
			"commchannel_bytes_sent_total", "Bytes flushed to the transport.", nil, labels),
		flushes: prometheus.NewDesc(
			"commchannel_flushes_total", "Successful flushes.", nil, labels),
		openAttempts: prometheus.NewDesc(
			"commchannel_open_attempts_total", "Connection open attempts.", nil, labels),
		opens: prometheus.NewDesc(
			"commchannel_opens_total", "Successful connection opens.", nil, labels),
		transportErrors: prometheus.NewDesc(
			"commchannel_transport_errors_total", "Transport errors observed.", nil, labels),
		statusChanges: prometheus.NewDesc(
			"commchannel_status_changes_total", "Connection status transitions.", nil, labels),
	}
}

// Describe implements prometheus.Collector
func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.flushes
	ch <- c.openAttempts
	ch <- c.opens
	ch <- c.transportErrors
	ch <- c.statusChanges
}

// Collect implements prometheus.Collector
func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(c.stats.GetBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(c.stats.GetFlushes()))
	ch <- prometheus.MustNewConstMetric(c.openAttempts, prometheus.CounterValue, float64(c.stats.GetOpenAttempts()))
	ch <- prometheus.MustNewConstMetric(c.opens, prometheus.CounterValue, float64(c.stats.GetOpens()))
	ch <- prometheus.MustNewConstMetric(c.transportErrors, prometheus.CounterValue, float64(c.stats.GetTransportErrors()))
	ch <- prometheus.MustNewConstMetric(c.statusChanges, prometheus.CounterValue, float64(c.stats.GetStatusChanges()))
}
