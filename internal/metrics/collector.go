// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
)

// Collector 指标收集器。实现 workflow.Observer。
type Collector struct {
	// 工作流指标
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	runsActive  prometheus.Gauge

	// 步骤指标
	stepsTotal   *prometheus.CounterVec
	stepDuration prometheus.Histogram

	// 重规划指标
	replansTotal prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"status"},
	)

	c.runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	c.runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_runs_active",
			Help:      "Number of workflow runs currently in flight",
		},
	)

	c.stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of executed workflow steps",
		},
		[]string{"status"},
	)

	c.stepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.replansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_replans_total",
			Help:      "Total number of accepted plan adjustments",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RunStarted 记录一次运行开始
func (c *Collector) RunStarted() {
	c.runsActive.Inc()
}

// RunFinished 记录一次运行结束
func (c *Collector) RunFinished(status types.WorkflowStatus, duration time.Duration) {
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(string(status)).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// StepFinished 记录一个步骤结束
func (c *Collector) StepFinished(status types.StepStatus, duration time.Duration) {
	c.stepsTotal.WithLabelValues(string(status)).Inc()
	c.stepDuration.Observe(duration.Seconds())
}

// ReplanAccepted 记录一次被接受的计划调整
func (c *Collector) ReplanAccepted() {
	c.replansTotal.Inc()
}
