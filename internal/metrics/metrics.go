// Package metrics exposes training and inference telemetry as prometheus
// collectors.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "diffusion_policy"

// Metrics groups the collectors registered on one registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	TrainSteps      *prometheus.CounterVec
	ValidateSteps   *prometheus.CounterVec
	Loss            *prometheus.GaugeVec
	GradNorm        *prometheus.GaugeVec
	LearningRate    prometheus.Gauge
	EMADecay        prometheus.Gauge
	SamplerCalls    *prometheus.CounterVec
	SamplerLatency  *prometheus.HistogramVec
	ActionsServed   prometheus.Counter
	RolloutEpisodes *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TrainSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "steps_total",
			Help:      "Total optimizer steps",
		}, []string{"variant"}),
		ValidateSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "validate_steps_total",
			Help:      "Total loss evaluations without parameter updates",
		}, []string{"variant"}),
		Loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "loss",
			Help:      "Most recent denoising loss",
		}, []string{"variant", "mode"}),
		GradNorm: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "grad_norm",
			Help:      "Most recent global gradient norm before clipping",
		}, []string{"variant"}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "learning_rate",
			Help:      "Learning rate applied by the last optimizer step",
		}),
		EMADecay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ema",
			Name:      "decay",
			Help:      "Decay used by the last shadow update",
		}),
		SamplerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "invocations_total",
			Help:      "Total reverse diffusion chains run",
		}, []string{"variant"}),
		SamplerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "duration_seconds",
			Help:      "Reverse diffusion chain duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"variant"}),
		ActionsServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "actions_served_total",
			Help:      "Total actions popped from rollout action queues",
		}),
		RolloutEpisodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollout",
			Name:      "episodes_total",
			Help:      "Total evaluation episodes by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveTrainStep(variant string, loss, gradNorm, lr, decay float64) {
	if m == nil {
		return
	}
	m.TrainSteps.WithLabelValues(variant).Inc()
	m.Loss.WithLabelValues(variant, "train").Set(loss)
	m.GradNorm.WithLabelValues(variant).Set(gradNorm)
	m.LearningRate.Set(lr)
	m.EMADecay.Set(decay)
}

func (m *Metrics) ObserveValidateStep(variant string, loss float64) {
	if m == nil {
		return
	}
	m.ValidateSteps.WithLabelValues(variant).Inc()
	m.Loss.WithLabelValues(variant, "validate").Set(loss)
}

func (m *Metrics) ObserveSample(variant string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SamplerCalls.WithLabelValues(variant).Inc()
	m.SamplerLatency.WithLabelValues(variant).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAction() {
	if m == nil {
		return
	}
	m.ActionsServed.Inc()
}

func (m *Metrics) ObserveEpisode(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.RolloutEpisodes.WithLabelValues(outcome).Inc()
}

// WriteTextfile dumps every metric in g to path in the text exposition
// format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
