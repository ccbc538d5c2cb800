package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTrainStep(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTrainStep("ddpm", 0.5, 2, 1e-4, 0.3)
	m.ObserveTrainStep("ddpm", 0.25, 1, 1e-4, 0.4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TrainSteps.WithLabelValues("ddpm")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.Loss.WithLabelValues("ddpm", "train")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GradNorm.WithLabelValues("ddpm")))
	assert.Equal(t, 0.4, testutil.ToFloat64(m.EMADecay))
}

func TestObserveSamplerAndQueue(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSample("ddim", 10*time.Millisecond)
	m.ObserveAction()
	m.ObserveAction()
	m.ObserveEpisode(true)
	m.ObserveValidateStep("ddim", 0.1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplerCalls.WithLabelValues("ddim")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionsServed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RolloutEpisodes.WithLabelValues("success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SamplerLatency))
}

func TestNilMetricsNoPanic(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTrainStep("ddpm", 1, 1, 1, 1)
		m.ObserveValidateStep("ddpm", 1)
		m.ObserveSample("ddpm", time.Second)
		m.ObserveAction()
		m.ObserveEpisode(false)
	})
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveAction()

	path := filepath.Join(t.TempDir(), "policy.prom")
	require.NoError(t, WriteTextfile(path, reg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "diffusion_policy_queue_actions_served_total 1")
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
