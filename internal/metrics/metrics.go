package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_steps_total",
		Help: "Total number of integrator steps taken",
	}, []string{"method"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sampler_step_duration_seconds",
		Help:    "Duration of a single integrator step",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	SetTimestepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_set_timesteps_total",
		Help: "Total number of inference schedule rebuilds",
	}, []string{"method"})

	InferenceSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampler_inference_steps",
		Help:    "Distribution of requested inference step counts",
		Buckets: []float64{1, 5, 10, 20, 25, 50, 100, 250, 1000},
	})

	RunDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "sampler_run_duration_seconds",
		Help: "End-to-end duration of a denoising run",
	}, []string{"method"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_runs_total",
		Help: "Total number of denoising runs",
	}, []string{"method", "status"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sampler_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in latents",
	}, []string{"stage", "type"})

	InitNoiseSigma = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sampler_init_noise_sigma",
		Help: "Initial noise sigma of the most recently built schedule",
	})
)

func RecordStep(method string, duration time.Duration) {
	StepsTotal.WithLabelValues(method).Inc()
	StepDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordSetTimesteps(method string, numInferenceSteps int, initNoiseSigma float64) {
	SetTimestepsTotal.WithLabelValues(method).Inc()
	InferenceSteps.Observe(float64(numInferenceSteps))
	InitNoiseSigma.Set(initNoiseSigma)
}

func RecordRun(method string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RunsTotal.WithLabelValues(method, status).Inc()
	RunDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordNumericalInstability(stage string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(stage, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(stage, "inf").Add(float64(infCount))
	}
}
