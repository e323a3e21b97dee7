package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/logger"
	"github.com/23skdu/longbow-sampler/internal/pipeline"
	"github.com/23skdu/longbow-sampler/internal/sampler"
	"github.com/23skdu/longbow-sampler/internal/tensor"
	"github.com/23skdu/longbow-sampler/internal/trace"
)

var (
	method      = flag.String("method", "heun", "Sampling method: euler, heun, lms, pndm, sde-ve")
	steps       = flag.Int("steps", 25, "Number of inference steps")
	configPath  = flag.String("config", "", "Path to a schedule config JSON (defaults apply when empty)")
	karras      = flag.Bool("karras", false, "Use the Karras sigma schedule")
	seed        = flag.Int64("seed", 42, "Seed for stochastic methods and the synthetic latents")
	size        = flag.Int("size", 64, "Synthetic latent edge length")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (disabled when empty)")
	traceAddr   = flag.String("trace", "", "Arrow Flight endpoint for trajectory export (disabled when empty)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.With("main")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Error().Err(err).Msg("failed to load schedule config")
			os.Exit(1)
		}
	}
	cfg.UseKarrasSigmas = *karras

	sched, err := sampler.New(sampler.Method(*method), cfg, *seed)
	if err != nil {
		log.Error().Err(err).Str("method", *method).Msg("failed to construct scheduler")
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", *metricsAddr).Msg("serving Prometheus metrics")
	}

	// Synthetic run: unit-norm "noise" latents and an analytic score that
	// pulls the sample toward a smooth target. Exercises the full loop
	// without a neural network.
	initial := tensor.New(1, *size, *size)
	rng := rand.New(rand.NewSource(*seed))
	for i := range initial.Data {
		initial.Data[i] = float32(rng.NormFloat64())
	}
	target := tensor.New(1, *size, *size)
	for y := 0; y < *size; y++ {
		for x := 0; x < *size; x++ {
			target.Data[y**size+x] = float32(math.Sin(float64(x)/8) * math.Cos(float64(y)/8))
		}
	}

	model := func(sample *tensor.Tensor, t float64) (*tensor.Tensor, error) {
		// Pretend the model predicts the noise between sample and target.
		out := tensor.New(sample.Shape...)
		for i := range out.Data {
			out.Data[i] = sample.Data[i] - target.Data[i]
		}
		return out, nil
	}

	recorder := trace.NewRecorder()
	opts := pipeline.Options{
		Method:            *method,
		NumInferenceSteps: *steps,
		ScaleInitNoise:    true,
		Recorder:          recorder,
	}

	start := time.Now()
	final, err := pipeline.Run(context.Background(), sched, model, initial, opts)
	if err != nil {
		log.Error().Err(err).Msg("sampling failed")
		os.Exit(1)
	}

	min, max, mean, _, _ := final.Stats()
	fmt.Printf("method=%s steps=%d duration=%s\n", *method, *steps, time.Since(start).Round(time.Millisecond))
	fmt.Printf("final latents: min=%.4f max=%.4f mean=%.4f norm=%.4f\n", min, max, mean, final.Norm())

	if *traceAddr != "" {
		rec := recorder.Record()
		defer rec.Release()
		sink := trace.NewFlightSink(*traceAddr)
		runID := fmt.Sprintf("%s-%d", *method, time.Now().Unix())
		if err := sink.Publish(context.Background(), runID, rec); err != nil {
			log.Error().Err(err).Msg("failed to publish trajectory")
			os.Exit(1)
		}
		log.Info().Str("run_id", runID).Int("rows", recorder.Len()).Msg("published trajectory")
	}
}
