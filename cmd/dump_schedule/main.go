package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/sampler"
)

var (
	method     = flag.String("method", "heun", "Sampling method: euler, heun, lms, pndm, sde-ve")
	steps      = flag.Int("steps", 10, "Number of inference steps")
	configPath = flag.String("config", "", "Path to a schedule config JSON (defaults apply when empty)")
	karras     = flag.Bool("karras", false, "Use the Karras sigma schedule")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.UseKarrasSigmas = *karras

	sched, err := sampler.New(sampler.Method(*method), cfg, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := sched.SetTimesteps(*steps); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("method=%s order=%d init_noise_sigma=%.6f\n", *method, sched.Order(), sched.InitNoiseSigma())

	ts := sched.Timesteps()
	sigmas := sched.Sigmas()
	fmt.Printf("timesteps (%d):\n", len(ts))
	for i, t := range ts {
		fmt.Printf("  [%3d] t=%10.4f", i, t)
		if i < len(sigmas) {
			fmt.Printf("  sigma=%12.6f", sigmas[i])
		}
		fmt.Println()
	}
	if len(sigmas) > len(ts) {
		fmt.Printf("  [ - ] terminal sigma=%12.6f\n", sigmas[len(sigmas)-1])
	}
}
