// Command vaani-load replays recorded utterances against a running gateway
// and reports per-stage latency distributions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaanilabs/vaani/internal/load"
)

// exitInterrupted mirrors the conventional 128+SIGINT exit status.
const exitInterrupted = 130

var errThreshold = errors.New("success rate below threshold")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupted)
		}
		if !errors.Is(err, errThreshold) {
			fmt.Fprintf(os.Stderr, "vaani-load: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		scenarioName string
		target       string
		audioDir     string
		output       string
		selection    string
		language     string
		sampleRate   int
		users        int
		requests     int
		hold         time.Duration
		think        time.Duration
		threshold    float64
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "vaani-load",
		Short: "Load harness for the Vaani voice gateway",
		Long: `vaani-load simulates concurrent voice conversations against a running
gateway: each user streams utterance audio at real-time pacing, waits for the
reply, and repeats after a think pause. Stage latencies are measured from the
frame stream and aggregated into a JSON report.

Scenarios: ` + scenarioNames() + `.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			sc, ok := load.Scenarios[scenarioName]
			if !ok {
				return fmt.Errorf("unknown scenario %q (available: %s)", scenarioName, scenarioNames())
			}
			if users > 0 {
				sc.Users = users
			}
			if requests > 0 {
				sc.RequestsPerUser = requests
			}
			if cmd.Flags().Changed("hold") {
				sc.Hold = hold
			}
			if cmd.Flags().Changed("think") {
				sc.Think = think
			}

			cfg := &load.Config{
				Target:           target,
				Scenario:         sc,
				AudioDir:         audioDir,
				Selection:        load.Selection(selection),
				Language:         language,
				SampleRate:       sampleRate,
				Output:           output,
				SuccessThreshold: threshold,
			}
			runner, err := load.NewRunner(cfg, logger)
			if err != nil {
				return err
			}

			report, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(report)
			if cmd.Context().Err() != nil {
				return context.Canceled
			}
			if !runner.Passed(report) {
				return errThreshold
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scenarioName, "scenario", "baseline", "scenario name")
	cmd.Flags().StringVar(&target, "target", "ws://localhost:8000/ws/voice", "gateway WebSocket URL")
	cmd.Flags().StringVar(&audioDir, "audio-dir", "", "directory of raw PCM utterance files (.pcm/.raw)")
	cmd.Flags().StringVar(&output, "output", "", "JSON report path")
	cmd.Flags().StringVar(&selection, "selection", string(load.SelectRoundRobin), "utterance selection: round_robin, random, sequential")
	cmd.Flags().StringVar(&language, "language", "hi-IN", "session language")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "utterance sample rate in Hz")
	cmd.Flags().IntVar(&users, "users", 0, "override scenario user count")
	cmd.Flags().IntVar(&requests, "requests", 0, "override per-user request count")
	cmd.Flags().DurationVar(&hold, "hold", 0, "override scenario hold duration")
	cmd.Flags().DurationVar(&think, "think", 0, "override think time between turns")
	cmd.Flags().Float64Var(&threshold, "threshold", load.DefaultSuccessThreshold, "success-rate pass threshold")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// scenarioNames lists the catalog in stable order.
func scenarioNames() string {
	names := make([]string, 0, len(load.Scenarios))
	for name := range load.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// printSummary writes the human-readable result table to stdout.
func printSummary(r *load.Report) {
	fmt.Printf("\nscenario %s against %s\n", r.Scenario, r.Target)
	fmt.Printf("requests %d, failures %d, success rate %.1f%%\n",
		r.Requests, r.Failures, r.SuccessRate*100)
	printDist("asr_latency", r.ASRLatency)
	printDist("llm_ttft", r.LLMTTFT)
	printDist("llm_total", r.LLMTotal)
	printDist("tts_latency", r.TTSLatency)
	printDist("e2e_latency", r.E2ELatency)
	if len(r.Errors) > 0 {
		fmt.Println("errors:")
		for kind, n := range r.Errors {
			fmt.Printf("  %-24s %d\n", kind, n)
		}
	}
}

func printDist(name string, d load.Dist) {
	if d.Count == 0 {
		return
	}
	fmt.Printf("%-12s n=%-5d mean=%.3fs median=%.3fs p95=%.3fs p99=%.3fs max=%.3fs\n",
		name, d.Count, d.Mean, d.Median, d.P95, d.P99, d.Max)
}
