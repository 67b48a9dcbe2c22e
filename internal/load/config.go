// Package load implements the WebSocket load harness for the gateway: it
// replays recorded utterance audio over /ws/voice at real-time pacing,
// measures per-stage latencies from the frame stream, and aggregates them
// into a report.
package load

import (
	"fmt"
	"time"
)

// DefaultSuccessThreshold is the fraction of turns that must complete cleanly
// for a run to pass.
const DefaultSuccessThreshold = 0.95

// Scenario shapes one load run.
type Scenario struct {
	// Name identifies the scenario in reports.
	Name string

	// Users is the number of concurrent simulated users at plateau.
	Users int

	// Ramp is the time over which users are started, evenly spaced.
	Ramp time.Duration

	// Hold is how long the full user count keeps running. Zero means each
	// user stops after RequestsPerUser turns.
	Hold time.Duration

	// RequestsPerUser caps the turns per user. Zero means unlimited within
	// Hold.
	RequestsPerUser int

	// Think is the pause between consecutive turns of one user.
	Think time.Duration
}

// Scenarios is the built-in scenario catalog.
var Scenarios = map[string]Scenario{
	"baseline": {
		Name: "baseline", Users: 1, RequestsPerUser: 10, Think: 2 * time.Second,
	},
	"light": {
		Name: "light", Users: 5, Ramp: 10 * time.Second,
		Hold: 2 * time.Minute, Think: 5 * time.Second,
	},
	"medium": {
		Name: "medium", Users: 20, Ramp: 30 * time.Second,
		Hold: 5 * time.Minute, Think: 10 * time.Second,
	},
	"heavy": {
		Name: "heavy", Users: 50, Ramp: time.Minute,
		Hold: 5 * time.Minute, Think: 15 * time.Second,
	},
	"spike": {
		Name: "spike", Users: 100, Ramp: 5 * time.Second,
		Hold: 30 * time.Second, Think: 500 * time.Millisecond,
	},
	"endurance": {
		Name: "endurance", Users: 20, Ramp: 30 * time.Second,
		Hold: 30 * time.Minute, Think: 3 * time.Second,
	},
}

// Selection chooses how utterances are drawn from the audio pool.
type Selection string

const (
	SelectRoundRobin Selection = "round_robin"
	SelectRandom     Selection = "random"
	SelectSequential Selection = "sequential"
)

// Config is the full harness configuration.
type Config struct {
	// Target is the WebSocket URL of the gateway (e.g.,
	// "ws://localhost:8000/ws/voice").
	Target string

	// Scenario shapes the run.
	Scenario Scenario

	// AudioDir holds raw PCM utterance files. Empty uses a synthetic
	// utterance.
	AudioDir string

	// Selection picks utterances from the pool.
	Selection Selection

	// Language is the session language sent in the config frame.
	Language string

	// SampleRate is the PCM sample rate of the utterance files in Hz.
	SampleRate int

	// TurnTimeout bounds one full turn, from first audio chunk to idle.
	TurnTimeout time.Duration

	// Output is the JSON report path. Empty skips the file.
	Output string

	// SuccessThreshold is the pass/fail cutoff on the clean-turn fraction.
	SuccessThreshold float64
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("load: target URL is required")
	}
	if c.Scenario.Users <= 0 {
		return fmt.Errorf("load: scenario needs at least one user")
	}
	if c.Scenario.Hold == 0 && c.Scenario.RequestsPerUser == 0 {
		return fmt.Errorf("load: scenario needs a hold duration or a request count")
	}
	if c.Selection == "" {
		c.Selection = SelectRoundRobin
	}
	switch c.Selection {
	case SelectRoundRobin, SelectRandom, SelectSequential:
	default:
		return fmt.Errorf("load: unknown selection mode %q", c.Selection)
	}
	if c.Language == "" {
		c.Language = "hi-IN"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	return nil
}
