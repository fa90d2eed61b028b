package aggregator

import (
	"errors"
	"fmt"
)

var ErrOutOfOrder = errors.New("observation index out of order")

type Policy string

const (
	PolicyConsecutive Policy = "consecutive"
	PolicyWindow      Policy = "window"
)

type State string

const (
	StateScanning  State = "SCANNING"
	StateTriggered State = "TRIGGERED"
)

type Config struct {
	Policy Policy
	// Threshold is the run length for PolicyConsecutive and K for PolicyWindow.
	Threshold int
	// Window is N for PolicyWindow.
	Window        int
	MinConfidence float64
}

func DefaultConfig() Config {
	return Config{
		Policy:        PolicyConsecutive,
		Threshold:     2,
		Window:        5,
		MinConfidence: 0.5,
	}
}

func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1, got %d", c.Threshold)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be within [0,1], got %v", c.MinConfidence)
	}
	switch c.Policy {
	case PolicyConsecutive:
	case PolicyWindow:
		if c.Window < c.Threshold {
			return fmt.Errorf("window %d smaller than threshold %d", c.Window, c.Threshold)
		}
	default:
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	return nil
}

// Observation is one classified frame as seen by the aggregator.
type Observation struct {
	Index       int
	BearPresent bool
	Confidence  float64
}

type Trigger struct {
	Index      int
	Confidence float64
}

// Aggregator turns an ordered stream of observations into at most one trigger.
// It is not safe for concurrent use.
type Aggregator struct {
	cfg     Config
	state   State
	last    int
	run     int
	runMax  float64
	window  *window
	trigger *Trigger
}

func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{cfg: cfg, state: StateScanning}
	if cfg.Policy == PolicyWindow {
		a.window = newWindow(cfg.Window)
	}
	return a, nil
}

// Qualifies reports whether an observation counts toward the policy.
func (a *Aggregator) Qualifies(o Observation) bool {
	return o.BearPresent && o.Confidence >= a.cfg.MinConfidence
}

// Feed consumes the next observation. It returns a non-nil Trigger only on the
// SCANNING to TRIGGERED transition. Once triggered, observations are accepted
// and ignored.
func (a *Aggregator) Feed(o Observation) (*Trigger, error) {
	if o.Index <= a.last {
		return nil, fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, o.Index, a.last)
	}
	a.last = o.Index

	if a.state == StateTriggered {
		return nil, nil
	}

	qualifying := a.Qualifies(o)
	var fired bool
	var confidence float64

	switch a.cfg.Policy {
	case PolicyWindow:
		a.window.push(qualifying, o.Confidence)
		if a.window.count >= a.cfg.Threshold {
			fired, confidence = true, a.window.maxQualifying()
		}
	default:
		if qualifying {
			a.run++
			a.runMax = max(a.runMax, o.Confidence)
		} else {
			a.run, a.runMax = 0, 0
		}
		if a.run >= a.cfg.Threshold {
			fired, confidence = true, a.runMax
		}
	}

	if !fired {
		return nil, nil
	}

	a.state = StateTriggered
	a.trigger = &Trigger{Index: o.Index, Confidence: confidence}
	t := *a.trigger
	return &t, nil
}

func (a *Aggregator) State() State {
	return a.state
}

// Trigger returns the recorded trigger, or nil while scanning.
func (a *Aggregator) Trigger() *Trigger {
	if a.trigger == nil {
		return nil
	}
	t := *a.trigger
	return &t
}

// Replay runs a fresh aggregator over observations and returns the trigger, if any.
func Replay(cfg Config, observations []Observation) (*Trigger, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, o := range observations {
		if _, err := a.Feed(o); err != nil {
			return nil, err
		}
	}
	return a.Trigger(), nil
}
