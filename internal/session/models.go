package session

import (
	"errors"
	"io"
	"time"

	"github.com/kdimtricp/bearwatch/internal/aggregator"
	"github.com/kdimtricp/bearwatch/internal/sampler"
)

var (
	// ErrInvalidInput means the upload was missing or empty. Nothing was allocated.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInternal wraps unexpected failures, including recovered panics.
	ErrInternal = errors.New("internal error")
	// ErrUnprocessable is the sampler's error for media that cannot be decoded.
	ErrUnprocessable = sampler.ErrUnprocessable
)

type Config struct {
	Workers      int
	EarlyExit    bool
	Aggregator   aggregator.Config
	AlertTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      2,
		EarlyExit:    true,
		Aggregator:   aggregator.DefaultConfig(),
		AlertTimeout: 10 * time.Second,
	}
}

// Upload is one inbound file. Body is read once.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type FrameResult struct {
	FrameIndex   int     `json:"frame_index"`
	Segment      int     `json:"segment"`
	BearDetected bool    `json:"bear_detected"`
	Qualifying   bool    `json:"qualifying"`
	Confidence   float64 `json:"confidence"`
	Error        string  `json:"error,omitempty"`
}

// Result is the outcome of one session. AlertSent is true only when every
// configured alert sink accepted the alert; a partial delivery reports false
// and the failing sinks are logged.
type Result struct {
	Success         bool          `json:"success"`
	BearDetected    bool          `json:"bear_detected"`
	Confidence      float64       `json:"confidence"`
	AlertSent       bool          `json:"alert_sent"`
	SessionID       string        `json:"session_id,omitempty"`
	TriggerFrame    int           `json:"trigger_frame,omitempty"`
	FramesProcessed int           `json:"frames_processed"`
	Duration        float64       `json:"duration_seconds,omitempty"`
	SamplingFPS     []float64     `json:"sampling_fps,omitempty"`
	Resolution      string        `json:"resolution,omitempty"`
	Results         []FrameResult `json:"results"`
	// ProcessedImage is the analyzed still, base64 encoded. Image sessions only.
	ProcessedImage  string        `json:"processed_image,omitempty"`
	Error           string        `json:"error,omitempty"`
}
