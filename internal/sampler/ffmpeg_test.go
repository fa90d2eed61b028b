package sampler

import (
	"errors"
	"math"
	"testing"
)

func TestParseFFmpegDuration(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected float64
		wantErr  bool
	}{
		{
			name: "typical banner",
			output: `Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'bear.mp4':
  Duration: 00:01:23.45, start: 0.000000, bitrate: 1205 kb/s`,
			expected: 83.45,
		},
		{
			name:     "hours",
			output:   "  Duration: 01:00:02.00, start: 0.0",
			expected: 3602,
		},
		{
			name:    "not available",
			output:  "  Duration: N/A, bitrate: N/A",
			wantErr: true,
		},
		{
			name:    "missing",
			output:  "bear.mp4: Invalid data found when processing input",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFFmpegDuration(tt.output)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got duration %f", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestTranscodeErrorMatching(t *testing.T) {
	probe := &TranscodeError{Op: OpProbe, Path: "/tmp/x.mp4", Err: errors.New("exit status 1")}
	extract := &TranscodeError{Op: OpExtract, Path: "/tmp/x.mp4", Err: errors.New("exit status 1")}

	if !errors.Is(probe, ErrUnprocessable) || !errors.Is(probe, ErrProbe) || errors.Is(probe, ErrExtract) {
		t.Errorf("probe error matched wrong sentinels")
	}
	if !errors.Is(extract, ErrUnprocessable) || !errors.Is(extract, ErrExtract) || errors.Is(extract, ErrProbe) {
		t.Errorf("extract error matched wrong sentinels")
	}

	noFrames := &TranscodeError{Op: OpExtract, Err: ErrNoFrames}
	if !errors.Is(noFrames, ErrNoFrames) {
		t.Errorf("expected wrapped ErrNoFrames")
	}
}
