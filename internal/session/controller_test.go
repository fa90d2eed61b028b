package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/aggregator"
	"github.com/kdimtricp/bearwatch/internal/alert"
	"github.com/kdimtricp/bearwatch/internal/oracle"
	"github.com/kdimtricp/bearwatch/internal/sampler"
	"github.com/kdimtricp/bearwatch/internal/storage"
)

// fakeSampler yields one frame per entry of frames and leaves an artifact in
// workDir, like the real sampler does while it runs.
type fakeSampler struct {
	frames int
	err    error
	panic  bool
	// panicAfter panics once that many frames have been yielded.
	panicAfter int
	// perSegment groups frames into segments of that size.
	perSegment int

	yielded int32
}

func (f *fakeSampler) Run(ctx context.Context, workDir, videoPath string, yield func(sampler.Frame) error) (*sampler.Summary, error) {
	if f.panic {
		panic("transcoder exploded")
	}
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("upload not saved: %w", err)
	}
	dir := filepath.Join(workDir, "frames_000")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "frame_000001.jpg"), []byte("x"), 0644); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}

	summary := &sampler.Summary{Duration: float64(f.frames), Segments: 1, FPS: []float64{1}}
	for i := 1; i <= f.frames; i++ {
		if f.panicAfter > 0 && i > f.panicAfter {
			panic("decoder crashed mid-stream")
		}
		segment := 0
		if f.perSegment > 0 {
			segment = (i - 1) / f.perSegment
		}
		atomic.AddInt32(&f.yielded, 1)
		err := yield(sampler.Frame{
			Index:       i,
			Segment:     segment,
			Name:        fmt.Sprintf("frame_%06d.jpg", i),
			Data:        []byte(strconv.Itoa(i)),
			ContentType: "image/jpeg",
		})
		if errors.Is(err, sampler.ErrStop) {
			summary.Stopped = true
			break
		}
		if err != nil {
			return summary, err
		}
		summary.Frames = i
	}
	return summary, nil
}

// fakeClassifier answers by frame index, which the fake sampler stores in the frame bytes.
type fakeClassifier struct {
	answers  map[int]oracle.DetectionResult
	jitter   bool
	panicOn  int
	calls    int32
	inFlight int32
	peak     int32
}

func (f *fakeClassifier) Classify(ctx context.Context, img oracle.Image) oracle.DetectionResult {
	atomic.AddInt32(&f.calls, 1)
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&f.peak, p, cur) {
			break
		}
	}

	idx, _ := strconv.Atoi(string(img.Data))
	if f.panicOn > 0 && f.panicOn == idx {
		panic("bad frame")
	}
	if f.jitter {
		select {
		case <-time.After(time.Duration(rand.Intn(4)) * time.Millisecond):
		case <-ctx.Done():
		}
	}
	return f.answers[idx]
}

type recordingSink struct {
	mu     sync.Mutex
	events []alert.Event
	err    error
}

func (r *recordingSink) Send(_ context.Context, e alert.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeSnapshots struct {
	keys []string
}

func (f *fakeSnapshots) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	f.keys = append(f.keys, key)
	return "http://minio.local/sightings/" + key, nil
}

func bear(c float64) oracle.DetectionResult {
	return oracle.DetectionResult{BearPresent: true, Confidence: c, Labels: []string{oracle.TargetLabel}}
}

func noBear() oracle.DetectionResult {
	return oracle.DetectionResult{Labels: []string{}}
}

func answers(results ...oracle.DetectionResult) map[int]oracle.DetectionResult {
	m := make(map[int]oracle.DetectionResult, len(results))
	for i, r := range results {
		m[i+1] = r
	}
	return m
}

type harness struct {
	base       string
	controller *Controller
	sink       *recordingSink
}

func newHarness(t *testing.T, cfg Config, s FrameSampler, c oracle.Classifier, snapshots storage.SnapshotStore) *harness {
	t.Helper()
	base := filepath.Join(t.TempDir(), "sessions")
	ws, err := storage.NewWorkspace(base, zap.NewNop())
	require.NoError(t, err)

	sink := &recordingSink{}
	controller, err := NewController(cfg, ws, s, c, sink, snapshots, zap.NewNop())
	require.NoError(t, err)
	return &harness{base: base, controller: controller, sink: sink}
}

func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.base)
	require.NoError(t, err)
	assert.Empty(t, entries, "session left files behind")
}

func videoUpload() Upload {
	return Upload{
		Filename:    "trail-cam.mp4",
		ContentType: "video/mp4",
		Size:        5,
		Body:        strings.NewReader("video"),
	}
}

func TestAnalyzeVideoConsecutiveTrigger(t *testing.T) {
	classifier := &fakeClassifier{answers: answers(noBear(), bear(0.6), bear(0.8), bear(0.95), bear(0.99))}
	h := newHarness(t, DefaultConfig(), &fakeSampler{frames: 5}, classifier, nil)

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.BearDetected)
	assert.Equal(t, 3, res.TriggerFrame)
	assert.Equal(t, 0.8, res.Confidence)
	assert.True(t, res.AlertSent)
	assert.Equal(t, 3, res.FramesProcessed, "results stop at the trigger frame")
	assert.Equal(t, 1, h.sink.count())
	assert.NotEmpty(t, res.SessionID)

	h.assertClean(t)
}

func TestAnalyzeVideoWindowTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aggregator = aggregator.Config{Policy: aggregator.PolicyWindow, Threshold: 2, Window: 5, MinConfidence: 0.5}
	classifier := &fakeClassifier{answers: answers(bear(0.7), noBear(), noBear(), noBear(), bear(0.6), bear(0.9))}
	h := newHarness(t, cfg, &fakeSampler{frames: 6}, classifier, nil)

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)
	assert.Equal(t, 5, res.TriggerFrame)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, 1, h.sink.count())
}

func TestEarlyExitIsReproducible(t *testing.T) {
	results := answers(bear(0.4), bear(0.7), noBear(), bear(0.65), bear(0.9), bear(0.99), bear(0.99), noBear(), bear(0.8), bear(0.8))

	type outcome struct {
		frame      int
		confidence float64
	}
	var seen []outcome

	for _, earlyExit := range []bool{true, false} {
		for _, workers := range []int{1, 2, 4} {
			t.Run(fmt.Sprintf("early_exit=%v/workers=%d", earlyExit, workers), func(t *testing.T) {
				cfg := DefaultConfig()
				cfg.EarlyExit = earlyExit
				cfg.Workers = workers
				classifier := &fakeClassifier{answers: results, jitter: true}
				h := newHarness(t, cfg, &fakeSampler{frames: 10}, classifier, nil)

				res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
				require.NoError(t, err)

				seen = append(seen, outcome{res.TriggerFrame, res.Confidence})
				assert.Equal(t, 1, h.sink.count(), "exactly one alert")
				assert.LessOrEqual(t, atomic.LoadInt32(&classifier.peak), int32(workers))
				for i, fr := range res.Results {
					assert.Equal(t, i+1, fr.FrameIndex, "results are in index order")
				}
				if earlyExit {
					assert.Len(t, res.Results, res.TriggerFrame)
				} else {
					assert.Len(t, res.Results, 10)
				}
				h.assertClean(t)
			})
		}
	}

	for _, o := range seen {
		assert.Equal(t, outcome{5, 0.9}, o)
	}
}

func TestOracleFailureIsAbsorbed(t *testing.T) {
	failed := oracle.DetectionResult{Failure: &oracle.Failure{Kind: oracle.KindStatus, StatusCode: 500, Err: errors.New("boom")}}
	classifier := &fakeClassifier{answers: answers(bear(0.6), noBear(), failed, noBear(), bear(0.7))}
	h := newHarness(t, DefaultConfig(), &fakeSampler{frames: 5}, classifier, nil)

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.BearDetected)
	assert.False(t, res.AlertSent)
	require.Len(t, res.Results, 5)
	assert.False(t, res.Results[2].Qualifying)
	assert.Contains(t, res.Results[2].Error, "status")
	assert.Empty(t, res.Results[3].Error)
	assert.True(t, res.Results[4].Qualifying)
	assert.Zero(t, h.sink.count())
}

func TestLowConfidenceNeverTriggers(t *testing.T) {
	classifier := &fakeClassifier{answers: answers(bear(0.4), bear(0.4), bear(0.4), bear(0.4))}
	h := newHarness(t, DefaultConfig(), &fakeSampler{frames: 4}, classifier, nil)

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)
	assert.False(t, res.BearDetected)
	assert.Zero(t, res.Confidence)
	for _, fr := range res.Results {
		assert.True(t, fr.BearDetected)
		assert.False(t, fr.Qualifying)
	}
	assert.Zero(t, h.sink.count())
}

func TestAnalyzeVideoFailures(t *testing.T) {
	tests := []struct {
		name       string
		sampler    *fakeSampler
		classifier *fakeClassifier
		target     error
	}{
		{
			name:       "unprocessable video",
			sampler:    &fakeSampler{err: &sampler.TranscodeError{Op: sampler.OpProbe, Stderr: "moov atom not found", Err: errors.New("exit status 1")}},
			classifier: &fakeClassifier{},
			target:     ErrUnprocessable,
		},
		{
			name:       "zero frames",
			sampler:    &fakeSampler{err: &sampler.TranscodeError{Op: sampler.OpExtract, Err: sampler.ErrNoFrames}},
			classifier: &fakeClassifier{},
			target:     ErrUnprocessable,
		},
		{
			name:       "sampler panic",
			sampler:    &fakeSampler{panic: true},
			classifier: &fakeClassifier{},
			target:     ErrInternal,
		},
		{
			name:       "classifier panic",
			sampler:    &fakeSampler{frames: 5},
			classifier: &fakeClassifier{panicOn: 2},
			target:     ErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig(), tt.sampler, tt.classifier, nil)

			res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.target)
			assert.Zero(t, h.sink.count())
			h.assertClean(t)
		})
	}
}

func TestAnalyzeVideoInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		upload Upload
	}{
		{name: "no body", upload: Upload{Filename: "a.mp4", Size: 3}},
		{name: "no filename", upload: Upload{Size: 3, Body: strings.NewReader("abc")}},
		{name: "empty", upload: Upload{Filename: "a.mp4", Body: strings.NewReader("")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSampler{frames: 3}
			h := newHarness(t, DefaultConfig(), s, &fakeClassifier{}, nil)

			_, err := h.controller.AnalyzeVideo(context.Background(), tt.upload)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Zero(t, atomic.LoadInt32(&s.yielded))
			h.assertClean(t)
		})
	}
}

func TestAlertFailureIsAbsorbed(t *testing.T) {
	classifier := &fakeClassifier{answers: answers(bear(0.9), bear(0.9))}
	h := newHarness(t, DefaultConfig(), &fakeSampler{frames: 2}, classifier, nil)
	h.sink.err = errors.New("broker unreachable")

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.BearDetected)
	assert.False(t, res.AlertSent)
	assert.Equal(t, 1, h.sink.count())
}

func TestSnapshotAttachedToAlert(t *testing.T) {
	classifier := &fakeClassifier{answers: answers(bear(0.9), bear(0.7))}
	snapshots := &fakeSnapshots{}
	h := newHarness(t, DefaultConfig(), &fakeSampler{frames: 2}, classifier, snapshots)

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)
	require.Len(t, snapshots.keys, 1)
	assert.Equal(t, fmt.Sprintf("sessions/%s/frame_000002.jpg", res.SessionID), snapshots.keys[0])

	require.Equal(t, 1, h.sink.count())
	event := h.sink.events[0]
	assert.Equal(t, "http://minio.local/sightings/"+snapshots.keys[0], event.ImageURL)
	assert.Equal(t, 2, event.FrameIndex)
	assert.Equal(t, 0.9, event.Confidence)
	assert.Equal(t, res.SessionID, event.SessionID)
}

func TestAnalyzeImage(t *testing.T) {
	tests := []struct {
		name       string
		answer     oracle.DetectionResult
		detected   bool
		qualifying bool
		alert      bool
	}{
		{name: "confident bear", answer: bear(0.91), detected: true, qualifying: true, alert: true},
		{name: "weak bear", answer: bear(0.4), detected: true},
		{name: "no bear", answer: oracle.DetectionResult{Labels: []string{"deer"}}},
		{
			name:   "oracle down",
			answer: oracle.DetectionResult{Failure: &oracle.Failure{Kind: oracle.KindTimeout, Err: context.DeadlineExceeded}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := &fakeClassifier{answers: map[int]oracle.DetectionResult{1: tt.answer}}
			h := newHarness(t, DefaultConfig(), &fakeSampler{}, classifier, nil)

			res, err := h.controller.AnalyzeImage(context.Background(), Upload{
				Filename:    "bear.jpg",
				ContentType: "image/jpeg",
				Size:        1,
				Body:        strings.NewReader("1"),
			})
			require.NoError(t, err)

			assert.True(t, res.Success)
			assert.Equal(t, tt.detected, res.BearDetected)
			assert.Equal(t, tt.alert, res.AlertSent)
			require.Len(t, res.Results, 1)
			assert.Equal(t, tt.qualifying, res.Results[0].Qualifying)
			assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("1")), res.ProcessedImage)
			if tt.alert {
				assert.Equal(t, 1, res.TriggerFrame)
				assert.Equal(t, 1, h.sink.count())
			} else {
				assert.Zero(t, h.sink.count())
			}
		})
	}
}

func TestFrameResultsCarrySegment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EarlyExit = false
	classifier := &fakeClassifier{answers: answers(noBear(), noBear(), noBear(), noBear(), noBear())}
	h := newHarness(t, cfg, &fakeSampler{frames: 5, perSegment: 2}, classifier, nil)

	res, err := h.controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)
	require.Len(t, res.Results, 5)

	var segments []int
	for _, fr := range res.Results {
		segments = append(segments, fr.Segment)
	}
	assert.Equal(t, []int{0, 0, 1, 1, 2}, segments)
}

func TestPartialFanoutReportsAlertNotSent(t *testing.T) {
	ws, err := storage.NewWorkspace(filepath.Join(t.TempDir(), "sessions"), zap.NewNop())
	require.NoError(t, err)

	delivered := &recordingSink{}
	broken := &recordingSink{err: errors.New("smtp: connection refused")}
	classifier := &fakeClassifier{answers: answers(bear(0.9), bear(0.9))}
	controller, err := NewController(DefaultConfig(), ws, &fakeSampler{frames: 2}, classifier, alert.Fanout{delivered, broken}, nil, zap.NewNop())
	require.NoError(t, err)

	res, err := controller.AnalyzeVideo(context.Background(), videoUpload())
	require.NoError(t, err)
	assert.True(t, res.BearDetected)
	assert.Equal(t, 1, delivered.count(), "healthy sinks still receive the alert")
	assert.Equal(t, 1, broken.count())
	assert.False(t, res.AlertSent)
}
