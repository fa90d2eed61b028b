package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/metrics"
)

const framePrefix = "frame_"

// Frame is one extracted still. Index is 1-based and continues across segments.
type Frame struct {
	Index       int
	Segment     int
	Name        string
	Data        []byte
	ContentType string
}

type Summary struct {
	Duration   float64
	Segments   int
	Frames     int
	FPS        []float64
	Resolution Resolution
	Stopped    bool
}

type Sampler struct {
	cfg        Config
	transcoder Transcoder
	logger     *zap.Logger
}

func New(cfg Config, transcoder Transcoder, logger *zap.Logger) *Sampler {
	if cfg.Format == "" {
		cfg.Format = "jpg"
	}
	return &Sampler{
		cfg:        cfg,
		transcoder: transcoder,
		logger:     logger,
	}
}

// Run samples videoPath into workDir and hands each frame to yield in order.
// Returning ErrStop from yield ends sampling without error.
func (s *Sampler) Run(ctx context.Context, workDir, videoPath string, yield func(Frame) error) (*Summary, error) {
	duration, err := s.probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Duration:   duration,
		Resolution: s.cfg.Resolution,
	}

	s.logger.Info("sampling video",
		zap.String("strategy", string(s.cfg.Strategy)),
		zap.Float64("duration", duration),
		zap.String("resolution", s.cfg.Resolution.String()),
	)

	next := 0
	emit := func(f Frame) error {
		next++
		f.Index = next
		summary.Frames = next
		metrics.FramesExtractedTotal.Inc()
		return yield(f)
	}

	switch s.cfg.Strategy {
	case StrategyFixed:
		summary.Segments = 1
		summary.FPS = append(summary.FPS, s.cfg.FPS)
		err = s.extractFrames(ctx, workDir, videoPath, 0, s.cfg.FPS, emit)
	default:
		err = s.runSegments(ctx, workDir, videoPath, duration, summary, emit)
	}

	if errors.Is(err, ErrStop) {
		summary.Stopped = true
		return summary, nil
	}
	if err != nil {
		return summary, err
	}

	if summary.Frames == 0 {
		return summary, &TranscodeError{Op: OpExtract, Path: videoPath, Err: ErrNoFrames}
	}

	return summary, nil
}

func (s *Sampler) probe(ctx context.Context, path string) (float64, error) {
	duration, err := s.transcoder.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var terr *TranscodeError
		if errors.As(err, &terr) {
			return 0, err
		}
		return 0, &TranscodeError{Op: OpProbe, Path: path, Err: err}
	}
	if duration <= 0 {
		return 0, &TranscodeError{Op: OpProbe, Path: path, Err: fmt.Errorf("invalid duration %v", duration)}
	}
	return duration, nil
}

func (s *Sampler) runSegments(ctx context.Context, workDir, videoPath string, duration float64, summary *Summary, emit func(Frame) error) error {
	length := s.cfg.SegmentSeconds
	if length <= 0 {
		length = duration
	}

	segment := 0
	for start := 0.0; start < duration; start += length {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+length, duration)
		fps, err := s.sampleSegment(ctx, workDir, videoPath, segment, start, end, emit)
		if fps > 0 {
			summary.Segments++
			summary.FPS = append(summary.FPS, fps)
		}
		if err != nil {
			return err
		}
		segment++
	}
	return nil
}

// sampleSegment cuts [start,end) out of the source and extracts its frames.
// The segment file is removed before returning.
func (s *Sampler) sampleSegment(ctx context.Context, workDir, videoPath string, segment int, start, end float64, emit func(Frame) error) (float64, error) {
	ext := filepath.Ext(videoPath)
	if ext == "" {
		ext = ".mp4"
	}
	segPath := filepath.Join(workDir, fmt.Sprintf("segment_%03d%s", segment, ext))
	defer os.Remove(segPath)

	if err := s.transcoder.Cut(ctx, videoPath, start, end, segPath); err != nil {
		return 0, s.wrap(ctx, OpCut, videoPath, err)
	}

	segDur, err := s.transcoder.Probe(ctx, segPath)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.logger.Warn("segment probe failed, using cut bounds",
			zap.Int("segment", segment),
			zap.Error(err),
		)
		segDur = end - start
	}
	if segDur <= 0 {
		s.logger.Warn("skipping empty segment",
			zap.Int("segment", segment),
			zap.Float64("start", start),
			zap.Float64("end", end),
		)
		return 0, nil
	}

	fps := s.cfg.SegmentFPS(segDur)
	s.logger.Debug("sampling segment",
		zap.Int("segment", segment),
		zap.Float64("duration", segDur),
		zap.Float64("fps", fps),
	)

	return fps, s.extractFrames(ctx, workDir, segPath, segment, fps, emit)
}

// extractFrames runs one extraction into a private directory, streams the
// resulting files in name order, then removes the directory.
func (s *Sampler) extractFrames(ctx context.Context, workDir, input string, segment int, fps float64, emit func(Frame) error) error {
	dir := filepath.Join(workDir, fmt.Sprintf("frames_%03d", segment))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create frame directory: %w", err)
	}
	defer os.RemoveAll(dir)

	opts := ExtractOptions{
		OutputPattern: filepath.Join(dir, framePrefix+"%06d."+s.cfg.Format),
		FPS:           fps,
		Resolution:    s.cfg.Resolution,
	}
	if err := s.transcoder.Extract(ctx, input, opts); err != nil {
		return s.wrap(ctx, OpExtract, input, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read frame directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, framePrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read frame %s: %w", name, err)
		}

		if err := emit(Frame{
			Segment:     segment,
			Name:        name,
			Data:        data,
			ContentType: s.cfg.contentType(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sampler) wrap(ctx context.Context, op Op, path string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var terr *TranscodeError
	if errors.As(err, &terr) {
		return err
	}
	return &TranscodeError{Op: op, Path: path, Err: err}
}
