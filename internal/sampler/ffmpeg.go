package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// stderrLimit bounds how much transcoder output is kept on a TranscodeError.
const stderrLimit = 4096

type ExtractOptions struct {
	OutputPattern string
	FPS           float64
	Resolution    Resolution
}

// Transcoder is the boundary to the external video tool.
type Transcoder interface {
	Probe(ctx context.Context, path string) (float64, error)
	Cut(ctx context.Context, input string, start, end float64, output string) error
	Extract(ctx context.Context, input string, opts ExtractOptions) error
}

type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

func NewFFmpeg(logger *zap.Logger) (*FFmpeg, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	// ffprobe is optional; Probe falls back to ffmpeg's banner.
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		logger.Warn("ffprobe not found, probing through ffmpeg", zap.Error(err))
		ffprobePath = ""
	}

	logger.Info("transcoder ready",
		zap.String("ffmpeg", ffmpegPath),
		zap.String("ffprobe", ffprobePath),
	)

	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}, nil
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	if f.ffprobePath != "" {
		cmd := exec.CommandContext(ctx, f.ffprobePath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err == nil {
			if duration, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64); err == nil {
				return duration, nil
			}
		} else if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		f.logger.Debug("ffprobe gave no duration, falling back to ffmpeg",
			zap.String("path", path),
			zap.String("stderr", tail(stderr.String())),
		)
	}

	// ffmpeg exits non-zero without an output file; the banner still carries the duration.
	cmd := exec.CommandContext(ctx, f.ffmpegPath, "-hide_banner", "-i", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	duration, err := parseFFmpegDuration(stderr.String())
	if err != nil {
		return 0, &TranscodeError{Op: OpProbe, Path: path, Stderr: tail(stderr.String()), Err: err}
	}
	return duration, nil
}

func (f *FFmpeg) Cut(ctx context.Context, input string, start, end float64, output string) error {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", input,
		"-c", "copy",
		output,
	}
	return f.run(ctx, OpCut, input, args)
}

func (f *FFmpeg) Extract(ctx context.Context, input string, opts ExtractOptions) error {
	filter := fmt.Sprintf("fps=%s", strconv.FormatFloat(opts.FPS, 'f', 3, 64))
	if scale := opts.Resolution.scaleFilter(); scale != "" {
		filter += "," + scale
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-vf", filter,
		"-vsync", "vfr",
		"-q:v", "2",
		opts.OutputPattern,
	}
	return f.run(ctx, OpExtract, input, args)
}

func (f *FFmpeg) run(ctx context.Context, op Op, input string, args []string) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.logger.Debug("running ffmpeg", zap.String("op", string(op)), zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TranscodeError{Op: op, Path: input, Stderr: tail(stderr.String()), Err: err}
	}
	return nil
}

// parseFFmpegDuration reads "Duration: HH:MM:SS.ss," from ffmpeg's stderr.
func parseFFmpegDuration(output string) (float64, error) {
	const prefix = "Duration: "
	start := strings.Index(output, prefix)
	if start == -1 {
		return 0, errors.New("duration not found in ffmpeg output")
	}
	start += len(prefix)

	end := strings.Index(output[start:], ",")
	if end == -1 {
		return 0, errors.New("invalid duration format")
	}

	value := output[start : start+end]
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", value)
	}

	var total float64
	for i, unit := range []float64{3600, 60, 1} {
		n, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s", value)
		}
		total += n * unit
	}
	return total, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(s string) string {
	if len(s) <= stderrLimit {
		return s
	}
	return s[len(s)-stderrLimit:]
}
