package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/aggregator"
	"github.com/kdimtricp/bearwatch/internal/alert"
	"github.com/kdimtricp/bearwatch/internal/metrics"
	"github.com/kdimtricp/bearwatch/internal/oracle"
	"github.com/kdimtricp/bearwatch/internal/processing"
	"github.com/kdimtricp/bearwatch/internal/sampler"
	"github.com/kdimtricp/bearwatch/internal/storage"
)

// errTriggered stops the frame pipeline once a sighting is confirmed.
var errTriggered = errors.New("sighting confirmed")

type FrameSampler interface {
	Run(ctx context.Context, workDir, videoPath string, yield func(sampler.Frame) error) (*sampler.Summary, error)
}

type Controller struct {
	cfg       Config
	workspace *storage.Workspace
	sampler   FrameSampler
	oracle    oracle.Classifier
	sink      alert.Sink
	snapshots storage.SnapshotStore
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewController wires a session pipeline. snapshots may be nil.
func NewController(
	cfg Config,
	workspace *storage.Workspace,
	frameSampler FrameSampler,
	classifier oracle.Classifier,
	sink alert.Sink,
	snapshots storage.SnapshotStore,
	logger *zap.Logger,
) (*Controller, error) {
	if err := cfg.Aggregator.Validate(); err != nil {
		return nil, fmt.Errorf("aggregator config: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = alert.NewLogSink(logger)
	}

	return &Controller{
		cfg:       cfg,
		workspace: workspace,
		sampler:   frameSampler,
		oracle:    classifier,
		sink:      sink,
		snapshots: snapshots,
		logger:    logger,
		tracer:    otel.Tracer("session"),
	}, nil
}

type classified struct {
	frame  sampler.Frame
	result oracle.DetectionResult
}

// videoSession is the state of one analysis. record is only called from the
// pool's ordered delivery, one frame at a time.
type videoSession struct {
	id      string
	source  string
	agg     *aggregator.Aggregator
	results []FrameResult

	trigger      *aggregator.Trigger
	triggerFrame sampler.Frame

	alertOnce sync.Once
	alertWG   sync.WaitGroup
	alertSent bool
}

func (c *Controller) newSession(source string) (*videoSession, error) {
	agg, err := aggregator.New(c.cfg.Aggregator)
	if err != nil {
		return nil, err
	}
	return &videoSession{
		id:     uuid.New().String(),
		source: source,
		agg:    agg,
	}, nil
}

// AnalyzeVideo runs the full pipeline over an uploaded video. Every file the
// session creates is removed before it returns.
func (c *Controller) AnalyzeVideo(ctx context.Context, up Upload) (res *Result, err error) {
	if err := validate(up); err != nil {
		metrics.SessionsTotal.WithLabelValues("video", "invalid").Inc()
		return nil, err
	}

	sess, err := c.newSession(up.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	log := c.logger.With(zap.String("session_id", sess.id))

	ctx, span := c.tracer.Start(ctx, "session.video", trace.WithAttributes(
		attribute.String("session_id", sess.id),
		attribute.String("filename", up.Filename),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("session panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res, err = nil, fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
		c.finish(span, "video", start, res, err)
	}()

	scope, err := c.workspace.Acquire(sess.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer scope.Release()

	videoPath, err := scope.SaveUpload(up.Body, storage.FileInfo{
		Filename:    up.Filename,
		ContentType: up.ContentType,
		Size:        up.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	log.Info("video session started",
		zap.String("filename", up.Filename),
		zap.Int64("size", up.Size),
		zap.Int("workers", c.cfg.Workers),
		zap.Bool("early_exit", c.cfg.EarlyExit),
	)

	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	pool := processing.NewOrdered(workCtx, c.cfg.Workers, c.classify, func(r classified) error {
		if err := c.record(ctx, sess, r); err != nil {
			return err
		}
		if sess.trigger != nil && c.cfg.EarlyExit {
			stopSampling()
			return errTriggered
		}
		return nil
	})
	// A panic on this goroutine must not leave workers delivering, or an
	// alert in flight, once the session has returned.
	defer func() {
		if r := recover(); r != nil {
			cancelWork()
			pool.Wait()
			sess.alertWG.Wait()
			panic(r)
		}
	}()

	summary, sampleErr := c.sampler.Run(sampleCtx, scope.Dir(), videoPath, func(f sampler.Frame) error {
		if err := pool.Submit(f); err != nil {
			if errors.Is(err, errTriggered) {
				return sampler.ErrStop
			}
			return err
		}
		return nil
	})
	if sampleErr != nil && !errors.Is(sampleErr, errTriggered) {
		cancelWork()
	}
	poolErr := pool.Wait()
	sess.alertWG.Wait()

	if poolErr != nil && !errors.Is(poolErr, errTriggered) {
		var perr *processing.PanicError
		if errors.As(poolErr, &perr) {
			log.Error("frame worker panic", zap.Any("panic", perr.Value), zap.ByteString("stack", perr.Stack))
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, poolErr)
	}

	if sampleErr != nil && !c.stoppedByTrigger(ctx, sess, sampleErr) {
		var terr *sampler.TranscodeError
		if errors.As(sampleErr, &terr) {
			log.Warn("video unprocessable",
				zap.String("op", string(terr.Op)),
				zap.String("stderr", terr.Stderr),
				zap.Error(terr.Err),
			)
		}
		switch {
		case errors.Is(sampleErr, sampler.ErrUnprocessable):
			if sess.trigger == nil {
				return nil, fmt.Errorf("sampling video: %w", sampleErr)
			}
			// The alert has gone out; report what was analyzed before the failure.
			log.Warn("sampling failed after trigger, returning partial results", zap.Error(sampleErr))
		case ctx.Err() != nil:
			return nil, fmt.Errorf("session cancelled: %w", ctx.Err())
		default:
			return nil, fmt.Errorf("%w: %v", ErrInternal, sampleErr)
		}
	}

	res = sess.result()
	if summary != nil {
		res.Duration = summary.Duration
		res.SamplingFPS = summary.FPS
		res.Resolution = summary.Resolution.String()
	}

	log.Info("video session finished",
		zap.Int("frames_processed", res.FramesProcessed),
		zap.Bool("bear_detected", res.BearDetected),
		zap.Int("trigger_frame", res.TriggerFrame),
		zap.Bool("alert_sent", res.AlertSent),
	)
	return res, nil
}

// stoppedByTrigger reports whether a sampler error is only the echo of the
// early-exit cancellation.
func (c *Controller) stoppedByTrigger(ctx context.Context, sess *videoSession, err error) bool {
	return sess.trigger != nil && c.cfg.EarlyExit && ctx.Err() == nil && errors.Is(err, context.Canceled)
}

// AnalyzeImage classifies a single still. A qualifying frame is itself the trigger.
func (c *Controller) AnalyzeImage(ctx context.Context, up Upload) (res *Result, err error) {
	if err := validate(up); err != nil {
		metrics.SessionsTotal.WithLabelValues("image", "invalid").Inc()
		return nil, err
	}

	sess, err := c.newSession(up.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	log := c.logger.With(zap.String("session_id", sess.id))

	ctx, span := c.tracer.Start(ctx, "session.image", trace.WithAttributes(
		attribute.String("session_id", sess.id),
		attribute.String("filename", up.Filename),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("session panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res, err = nil, fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
		c.finish(span, "image", start, res, err)
	}()

	data, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading upload: %v", ErrInternal, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}

	frame := sampler.Frame{
		Index:       1,
		Name:        filepath.Base(up.Filename),
		Data:        data,
		ContentType: up.ContentType,
	}
	result := c.oracle.Classify(ctx, oracle.Image{Name: frame.Name, ContentType: frame.ContentType, Data: data})

	// A single still cannot form a run or a window, so it triggers on its own.
	single := aggregator.Config{Policy: aggregator.PolicyConsecutive, Threshold: 1, MinConfidence: c.cfg.Aggregator.MinConfidence}
	sess.agg, err = aggregator.New(single)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := c.record(ctx, sess, classified{frame: frame, result: result}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	sess.alertWG.Wait()

	res = sess.result()
	// The image path reports the raw detection even below the confidence floor.
	res.BearDetected = result.BearPresent
	res.Confidence = result.Confidence
	res.ProcessedImage = base64.StdEncoding.EncodeToString(data)

	log.Info("image session finished",
		zap.Bool("bear_detected", res.BearDetected),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("alert_sent", res.AlertSent),
	)
	return res, nil
}

func (c *Controller) classify(ctx context.Context, f sampler.Frame) classified {
	name := fmt.Sprintf("segment%d_frame%d%s", f.Segment, f.Index, filepath.Ext(f.Name))
	result := c.oracle.Classify(ctx, oracle.Image{Name: name, ContentType: f.ContentType, Data: f.Data})
	return classified{frame: f, result: result}
}

// record feeds one classified frame to the aggregator in index order and
// starts the alert on the first trigger.
func (c *Controller) record(ctx context.Context, sess *videoSession, r classified) error {
	obs := aggregator.Observation{
		Index:       r.frame.Index,
		BearPresent: r.result.BearPresent,
		Confidence:  r.result.Confidence,
	}
	trigger, err := sess.agg.Feed(obs)
	if err != nil {
		return err
	}

	fr := FrameResult{
		FrameIndex:   r.frame.Index,
		Segment:      r.frame.Segment,
		BearDetected: r.result.BearPresent,
		Qualifying:   sess.agg.Qualifies(obs),
		Confidence:   r.result.Confidence,
	}
	if f := r.result.Failure; f != nil {
		fr.Error = fmt.Sprintf("oracle %s failure", f.Kind)
	}
	sess.results = append(sess.results, fr)

	if trigger != nil {
		sess.trigger = trigger
		sess.triggerFrame = r.frame
		c.logger.Info("sighting confirmed",
			zap.String("session_id", sess.id),
			zap.Int("frame_index", trigger.Index),
			zap.Float64("confidence", trigger.Confidence),
		)
		c.dispatch(ctx, sess)
	}
	return nil
}

// dispatch sends the session's alert in the background. It runs at most once
// per session and outlives the cancellation that early exit causes.
func (c *Controller) dispatch(ctx context.Context, sess *videoSession) {
	sess.alertOnce.Do(func() {
		trigger := *sess.trigger
		frame := sess.triggerFrame

		sess.alertWG.Add(1)
		go func() {
			defer sess.alertWG.Done()

			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AlertTimeout)
			defer cancel()

			log := c.logger.With(zap.String("session_id", sess.id))
			defer func() {
				if r := recover(); r != nil {
					log.Error("alert dispatch panic", zap.Any("panic", r))
					metrics.AlertsTotal.WithLabelValues("failed").Inc()
				}
			}()

			event := alert.NewEvent(sess.id, sess.source, trigger.Index, trigger.Confidence)
			if c.snapshots != nil && len(frame.Data) > 0 {
				key := fmt.Sprintf("sessions/%s/frame_%06d%s", sess.id, trigger.Index, snapshotExt(frame))
				url, err := c.snapshots.Put(ctx, key, bytes.NewReader(frame.Data), int64(len(frame.Data)), frame.ContentType)
				if err != nil {
					log.Warn("snapshot upload failed", zap.Error(err))
				} else {
					event.ImageURL = url
				}
			}

			if err := c.sink.Send(ctx, event); err != nil {
				log.Error("alert dispatch failed", zap.Error(err))
				metrics.AlertsTotal.WithLabelValues("failed").Inc()
				return
			}
			sess.alertSent = true
			metrics.AlertsTotal.WithLabelValues("sent").Inc()
		}()
	})
}

func (sess *videoSession) result() *Result {
	res := &Result{
		Success:         true,
		SessionID:       sess.id,
		FramesProcessed: len(sess.results),
		Results:         sess.results,
		AlertSent:       sess.alertSent,
	}
	if res.Results == nil {
		res.Results = []FrameResult{}
	}
	if sess.trigger != nil {
		res.BearDetected = true
		res.Confidence = sess.trigger.Confidence
		res.TriggerFrame = sess.trigger.Index
	}
	return res
}

func (c *Controller) finish(span trace.Span, kind string, start time.Time, res *Result, err error) {
	metrics.SessionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	outcome := "clear"
	switch {
	case errors.Is(err, ErrUnprocessable):
		outcome = "unprocessable"
	case err != nil:
		outcome = "error"
	case res != nil && res.BearDetected:
		outcome = "detected"
	}
	metrics.SessionsTotal.WithLabelValues(kind, outcome).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.Bool("bear_detected", res.BearDetected),
		attribute.Int("frames_processed", res.FramesProcessed),
		attribute.Bool("alert_sent", res.AlertSent),
	)
}

func validate(up Upload) error {
	if up.Body == nil {
		return fmt.Errorf("%w: no file uploaded", ErrInvalidInput)
	}
	if up.Filename == "" {
		return fmt.Errorf("%w: no file selected", ErrInvalidInput)
	}
	if up.Size == 0 {
		return fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}
	return nil
}

func snapshotExt(f sampler.Frame) string {
	if ext := filepath.Ext(f.Name); ext != "" {
		return ext
	}
	return ".jpg"
}
