package alert

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event is one confirmed sighting. A session produces at most one.
type Event struct {
	SessionID  string    `json:"session_id"`
	FrameIndex int       `json:"frame_index"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	Message    string    `json:"message"`
	ImageURL   string    `json:"image_url,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

func NewEvent(sessionID, source string, frameIndex int, confidence float64) Event {
	msg := fmt.Sprintf("Formosan black bear sighting confirmed at frame %d (confidence %.0f%%)", frameIndex, confidence*100)
	if source != "" {
		msg = fmt.Sprintf("%s in %s", msg, source)
	}
	return Event{
		SessionID:  sessionID,
		FrameIndex: frameIndex,
		Confidence: confidence,
		Source:     source,
		Message:    msg,
		DetectedAt: time.Now().UTC(),
	}
}

type Sink interface {
	Send(ctx context.Context, event Event) error
}

// Fanout delivers to every sink, even after one fails, and combines the errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, event Event) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Send(ctx, event))
	}
	return err
}

// LogSink writes the alert to the service log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Send(_ context.Context, event Event) error {
	l.logger.Warn("bear sighting alert",
		zap.String("session_id", event.SessionID),
		zap.Int("frame_index", event.FrameIndex),
		zap.Float64("confidence", event.Confidence),
		zap.String("image_url", event.ImageURL),
		zap.String("message", event.Message),
	)
	return nil
}
