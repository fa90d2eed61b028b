package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kdimtricp/bearwatch/internal/metrics"
)

const (
	// TargetLabel is the class the bear detector reports for the Formosan black bear.
	TargetLabel = "kumay"

	defaultTimeout = 20 * time.Second
	maxBodySize    = 1 << 20
)

type Config struct {
	URL         string
	Token       string
	Timeout     time.Duration
	TargetLabel string
}

// Image is one still submitted for classification.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// DetectionResult is the normalized per-frame answer. Failure is set when the
// call produced no usable answer, in which case BearPresent is false.
type DetectionResult struct {
	BearPresent bool
	Confidence  float64
	Labels      []string
	Failure     *Failure
}

// Classifier is what sessions depend on.
type Classifier interface {
	Classify(ctx context.Context, img Image) DetectionResult
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *Limiter
	logger     *zap.Logger
}

func NewClient(cfg Config, limiter *Limiter, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TargetLabel == "" {
		cfg.TargetLabel = TargetLabel
	}
	if limiter == nil {
		limiter = NewLimiter(1, 0)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    limiter,
		logger:     logger,
	}
}

// Classify makes a single attempt and never fails: any error becomes a
// non-detection carrying the Failure.
func (c *Client) Classify(ctx context.Context, img Image) DetectionResult {
	resp, err := c.Predict(ctx, img)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Kind: KindTransport, Err: err}
		}
		metrics.FramesClassifiedTotal.WithLabelValues(string(f.Kind)).Inc()
		if f.Kind == KindCancelled {
			c.logger.Debug("frame classification cancelled", zap.String("frame", img.Name))
			return DetectionResult{Failure: f}
		}
		c.logger.Warn("frame classification failed",
			zap.String("frame", img.Name),
			zap.String("kind", string(f.Kind)),
			zap.Error(err),
		)
		return DetectionResult{Failure: f}
	}

	result := Evaluate(resp, c.cfg.TargetLabel)
	outcome := "clear"
	if result.BearPresent {
		outcome = "bear"
	}
	metrics.FramesClassifiedTotal.WithLabelValues(outcome).Inc()
	return result
}

// Evaluate reduces a response to the target label: present if any detection
// carries it, confidence is the highest among those.
func Evaluate(resp *Response, target string) DetectionResult {
	result := DetectionResult{Labels: make([]string, 0, len(resp.Detections))}
	for _, d := range resp.Detections {
		result.Labels = append(result.Labels, d.Label)
		if d.Label != target {
			continue
		}
		result.BearPresent = true
		if d.Confidence > result.Confidence {
			result.Confidence = d.Confidence
		}
	}
	return result
}

// Predict performs one multipart POST and returns the parsed response.
// All errors are *Failure.
func (c *Client) Predict(ctx context.Context, img Image) (*Response, error) {
	ctx, span := otel.Tracer("oracle").Start(ctx, "oracle.predict")
	defer span.End()
	span.SetAttributes(attribute.String("frame", img.Name))

	resp, err := c.predict(ctx, img)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("schema_version", resp.Version),
		attribute.Int("detections", len(resp.Detections)),
	)
	return resp, nil
}

func (c *Client) predict(ctx context.Context, img Image) (*Response, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, &Failure{Kind: KindCancelled, Err: err}
		}
		return nil, &Failure{Kind: KindLimiter, Err: err}
	}
	defer release()

	metrics.OracleInFlight.Inc()
	defer metrics.OracleInFlight.Dec()

	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, &Failure{Kind: KindTransport, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, body)
	if err != nil {
		return nil, &Failure{Kind: KindTransport, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.Token))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransportError(ctx, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Failure{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", snippet(data)),
		}
	}

	parsed, err := ParseResponse(data)
	if err != nil {
		return nil, &Failure{Kind: KindSchema, Err: err}
	}
	return parsed, nil
}

func encodeImage(img Image) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := img.Name
	if name == "" {
		name = "frame.jpg"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// classifyTransportError tells a per-call timeout apart from a cancelled
// session and from a network failure.
func classifyTransportError(parent context.Context, err error) *Failure {
	if errors.Is(parent.Err(), context.Canceled) {
		return &Failure{Kind: KindCancelled, Err: err}
	}
	if parent.Err() == nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &Failure{Kind: KindTimeout, Err: err}
		}
	}
	return &Failure{Kind: KindTransport, Err: err}
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
