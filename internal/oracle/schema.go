package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Schema versions the oracle has answered with over time.
const (
	// SchemaV1 is a bare array of {label, score, box}.
	SchemaV1 = 1
	// SchemaV2 is an object {"detections": [{label, confidence}]}.
	SchemaV2 = 2
)

var ErrSchema = errors.New("unexpected response schema")

type Detection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box,omitempty"`
}

type Response struct {
	Version    int         `json:"version"`
	Detections []Detection `json:"detections"`
}

type rawDetection struct {
	Label      string    `json:"label"`
	Confidence *float64  `json:"confidence"`
	Score      *float64  `json:"score"`
	Box        []float64 `json:"box"`
}

func (d rawDetection) normalize() Detection {
	var c float64
	switch {
	case d.Confidence != nil:
		c = *d.Confidence
	case d.Score != nil:
		c = *d.Score
	}
	return Detection{Label: d.Label, Confidence: clamp(c), Box: d.Box}
}

// ParseResponse decodes either schema version into a normalized Response.
func ParseResponse(body []byte) (*Response, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrSchema)
	}

	switch body[0] {
	case '{':
		var envelope struct {
			Detections json.RawMessage `json:"detections"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		raw := bytes.TrimSpace(envelope.Detections)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return &Response{Version: SchemaV2, Detections: []Detection{}}, nil
		}
		if raw[0] != '[' {
			return nil, fmt.Errorf("%w: detections is not a list", ErrSchema)
		}
		detections, err := decodeDetections(raw)
		if err != nil {
			return nil, err
		}
		return &Response{Version: SchemaV2, Detections: detections}, nil

	case '[':
		detections, err := decodeDetections(body)
		if err != nil {
			return nil, err
		}
		return &Response{Version: SchemaV1, Detections: detections}, nil
	}

	return nil, fmt.Errorf("%w: top-level value is neither an object nor a list", ErrSchema)
}

func decodeDetections(raw []byte) ([]Detection, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	detections := make([]Detection, 0, len(items))
	for _, item := range items {
		// Non-object entries carry no label and are ignored.
		if t := bytes.TrimSpace(item); len(t) == 0 || t[0] != '{' {
			continue
		}
		var d rawDetection
		if err := json.Unmarshal(item, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		detections = append(detections, d.normalize())
	}
	return detections, nil
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
