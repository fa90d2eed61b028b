package sampler

import "fmt"

type Strategy string

const (
	// StrategyFixed samples the whole file at one rate and resolution.
	StrategyFixed Strategy = "fixed"
	// StrategyAdaptive cuts the file into segments and picks a rate per segment from its length.
	StrategyAdaptive Strategy = "adaptive"
)

// Resolution is the output frame size. A zero Height keeps the aspect ratio;
// a zero Width leaves frames at source size.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	if r.Width <= 0 {
		return "source"
	}
	if r.Height <= 0 {
		return fmt.Sprintf("%dx?", r.Width)
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) scaleFilter() string {
	if r.Width <= 0 {
		return ""
	}
	h := r.Height
	if h <= 0 {
		h = -2
	}
	return fmt.Sprintf("scale=%d:%d", r.Width, h)
}

type Config struct {
	Strategy   Strategy
	FPS        float64
	Resolution Resolution
	Format     string

	SegmentSeconds    float64
	MinSegmentSeconds float64
	MaxSegmentSeconds float64
	MinFPS            float64
	MaxFPS            float64
}

func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyAdaptive,
		FPS:               1,
		Resolution:        Resolution{Width: 640},
		Format:            "jpg",
		SegmentSeconds:    10,
		MinSegmentSeconds: 5,
		MaxSegmentSeconds: 10,
		MinFPS:            1,
		MaxFPS:            3,
	}
}

// SegmentFPS interpolates linearly between MinFPS and MaxFPS according to where
// duration falls between MinSegmentSeconds and MaxSegmentSeconds, clamped to the fps bounds.
func (c Config) SegmentFPS(duration float64) float64 {
	span := c.MaxSegmentSeconds - c.MinSegmentSeconds
	if span <= 0 {
		return c.MinFPS
	}
	fps := c.MinFPS + (c.MaxFPS-c.MinFPS)*(duration-c.MinSegmentSeconds)/span
	return max(c.MinFPS, min(c.MaxFPS, fps))
}

func (c Config) contentType() string {
	switch c.Format {
	case "png":
		return "image/png"
	case "bmp":
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
