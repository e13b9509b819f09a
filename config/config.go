// Package config loads viewer settings from YAML.
//
// Every field has a default (see Default); a file only needs the keys it
// changes:
//
//	backend: vulkan
//	log:
//	  level: debug
//	stream:
//	  batch_threshold: 2000
//	  rtc_offset: [2600000, 1200000, 0]
//	pick:
//	  timeout: 2s
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/bimview/internal/logging"
	"github.com/gogpu/bimview/render"
)

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete viewer configuration.
type Config struct {
	// Backend names the GPU backend the CLI opens: vulkan, metal, dx12,
	// gl or noop.
	Backend  string         `yaml:"backend"`
	Log      LogConfig      `yaml:"log"`
	Stream   StreamConfig   `yaml:"stream"`
	Pick     PickConfig     `yaml:"pick"`
	Render   RenderConfig   `yaml:"render"`
	Viewport ViewportConfig `yaml:"viewport"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StreamConfig configures geometry ingestion.
type StreamConfig struct {
	// BatchThreshold is the entity count after which the model switches to
	// color batches. Zero batches from the first chunk.
	BatchThreshold int        `yaml:"batch_threshold"`
	ZUp            bool       `yaml:"z_up"`
	RTCOffset      [3]float64 `yaml:"rtc_offset"`
	DefaultColors  bool       `yaml:"default_colors"`
}

// PickConfig configures the identity-pass picker.
type PickConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// RenderConfig configures the draw pass.
type RenderConfig struct {
	ClearColor     [4]float32 `yaml:"clear_color"`
	HighlightColor [4]float32 `yaml:"highlight_color"`
	LightDirection [3]float32 `yaml:"light_direction"`
}

// ViewportConfig is the offscreen size used by the CLI.
type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: "vulkan",
		Log:     LogConfig{Level: "info"},
		Stream: StreamConfig{
			BatchThreshold: 500,
			ZUp:            true,
			DefaultColors:  true,
		},
		Pick: PickConfig{Timeout: Duration(5 * time.Second)},
		Render: RenderConfig{
			ClearColor:     [4]float32{0.95, 0.95, 0.95, 1},
			HighlightColor: [4]float32{0.2, 0.6, 1, 1},
			LightDirection: [3]float32{-0.4, -1, -0.6},
		},
		Viewport: ViewportConfig{Width: 1280, Height: 720},
	}
}

// Load reads and validates the YAML file at path on top of Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if _, err := render.ParseBackend(c.Backend); err != nil {
		bad("backend %q", c.Backend)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		bad("log.level %q", c.Log.Level)
	}
	if c.Stream.BatchThreshold < 0 {
		bad("stream.batch_threshold %d is negative", c.Stream.BatchThreshold)
	}
	if c.Pick.Timeout < 0 {
		bad("pick.timeout %s is negative", c.Pick.Timeout)
	}
	colors := []struct {
		name string
		c    [4]float32
	}{
		{"render.clear_color", c.Render.ClearColor},
		{"render.highlight_color", c.Render.HighlightColor},
	}
	for _, col := range colors {
		for _, v := range col.c {
			if v < 0 || v > 1 {
				bad("%s %v has a channel outside 0..1", col.name, col.c)
				break
			}
		}
	}
	if c.Render.LightDirection == ([3]float32{}) {
		bad("render.light_direction is zero")
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		bad("viewport %dx%d", c.Viewport.Width, c.Viewport.Height)
	}
	return errors.Join(errs...)
}

// Duration wraps time.Duration for YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string { return time.Duration(d).String() }
