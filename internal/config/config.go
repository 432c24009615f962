// Package config loads the mmtview server configuration: a YAML file with
// ${VAR} expansion, then MMTVIEW_* environment overrides. Command-line
// flags are applied by the caller last.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zsiec/mmtview/internal/seek"
)

// Defaults of the listeners.
const (
	DefaultHTTPAddr = ":4444"
	DefaultH3Addr   = ":4443"
	DefaultSRTAddr  = ":6000"
	DefaultWebDir   = "web/dist"
)

// Config is the server configuration.
type Config struct {
	HTTP HTTPConfig `yaml:"http"`
	SRT  SRTConfig  `yaml:"srt"`
	Seek SeekConfig `yaml:"seek"`
	S3   S3Config   `yaml:"s3"`
	// Streams are pulled when the server starts.
	Streams []StreamConfig `yaml:"streams"`
}

// HTTPConfig configures the HTTPS and HTTP/3 listeners.
type HTTPConfig struct {
	Addr   string `yaml:"addr"`
	H3Addr string `yaml:"h3_addr"`
	WebDir string `yaml:"web_dir"`
	CSP    string `yaml:"csp"`
	// Script is injected into every served HTML document.
	Script string `yaml:"script"`
	// CertFile and KeyFile select a PEM certificate. A self-signed one is
	// generated for Hosts when they are empty.
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
}

// SRTConfig configures the SRT push listener. An empty Addr disables it.
type SRTConfig struct {
	Addr    string   `yaml:"addr"`
	Latency Duration `yaml:"latency"`
}

// SeekConfig tunes the seek probes. Sizes are in bytes.
type SeekConfig struct {
	DurationProbeSize  int64    `yaml:"duration_probe_size"`
	DurationProbeLimit int64    `yaml:"duration_probe_limit"`
	ProbeSize          int64    `yaml:"probe_size"`
	MaxSeekError       Duration `yaml:"max_seek_error"`
	Granularity        int64    `yaml:"granularity"`
}

// S3Config configures the client used for s3:// sources.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// StreamConfig is a stream pulled at startup.
type StreamConfig struct {
	Key string `yaml:"key"`
	URL string `yaml:"url"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "120ms").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := seek.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Addr:   DefaultHTTPAddr,
			H3Addr: DefaultH3Addr,
			WebDir: DefaultWebDir,
		},
		SRT: SRTConfig{
			Addr:    DefaultSRTAddr,
			Latency: Duration{120 * time.Millisecond},
		},
		Seek: SeekConfig{
			DurationProbeSize:  def.DurationProbeSize,
			DurationProbeLimit: def.DurationProbeLimit,
			ProbeSize:          def.ProbeSize,
			MaxSeekError:       Duration{time.Duration(def.MaxSeekError * float64(time.Second))},
			Granularity:        def.Granularity,
		},
	}
}

// ApplyEnv overrides the listener settings from MMTVIEW_* variables.
func (c *Config) ApplyEnv() {
	c.HTTP.Addr = envOr("MMTVIEW_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.H3Addr = envOr("MMTVIEW_H3_ADDR", c.HTTP.H3Addr)
	c.HTTP.WebDir = envOr("MMTVIEW_WEB_DIR", c.HTTP.WebDir)
	c.SRT.Addr = envOr("MMTVIEW_SRT_ADDR", c.SRT.Addr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.H3Addr == "" {
		errs = append(errs, errors.New("http.h3_addr is required"))
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		errs = append(errs, errors.New("http.cert_file and http.key_file must be set together"))
	}
	if c.SRT.Latency.Duration < 0 {
		errs = append(errs, fmt.Errorf("srt.latency must not be negative, got %s", c.SRT.Latency))
	}

	s := c.Seek
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"seek.duration_probe_size", s.DurationProbeSize},
		{"seek.duration_probe_limit", s.DurationProbeLimit},
		{"seek.probe_size", s.ProbeSize},
		{"seek.granularity", s.Granularity},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	if s.DurationProbeLimit < s.DurationProbeSize {
		errs = append(errs, fmt.Errorf("seek.duration_probe_limit (%d) is below seek.duration_probe_size (%d)",
			s.DurationProbeLimit, s.DurationProbeSize))
	}
	if s.MaxSeekError.Duration <= 0 {
		errs = append(errs, fmt.Errorf("seek.max_seek_error must be positive, got %s", s.MaxSeekError))
	}

	keys := make(map[string]bool, len(c.Streams))
	for i, st := range c.Streams {
		switch {
		case st.Key == "" || st.URL == "":
			errs = append(errs, fmt.Errorf("streams[%d]: key and url are required", i))
		case keys[st.Key]:
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate key %q", i, st.Key))
		}
		keys[st.Key] = true
	}
	return errors.Join(errs...)
}

// SeekOptions returns the probe configuration.
func (c *Config) SeekOptions() seek.Config {
	return seek.Config{
		DurationProbeSize:  c.Seek.DurationProbeSize,
		DurationProbeLimit: c.Seek.DurationProbeLimit,
		ProbeSize:          c.Seek.ProbeSize,
		MaxSeekError:       c.Seek.MaxSeekError.Seconds(),
		Granularity:        c.Seek.Granularity,
	}
}

// S3Options returns the S3 client options.
func (c *Config) S3Options() seek.S3Options {
	return seek.S3Options{
		Region:       c.S3.Region,
		Endpoint:     c.S3.Endpoint,
		UsePathStyle: c.S3.PathStyle,
	}
}
