package spanz

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Backpressure selects what Submit does when the ingestion channel is full.
type Backpressure string

const (
	// BackpressureBlock stalls the producer until the aggregator frees space.
	BackpressureBlock Backpressure = "block"
	// BackpressureDrop discards the span and counts it.
	BackpressureDrop Backpressure = "drop"
)

// Defaults.
const (
	DefaultChannelSize     = 4096
	DefaultLocalBufferSize = 10_000
	DefaultFlushInterval   = 100 * time.Millisecond
	DefaultListenAddr      = "127.0.0.1:5444"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the pipeline settings.
type Config struct {
	Backpressure    Backpressure  `yaml:"backpressure"`
	ListenAddr      string        `yaml:"listen_addr"`
	ChannelSize     int           `yaml:"channel_size"`
	LocalBufferSize int           `yaml:"local_buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"` // 0 disables periodic flushing.
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Backpressure:    BackpressureBlock,
		ListenAddr:      DefaultListenAddr,
		ChannelSize:     DefaultChannelSize,
		LocalBufferSize: DefaultLocalBufferSize,
		FlushInterval:   DefaultFlushInterval,
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate reports settings no pipeline can run with.
func (c Config) Validate() error {
	switch {
	case c.ChannelSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "channel_size must be >= 0, got %d", c.ChannelSize)
	case c.LocalBufferSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "local_buffer_size must be >= 0, got %d", c.LocalBufferSize)
	case c.FlushInterval < 0:
		return errors.Wrapf(ErrInvalidConfig, "flush_interval must be >= 0, got %s", c.FlushInterval)
	}
	switch c.Backpressure {
	case "", BackpressureBlock, BackpressureDrop:
	default:
		return errors.Wrapf(ErrInvalidConfig, "backpressure must be %q or %q, got %q",
			BackpressureBlock, BackpressureDrop, c.Backpressure)
	}
	return nil
}

// withDefaults fills zero sizes and policy. A zero FlushInterval is kept.
func (c Config) withDefaults() Config {
	if c.ChannelSize == 0 {
		c.ChannelSize = DefaultChannelSize
	}
	if c.LocalBufferSize == 0 {
		c.LocalBufferSize = DefaultLocalBufferSize
	}
	if c.Backpressure == "" {
		c.Backpressure = BackpressureBlock
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	return c
}

// Option configures the clock and logger of pipeline components.
type Option func(*options)

type options struct {
	clock  clockz.Clock
	logger *zap.Logger
}

// UseClock injects a clock, typically a clockz fake in tests.
func UseClock(clock clockz.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// UseLogger injects a logger. The default discards everything.
func UseLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clockz.RealClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
