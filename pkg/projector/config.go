package projector

import (
	"fmt"
	"time"

	"github.com/goliatone/go-environ"
	"github.com/goliatone/go-environ/pkg/activity"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables that can be loaded from a file.
type Config struct {
	// ProducerTimeout bounds each producer call. Zero disables the bound.
	ProducerTimeout time.Duration `yaml:"producer_timeout" mapstructure:"producer_timeout"`
	// PreserveOnRefresh keeps the previous payload visible while a load
	// started by refresh, retry or a new input is in flight.
	PreserveOnRefresh bool `yaml:"preserve_on_refresh" mapstructure:"preserve_on_refresh"`
	// QueueSize buffers completed producer calls waiting for the loop.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// DefaultConfig returns the defaults applied by New.
func DefaultConfig() Config {
	return Config{PreserveOnRefresh: true, QueueSize: 4}
}

// ParseConfig decodes YAML on top of DefaultConfig. Durations use Go syntax,
// e.g. "250ms".
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("projector: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects negative values.
func (c Config) Validate() error {
	if c.ProducerTimeout < 0 {
		return fmt.Errorf("projector: producer_timeout must not be negative, got %s", c.ProducerTimeout)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("projector: queue_size must not be negative, got %d", c.QueueSize)
	}
	return nil
}

// Option configures a Projector.
type Option func(*settings)

type settings struct {
	Config
	logger  environ.Logger
	emitter *activity.Emitter
	clock   func() time.Time
}

func applyOptions(opts []Option) settings {
	s := settings{Config: DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = environ.LoggerFunc(nil)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 1
	}
	return s
}

// WithConfig replaces the file-level settings.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		s.Config = cfg
	}
}

// WithProducerTimeout bounds each producer call.
func WithProducerTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.ProducerTimeout = timeout
	}
}

// WithPreserveOnRefresh toggles keeping the stale payload during reloads.
func WithPreserveOnRefresh(preserve bool) Option {
	return func(s *settings) {
		s.PreserveOnRefresh = preserve
	}
}

// WithQueueSize sets the completion buffer size.
func WithQueueSize(size int) Option {
	return func(s *settings) {
		s.QueueSize = size
	}
}

// WithLogger records transitions and discarded results.
func WithLogger(logger environ.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithActivityEmitter publishes a projector.transition event per transition.
func WithActivityEmitter(emitter *activity.Emitter) Option {
	return func(s *settings) {
		s.emitter = emitter
	}
}

// WithClock overrides the UpdatedAt source.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		s.clock = clock
	}
}
