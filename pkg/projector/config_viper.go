package projector

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to config keys when reading overrides from the
// environment, e.g. ENVIRON_PROJECTOR_QUEUE_SIZE.
const EnvPrefix = "ENVIRON_PROJECTOR"

// NewViper returns a viper instance carrying the projector defaults and
// environment overrides. Callers may add config paths before reading.
func NewViper() *viper.Viper {
	defaults := DefaultConfig()
	v := viper.New()
	v.SetDefault("producer_timeout", defaults.ProducerTimeout)
	v.SetDefault("preserve_on_refresh", defaults.PreserveOnRefresh)
	v.SetDefault("queue_size", defaults.QueueSize)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadConfig reads path (any format viper understands, picked by extension)
// and applies environment overrides. An empty path uses defaults and the
// environment only.
func LoadConfig(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("projector: read config %s: %w", path, err)
		}
	}
	return ConfigFromViper(v)
}

// ConfigFromViper decodes v on top of DefaultConfig and validates the result.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if v == nil {
		return cfg, nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("projector: unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
