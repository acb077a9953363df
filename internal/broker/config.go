package broker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hay-kot/criterio"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/thobiasn/herald/internal/protocol"
)

type Config struct {
	Listen      ListenConfig      `mapstructure:"listen"`
	Topics      TopicsConfig      `mapstructure:"topics"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Wire        WireConfig        `mapstructure:"wire"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Log         LogConfig         `mapstructure:"log"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

type ListenConfig struct {
	Publisher  string `mapstructure:"publisher"`
	Subscriber string `mapstructure:"subscriber"`
}

type TopicsConfig struct {
	Policy         Policy   `mapstructure:"policy"`
	Seed           []string `mapstructure:"seed"`
	LogCapacity    int      `mapstructure:"log_capacity"`
	Overflow       Overflow `mapstructure:"overflow"`
	MaxSubscribers int      `mapstructure:"max_subscribers"`
}

type DeliveryConfig struct {
	Mode Delivery `mapstructure:"mode"`
}

type WireConfig struct {
	Codec         string `mapstructure:"codec"`
	Framing       string `mapstructure:"framing"`
	MaxRecordSize int    `mapstructure:"max_record_size"`
}

type LimitsConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DiagnosticsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultConfig returns the configuration used when no file is given.
// Seed is left nil so a configured list replaces the default instead of
// merging into it; ReadConfig fills it in afterwards.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Publisher:  ":8081",
			Subscriber: ":8080",
		},
		Topics: TopicsConfig{
			Policy:         PolicyStatic,
			LogCapacity:    512,
			Overflow:       OverflowReject,
			MaxSubscribers: 100,
		},
		Delivery: DeliveryConfig{Mode: DeliveryCursor},
		Wire: WireConfig{
			Codec:         protocol.CodecJSON,
			Framing:       string(protocol.FramingReceive),
			MaxRecordSize: protocol.DefaultMaxRecordSize,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads a config file with ReadConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ReadConfig reads a TOML or YAML file, chosen by extension, over the
// defaults without validating it, so callers can apply overrides first. An
// empty path returns the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := readRaw(path)
		if err != nil {
			return nil, err
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	setDefaults(cfg)
	return cfg, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	return raw, nil
}

func decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func setDefaults(cfg *Config) {
	if cfg.Topics.Seed == nil {
		cfg.Topics.Seed = append([]string(nil), DefaultTopics...)
	}
	if cfg.Wire.Codec == "" {
		cfg.Wire.Codec = protocol.CodecJSON
	}
	if cfg.Wire.Framing == "" {
		cfg.Wire.Framing = string(protocol.FramingReceive)
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Listen.Publisher == "" {
		errs = errs.Append("listen.publisher", fmt.Errorf("address is required"))
	}
	if c.Listen.Subscriber == "" {
		errs = errs.Append("listen.subscriber", fmt.Errorf("address is required"))
	}
	if c.Listen.Publisher != "" && c.Listen.Publisher == c.Listen.Subscriber && !ephemeral(c.Listen.Publisher) {
		errs = errs.Append("listen.subscriber", fmt.Errorf("must differ from listen.publisher (%s)", c.Listen.Publisher))
	}

	switch c.Topics.Policy {
	case PolicyStatic:
		if len(c.Topics.Seed) == 0 {
			errs = errs.Append("topics.seed", fmt.Errorf("static policy needs at least one topic"))
		}
	case PolicyDynamic:
	default:
		errs = errs.Append("topics.policy", fmt.Errorf("unknown policy %q (want static or dynamic)", c.Topics.Policy))
	}
	seen := make(map[string]bool, len(c.Topics.Seed))
	for i, name := range c.Topics.Seed {
		field := fmt.Sprintf("topics.seed[%d]", i)
		if err := validTopicName(name); err != nil {
			errs = errs.Append(field, err)
			continue
		}
		if seen[name] {
			errs = errs.Append(field, fmt.Errorf("duplicate topic %q", name))
			continue
		}
		seen[name] = true
	}
	if c.Topics.LogCapacity < 1 {
		errs = errs.Append("topics.log_capacity", fmt.Errorf("must be >= 1, got %d", c.Topics.LogCapacity))
	}
	switch c.Topics.Overflow {
	case OverflowReject, OverflowEvictOldest:
	default:
		errs = errs.Append("topics.overflow", fmt.Errorf("unknown overflow %q (want reject or evict_oldest)", c.Topics.Overflow))
	}
	if c.Topics.MaxSubscribers < 0 {
		errs = errs.Append("topics.max_subscribers", fmt.Errorf("must be >= 0, got %d", c.Topics.MaxSubscribers))
	}

	switch c.Delivery.Mode {
	case DeliveryCursor, DeliveryReplay:
	default:
		errs = errs.Append("delivery.mode", fmt.Errorf("unknown mode %q (want cursor or replay)", c.Delivery.Mode))
	}

	if _, err := protocol.CodecByName(c.Wire.Codec); err != nil {
		errs = errs.Append("wire.codec", err)
	}
	if _, err := protocol.ParseFraming(c.Wire.Framing); err != nil {
		errs = errs.Append("wire.framing", err)
	}
	if c.Wire.MaxRecordSize < 1 {
		errs = errs.Append("wire.max_record_size", fmt.Errorf("must be >= 1, got %d", c.Wire.MaxRecordSize))
	}

	if c.Limits.MaxConnections < 0 {
		errs = errs.Append("limits.max_connections", fmt.Errorf("must be >= 0, got %d", c.Limits.MaxConnections))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = errs.Append("log.level", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = errs.Append("log.format", fmt.Errorf("unknown format %q (want console or json)", c.Log.Format))
	}

	if c.Diagnostics.Interval < 0 {
		errs = errs.Append("diagnostics.interval", fmt.Errorf("must be >= 0, got %s", c.Diagnostics.Interval))
	}

	return errs.ToError()
}

// ephemeral reports whether addr asks the kernel to pick a port.
func ephemeral(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port == "0"
}

// RegistryOptions converts the topic settings.
func (c *Config) RegistryOptions() Options {
	return Options{
		Policy:         c.Topics.Policy,
		LogCapacity:    c.Topics.LogCapacity,
		Overflow:       c.Topics.Overflow,
		MaxSubscribers: c.Topics.MaxSubscribers,
		Seed:           c.Topics.Seed,
	}
}

// SessionConfig converts the wire and delivery settings. The config must
// have passed Validate.
func (c *Config) SessionConfig() (SessionConfig, error) {
	codec, err := protocol.CodecByName(c.Wire.Codec)
	if err != nil {
		return SessionConfig{}, err
	}
	framing, err := protocol.ParseFraming(c.Wire.Framing)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{
		Codec:         codec,
		Framing:       framing,
		MaxRecordSize: c.Wire.MaxRecordSize,
		Delivery:      c.Delivery.Mode,
	}, nil
}
