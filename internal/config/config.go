// Package config loads the agent configuration.
//
// Settings come from, in increasing priority: built-in defaults, an optional
// YAML file, NETTRACER_* environment variables and command-line flags bound
// by the caller. OpenTelemetry exporter settings left empty fall back to the
// standard OTEL_* variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "NETTRACER"

// Output writer names.
const (
	OutputLog  = "log"
	OutputOTEL = "otel"
	OutputNATS = "nats"
)

// Config holds the agent configuration.
type Config struct {
	// ObjectPath is the compiled probe object loaded into the kernel.
	ObjectPath string `mapstructure:"object_path"`
	// PerCPUBuffer is the size in bytes of each per-CPU perf buffer.
	PerCPUBuffer int `mapstructure:"per_cpu_buffer"`
	// QueueCapacity bounds the records buffered per CPU in userspace.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// PayloadRingSize is the size in bytes of each per-CPU payload ring.
	PayloadRingSize int           `mapstructure:"payload_ring_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`

	TCPCapacity int           `mapstructure:"tcp_capacity"`
	UDPCapacity int           `mapstructure:"udp_capacity"`
	EpochLength time.Duration `mapstructure:"epoch_length"`
	EpochRing   int           `mapstructure:"epoch_ring"`

	DNSTimeout     time.Duration `mapstructure:"dns_timeout"`
	DNSMaxPending  int           `mapstructure:"dns_max_pending"`
	MaxConnections int           `mapstructure:"max_connections"`

	ReverseDNSTTL  time.Duration `mapstructure:"reverse_dns_ttl"`
	ReverseDNSSize int           `mapstructure:"reverse_dns_size"`

	OutputBuffer int    `mapstructure:"output_buffer"`
	Output       string `mapstructure:"output"`
	NATSURL      string `mapstructure:"nats_url"`
	NATSSubject  string `mapstructure:"nats_subject"`

	OTEL OTELConfig `mapstructure:"otel"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`

	// Filter is an expression over fact fields; facts for which it is false
	// are not forwarded.
	Filter string `mapstructure:"filter"`
	// Attributes are custom span attributes, each "NAME=EXPR" or several of
	// them separated by semicolons.
	Attributes []string `mapstructure:"attributes"`

	// RestartOnLoss stops the agent when the producer loses records so a
	// supervisor can restart it.
	RestartOnLoss bool `mapstructure:"restart_on_loss"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("object_path", "/usr/lib/net-tracer/net_tracer.bpf.o")
	v.SetDefault("per_cpu_buffer", 256*1024)
	v.SetDefault("queue_capacity", 65536)
	v.SetDefault("payload_ring_size", 4*1024*1024)
	v.SetDefault("poll_interval", 100*time.Millisecond)
	v.SetDefault("tcp_capacity", 16384)
	v.SetDefault("udp_capacity", 4096)
	v.SetDefault("epoch_length", 10*time.Second)
	v.SetDefault("epoch_ring", 4)
	v.SetDefault("dns_timeout", 10*time.Second)
	v.SetDefault("dns_max_pending", 65536)
	v.SetDefault("max_connections", 16384)
	v.SetDefault("reverse_dns_ttl", 5*time.Minute)
	v.SetDefault("reverse_dns_size", 8192)
	v.SetDefault("output_buffer", 1024)
	v.SetDefault("output", OutputLog)
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_subject", "nettracer.facts")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service_name", "")
	v.SetDefault("otel.resource_attributes", "")
	v.SetDefault("otel.insecure", true)
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("log_level", "info")
	v.SetDefault("filter", "")
	v.SetDefault("attributes", []string{})
	v.SetDefault("restart_on_loss", false)
}

// NewViper returns a viper instance with defaults and environment binding
// set up.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.OTEL.applyStandardEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	positive("per_cpu_buffer", c.PerCPUBuffer)
	positive("queue_capacity", c.QueueCapacity)
	positive("payload_ring_size", c.PayloadRingSize)
	positive("tcp_capacity", c.TCPCapacity)
	positive("udp_capacity", c.UDPCapacity)
	positive("epoch_ring", c.EpochRing)
	positive("dns_max_pending", c.DNSMaxPending)
	positive("max_connections", c.MaxConnections)
	positive("reverse_dns_size", c.ReverseDNSSize)
	positive("output_buffer", c.OutputBuffer)

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.EpochLength <= 0 {
		errs = append(errs, fmt.Errorf("epoch_length must be positive, got %s", c.EpochLength))
	}
	if c.DNSTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dns_timeout must be positive, got %s", c.DNSTimeout))
	}

	switch c.Output {
	case OutputLog:
	case OutputOTEL:
		if err := c.OTEL.Validate(); err != nil {
			errs = append(errs, err)
		}
	case OutputNATS:
		if c.NATSURL == "" || c.NATSSubject == "" {
			errs = append(errs, errors.New("nats output requires nats_url and nats_subject"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output %q (want %s, %s or %s)", c.Output, OutputLog, OutputOTEL, OutputNATS))
	}

	if _, err := c.CustomAttributes(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CustomAttributes parses the configured attribute definitions.
func (c *Config) CustomAttributes() ([]CustomAttribute, error) {
	var attrs []CustomAttribute
	for _, s := range c.Attributes {
		parsed, err := ParseAttributeString(s)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, parsed...)
	}
	return attrs, nil
}
