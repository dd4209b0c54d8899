package config

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// Exporter fallbacks when neither the otel.* settings nor the OTEL_*
// variables name one.
const (
	DefaultOTELEndpoint    = "localhost:4318"
	DefaultOTELServiceName = "net-tracer"
	defaultTracesPath      = "/v1/traces"
)

// OTELConfig configures the OTLP/HTTP span exporter used by the otel output.
type OTELConfig struct {
	// Endpoint is either host:port or an http(s) URL. A URL without a path
	// gets the standard traces path.
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	// ResourceAttributes is a comma separated list of key=value pairs.
	ResourceAttributes string `mapstructure:"resource_attributes"`
	// Insecure selects plain HTTP for a host:port endpoint. URL endpoints
	// follow their scheme.
	Insecure bool `mapstructure:"insecure"`
}

// standardOTELEnv holds the OTEL_* variables consulted for settings left
// empty in the agent configuration.
type standardOTELEnv struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	Endpoint           string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// Endpoint is a parsed exporter endpoint.
type Endpoint struct {
	HostPort string
	Path     string
	Secure   bool
}

// applyStandardEnv fills empty settings from the OTEL_* variables, then from
// the built-in fallbacks. The traces endpoint wins over the generic one.
func (c *OTELConfig) applyStandardEnv() error {
	var std standardOTELEnv
	if err := env.Parse(&std); err != nil {
		return fmt.Errorf("failed to parse OTEL_* environment: %w", err)
	}
	c.Endpoint = cmp.Or(c.Endpoint, std.TracesEndpoint, std.Endpoint, DefaultOTELEndpoint)
	c.ServiceName = cmp.Or(c.ServiceName, std.ServiceName, DefaultOTELServiceName)
	c.ResourceAttributes = cmp.Or(c.ResourceAttributes, std.ResourceAttributes)
	return nil
}

// Validate checks the endpoint and the resource attribute list.
func (c *OTELConfig) Validate() error {
	var errs []error
	if _, err := c.ParseEndpoint(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Resource(); err != nil {
		errs = append(errs, err)
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("otel.service_name must not be empty"))
	}
	return errors.Join(errs...)
}

// ParseEndpoint splits the configured endpoint into what the exporter needs.
func (c *OTELConfig) ParseEndpoint() (Endpoint, error) {
	raw := strings.TrimSpace(c.Endpoint)
	if !strings.Contains(raw, "://") {
		if err := checkHostPort(raw); err != nil {
			return Endpoint{}, fmt.Errorf("otel.endpoint %q: %w", raw, err)
		}
		return Endpoint{HostPort: raw, Path: defaultTracesPath, Secure: !c.Insecure}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("otel.endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("otel.endpoint %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("otel.endpoint %q: missing host", raw)
	}
	if port := u.Port(); port != "" {
		if err := checkPort(port); err != nil {
			return Endpoint{}, fmt.Errorf("otel.endpoint %q: %w", raw, err)
		}
	}
	path := u.Path
	if path == "" || path == "/" {
		path = defaultTracesPath
	}
	return Endpoint{HostPort: u.Host, Path: path, Secure: u.Scheme == "https"}, nil
}

func checkHostPort(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	return checkPort(port)
}

func checkPort(port string) error {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// Resource parses ResourceAttributes. Empty entries are skipped.
func (c *OTELConfig) Resource() ([]attribute.KeyValue, error) {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("otel.resource_attributes: %q is not key=value", pair)
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs, nil
}
