package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, OutputLog, cfg.Output)
	assert.Equal(t, 10*time.Second, cfg.EpochLength)
	assert.Equal(t, 10*time.Second, cfg.DNSTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 16384, cfg.TCPCapacity)
	assert.Empty(t, cfg.Attributes)
	assert.False(t, cfg.RestartOnLoss)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net-tracer.yaml")
	content := `
tcp_capacity: 128
epoch_length: 2s
output: nats
nats_subject: facts
attributes:
  - "peer=remote_addr"
  - "svc=socket_id;kind=kind"
restart_on_loss: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.TCPCapacity)
	assert.Equal(t, 2*time.Second, cfg.EpochLength)
	assert.Equal(t, OutputNATS, cfg.Output)
	assert.Equal(t, "facts", cfg.NATSSubject)
	assert.True(t, cfg.RestartOnLoss)

	attrs, err := cfg.CustomAttributes()
	require.NoError(t, err)
	assert.Equal(t, []CustomAttribute{
		{Name: "peer", Expression: "remote_addr"},
		{Name: "svc", Expression: "socket_id"},
		{Name: "kind", Expression: "kind"},
	}, attrs)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("NETTRACER_UDP_CAPACITY", "64")
	t.Setenv("NETTRACER_LOG_LEVEL", "debug")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.UDPCapacity)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(NewViper(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero tcp capacity", mutate: func(c *Config) { c.TCPCapacity = 0 }, wantErr: "tcp_capacity must be positive"},
		{name: "zero epoch", mutate: func(c *Config) { c.EpochLength = 0 }, wantErr: "epoch_length must be positive"},
		{name: "negative dns timeout", mutate: func(c *Config) { c.DNSTimeout = -time.Second }, wantErr: "dns_timeout must be positive"},
		{name: "unknown output", mutate: func(c *Config) { c.Output = "kafka" }, wantErr: `unknown output "kafka"`},
		{name: "nats without url", mutate: func(c *Config) { c.Output = OutputNATS; c.NATSURL = "" }, wantErr: "requires nats_url"},
		{name: "bad attribute", mutate: func(c *Config) { c.Attributes = []string{"novalue"} }, wantErr: "NAME=EXPR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseAttributeString_Valid(t *testing.T) {
	attrs, err := ParseAttributeString(`host=remote_names;code=status_code;slow=latency_ns > 1e9`)

	require.NoError(t, err)
	require.Len(t, attrs, 3)
	assert.Equal(t, "host", attrs[0].Name)
	assert.Equal(t, "remote_names", attrs[0].Expression)
	assert.Equal(t, "slow", attrs[2].Name)
	assert.Equal(t, "latency_ns > 1e9", attrs[2].Expression)
}

func TestParseAttributeString_Empty(t *testing.T) {
	attrs, err := ParseAttributeString("")
	require.NoError(t, err)
	assert.Nil(t, attrs)
}

func TestParseAttributeString_Errors(t *testing.T) {
	tests := []struct {
		input   string
		wantErr string
	}{
		{input: "invalid_no_equals", wantErr: "invalid attribute format"},
		{input: "=value", wantErr: "name cannot be empty"},
		{input: "name=", wantErr: "expression cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseAttributeString(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseAttributeString_EqualsInExpression(t *testing.T) {
	attrs, err := ParseAttributeString(`check=kind=="dns_response"`)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "check", attrs[0].Name)
	assert.Equal(t, `kind=="dns_response"`, attrs[0].Expression)
}

func TestParseAttributeString_WhitespaceAndEmptySections(t *testing.T) {
	attrs, err := ParseAttributeString("  foo  =  bar  ;; baz = qux ;")

	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, CustomAttribute{Name: "foo", Expression: "bar"}, attrs[0])
	assert.Equal(t, CustomAttribute{Name: "baz", Expression: "qux"}, attrs[1])
}

func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func clearOTELEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OTEL_SERVICE_NAME",
		"OTEL_RESOURCE_ATTRIBUTES",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
		"NETTRACER_OTEL_ENDPOINT",
		"NETTRACER_OTEL_SERVICE_NAME",
		"NETTRACER_OTEL_RESOURCE_ATTRIBUTES",
		"NETTRACER_OTEL_INSECURE",
	} {
		unsetenv(t, key)
	}
}

func TestLoad_OTELDefaults(t *testing.T) {
	clearOTELEnv(t)

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, OTELConfig{
		Endpoint:    DefaultOTELEndpoint,
		ServiceName: DefaultOTELServiceName,
		Insecure:    true,
	}, cfg.OTEL)
}

func TestLoad_OTELFallsBackToStandardEnv(t *testing.T) {
	clearOTELEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment=test, host.name = node-1")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", cfg.OTEL.Endpoint)
	assert.Equal(t, DefaultOTELServiceName, cfg.OTEL.ServiceName)

	attrs, err := cfg.OTEL.Resource()
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, "host.name", string(attrs[1].Key))
	assert.Equal(t, "node-1", attrs[1].Value.AsString())

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "traces:4318")
	cfg, err = Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "traces:4318", cfg.OTEL.Endpoint)
}

func TestLoad_OTELSettingsOverrideStandardEnv(t *testing.T) {
	clearOTELEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "ignored:4318")
	t.Setenv("OTEL_SERVICE_NAME", "ignored")
	t.Setenv("NETTRACER_OUTPUT", "otel")
	t.Setenv("NETTRACER_OTEL_ENDPOINT", "https://gateway.example:8443/otlp/v1/traces")

	path := filepath.Join(t.TempDir(), "net-tracer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("otel:\n  service_name: edge-agent\n"), 0o600))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "edge-agent", cfg.OTEL.ServiceName)

	ep, err := cfg.OTEL.ParseEndpoint()
	require.NoError(t, err)
	assert.Equal(t, Endpoint{HostPort: "gateway.example:8443", Path: "/otlp/v1/traces", Secure: true}, ep)
}

func TestLoad_OTELOutputRejectsBadEndpoint(t *testing.T) {
	clearOTELEnv(t)
	t.Setenv("NETTRACER_OTEL_ENDPOINT", "collector")

	_, err := Load(NewViper(), "")
	require.NoError(t, err, "the endpoint only matters for the otel output")

	t.Setenv("NETTRACER_OUTPUT", "otel")
	_, err = Load(NewViper(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otel.endpoint")
}

func TestOTELConfig_ParseEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		insecure bool
		want     Endpoint
		wantErr  bool
	}{
		{name: "host port", endpoint: "collector:4318", insecure: true, want: Endpoint{HostPort: "collector:4318", Path: "/v1/traces"}},
		{name: "host port tls", endpoint: "collector:4318", want: Endpoint{HostPort: "collector:4318", Path: "/v1/traces", Secure: true}},
		{name: "ipv6", endpoint: "[::1]:4318", insecure: true, want: Endpoint{HostPort: "[::1]:4318", Path: "/v1/traces"}},
		{name: "base url", endpoint: "http://collector:4318", want: Endpoint{HostPort: "collector:4318", Path: "/v1/traces"}},
		{name: "url without port", endpoint: "https://otel.example.com/", want: Endpoint{HostPort: "otel.example.com", Path: "/v1/traces", Secure: true}},
		{name: "missing port", endpoint: "collector", wantErr: true},
		{name: "named port", endpoint: "collector:otlp", wantErr: true},
		{name: "port zero", endpoint: "collector:0", wantErr: true},
		{name: "port out of range", endpoint: "http://collector:70000", wantErr: true},
		{name: "missing host", endpoint: ":4318", wantErr: true},
		{name: "url missing host", endpoint: "http://:4318", wantErr: true},
		{name: "grpc scheme", endpoint: "grpc://collector:4317", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := OTELConfig{Endpoint: tt.endpoint, Insecure: tt.insecure}
			got, err := cfg.ParseEndpoint()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOTELConfig_ValidateResourceAttributes(t *testing.T) {
	cfg := OTELConfig{Endpoint: DefaultOTELEndpoint, ServiceName: "x", ResourceAttributes: "team=net,,broken"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken" is not key=value`)

	cfg.ResourceAttributes = "team=net,, region = eu "
	assert.NoError(t, cfg.Validate())
}
