package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Documented defaults.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultIdleThreshold    = 30 * time.Second
	DefaultStaleGrace       = 10 * time.Second
	DefaultTerminateTimeout = 5 * time.Second
	DefaultMaxAttempts      = 6
	DefaultBaseDelay        = 500 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultJitter           = 0.2
	DefaultMaxQueue         = 1024
	DefaultMaxLineBytes     = 8 << 20
	DefaultObserverQueue    = 256
	DefaultSnapshotInterval = 5 * time.Second
)

// Config holds configuration for one runner session.
type Config struct {
	// Transport selects the upstream binding: "stdio" or "http".
	Transport string `yaml:"transport"`

	Stdio StdioConfig `yaml:"stdio"`
	HTTP  HTTPConfig  `yaml:"http"`

	// ConnectTimeout caps establishing the upstream connection.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	// IdleThreshold is the inbound silence tolerated before the session goes stale.
	IdleThreshold time.Duration `yaml:"idleThreshold"`
	// StaleGrace is how long a stale session waits for activity before reconnecting.
	StaleGrace time.Duration `yaml:"staleGrace"`
	// TerminateTimeout bounds the shutdown handshake.
	TerminateTimeout time.Duration `yaml:"terminateTimeout"`

	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`

	// ClientName is advertised in internal initialize requests.
	ClientName string `yaml:"clientName"`

	MaxQueue      int `yaml:"maxQueue"`
	MaxLineBytes  int `yaml:"maxLineBytes"`
	ObserverQueue int `yaml:"observerQueue"`

	// StatusAddr enables the inspection HTTP server when set.
	StatusAddr     string   `yaml:"statusAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// MetricsAddr enables a standalone Prometheus listener when set.
	MetricsAddr string `yaml:"metricsAddr"`
	// RedisAddr enables publishing session snapshots to Redis when set.
	RedisAddr        string        `yaml:"redisAddr"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`

	ConfigFile string `yaml:"-"`
	LogLevel   string `yaml:"logLevel"`
	LogFormat  string `yaml:"logFormat"`
}

// StdioConfig describes how to spawn a local MCP server over stdio.
type StdioConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries are either "KEY" (copied from the current environment) or "KEY=value".
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"workDir"`
}

// HTTPConfig describes a remote streamable HTTP MCP server.
type HTTPConfig struct {
	URL                string            `yaml:"url"`
	Headers            map[string]string `yaml:"headers"`
	Timeout            time.Duration     `yaml:"timeout"`
	InsecureSkipVerify bool              `yaml:"insecureSkipVerify"`
	// ContinuousListening opens the standalone GET event stream for server push.
	ContinuousListening bool `yaml:"continuousListening"`
}

// ReconnectConfig bounds reconnect attempts for the HTTP transport.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Jitter      float64       `yaml:"jitter"`
}

// CapabilitiesConfig lists the optional client capabilities the runner advertises.
type CapabilitiesConfig struct {
	Sampling         bool `yaml:"sampling"`
	Elicitation      bool `yaml:"elicitation"`
	Roots            bool `yaml:"roots"`
	RootsListChanged bool `yaml:"rootsListChanged"`
	// Enforce strips unconfigured capabilities from caller initialize requests.
	Enforce bool `yaml:"enforce"`
}

// Map renders the capability set in the shape of an initialize request.
func (c CapabilitiesConfig) Map() map[string]any {
	caps := map[string]any{}
	if c.Sampling {
		caps["sampling"] = map[string]any{}
	}
	if c.Elicitation {
		caps["elicitation"] = map[string]any{}
	}
	if c.Roots {
		caps["roots"] = map[string]any{"listChanged": c.RootsListChanged}
	}
	return caps
}

// BindFlags populates the config using environment variables and binds CLI flags
// so main can call flag.Parse().
func (c *Config) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("mcprun.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	c.LogFormat = GetEnv("LOG_FORMAT", "console")

	c.Transport = GetEnv("MCP_TRANSPORT", "")
	c.Stdio.Command = GetEnv("MCP_STDIO_COMMAND", "")
	c.Stdio.Args = splitComma(GetEnv("MCP_STDIO_ARGS", ""))
	c.Stdio.Env = splitComma(GetEnv("MCP_STDIO_ENV", ""))
	c.Stdio.WorkDir = GetEnv("MCP_STDIO_DIR", "")

	c.HTTP.URL = GetEnv("MCP_HTTP_URL", "")
	c.HTTP.Headers = parseHeaders(GetEnv("MCP_HTTP_HEADERS", ""))
	c.HTTP.Timeout = parseDuration(GetEnv("MCP_HTTP_TIMEOUT", "0s"), 0)
	c.HTTP.InsecureSkipVerify = parseBool(GetEnv("MCP_HTTP_INSECURE_SKIP_VERIFY", "false"))
	c.HTTP.ContinuousListening = parseBool(GetEnv("MCP_HTTP_CONTINUOUS_LISTENING", "true"))

	c.ConnectTimeout = parseDuration(GetEnv("MCP_CONNECT_TIMEOUT", ""), DefaultConnectTimeout)
	c.IdleThreshold = parseDuration(GetEnv("MCP_IDLE_THRESHOLD", ""), DefaultIdleThreshold)
	c.StaleGrace = parseDuration(GetEnv("MCP_STALE_GRACE", ""), DefaultStaleGrace)
	c.TerminateTimeout = parseDuration(GetEnv("MCP_TERMINATE_TIMEOUT", ""), DefaultTerminateTimeout)

	c.Reconnect.MaxAttempts = parseInt(GetEnv("MCP_RETRY_MAX_ATTEMPTS", ""), DefaultMaxAttempts)
	c.Reconnect.BaseDelay = parseDuration(GetEnv("MCP_RETRY_BASE_DELAY", ""), DefaultBaseDelay)
	c.Reconnect.MaxDelay = parseDuration(GetEnv("MCP_RETRY_MAX_DELAY", ""), DefaultMaxDelay)
	if v, err := strconv.ParseFloat(GetEnv("MCP_RETRY_JITTER", ""), 64); err == nil {
		c.Reconnect.Jitter = v
	} else {
		c.Reconnect.Jitter = DefaultJitter
	}

	c.Capabilities.Sampling = parseBool(GetEnv("MCP_CAP_SAMPLING", "false"))
	c.Capabilities.Elicitation = parseBool(GetEnv("MCP_CAP_ELICITATION", "false"))
	c.Capabilities.Roots = parseBool(GetEnv("MCP_CAP_ROOTS", "false"))
	c.Capabilities.RootsListChanged = parseBool(GetEnv("MCP_CAP_ROOTS_LIST_CHANGED", "false"))
	c.Capabilities.Enforce = parseBool(GetEnv("MCP_CAP_ENFORCE", "false"))

	c.ClientName = GetEnv("MCP_CLIENT_NAME", "mcprun")
	c.MaxQueue = parseInt(GetEnv("MCP_MAX_QUEUE", ""), DefaultMaxQueue)
	c.MaxLineBytes = parseInt(GetEnv("MCP_MAX_LINE_BYTES", ""), DefaultMaxLineBytes)
	c.ObserverQueue = parseInt(GetEnv("MCP_OBSERVER_QUEUE", ""), DefaultObserverQueue)

	c.StatusAddr = normalizeAddr(GetEnv("STATUS_ADDR", ""))
	c.AllowedOrigins = splitComma(GetEnv("ALLOWED_ORIGINS", ""))
	c.MetricsAddr = normalizeAddr(GetEnv("METRICS_PORT", ""))
	c.RedisAddr = GetEnv("REDIS_ADDR", "")
	c.SnapshotInterval = parseDuration(GetEnv("SNAPSHOT_INTERVAL", ""), DefaultSnapshotInterval)

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "runner config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	flag.StringVar(&c.Transport, "transport", c.Transport, "upstream transport (stdio, http); inferred when empty")
	flag.StringVar(&c.Stdio.Command, "stdio-command", c.Stdio.Command, "command for the stdio transport")
	flag.Var(newCSVValue(c.Stdio.Args, &c.Stdio.Args), "stdio-args", "stdio command arguments")
	flag.Var(newCSVValue(c.Stdio.Env, &c.Stdio.Env), "stdio-env", "stdio environment variables (KEY or KEY=value)")
	flag.StringVar(&c.Stdio.WorkDir, "stdio-dir", c.Stdio.WorkDir, "working directory of the stdio server")
	flag.StringVar(&c.HTTP.URL, "http-url", c.HTTP.URL, "streamable HTTP MCP endpoint")
	flag.Func("http-header", "extra request header as Key=Value (repeatable)", func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid header %q", v)
		}
		if c.HTTP.Headers == nil {
			c.HTTP.Headers = map[string]string{}
		}
		c.HTTP.Headers[strings.TrimSpace(k)] = strings.TrimSpace(val)
		return nil
	})
	flag.DurationVar(&c.HTTP.Timeout, "http-timeout", c.HTTP.Timeout, "per-request HTTP timeout (0 disables)")
	flag.BoolVar(&c.HTTP.InsecureSkipVerify, "http-insecure", c.HTTP.InsecureSkipVerify, "skip TLS verification")
	flag.BoolVar(&c.HTTP.ContinuousListening, "http-listen", c.HTTP.ContinuousListening, "open the standalone server event stream")
	flag.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "timeout for establishing the upstream connection")
	flag.DurationVar(&c.IdleThreshold, "idle-threshold", c.IdleThreshold, "inbound silence before the session is considered stale")
	flag.DurationVar(&c.StaleGrace, "stale-grace", c.StaleGrace, "grace period in stale state before reconnecting")
	flag.DurationVar(&c.TerminateTimeout, "terminate-timeout", c.TerminateTimeout, "bound on the graceful shutdown handshake")
	flag.IntVar(&c.Reconnect.MaxAttempts, "retry-max-attempts", c.Reconnect.MaxAttempts, "reconnect attempt budget")
	flag.DurationVar(&c.Reconnect.BaseDelay, "retry-base-delay", c.Reconnect.BaseDelay, "initial reconnect delay")
	flag.DurationVar(&c.Reconnect.MaxDelay, "retry-max-delay", c.Reconnect.MaxDelay, "reconnect delay cap")
	flag.Float64Var(&c.Reconnect.Jitter, "retry-jitter", c.Reconnect.Jitter, "reconnect delay jitter fraction")
	flag.BoolVar(&c.Capabilities.Sampling, "cap-sampling", c.Capabilities.Sampling, "advertise the sampling client capability")
	flag.BoolVar(&c.Capabilities.Elicitation, "cap-elicitation", c.Capabilities.Elicitation, "advertise the elicitation client capability")
	flag.BoolVar(&c.Capabilities.Roots, "cap-roots", c.Capabilities.Roots, "advertise the roots client capability")
	flag.BoolVar(&c.Capabilities.Enforce, "cap-enforce", c.Capabilities.Enforce, "restrict caller initialize capabilities to the configured set")
	flag.StringVar(&c.ClientName, "client-name", c.ClientName, "client name used for internal initialize requests")
	flag.IntVar(&c.MaxQueue, "max-queue", c.MaxQueue, "maximum queued outbound frames while reconnecting")
	flag.IntVar(&c.MaxLineBytes, "max-line-bytes", c.MaxLineBytes, "maximum size of one JSON-RPC line")
	flag.IntVar(&c.ObserverQueue, "observer-queue", c.ObserverQueue, "observer dispatch queue length")
	flag.Func("status-addr", "inspection server listen address or port (disabled when empty)", func(v string) error {
		c.StatusAddr = normalizeAddr(v)
		return nil
	})
	flag.Func("metrics-port", "Prometheus metrics listen address or port (disabled when empty)", func(v string) error {
		c.MetricsAddr = normalizeAddr(v)
		return nil
	})
	flag.Var(newCSVValue(c.AllowedOrigins, &c.AllowedOrigins), "allowed-origins", "CORS origins allowed on the inspection server")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis URL for session snapshots (disabled when empty)")
	flag.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "session snapshot publish interval")
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyDefaults fills zero values with documented defaults and infers the
// transport from the configured endpoint when unset.
func (c *Config) ApplyDefaults() {
	if c.Transport == "" {
		switch {
		case c.Stdio.Command != "":
			c.Transport = TransportStdio
		case c.HTTP.URL != "":
			c.Transport = TransportHTTP
		}
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = DefaultStaleGrace
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = DefaultTerminateTimeout
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.Jitter < 0 {
		c.Reconnect.Jitter = 0
	}
	if c.ClientName == "" {
		c.ClientName = "mcprun"
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.ObserverQueue <= 0 {
		c.ObserverQueue = DefaultObserverQueue
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
}

// Validate reports configuration that cannot start a session.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Stdio.Command == "" {
			return errors.New("stdio command not configured")
		}
	case TransportHTTP:
		if c.HTTP.URL == "" {
			return errors.New("http url not configured")
		}
		u, err := url.Parse(c.HTTP.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid http url %q", c.HTTP.URL)
		}
	case "":
		return errors.New("no upstream configured: set a stdio command or an http url")
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.Jitter > 1 {
		return fmt.Errorf("retry jitter %.2f must be within [0,1]", c.Reconnect.Jitter)
	}
	return nil
}

// BuildEnv constructs the child environment from allowlisted entries. Each entry
// is either "KEY" to copy from the current process env or "KEY=value". Keys not
// present in the current environment are skipped.
func BuildEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, v+"="+val)
		}
	}
	return out
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseHeaders(v string) map[string]string {
	if v == "" {
		return nil
	}
	out := map[string]string{}
	for _, p := range splitComma(v) {
		k, val, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}

func parseDuration(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func parseInt(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func normalizeAddr(v string) string {
	if v != "" && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}

// helper for flag CSV values
type csvValue struct {
	val []string
	dst *[]string
}

func newCSVValue(val []string, dst *[]string) *csvValue { return &csvValue{val: val, dst: dst} }

func (c *csvValue) String() string { return strings.Join(c.val, ",") }

func (c *csvValue) Set(v string) error {
	c.val = splitComma(v)
	*c.dst = c.val
	return nil
}

// GetEnv returns the environment value for k, or d when unset or empty.
func GetEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

var env = os.Getenv
