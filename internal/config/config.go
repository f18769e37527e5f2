// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/devproxy/config.toml",
	"configs/config.toml",
}

// defaultBackendCommand starts the Next.js dev server. {bind} and {port} are
// substituted from the backend section.
var defaultBackendCommand = []string{"npm", "run", "dev", "--", "--hostname", "{bind}", "--port", "{port}"}

var defaultInstallCommand = []string{"npm", "install"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PROXY_PORT'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	BackendDir  string `kong:"help='Backend working directory (overrides config).',env='BACKEND_DIR'"`
	NoSupervise bool   `kong:"name='no-supervise',help='Do not launch the backend; proxy to an externally managed one.'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Admin   AdminConfig   `toml:"admin"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds outer listener settings.
type ServerConfig struct {
	Host                   string          `toml:"host"`
	Port                   int             `toml:"port"` // 0 means "use default" (5000); TOML cannot distinguish 0 from unset
	BodyMaxBytes           int64           `toml:"body_max_bytes"`
	ShutdownTimeoutSeconds int             `toml:"shutdown_timeout_seconds"` // drain of in-flight requests on stop
	RateLimit              RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes the backend process and how to reach it.
type BackendConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Bind string `toml:"bind"`
	Mode string `toml:"mode"`
	Dir  string `toml:"dir"`

	Command        []string `toml:"command"`
	InstallCommand []string `toml:"install_command"`
	InstallMarker  string   `toml:"install_marker"`

	TimeoutSeconds   int `toml:"timeout_seconds"`
	IdleConnections  int `toml:"idle_connections"`
	ReadyPollMillis  int `toml:"ready_poll_ms"`
	StopGraceSeconds int `toml:"stop_grace_seconds"`

	// Supervise is a pointer so an omitted key defaults to true.
	Supervise *bool `toml:"supervise"`
}

// AdminConfig holds the reserved route prefix for proxy-internal endpoints.
type AdminConfig struct {
	Prefix string `toml:"prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // relative to the admin prefix
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/devproxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	if cfg.Server.Port == cfg.Backend.Port {
		return nil, fmt.Errorf("config: validate: server.port and backend.port must differ; both are %d", cfg.Server.Port)
	}
	if need := cfg.StopBudget(); need > StopTimeout {
		return nil, fmt.Errorf("config: validate: server.shutdown_timeout_seconds + backend.stop_grace_seconds need %s to stop, more than the %s limit", need, StopTimeout)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.BackendDir != "" {
		c.Backend.Dir = cli.BackendDir
	}
	if cli.NoSupervise {
		off := false
		c.Backend.Supervise = &off
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be 0–65535; got %d", c.Backend.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be non-negative; got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Backend.ReadyPollMillis < 0 {
		return fmt.Errorf("backend.ready_poll_ms must be non-negative; got %d", c.Backend.ReadyPollMillis)
	}
	if c.Backend.StopGraceSeconds < 0 {
		return fmt.Errorf("backend.stop_grace_seconds must be non-negative; got %d", c.Backend.StopGraceSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// The admin prefix shadows backend paths, so it must be a real sub-path.
	if p := c.Admin.Prefix; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("admin.prefix must start with '/'; got %q", p)
		}
		if p == "/" || strings.HasSuffix(p, "/") {
			return fmt.Errorf("admin.prefix must be a non-root path without trailing slash; got %q", p)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}
	if c.Metrics.Enabled {
		for _, reserved := range []string{"/healthz", "/readyz", "/status"} {
			if c.Metrics.Path == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", c.Metrics.Path, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 100 * 1024 * 1024 // 100 MB
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 3001
	}
	if c.Backend.Bind == "" {
		c.Backend.Bind = "0.0.0.0"
	}
	if c.Backend.Mode == "" {
		c.Backend.Mode = "development"
	}
	if c.Backend.Dir == "" {
		c.Backend.Dir = "."
	}
	if len(c.Backend.Command) == 0 {
		c.Backend.Command = append([]string(nil), defaultBackendCommand...)
	}
	if len(c.Backend.InstallCommand) == 0 {
		c.Backend.InstallCommand = append([]string(nil), defaultInstallCommand...)
	}
	if c.Backend.InstallMarker == "" {
		c.Backend.InstallMarker = "node_modules"
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 30
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Backend.ReadyPollMillis == 0 {
		c.Backend.ReadyPollMillis = 500
	}
	if c.Backend.StopGraceSeconds == 0 {
		c.Backend.StopGraceSeconds = 10
	}
	if c.Backend.Supervise == nil {
		on := true
		c.Backend.Supervise = &on
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = "/_proxy"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is writable by group or
// others. The file names the command the proxy executes.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others and controls the backend command; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// StopTimeout is the application's total shutdown budget.
const StopTimeout = 2 * time.Minute

// StopBudget is the time shutdown needs: the request drain, then the backend
// grace period, plus a margin for the final SIGKILL and reaping.
func (c *Config) StopBudget() time.Duration {
	return c.Server.ShutdownTimeout() + time.Duration(c.Backend.StopGraceSeconds)*time.Second + 5*time.Second
}

// ShutdownTimeout returns the in-flight request drain timeout.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the address the proxy dials to reach the backend.
func (c *BackendConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the backend origin, e.g. http://127.0.0.1:3001.
func (c *BackendConfig) BaseURL() string {
	return "http://" + c.Addr()
}

// Supervised reports whether the proxy launches the backend itself.
func (c *BackendConfig) Supervised() bool {
	return c.Supervise == nil || *c.Supervise
}

// Timeout returns the response-header timeout for backend calls.
func (c *BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExpandedCommand returns Command with {port} and {bind} substituted.
func (c *BackendConfig) ExpandedCommand() []string {
	r := strings.NewReplacer("{port}", fmt.Sprint(c.Port), "{bind}", c.Bind)
	out := make([]string, len(c.Command))
	for i, arg := range c.Command {
		out[i] = r.Replace(arg)
	}
	return out
}

// Env returns the environment overrides passed to the backend process.
func (c *BackendConfig) Env() []string {
	return []string{
		"NODE_ENV=" + c.Mode,
		fmt.Sprintf("PORT=%d", c.Port),
		"HOSTNAME=" + c.Bind,
	}
}
