// Package config loads broker and worker settings from defaults, an
// optional YAML file, BISECT_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psantana5/bisect-farm/pkg/logging"
)

// EnvPrefix is prepended to every environment variable (BISECT_LISTEN, ...)
const EnvPrefix = "BISECT"

// option ties a config key to its flag and default
type option struct {
	key   string
	flag  string
	def   interface{}
	usage string
}

var commonOptions = []option{
	{"log-level", "log-level", "info", "log level (debug, info, warn, error)"},
	{"log-json", "log-json", false, "write logs as JSON lines"},
	{"log-dir", "log-dir", "", "also write logs to a file in this directory"},
	{"api-key", "api-key", "", "API key (plain or bcrypt hash on the broker)"},
	{"tracing.endpoint", "tracing-endpoint", "", "OTLP/HTTP endpoint for traces (empty disables export)"},
	{"tracing.insecure", "tracing-insecure", false, "send traces over plain HTTP"},
	{"tls.cert", "tls-cert", "", "TLS certificate file"},
	{"tls.key", "tls-key", "", "TLS key file"},
	{"tls.ca", "tls-ca", "", "CA bundle for verifying the peer"},
}

var brokerOptions = append([]option{
	{"listen", "listen", ":8080", "address to listen on"},
	{"tls.enabled", "tls", false, "serve HTTPS"},
	{"tls.mtls", "mtls", false, "require client certificates signed by --tls-ca"},
	{"rate-limit.rps", "rate-limit-rps", 50.0, "requests per second per client (0 disables)"},
	{"rate-limit.burst", "rate-limit-burst", 100, "burst size per client"},
	{"shutdown-timeout", "shutdown-timeout", 30 * time.Second, "time allowed for graceful shutdown"},
}, commonOptions...)

var workerOptions = append([]option{
	{"broker-url", "broker-url", "http://localhost:8080", "broker base URL (http or https)"},
	{"tls.insecure-skip-verify", "tls-insecure-skip-verify", false, "skip broker certificate verification"},
	{"poll-interval", "poll-interval", 10 * time.Second, "time between poll ticks"},
	{"child-timeout", "child-timeout", 2 * time.Hour, "wall-clock limit for one tool run"},
	{"kill-grace", "kill-grace", 10 * time.Second, "time between SIGTERM and SIGKILL on timeout"},
	{"platform", "platform", "", "platform name advertised to the broker (default: detected)"},
	{"runner-id", "runner-id", "", "runner identity recorded on claims (default: <hostname>-<pid>)"},
	{"tool", "tool", "bisect-tool", "path of the bisection tool"},
	{"tool-args", "tool-args", []string{}, "extra arguments appended to every tool invocation"},
	{"work-dir", "work-dir", "", "working directory of the tool (default: current directory)"},
	{"min-free-disk", "min-free-disk", "1GiB", "free space required in work-dir before claiming (0 disables)"},
	{"metrics-listen", "metrics-listen", ":9091", "address for /metrics and /health (empty disables)"},
	{"shutdown-timeout", "shutdown-timeout", 30 * time.Second, "time allowed for graceful shutdown"},
}, commonOptions...)

// TLSConfig holds certificate material for either side of a connection
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	MTLS               bool
	InsecureSkipVerify bool
}

// TracingConfig configures span export
type TracingConfig struct {
	Endpoint string
	Insecure bool
}

// LogConfig configures the process logger
type LogConfig struct {
	Level string
	JSON  bool
	Dir   string
}

// RateLimitConfig bounds requests per client
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// BrokerConfig is the broker process configuration
type BrokerConfig struct {
	Listen          string
	APIKey          string
	TLS             TLSConfig
	RateLimit       RateLimitConfig
	Tracing         TracingConfig
	Log             LogConfig
	ShutdownTimeout time.Duration
}

// WorkerConfig is the worker process configuration
type WorkerConfig struct {
	BrokerURL       string
	APIKey          string
	TLS             TLSConfig
	PollInterval    time.Duration
	ChildTimeout    time.Duration
	KillGrace       time.Duration
	Platform        string
	RunnerID        string
	Tool            string
	ToolArgs        []string
	WorkDir         string
	MinFreeDisk     uint64
	MetricsListen   string
	Tracing         TracingConfig
	Log             LogConfig
	ShutdownTimeout time.Duration
}

// New returns a viper instance reading BISECT_* environment variables
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterBrokerFlags adds the broker flags to fs
func RegisterBrokerFlags(fs *pflag.FlagSet) { registerFlags(fs, brokerOptions) }

// RegisterWorkerFlags adds the worker flags to fs
func RegisterWorkerFlags(fs *pflag.FlagSet) { registerFlags(fs, workerOptions) }

func registerFlags(fs *pflag.FlagSet, opts []option) {
	for _, o := range opts {
		switch d := o.def.(type) {
		case string:
			fs.String(o.flag, d, o.usage)
		case bool:
			fs.Bool(o.flag, d, o.usage)
		case int:
			fs.Int(o.flag, d, o.usage)
		case float64:
			fs.Float64(o.flag, d, o.usage)
		case time.Duration:
			fs.Duration(o.flag, d, o.usage)
		case []string:
			fs.StringSlice(o.flag, d, o.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default type %T for %s", o.def, o.key))
		}
	}
}

func prepare(v *viper.Viper, fs *pflag.FlagSet, configFile string, opts []option) error {
	for _, o := range opts {
		v.SetDefault(o.key, o.def)
		if fs == nil {
			continue
		}
		if f := fs.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", o.flag, err)
			}
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return nil
}

// LoadBroker resolves the broker configuration. fs may be nil.
func LoadBroker(v *viper.Viper, fs *pflag.FlagSet, configFile string) (*BrokerConfig, error) {
	if err := prepare(v, fs, configFile, brokerOptions); err != nil {
		return nil, err
	}
	cfg := &BrokerConfig{
		Listen: v.GetString("listen"),
		APIKey: v.GetString("api-key"),
		TLS: TLSConfig{
			Enabled:  v.GetBool("tls.enabled"),
			CertFile: v.GetString("tls.cert"),
			KeyFile:  v.GetString("tls.key"),
			CAFile:   v.GetString("tls.ca"),
			MTLS:     v.GetBool("tls.mtls"),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("rate-limit.rps"),
			Burst: v.GetInt("rate-limit.burst"),
		},
		Tracing:         loadTracing(v),
		Log:             loadLog(v),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker resolves the worker configuration. fs may be nil.
func LoadWorker(v *viper.Viper, fs *pflag.FlagSet, configFile string) (*WorkerConfig, error) {
	if err := prepare(v, fs, configFile, workerOptions); err != nil {
		return nil, err
	}
	cfg := &WorkerConfig{
		BrokerURL: strings.TrimRight(v.GetString("broker-url"), "/"),
		APIKey:    v.GetString("api-key"),
		TLS: TLSConfig{
			CertFile:           v.GetString("tls.cert"),
			KeyFile:            v.GetString("tls.key"),
			CAFile:             v.GetString("tls.ca"),
			InsecureSkipVerify: v.GetBool("tls.insecure-skip-verify"),
		},
		PollInterval:    v.GetDuration("poll-interval"),
		ChildTimeout:    v.GetDuration("child-timeout"),
		KillGrace:       v.GetDuration("kill-grace"),
		Platform:        v.GetString("platform"),
		RunnerID:        v.GetString("runner-id"),
		Tool:            v.GetString("tool"),
		ToolArgs:        v.GetStringSlice("tool-args"),
		WorkDir:         v.GetString("work-dir"),
		MetricsListen:   v.GetString("metrics-listen"),
		Tracing:         loadTracing(v),
		Log:             loadLog(v),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
	cfg.TLS.Enabled = strings.HasPrefix(cfg.BrokerURL, "https://")
	minFree, err := humanize.ParseBytes(v.GetString("min-free-disk"))
	if err != nil {
		return nil, fmt.Errorf("min-free-disk: %w", err)
	}
	cfg.MinFreeDisk = minFree
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadTracing(v *viper.Viper) TracingConfig {
	return TracingConfig{
		Endpoint: v.GetString("tracing.endpoint"),
		Insecure: v.GetBool("tracing.insecure"),
	}
}

func loadLog(v *viper.Viper) LogConfig {
	return LogConfig{
		Level: v.GetString("log-level"),
		JSON:  v.GetBool("log-json"),
		Dir:   v.GetString("log-dir"),
	}
}

// Validate checks the broker configuration for inconsistent values
func (c *BrokerConfig) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls requires tls.cert and tls.key"))
	}
	if c.TLS.MTLS && !c.TLS.Enabled {
		errs = append(errs, errors.New("tls.mtls requires tls.enabled"))
	}
	if c.TLS.MTLS && c.TLS.CAFile == "" {
		errs = append(errs, errors.New("tls.mtls requires tls.ca"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate-limit values must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate-limit.burst must be positive when rate-limit.rps is set"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown-timeout must be positive"))
	}
	errs = append(errs, c.Log.validate())
	return errors.Join(errs...)
}

// Validate checks the worker configuration for inconsistent values
func (c *WorkerConfig) Validate() error {
	var errs []error
	u, err := url.Parse(c.BrokerURL)
	switch {
	case c.BrokerURL == "":
		errs = append(errs, errors.New("broker-url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("broker-url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("broker-url scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("broker-url has no host"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert and tls.key must be set together"))
	}
	if !c.TLS.Enabled && (c.TLS.CertFile != "" || c.TLS.CAFile != "") {
		errs = append(errs, errors.New("tls material given but broker-url is not https"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll-interval must be positive"))
	}
	if c.ChildTimeout <= 0 {
		errs = append(errs, errors.New("child-timeout must be positive"))
	}
	if c.KillGrace <= 0 {
		errs = append(errs, errors.New("kill-grace must be positive"))
	}
	if c.Tool == "" {
		errs = append(errs, errors.New("tool is required"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown-timeout must be positive"))
	}
	errs = append(errs, c.Log.validate())
	return errors.Join(errs...)
}

func (c LogConfig) validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
		return nil
	}
	return fmt.Errorf("unknown log-level %q", c.Level)
}

// Logger builds the process logger described by c
func (c LogConfig) Logger(component string) (*logging.Logger, error) {
	level := logging.ParseLevel(c.Level)
	if c.Dir == "" {
		return logging.NewLogger(level, c.JSON), nil
	}
	return logging.NewFileLogger(component, c.Dir, level, c.JSON)
}
