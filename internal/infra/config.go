package infra

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"quote_stream/internal/domain"
)

// DefaultTickers is the tracked universe when neither the config nor a tickers
// file provides one.
var DefaultTickers = []string{
	"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA", "NFLX", "AMD", "INTC",
}

// Config holds every setting for the server and the client.
// LoadConfig applies, in order: defaults, the YAML file, .env, environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Host string `yaml:"host" env:"QS_SERVER_HOST"`
		Port int    `yaml:"port" env:"QS_SERVER_PORT"`
		// SessionHost is the local IP sessions bind their UDP sockets to.
		// Empty lets the kernel pick the interface that routes to the peer.
		SessionHost string `yaml:"session_host" env:"QS_SESSION_HOST"`
	} `yaml:"server"`

	Session struct {
		PollInterval    time.Duration `yaml:"poll_interval" env:"QS_SESSION_POLL_INTERVAL"`
		MonitorInterval time.Duration `yaml:"monitor_interval" env:"QS_SESSION_MONITOR_INTERVAL"`
		Timeout         time.Duration `yaml:"timeout" env:"QS_SESSION_TIMEOUT"`
	} `yaml:"session"`

	Bus struct {
		Capacity int `yaml:"capacity" env:"QS_BUS_CAPACITY"`
	} `yaml:"bus"`

	Generator struct {
		Period      time.Duration `yaml:"period" env:"QS_GENERATOR_PERIOD"`
		Stagger     time.Duration `yaml:"stagger" env:"QS_GENERATOR_STAGGER"`
		Tickers     []string      `yaml:"tickers" env:"QS_GENERATOR_TICKERS" envSeparator:","`
		TickersFile string        `yaml:"tickers_file" env:"QS_GENERATOR_TICKERS_FILE"`
	} `yaml:"generator"`

	Client struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"QS_CLIENT_HEARTBEAT_INTERVAL"`
		DialTimeout       time.Duration `yaml:"dial_timeout" env:"QS_CLIENT_DIAL_TIMEOUT"`
		DialRetries       uint64        `yaml:"dial_retries" env:"QS_CLIENT_DIAL_RETRIES"`
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"QS_CLIENT_HANDSHAKE_TIMEOUT"`
	} `yaml:"client"`

	Monitor struct {
		Addr string `yaml:"addr" env:"QS_MONITOR_ADDR"` // empty disables the monitor server
	} `yaml:"monitor"`

	Logging struct {
		Level string `yaml:"level" env:"QS_LOG_LEVEL"`
		Dir   string `yaml:"dir" env:"QS_LOG_DIR"` // empty disables file output
		File  string `yaml:"file" env:"QS_LOG_FILE"`

		// Console is stdout, stderr or none.
		Console string `yaml:"console" env:"QS_LOG_CONSOLE"`

		// Rotation
		MaxSizeMB  int  `yaml:"max_size_mb" env:"QS_LOG_MAX_SIZE_MB"`
		MaxBackups int  `yaml:"max_backups" env:"QS_LOG_MAX_BACKUPS"`
		MaxAgeDays int  `yaml:"max_age_days" env:"QS_LOG_MAX_AGE_DAYS"`
		Compress   bool `yaml:"compress" env:"QS_LOG_COMPRESS"`
	} `yaml:"logging"`
}

// DefaultConfig returns the reference settings.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "quote-streamer"
	cfg.App.Version = "0.1.0"

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 12345

	cfg.Session.PollInterval = 100 * time.Millisecond
	cfg.Session.MonitorInterval = time.Second
	cfg.Session.Timeout = 5 * time.Second

	cfg.Bus.Capacity = 10

	cfg.Generator.Period = 5 * time.Second
	cfg.Generator.Stagger = 10 * time.Millisecond

	cfg.Client.HeartbeatInterval = 2 * time.Second
	cfg.Client.DialTimeout = 5 * time.Second
	cfg.Client.DialRetries = 5
	cfg.Client.HandshakeTimeout = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.File = "app.log"
	cfg.Logging.Console = "stdout"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	cfg.Logging.Compress = true
	return &cfg
}

// LoadConfig reads the optional YAML file at path and applies environment overrides.
// A missing file is not an error; the defaults are used instead.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// keep defaults
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.ResolveTickers(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ResolveTickers fills Generator.Tickers from the tickers file, or from
// DefaultTickers when nothing else is configured.
func (c *Config) ResolveTickers() error {
	if len(c.Generator.Tickers) == 0 && c.Generator.TickersFile != "" {
		tickers, err := ReadTickersFile(c.Generator.TickersFile)
		if err != nil {
			return &domain.ConfigError{Field: "generator.tickers_file", Err: err}
		}
		c.Generator.Tickers = tickers
	}
	if len(c.Generator.Tickers) == 0 {
		c.Generator.Tickers = append([]string(nil), DefaultTickers...)
	}
	c.Generator.Tickers = domain.NewTickerSet(c.Generator.Tickers...).Slice()
	return nil
}

// ReadTickersFile reads one ticker per line. Blank lines and '#' comments are skipped.
func ReadTickersFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tickers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tickers = append(tickers, line)
	}
	return tickers, scanner.Err()
}

// ServerAddr returns host:port of the control server.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, fmt.Sprint(c.Server.Port))
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return &domain.ConfigError{Field: "server.host", Err: errors.New("must not be empty")}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &domain.ConfigError{Field: "server.port", Err: fmt.Errorf("out of range: %d", c.Server.Port)}
	}

	if c.Session.PollInterval <= 0 {
		return &domain.ConfigError{Field: "session.poll_interval", Err: errors.New("must be positive")}
	}
	if c.Session.MonitorInterval <= 0 {
		return &domain.ConfigError{Field: "session.monitor_interval", Err: errors.New("must be positive")}
	}
	if c.Session.Timeout <= c.Session.MonitorInterval {
		return &domain.ConfigError{Field: "session.timeout", Err: errors.New("must exceed the monitor interval")}
	}

	if c.Bus.Capacity < 1 {
		return &domain.ConfigError{Field: "bus.capacity", Err: errors.New("must be at least 1")}
	}

	if c.Generator.Period <= 0 {
		return &domain.ConfigError{Field: "generator.period", Err: errors.New("must be positive")}
	}
	if c.Generator.Stagger < 0 {
		return &domain.ConfigError{Field: "generator.stagger", Err: errors.New("must not be negative")}
	}

	if c.Client.HeartbeatInterval <= 0 {
		return &domain.ConfigError{Field: "client.heartbeat_interval", Err: errors.New("must be positive")}
	}
	if c.Client.HeartbeatInterval >= c.Session.Timeout {
		return &domain.ConfigError{Field: "client.heartbeat_interval", Err: errors.New("must be shorter than session.timeout")}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	switch c.Logging.Console {
	case "", "stdout", "stderr", "none":
	default:
		return &domain.ConfigError{Field: "logging.console", Err: fmt.Errorf("unknown console %q", c.Logging.Console)}
	}

	return nil
}
