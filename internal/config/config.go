package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
)

// Config represents the application configuration
type Config struct {
	Datasource DatasourceConfig  `koanf:"datasource"`
	Query      QueryConfig       `koanf:"query"`
	Variables  map[string]string `koanf:"variables"`
	Transport  TransportConfig   `koanf:"transport"`
	Server     ServerConfig      `koanf:"server"`
	Log        LogConfig         `koanf:"log"`
}

// DatasourceConfig describes the upstream API
type DatasourceConfig struct {
	BaseURL string `koanf:"base_url"`
	Params  string `koanf:"params"` // fixed query string sent with every request
}

// QueryConfig contains the per-query settings
type QueryConfig struct {
	Params        string `koanf:"params"`
	CacheDuration string `koanf:"cache_duration"` // "0s" disables caching
}

// TransportConfig contains HTTP client settings
type TransportConfig struct {
	Timeout  string `koanf:"timeout"`
	ProxyURL string `koanf:"proxy_url"`
}

// ServerConfig contains dev proxy settings
type ServerConfig struct {
	Port  int         `koanf:"port"`
	HTTPS HTTPSConfig `koanf:"https"`
}

// HTTPSConfig contains the CA used to intercept HTTPS datasource requests.
// Both files empty means goproxy's built-in CA.
type HTTPSConfig struct {
	CACertFile string `koanf:"ca_cert_file"`
	CAKeyFile  string `koanf:"ca_key_file"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the configuration used for keys missing from the file
func Default() Config {
	return Config{
		Query: QueryConfig{
			CacheDuration: "0s",
		},
		Transport: TransportConfig{
			Timeout: "30s",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, on top of Default()
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &config, nil
}

// GetCacheDuration parses and returns the query cache duration
func (c *Config) GetCacheDuration() (time.Duration, error) {
	return time.ParseDuration(c.Query.CacheDuration)
}

// GetTimeout parses and returns the transport timeout
func (c *Config) GetTimeout() (time.Duration, error) {
	if c.Transport.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Transport.Timeout)
}

// GetLogLevel parses and returns the log level
func (c *Config) GetLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Datasource.BaseURL == "" {
		return fmt.Errorf("datasource base URL is required")
	}

	baseURL, err := url.Parse(c.Datasource.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid datasource base URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return fmt.Errorf("datasource base URL must be http or https, got: %s", c.Datasource.BaseURL)
	}
	if baseURL.RawQuery != "" {
		return fmt.Errorf("datasource base URL must not contain a query, use datasource.params instead")
	}

	if _, err := url.ParseQuery(c.Datasource.Params); err != nil {
		return fmt.Errorf("invalid datasource params: %w", err)
	}

	if _, err := url.ParseQuery(c.Query.Params); err != nil {
		return fmt.Errorf("invalid query params: %w", err)
	}

	duration, err := c.GetCacheDuration()
	if err != nil {
		return fmt.Errorf("invalid cache duration format: %w", err)
	}
	if duration < 0 {
		return fmt.Errorf("cache duration must not be negative, got: %s", c.Query.CacheDuration)
	}

	if _, err := c.GetTimeout(); err != nil {
		return fmt.Errorf("invalid transport timeout format: %w", err)
	}

	if c.Transport.ProxyURL != "" {
		if _, err := url.Parse(c.Transport.ProxyURL); err != nil {
			return fmt.Errorf("invalid transport proxy URL: %w", err)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("server.https.ca_cert_file and server.https.ca_key_file must be set together")
	}

	if _, err := c.GetLogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}
