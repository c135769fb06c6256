package sodarelay

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const envPrefix = "SODARELAY"

// DefaultUserAgent is a desktop Chrome user agent sent to media hosts.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	Port              string        `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type FirecrawlConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	OnlyMainContent bool          `mapstructure:"only_main_content"`
}

type MediaConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Dial plus TLS handshake
	HeaderTimeout  time.Duration `mapstructure:"header_timeout"`  // Time to the first response header
	UserAgent      string        `mapstructure:"user_agent"`
	Referer        string        `mapstructure:"referer"`
	ChromeTLS      bool          `mapstructure:"chrome_tls"`
	ContentType    string        `mapstructure:"content_type"`
}

type NamingConfig struct {
	BrandSuffix string `mapstructure:"brand_suffix"`
	DefaultName string `mapstructure:"default_name"`
	Extension   string `mapstructure:"extension"`
}

// ScopeConfig holds host regular expressions. An empty Allow list allows every host that
// is not denied.
type ScopeConfig struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

type DBConfig struct {
	Path string `mapstructure:"path"` // Empty disables the activity log
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Config is the relay configuration. It is read once by LoadConfig and not changed after.
type Config struct {
	viper     *viper.Viper
	ConfigDir string          `mapstructure:"-"`
	Server    ServerConfig    `mapstructure:"server"`
	Firecrawl FirecrawlConfig `mapstructure:"firecrawl"`
	Media     MediaConfig     `mapstructure:"media"`
	Naming    NamingConfig    `mapstructure:"naming"`
	Scope     ScopeConfig     `mapstructure:"scope"`
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("firecrawl.api_key", "")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev")
	v.SetDefault("firecrawl.timeout", "30s")
	v.SetDefault("firecrawl.only_main_content", false)

	v.SetDefault("media.connect_timeout", "15s")
	v.SetDefault("media.header_timeout", "30s")
	v.SetDefault("media.user_agent", DefaultUserAgent)
	v.SetDefault("media.referer", "https://music.douyin.com/")
	v.SetDefault("media.chrome_tls", true)
	v.SetDefault("media.content_type", "audio/mpeg")

	v.SetDefault("naming.brand_suffix", " - 汽水音乐")
	v.SetDefault("naming.default_name", "qishui_audio")
	v.SetDefault("naming.extension", ".mp3")

	v.SetDefault("scope.allow", []string{})
	v.SetDefault("scope.deny", []string{})

	v.SetDefault("db.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// DefaultConfig returns the configuration used when no file or environment overrides exist.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{viper: v}
	// Defaults are all decodable, the error is unreachable.
	_ = v.Unmarshal(cfg)
	return cfg
}

// LoadConfig reads config.yaml from configDir, writing one with the defaults if it does
// not exist yet, then applies SODARELAY_* environment overrides. FIRECRAWL_API_KEY is also
// accepted for the API key.
//
// An empty configDir skips the file entirely.
func LoadConfig(configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configDir != "" {
		if err := os.MkdirAll(configDir, 0700); err != nil {
			return nil, fmt.Errorf("creating config dir %s: %w", configDir, err)
		}

		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)

		// The file is written before environment overrides are bound so secrets passed
		// through the environment never end up on disk.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file : %w", err)
			}
			if err := v.SafeWriteConfig(); err != nil {
				return nil, fmt.Errorf("writing config file : %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("firecrawl.api_key", envPrefix+"_FIRECRAWL_API_KEY", "FIRECRAWL_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key env : %w", err)
	}

	cfg := &Config{viper: v, ConfigDir: configDir}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	return cfg, nil
}

// Validate reports the first configuration problem. A missing API key is
// ErrMissingCredential.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Firecrawl.APIKey) == "" {
		return ErrMissingCredential
	}

	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("%w : invalid server.port %q", ErrConfiguration, cfg.Server.Port)
	}

	if _, _, err := mime.ParseMediaType(cfg.Media.ContentType); err != nil {
		return fmt.Errorf("%w : invalid media.content_type %q : %w", ErrConfiguration, cfg.Media.ContentType, err)
	}

	if cfg.Naming.DefaultName == "" {
		return fmt.Errorf("%w : naming.default_name is empty", ErrConfiguration)
	}

	for _, pattern := range append(append([]string{}, cfg.Scope.Allow...), cfg.Scope.Deny...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w : invalid scope pattern %q : %w", ErrConfiguration, pattern, err)
		}
	}

	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w : log.format should be either json or console", ErrConfiguration)
	}

	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w : invalid log.level %q", ErrConfiguration, cfg.Log.Level)
	}
	return nil
}

// ConfigFile returns the path of the file the configuration was read from, if any.
func (cfg *Config) ConfigFile() string {
	if cfg.viper == nil {
		return ""
	}
	return cfg.viper.ConfigFileUsed()
}

// String renders the configuration with the API key redacted.
func (cfg *Config) String() string {
	return fmt.Sprintf("server=%s:%s firecrawl=%s key=%s media.chrome_tls=%v db=%q",
		cfg.Server.Address, cfg.Server.Port, cfg.Firecrawl.BaseURL, redactSecret(cfg.Firecrawl.APIKey), cfg.Media.ChromeTLS, cfg.DB.Path)
}

// MarshalZerologObject logs the configuration with the API key redacted.
func (cfg *Config) MarshalZerologObject(e *zerolog.Event) {
	e.Str("address", cfg.Server.Address).
		Str("port", cfg.Server.Port).
		Str("firecrawl_base_url", cfg.Firecrawl.BaseURL).
		Str("firecrawl_api_key", redactSecret(cfg.Firecrawl.APIKey)).
		Dur("firecrawl_timeout", cfg.Firecrawl.Timeout).
		Dur("media_connect_timeout", cfg.Media.ConnectTimeout).
		Dur("media_header_timeout", cfg.Media.HeaderTimeout).
		Bool("media_chrome_tls", cfg.Media.ChromeTLS).
		Strs("scope_allow", cfg.Scope.Allow).
		Strs("scope_deny", cfg.Scope.Deny).
		Str("db_path", cfg.DB.Path).
		Str("config_file", cfg.ConfigFile())
}

func redactSecret(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "[REDACTED]"
}
