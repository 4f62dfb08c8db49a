package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Fixtures FixturesConfig `yaml:"fixtures" mapstructure:"fixtures"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Web      WebConfig      `yaml:"web" mapstructure:"web"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
}

// ServerConfig proxy listener configuration
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// MaxBodyBytes limits the size of proxied request bodies (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// FixturesConfig fixture engine configuration
type FixturesConfig struct {
	SourceDir      string `yaml:"source_dir" mapstructure:"source_dir"`
	Manifest       string `yaml:"manifest" mapstructure:"manifest"`
	RuntimeDir     string `yaml:"runtime_dir" mapstructure:"runtime_dir"`
	Mode           string `yaml:"mode" mapstructure:"mode"`
	RecordPolicy   string `yaml:"record_policy" mapstructure:"record_policy"`
	Exhaustion     string `yaml:"exhaustion" mapstructure:"exhaustion"`
	FallbackOnMiss bool   `yaml:"fallback_on_miss" mapstructure:"fallback_on_miss"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level"`
	FileLogging FileLogConfig `yaml:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// UpstreamConfig real network transport configuration. Timeouts are in seconds.
type UpstreamConfig struct {
	Timeout               int      `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries            int      `yaml:"max_retries" mapstructure:"max_retries"`
	MaxConcurrent         int      `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxIdleConns          int      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int      `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int      `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	ExpectContinueTimeout int      `yaml:"expect_continue_timeout" mapstructure:"expect_continue_timeout"`
	TLSInsecureSkipVerify bool     `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	HeaderBlacklist       []string `yaml:"header_blacklist" mapstructure:"header_blacklist"`
}

// WebConfig admin API configuration
type WebConfig struct {
	Enable    bool            `yaml:"enable" mapstructure:"enable"`
	AdminPath string          `yaml:"admin_path" mapstructure:"admin_path"`
	Auth      WebAuthConfig   `yaml:"auth" mapstructure:"auth"`
	Export    WebExportConfig `yaml:"export" mapstructure:"export"`
}

// WebAuthConfig authentication configuration
type WebAuthConfig struct {
	Enable         bool            `yaml:"enable" mapstructure:"enable"`
	SessionTimeout time.Duration   `yaml:"session_timeout" mapstructure:"session_timeout"`
	Users          []WebUserConfig `yaml:"users" mapstructure:"users"`
}

// WebUserConfig user credential configuration
type WebUserConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Role     string `yaml:"role" mapstructure:"role"`
}

// WebExportConfig export configuration
type WebExportConfig struct {
	Enable  bool     `yaml:"enable" mapstructure:"enable"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// StorageConfig exchange journal configuration
type StorageConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("MOCKTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mocktap")
		v.AddConfigPath("/etc/mocktap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal leaves zero values alone; defaults and flag overrides are applied afterwards.
	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults apply default values to zero-value fields in the struct.
// Command line flags bound to viper keys win because viper resolves them first.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = v.GetInt64("server.max_body_bytes")
	}

	// Flags may be bound to these keys, so viper's view always wins over the decoded struct.
	cfg.Fixtures.SourceDir = v.GetString("fixtures.source_dir")
	cfg.Fixtures.Manifest = v.GetString("fixtures.manifest")
	cfg.Fixtures.RuntimeDir = v.GetString("fixtures.runtime_dir")
	cfg.Fixtures.Mode = v.GetString("fixtures.mode")
	cfg.Fixtures.RecordPolicy = v.GetString("fixtures.record_policy")
	cfg.Fixtures.Exhaustion = v.GetString("fixtures.exhaustion")
	cfg.Fixtures.FallbackOnMiss = v.GetBool("fixtures.fallback_on_miss")

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}

	// Bool fields always come from viper: it already merges file values over defaults.
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = v.GetInt("upstream.timeout")
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = v.GetInt("upstream.max_retries")
	}
	if cfg.Upstream.MaxConcurrent == 0 {
		cfg.Upstream.MaxConcurrent = v.GetInt("upstream.max_concurrent")
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = v.GetInt("upstream.max_idle_conns")
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = v.GetInt("upstream.max_idle_conns_per_host")
	}
	if cfg.Upstream.MaxConnsPerHost == 0 {
		cfg.Upstream.MaxConnsPerHost = v.GetInt("upstream.max_conns_per_host")
	}
	if cfg.Upstream.IdleConnTimeout == 0 {
		cfg.Upstream.IdleConnTimeout = v.GetInt("upstream.idle_conn_timeout")
	}
	if cfg.Upstream.ResponseHeaderTimeout == 0 {
		cfg.Upstream.ResponseHeaderTimeout = v.GetInt("upstream.response_header_timeout")
	}
	if cfg.Upstream.TLSHandshakeTimeout == 0 {
		cfg.Upstream.TLSHandshakeTimeout = v.GetInt("upstream.tls_handshake_timeout")
	}
	if cfg.Upstream.ExpectContinueTimeout == 0 {
		cfg.Upstream.ExpectContinueTimeout = v.GetInt("upstream.expect_continue_timeout")
	}
	if len(cfg.Upstream.HeaderBlacklist) == 0 {
		cfg.Upstream.HeaderBlacklist = v.GetStringSlice("upstream.header_blacklist")
	}
	cfg.Upstream.HeaderBlacklist = normalizeHeaderList(cfg.Upstream.HeaderBlacklist)
	cfg.Upstream.TLSInsecureSkipVerify = v.GetBool("upstream.tls_insecure_skip_verify")

	cfg.Web.Enable = v.GetBool("web.enable")
	if cfg.Web.AdminPath == "" {
		cfg.Web.AdminPath = v.GetString("web.admin_path")
	}

	cfg.Web.Auth.Enable = v.GetBool("web.auth.enable")
	if cfg.Web.Auth.SessionTimeout == 0 {
		timeoutStr := v.GetString("web.auth.session_timeout")
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			cfg.Web.Auth.SessionTimeout = timeout
		} else {
			cfg.Web.Auth.SessionTimeout = 24 * time.Hour
		}
	}
	if len(cfg.Web.Auth.Users) == 0 {
		var users []WebUserConfig
		if err := v.UnmarshalKey("web.auth.users", &users); err == nil {
			cfg.Web.Auth.Users = users
		}
	}

	cfg.Web.Export.Enable = v.GetBool("web.export.enable")
	if len(cfg.Web.Export.Formats) == 0 {
		cfg.Web.Export.Formats = v.GetStringSlice("web.export.formats")
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.MaxRecords == 0 {
		cfg.Storage.MaxRecords = v.GetInt("storage.max_records")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 38080)
	v.SetDefault("server.max_body_bytes", int64(10*1024*1024))

	v.SetDefault("fixtures.source_dir", "./fixtures")
	v.SetDefault("fixtures.manifest", "Mocks.json")
	v.SetDefault("fixtures.runtime_dir", "./.mocktap")
	v.SetDefault("fixtures.mode", "replay")
	v.SetDefault("fixtures.record_policy", "record")
	v.SetDefault("fixtures.exhaustion", "consume")
	v.SetDefault("fixtures.fallback_on_miss", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./mocktap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("upstream.timeout", 30)
	v.SetDefault("upstream.max_retries", 2)
	v.SetDefault("upstream.max_concurrent", 32)
	v.SetDefault("upstream.max_idle_conns", 200)
	v.SetDefault("upstream.max_idle_conns_per_host", 50)
	v.SetDefault("upstream.max_conns_per_host", 100)
	v.SetDefault("upstream.idle_conn_timeout", 90)
	v.SetDefault("upstream.response_header_timeout", 15)
	v.SetDefault("upstream.tls_handshake_timeout", 10)
	v.SetDefault("upstream.expect_continue_timeout", 1)
	v.SetDefault("upstream.tls_insecure_skip_verify", false)
	v.SetDefault("upstream.header_blacklist", []string{
		"connection",
		"keep-alive",
		"proxy-authenticate",
		"proxy-authorization",
		"proxy-connection",
		"te",
		"trailer",
		"transfer-encoding",
		"upgrade",
	})

	v.SetDefault("web.enable", true)
	v.SetDefault("web.admin_path", "/_mocktap")
	v.SetDefault("web.auth.enable", false)
	v.SetDefault("web.auth.session_timeout", "24h")
	v.SetDefault("web.auth.users", []map[string]string{
		{"username": "admin", "password": "admin123", "role": "admin"},
		{"username": "user", "password": "user123", "role": "viewer"},
	})
	v.SetDefault("web.export.enable", true)
	v.SetDefault("web.export.formats", []string{"json", "csv", "txt"})

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./.mocktap/journal.db")
	v.SetDefault("storage.max_records", 10000)
	v.SetDefault("storage.retention", "0s")
}

// Validate checks the configuration and fills normalized values in place.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}

	if strings.TrimSpace(c.Fixtures.RuntimeDir) == "" {
		return fmt.Errorf("fixtures runtime_dir cannot be empty")
	}
	manifest := strings.TrimSpace(c.Fixtures.Manifest)
	if manifest == "" {
		return fmt.Errorf("fixtures manifest cannot be empty")
	}
	if filepath.Base(manifest) != manifest {
		return fmt.Errorf("fixtures manifest must be a file name, got %q", manifest)
	}
	switch strings.ToLower(filepath.Ext(manifest)) {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("fixtures manifest must end in .json, .yaml or .yml")
	}
	c.Fixtures.Mode = strings.ToLower(strings.TrimSpace(c.Fixtures.Mode))
	switch c.Fixtures.Mode {
	case "":
		c.Fixtures.Mode = "replay"
	case "replay", "capture":
	default:
		return fmt.Errorf("fixtures mode must be 'replay' or 'capture'")
	}
	c.Fixtures.RecordPolicy = strings.ToLower(strings.TrimSpace(c.Fixtures.RecordPolicy))
	switch c.Fixtures.RecordPolicy {
	case "":
		c.Fixtures.RecordPolicy = "record"
	case "record", "override":
	default:
		return fmt.Errorf("fixtures record_policy must be 'record' or 'override'")
	}
	c.Fixtures.Exhaustion = strings.ToLower(strings.TrimSpace(c.Fixtures.Exhaustion))
	switch c.Fixtures.Exhaustion {
	case "":
		c.Fixtures.Exhaustion = "consume"
	case "consume", "retain":
	default:
		return fmt.Errorf("fixtures exhaustion must be 'consume' or 'retain'")
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Driver) == "" {
			c.Storage.Driver = "sqlite"
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("storage driver must be sqlite or memory")
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage max_records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream timeout cannot be negative")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream max retries cannot be negative")
	}
	if c.Upstream.MaxConcurrent < 1 {
		return fmt.Errorf("upstream max concurrent must be at least 1")
	}
	for i, h := range c.Upstream.HeaderBlacklist {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("upstream header_blacklist[%d] cannot be empty", i)
		}
	}

	if c.Web.Enable {
		if c.Web.AdminPath == "" {
			return fmt.Errorf("web admin path cannot be empty")
		}
		if !strings.HasPrefix(c.Web.AdminPath, "/") {
			return fmt.Errorf("web admin path must start with '/'")
		}
		c.Web.AdminPath = strings.TrimRight(c.Web.AdminPath, "/")
		if c.Web.AdminPath == "" {
			return fmt.Errorf("web admin path cannot be the root path")
		}

		if c.Web.Auth.Enable {
			if c.Web.Auth.SessionTimeout <= 0 {
				return fmt.Errorf("web auth session timeout must be greater than zero")
			}
			if len(c.Web.Auth.Users) == 0 {
				return fmt.Errorf("web auth requires at least one user")
			}
			validRoles := map[string]struct{}{"admin": {}, "viewer": {}}
			for i, user := range c.Web.Auth.Users {
				if user.Username == "" {
					return fmt.Errorf("web auth user %d username cannot be empty", i+1)
				}
				if user.Password == "" {
					return fmt.Errorf("web auth user %d password cannot be empty", i+1)
				}
				if user.Role == "" {
					return fmt.Errorf("web auth user %d role cannot be empty", i+1)
				}
				if _, ok := validRoles[strings.ToLower(user.Role)]; !ok {
					return fmt.Errorf("web auth user %d role must be admin or viewer", i+1)
				}
			}
		}

		if c.Web.Export.Enable {
			if len(c.Web.Export.Formats) == 0 {
				return fmt.Errorf("web export formats cannot be empty when export enabled")
			}
		}
	}

	return nil
}

func normalizeHeaderList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, h := range list {
		norm := strings.ToLower(strings.TrimSpace(h))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
