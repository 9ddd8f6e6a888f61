// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivedav. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// produces a Resolved value with every size and duration already parsed.
package config

// Config is the raw configuration as written in the TOML file. Sizes and
// durations stay strings here so "10MiB" and "600s" round-trip unchanged.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Drive   DriveConfig   `toml:"drive"`
	Cache   CacheConfig   `toml:"cache"`
	Retry   RetryConfig   `toml:"retry"`
	Login   LoginConfig   `toml:"login"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig controls the WebDAV listener.
type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	AuthUser       string `toml:"auth_user"`
	AuthPassword   string `toml:"auth_password"`
	StripPrefix    string `toml:"strip_prefix"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
	ReadOnly       bool   `toml:"read_only"`
	ReadBufferSize string `toml:"read_buffer_size"`
	// AutoIndex renders an HTML listing for browser GETs on folders.
	AutoIndex bool `toml:"auto_index"`
}

// DriveConfig selects the account and how it is exposed.
type DriveConfig struct {
	RefreshToken string `toml:"refresh_token"`
	// Root is the remote folder served as "/".
	Root    string `toml:"root"`
	Workdir string `toml:"workdir"`
	NoTrash bool   `toml:"no_trash"`
	// DomainID selects the PDS variant.
	DomainID       string `toml:"domain_id"`
	APIBaseURL     string `toml:"api_base_url"`
	TokenURL       string `toml:"token_url"`
	UploadPartSize string `toml:"upload_part_size"`
	// BandwidthLimit caps combined transfer throughput, e.g. "5MB/s".
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// CacheConfig bounds the directory entry cache.
type CacheConfig struct {
	Size int    `toml:"size"`
	TTL  string `toml:"ttl"`
}

// RetryConfig bounds retries of remote calls and token refreshes.
type RetryConfig struct {
	MaxRetries  int    `toml:"max_retries"`
	BaseBackoff string `toml:"base_backoff"`
	MaxBackoff  string `toml:"max_backoff"`
}

// LoginConfig controls QR login polling.
type LoginConfig struct {
	PollInterval string `toml:"poll_interval"`
	MaxPolls     int    `toml:"max_polls"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig enables the Prometheus listener when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value", so --read-only=false wins over a
// file that says true.
type CLIOverrides struct {
	ConfigPath     string
	Host           *string
	Port           *int
	RefreshToken   *string
	AuthUser       *string
	AuthPassword   *string
	Root           *string
	Workdir        *string
	NoTrash        *bool
	DomainID       *string
	ReadOnly       *bool
	ReadBufferSize *string
	AutoIndex      *bool
	CacheSize      *int
	CacheTTL       *string
	StripPrefix    *string
	TLSCert        *string
	TLSKey         *string
	MetricsListen  *string
	BandwidthLimit *string
}
