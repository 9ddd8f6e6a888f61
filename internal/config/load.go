package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/drivedav/internal/backoff"
	"github.com/tonimelisma/drivedav/internal/bandwidth"
)

// Resolved is the effective configuration after all override layers, with
// sizes and durations parsed.
type Resolved struct {
	ConfigPath string

	Addr           string
	AuthUser       string
	AuthPassword   string
	StripPrefix    string
	TLSCert        string
	TLSKey         string
	ReadOnly       bool
	ReadBufferSize int
	AutoIndex      bool

	RefreshToken string
	Root         string
	Workdir      string
	// Trash is false when no_trash is set or the PDS variant is selected,
	// which has no recycle bin.
	Trash          bool
	DomainID       string
	APIBaseURL     string
	TokenURL       string
	UploadPartSize int64
	// BandwidthLimit is bytes per second; 0 means unlimited.
	BandwidthLimit int64

	CacheSize int
	CacheTTL  time.Duration

	Retry backoff.Policy

	LoginInterval time.Duration
	LoginMaxPolls int

	LogLevel  string
	LogFormat string

	MetricsListen string
}

// Default API endpoints.
const (
	DefaultAPIBaseURL = "https://api.aliyundrive.com"
	pdsAPIBaseFormat  = "https://%s.api.aliyunpds.com"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	applyCLI(cfg, cli)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	r, err := build(cfg)
	if err != nil {
		return nil, err
	}

	r.ConfigPath = cfgPath

	return r, nil
}

func applyEnv(cfg *Config, env EnvOverrides) error {
	setString(&cfg.Drive.RefreshToken, env.RefreshToken)
	setString(&cfg.Server.Host, env.Host)
	setString(&cfg.Server.AuthUser, env.AuthUser)
	setString(&cfg.Server.AuthPassword, env.AuthPassword)
	setString(&cfg.Server.TLSCert, env.TLSCert)
	setString(&cfg.Server.TLSKey, env.TLSKey)
	setString(&cfg.Server.StripPrefix, env.StripPrefix)

	if env.Port != "" {
		port, err := strconv.Atoi(env.Port)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q: %w", EnvPort, env.Port, err)
		}

		cfg.Server.Port = port
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func override[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	override(&cfg.Server.Host, cli.Host)
	override(&cfg.Server.Port, cli.Port)
	override(&cfg.Server.AuthUser, cli.AuthUser)
	override(&cfg.Server.AuthPassword, cli.AuthPassword)
	override(&cfg.Server.StripPrefix, cli.StripPrefix)
	override(&cfg.Server.TLSCert, cli.TLSCert)
	override(&cfg.Server.TLSKey, cli.TLSKey)
	override(&cfg.Server.ReadOnly, cli.ReadOnly)
	override(&cfg.Server.ReadBufferSize, cli.ReadBufferSize)
	override(&cfg.Server.AutoIndex, cli.AutoIndex)
	override(&cfg.Drive.RefreshToken, cli.RefreshToken)
	override(&cfg.Drive.Root, cli.Root)
	override(&cfg.Drive.Workdir, cli.Workdir)
	override(&cfg.Drive.NoTrash, cli.NoTrash)
	override(&cfg.Drive.DomainID, cli.DomainID)
	override(&cfg.Cache.Size, cli.CacheSize)
	override(&cfg.Cache.TTL, cli.CacheTTL)
	override(&cfg.Metrics.Listen, cli.MetricsListen)
	override(&cfg.Drive.BandwidthLimit, cli.BandwidthLimit)
}

// build converts a validated Config into a Resolved.
func build(cfg *Config) (*Resolved, error) {
	r := &Resolved{
		Addr:          net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		AuthUser:      cfg.Server.AuthUser,
		AuthPassword:  cfg.Server.AuthPassword,
		StripPrefix:   cfg.Server.StripPrefix,
		TLSCert:       expandTilde(cfg.Server.TLSCert),
		TLSKey:        expandTilde(cfg.Server.TLSKey),
		ReadOnly:      cfg.Server.ReadOnly,
		AutoIndex:     cfg.Server.AutoIndex,
		RefreshToken:  cfg.Drive.RefreshToken,
		Root:          cfg.Drive.Root,
		Workdir:       expandTilde(cfg.Drive.Workdir),
		Trash:         !cfg.Drive.NoTrash && cfg.Drive.DomainID == "",
		DomainID:      cfg.Drive.DomainID,
		APIBaseURL:    cfg.Drive.APIBaseURL,
		TokenURL:      cfg.Drive.TokenURL,
		CacheSize:     cfg.Cache.Size,
		LoginMaxPolls: cfg.Login.MaxPolls,
		LogLevel:      cfg.Logging.LogLevel,
		LogFormat:     cfg.Logging.LogFormat,
		MetricsListen: cfg.Metrics.Listen,
	}

	if r.Workdir == "" {
		r.Workdir = DefaultCacheDir()
	}

	if r.APIBaseURL == "" {
		r.APIBaseURL = DefaultAPIBaseURL
		if r.DomainID != "" {
			r.APIBaseURL = fmt.Sprintf(pdsAPIBaseFormat, r.DomainID)
		}
	}

	bufSize, err := ParseSize(cfg.Server.ReadBufferSize)
	if err != nil {
		return nil, err
	}

	r.ReadBufferSize = int(bufSize)

	if r.UploadPartSize, err = ParseSize(cfg.Drive.UploadPartSize); err != nil {
		return nil, err
	}

	if r.BandwidthLimit, err = bandwidth.ParseRate(cfg.Drive.BandwidthLimit); err != nil {
		return nil, err
	}

	durations := []struct {
		dst *time.Duration
		src string
	}{
		{&r.CacheTTL, cfg.Cache.TTL},
		{&r.Retry.Base, cfg.Retry.BaseBackoff},
		{&r.Retry.Max, cfg.Retry.MaxBackoff},
		{&r.LoginInterval, cfg.Login.PollInterval},
	}

	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(d.src); err != nil {
			return nil, err
		}
	}

	r.Retry.MaxRetries = cfg.Retry.MaxRetries

	return r, nil
}
