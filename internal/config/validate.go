package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/drivedav/internal/bandwidth"
)

// Validation range constants.
const (
	minPort           = 1
	maxPort           = 65535
	minCacheSize      = 1
	minPartSize       = 100 * 1024
	maxPartSize       = 5 * 1024 * 1024 * 1024
	maxRetriesCeiling = 20
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateDrive(&cfg.Drive)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateLogin(&cfg.Login)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Port < minPort || s.Port > maxPort {
		errs = append(errs, fmt.Errorf("server.port: must be between %d and %d, got %d", minPort, maxPort, s.Port))
	}

	if (s.AuthUser == "") != (s.AuthPassword == "") {
		errs = append(errs, errors.New("server.auth_user and server.auth_password must be specified together"))
	}

	if (s.TLSCert == "") != (s.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be specified together"))
	}

	if s.StripPrefix != "" && !strings.HasPrefix(s.StripPrefix, "/") {
		errs = append(errs, fmt.Errorf("server.strip_prefix: must start with /, got %q", s.StripPrefix))
	}

	if n, err := ParseSize(s.ReadBufferSize); err != nil {
		errs = append(errs, fmt.Errorf("server.read_buffer_size: %w", err))
	} else if n <= 0 {
		errs = append(errs, errors.New("server.read_buffer_size: must be > 0"))
	}

	return errs
}

func validateDrive(d *DriveConfig) []error {
	var errs []error

	if !strings.HasPrefix(d.Root, "/") {
		errs = append(errs, fmt.Errorf("drive.root: must be an absolute path, got %q", d.Root))
	}

	if n, err := ParseSize(d.UploadPartSize); err != nil {
		errs = append(errs, fmt.Errorf("drive.upload_part_size: %w", err))
	} else if n < minPartSize || n > maxPartSize {
		errs = append(errs, fmt.Errorf("drive.upload_part_size: must be between 100KiB and 5GiB, got %q", d.UploadPartSize))
	}

	if _, err := bandwidth.ParseRate(d.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("drive.bandwidth_limit: %w", err))
	}

	errs = append(errs, validateURL("drive.api_base_url", d.APIBaseURL)...)
	errs = append(errs, validateURL("drive.token_url", d.TokenURL)...)

	return errs
}

func validateURL(field, value string) []error {
	if value == "" {
		return nil
	}

	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an absolute URL, got %q", field, value)}
	}

	return nil
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if c.Size < minCacheSize {
		errs = append(errs, fmt.Errorf("cache.size: must be >= %d, got %d", minCacheSize, c.Size))
	}

	errs = append(errs, validateDurationPositive("cache.ttl", c.TTL)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxRetries < 0 || r.MaxRetries > maxRetriesCeiling {
		errs = append(errs, fmt.Errorf("retry.max_retries: must be between 0 and %d, got %d", maxRetriesCeiling, r.MaxRetries))
	}

	errs = append(errs, validateDurationNonNeg("retry.base_backoff", r.BaseBackoff)...)
	errs = append(errs, validateDurationNonNeg("retry.max_backoff", r.MaxBackoff)...)

	return errs
}

func validateLogin(l *LoginConfig) []error {
	var errs []error

	if l.MaxPolls < 1 {
		errs = append(errs, fmt.Errorf("login.max_polls: must be >= 1, got %d", l.MaxPolls))
	}

	errs = append(errs, validateDurationPositive("login.poll_interval", l.PollInterval)...)

	return errs
}

func validateDurationPositive(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d <= 0 {
		return []error{fmt.Errorf("%s: must be > 0, got %s", field, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}
