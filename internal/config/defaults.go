package config

// Default values for configuration options. These are "layer 0" of the
// override chain and reproduce the behavior of running without any config.
const (
	defaultHost           = "0.0.0.0"
	defaultPort           = 8080
	defaultReadBufferSize = "10MiB"
	defaultRoot           = "/"
	defaultUploadPartSize = "10MiB"
	defaultBandwidthLimit = "0"
	defaultCacheSize      = 1000
	defaultCacheTTL       = "600s"
	defaultMaxRetries     = 5
	defaultBaseBackoff    = "1s"
	defaultMaxBackoff     = "60s"
	defaultPollInterval   = "3s"
	defaultMaxPolls       = 10
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           defaultHost,
			Port:           defaultPort,
			ReadBufferSize: defaultReadBufferSize,
		},
		Drive: DriveConfig{
			Root:           defaultRoot,
			UploadPartSize: defaultUploadPartSize,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Cache: CacheConfig{
			Size: defaultCacheSize,
			TTL:  defaultCacheTTL,
		},
		Retry: RetryConfig{
			MaxRetries:  defaultMaxRetries,
			BaseBackoff: defaultBaseBackoff,
			MaxBackoff:  defaultMaxBackoff,
		},
		Login: LoginConfig{
			PollInterval: defaultPollInterval,
			MaxPolls:     defaultMaxPolls,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
